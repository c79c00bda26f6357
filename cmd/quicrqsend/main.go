// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// quicrqsend posts a media container file, optionally xz-compressed, to a
// relay or origin.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/media"
	"github.com/quicrq/quicrq-go/pkg/session"
	"github.com/quicrq/quicrq-go/pkg/transport"
	"github.com/quicrq/quicrq-go/pkg/transport/quicnet"
)

func main() {
	var (
		server   = flag.String("server", "localhost:4443", "relay or origin address")
		sni      = flag.String("sni", "", "server name for TLS")
		insecure = flag.Bool("insecure", false, "skip certificate verification")
		url      = flag.String("url", "", "media URL to publish")
		file     = flag.String("file", "", "media container file (.xz supported)")
		fps      = flag.Int("fps", 30, "objects per second, 0 sends at once")
		realTime = flag.Bool("real-time", false, "use the real-time cache policy")
	)
	flag.Parse()

	if *url == "" || *file == "" {
		log.Fatal("Missing -url or -file")
	}

	reader, err := media.Open(*file)
	if err != nil {
		log.WithError(err).Fatal("Failed to open media file")
	}
	defer reader.Close()

	var objects []*media.Object
	r := media.NewReader(reader)
	for {
		obj, readErr := r.Next()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			log.WithError(readErr).Fatal("Failed to read media file")
		}
		objects = append(objects, obj)
	}
	log.WithField("objects", len(objects)).Info("Loaded media container")

	serializer := quicnet.NewSerializer()
	go serializer.Run()
	clock := transport.NewWallClock()

	tc, err := quicnet.Dial(context.Background(), *server, quicnet.Config{
		TLS: &tls.Config{ServerName: *sni, InsecureSkipVerify: *insecure},
	}, clock, serializer)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect")
	}

	ctx := session.NewContext(clock, session.Options{})

	var src *session.Source
	ready := make(chan error, 1)
	serializer.Post(func() {
		conn := ctx.NewConn(tc, false)
		tc.SetHandler(conn)
		tc.Start()
		var pubErr error
		if src, pubErr = ctx.Publish(*url, *realTime); pubErr == nil {
			_, pubErr = conn.Post(*url, src)
		}
		ready <- pubErr
	})
	if err := <-ready; err != nil {
		log.WithError(err).Fatal("Post failed")
	}

	var interval time.Duration
	if *fps > 0 {
		interval = time.Second / time.Duration(*fps)
	}
	for _, obj := range objects {
		obj := obj
		sent := make(chan struct{})
		serializer.Post(func() {
			if obj.NewGroup {
				src.NextGroup()
			}
			src.PublishObject(obj.Data, obj.Flags, 0)
			close(sent)
		})
		<-sent
		if interval > 0 {
			time.Sleep(interval)
		}
	}

	serializer.Post(func() { src.CloseSource() })
	log.Info("Media published, waiting for delivery")

	// Let the transport drain before closing.
	time.Sleep(2 * time.Second)
	serializer.Post(func() { _ = tc.Close(transport.ErrorCodeNone) })
	serializer.Stop()
}
