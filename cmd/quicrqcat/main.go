// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// quicrqcat subscribes to a media URL and writes the received objects as a
// media container to a file or stdout.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/media"
	"github.com/quicrq/quicrq-go/pkg/session"
	"github.com/quicrq/quicrq-go/pkg/transport"
	"github.com/quicrq/quicrq-go/pkg/transport/quicnet"
	"github.com/quicrq/quicrq-go/pkg/wire"
)

// notifySink signals completion of the wrapped media sink.
type notifySink struct {
	*media.Sink
	done chan struct{}
}

func (s *notifySink) OnComplete() {
	s.Sink.OnComplete()
	close(s.done)
}

func parseIntent(name string) uint64 {
	switch name {
	case "", "start":
		return wire.IntentStart
	case "current-group":
		return wire.IntentCurrentGroup
	case "next-group":
		return wire.IntentNextGroup
	default:
		log.WithField("intent", name).Fatal("Unknown intent")
		return 0
	}
}

func main() {
	var (
		server   = flag.String("server", "localhost:4443", "relay or origin address")
		sni      = flag.String("sni", "", "server name for TLS")
		rootFile = flag.String("root", "", "trust root PEM file")
		insecure = flag.Bool("insecure", false, "skip certificate verification")
		url      = flag.String("url", "", "media URL to subscribe to")
		datagram = flag.Bool("datagram", false, "receive as datagrams")
		intent   = flag.String("intent", "start", "start | current-group | next-group")
		output   = flag.String("output", "-", "output file, - for stdout")
	)
	flag.Parse()

	if *url == "" {
		log.Fatal("Missing -url")
	}

	out := os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			log.WithError(err).Fatal("Failed to create output file")
		}
		defer f.Close()
		out = f
	}

	tlsConf := &tls.Config{
		ServerName:         *sni,
		InsecureSkipVerify: *insecure,
	}
	if *rootFile != "" {
		pem, err := os.ReadFile(*rootFile)
		if err != nil {
			log.WithError(err).Fatal("Failed to read trust roots")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			log.Fatal("No usable certificate in trust roots")
		}
		tlsConf.RootCAs = pool
	}

	serializer := quicnet.NewSerializer()
	go serializer.Run()
	clock := transport.NewWallClock()

	tc, err := quicnet.Dial(context.Background(), *server,
		quicnet.Config{TLS: tlsConf}, clock, serializer)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect")
	}

	ctx := session.NewContext(clock, session.Options{})
	sink := &notifySink{
		Sink: media.NewSink(media.NewWriter(out)),
		done: make(chan struct{}),
	}

	serializer.Post(func() {
		conn := ctx.NewConn(tc, false)
		tc.SetHandler(conn)
		tc.Start()
		if _, err := conn.Subscribe(*url, *datagram, parseIntent(*intent), sink); err != nil {
			log.WithError(err).Fatal("Subscribe failed")
		}
	})

	<-sink.done
	if err := sink.Err(); err != nil {
		log.WithError(err).Fatal("Writing media failed")
	}
	log.Info("Media complete")

	serializer.Post(func() { _ = tc.Close(transport.ErrorCodeNone) })
	serializer.Stop()
}
