// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	d, err := parseDaemon(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	go d.serializer.Run()
	go d.acceptLoop()

	if d.conf.Spool.Directory != "" {
		watcher, watchErr := newSpoolWatcher(d)
		if watchErr != nil {
			log.WithError(watchErr).Fatal("Failed to watch spool directory")
		}
		go watcher.run()
		defer watcher.close()
	}

	// Periodic cache sweep on the core loop.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.serializer.Post(d.ctx.SweepCaches)
			case <-sweepDone:
				return
			}
		}
	}()

	waitSigint()
	log.Info("Shutting down..")

	close(sweepDone)
	if d.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = d.httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	if d.discovery != nil {
		d.discovery.Close()
	}
	_ = d.listener.Close()

	closed := make(chan struct{})
	d.serializer.Post(func() {
		if err := d.ctx.Close(); err != nil {
			log.WithError(err).Warn("Context teardown reported errors")
		}
		close(closed)
	})
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
	}
	d.serializer.Stop()

	if d.tickets != nil {
		_ = d.tickets.Close()
	}
}

// acceptLoop registers every incoming connection with the context.
func (d *daemon) acceptLoop() {
	for {
		tc, err := d.listener.Accept(context.Background())
		if err != nil {
			log.WithError(err).Info("Listener stopped")
			return
		}
		d.serializer.Post(func() {
			conn := d.ctx.NewConn(tc, true)
			tc.SetHandler(conn)
			tc.Start()
		})
	}
}
