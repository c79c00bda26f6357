// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/agent"
	"github.com/quicrq/quicrq-go/pkg/discovery"
	"github.com/quicrq/quicrq-go/pkg/relay"
	"github.com/quicrq/quicrq-go/pkg/session"
	"github.com/quicrq/quicrq-go/pkg/tickets"
	"github.com/quicrq/quicrq-go/pkg/transport"
	"github.com/quicrq/quicrq-go/pkg/transport/quicnet"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Relay     relayConf
	Cache     cacheConf
	Agent     agentConf
	Discovery discoveryConf
	Spool     spoolConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	Listen      string
	CertFile    string `toml:"cert-file"`
	KeyFile     string `toml:"key-file"`
	TicketStore string `toml:"ticket-store"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// relayConf describes the node role.
type relayConf struct {
	Mode      string // "origin" or "relay"
	Upstream  string
	Sni       string
	CertRoot  string `toml:"cert-root"`
	Insecure  bool
	Datagrams bool
}

// cacheConf describes the Cache-configuration block.
type cacheConf struct {
	DurationSeconds   uint64 `toml:"duration-seconds"`
	CongestionControl bool   `toml:"congestion-control"`
	MinDropFlags      uint8  `toml:"min-drop-flags"`
	MaxDrops          int    `toml:"max-drops"`
	ExtraRepeat       bool   `toml:"extra-repeat"`
	ExtraRepeatCount  int    `toml:"extra-repeat-count"`
	ExtraRepeatDelay  uint64 `toml:"extra-repeat-delay-us"`
}

// agentConf describes the HTTP agent endpoints.
type agentConf struct {
	Listen string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	Enable   bool
	Name     string
	Port     uint
	Interval uint
}

// spoolConf describes the watched publish directory.
type spoolConf struct {
	Directory string
	URLPrefix string `toml:"url-prefix"`
}

// daemon bundles everything a running node owns.
type daemon struct {
	conf tomlConfig

	serializer *quicnet.Serializer
	ctx        *session.Context
	listener   *quicnet.Listener
	tickets    *tickets.Store
	discovery  *discovery.Manager
	httpServer *http.Server
}

// setupLogging applies the Logging block, dtnd-style.
func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.Warn("Unknown logging format")
	}
}

// serverTLS builds the server credentials, persisting the ticket key.
func (d *daemon) serverTLS() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(d.conf.Core.CertFile, d.conf.Core.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server credentials: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}
	if d.tickets != nil {
		key, keyErr := d.tickets.TicketEncryptionKey()
		if keyErr != nil {
			return nil, keyErr
		}
		tlsConf.SetSessionTicketKeys([][32]byte{key})
	}
	return tlsConf, nil
}

// clientTLS builds the upstream credentials of a relay.
func (d *daemon) clientTLS() (*tls.Config, error) {
	tlsConf := &tls.Config{
		ServerName:         d.conf.Relay.Sni,
		InsecureSkipVerify: d.conf.Relay.Insecure,
	}
	if d.conf.Relay.CertRoot != "" {
		pem, err := os.ReadFile(d.conf.Relay.CertRoot)
		if err != nil {
			return nil, fmt.Errorf("loading trust roots: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no usable certificate in %s", d.conf.Relay.CertRoot)
		}
		tlsConf.RootCAs = pool
	}
	return tlsConf, nil
}

// parseDaemon builds a daemon from the TOML configuration.
func parseDaemon(filename string) (*daemon, error) {
	d := &daemon{}
	if _, err := toml.DecodeFile(filename, &d.conf); err != nil {
		return nil, err
	}

	setupLogging(d.conf.Logging)

	if d.conf.Core.Listen == "" {
		return nil, fmt.Errorf("core.listen is empty")
	}

	if d.conf.Core.TicketStore != "" {
		store, err := tickets.NewStore(d.conf.Core.TicketStore)
		if err != nil {
			return nil, err
		}
		d.tickets = store
	}

	d.serializer = quicnet.NewSerializer()
	clock := transport.NewWallClock()
	d.ctx = session.NewContext(clock, session.Options{
		CacheDuration:     d.conf.Cache.DurationSeconds * 1_000_000,
		CongestionControl: d.conf.Cache.CongestionControl,
		MinDropFlags:      d.conf.Cache.MinDropFlags,
		MaxDrops:          d.conf.Cache.MaxDrops,
		ExtraRepeat:       d.conf.Cache.ExtraRepeat,
		ExtraRepeatCount:  d.conf.Cache.ExtraRepeatCount,
		ExtraRepeatDelay:  d.conf.Cache.ExtraRepeatDelay,
	})

	serverTLS, err := d.serverTLS()
	if err != nil {
		return nil, err
	}
	d.listener, err = quicnet.Listen(d.conf.Core.Listen,
		quicnet.Config{TLS: serverTLS}, clock, d.serializer)
	if err != nil {
		return nil, err
	}

	switch d.conf.Relay.Mode {
	case "", "origin":
		relay.EnableOrigin(d.ctx, d.conf.Relay.Datagrams)
	case "relay":
		if d.conf.Relay.Upstream == "" {
			return nil, fmt.Errorf("relay.upstream is empty")
		}
		clientTLS, tlsErr := d.clientTLS()
		if tlsErr != nil {
			return nil, tlsErr
		}
		upstream := d.conf.Relay.Upstream
		relay.EnableRelay(d.ctx, func() (*session.Conn, error) {
			tc, dialErr := quicnet.Dial(context.Background(), upstream,
				quicnet.Config{TLS: clientTLS}, clock, d.serializer)
			if dialErr != nil {
				return nil, dialErr
			}
			conn := d.ctx.NewConn(tc, false)
			tc.SetHandler(conn)
			tc.Start()
			return conn, nil
		}, d.conf.Relay.Datagrams)
	default:
		return nil, fmt.Errorf("unknown relay.mode %q", d.conf.Relay.Mode)
	}

	if d.conf.Agent.Listen != "" {
		dispatch := agent.Dispatch(d.serializer.Post)
		muxer := http.NewServeMux()
		muxer.Handle("/watch", agent.NewWebSocketAgent(d.ctx, dispatch))
		muxer.Handle("/", agent.NewRestAgent(d.ctx, dispatch))
		d.httpServer = &http.Server{Addr: d.conf.Agent.Listen, Handler: muxer}
		go func() {
			if serveErr := d.httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				log.WithError(serveErr).Error("Agent HTTP server failed")
			}
		}()
	}

	if d.conf.Discovery.Enable {
		interval := d.conf.Discovery.Interval
		if interval == 0 {
			interval = 10
		}
		d.discovery, err = discovery.NewManager(discovery.Announcement{
			Name:         d.conf.Discovery.Name,
			Port:         d.conf.Discovery.Port,
			UseDatagrams: d.conf.Relay.Datagrams,
		}, time.Duration(interval)*time.Second, nil)
		if err != nil {
			return nil, err
		}
	}

	return d, nil
}
