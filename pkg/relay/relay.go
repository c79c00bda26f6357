// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package relay implements the intermediate cache roles: a relay proxies
// unknown URLs to an upstream node, an origin answers from its own sources
// only. Both roles serve every reader from the local fragment cache.
package relay

import (
	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/session"
	"github.com/quicrq/quicrq-go/pkg/wire"
)

// Dial creates a connection to the upstream node. Relays call it lazily on
// the first unknown URL and reuse the connection afterwards.
type Dial func() (*session.Conn, error)

// Relay forwards cache misses to an upstream node.
type Relay struct {
	ctx          *session.Context
	dial         Dial
	useDatagrams bool

	upstream *session.Conn
}

// EnableRelay installs the relay role on a context.
func EnableRelay(ctx *session.Context, dial Dial, useDatagrams bool) *Relay {
	r := &Relay{
		ctx:          ctx,
		dial:         dial,
		useDatagrams: useDatagrams,
	}
	ctx.SetRelayHooks(r)
	log.WithField("datagrams", useDatagrams).Info("Relay role enabled")
	return r
}

// connection returns the upstream connection, dialing on first use.
func (r *Relay) connection() (*session.Conn, error) {
	if r.upstream != nil {
		return r.upstream, nil
	}
	conn, err := r.dial()
	if err != nil {
		return nil, err
	}
	r.upstream = conn
	return conn, nil
}

// CreateSource implements session.RelayHooks: pull the URL from upstream
// into the freshly created source's cache.
func (r *Relay) CreateSource(src *session.Source) error {
	conn, err := r.connection()
	if err != nil {
		return err
	}
	_, err = conn.SubscribeInto(src.URL(), r.useDatagrams, wire.IntentStart, src.Cache())
	if err == nil {
		log.WithField("url", src.URL()).Info("Relay subscribed upstream")
	}
	return err
}

// SourcePosted implements session.RelayHooks: re-post accepted media to the
// upstream node.
func (r *Relay) SourcePosted(src *session.Source) error {
	conn, err := r.connection()
	if err != nil {
		return err
	}
	_, err = conn.Post(src.URL(), src)
	if err == nil {
		log.WithField("url", src.URL()).Info("Relay posted upstream")
	}
	return err
}

// UseDatagrams implements session.RelayHooks.
func (r *Relay) UseDatagrams() bool {
	return r.useDatagrams
}

// Origin is a relay without an upstream: unknown subscribed URLs become
// empty sources that fill when a publisher posts them.
type Origin struct {
	useDatagrams bool
}

// EnableOrigin installs the origin role on a context.
func EnableOrigin(ctx *session.Context, useDatagrams bool) *Origin {
	o := &Origin{useDatagrams: useDatagrams}
	ctx.SetRelayHooks(o)
	log.WithField("datagrams", useDatagrams).Info("Origin role enabled")
	return o
}

// CreateSource implements session.RelayHooks; the origin simply waits for a
// post to fill the source.
func (o *Origin) CreateSource(src *session.Source) error {
	log.WithField("url", src.URL()).Info("Origin created source awaiting post")
	return nil
}

// SourcePosted implements session.RelayHooks; origins keep posted media
// local.
func (o *Origin) SourcePosted(*session.Source) error {
	return nil
}

// UseDatagrams implements session.RelayHooks.
func (o *Origin) UseDatagrams() bool {
	return o.useDatagrams
}
