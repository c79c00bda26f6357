// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package session ties the quicrq core together: the per-process context,
// its media sources, the connections, and the per-stream state machines
// dispatching transport events into the fragment cache and its publishers.
package session

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/fragment"
	"github.com/quicrq/quicrq-go/pkg/transport"
)

// RelayHooks customize how a context resolves URLs it does not carry yet and
// where posted media propagates. Origins and relays install different hooks.
type RelayHooks interface {
	// CreateSource is invoked on the first subscribe for an unknown URL.
	// Relays start an upstream subscription here. A post for an unknown
	// URL creates the source without calling it.
	CreateSource(src *Source) error

	// SourcePosted is invoked after a posted URL was accepted; relays
	// re-post upstream.
	SourcePosted(src *Source) error

	// UseDatagrams selects the mode offered when accepting a post.
	UseDatagrams() bool
}

// Options tune a context.
type Options struct {
	// CacheDuration is the archival purge age in microseconds; zero keeps
	// fragments until their source closes.
	CacheDuration uint64

	// CongestionControl activates skip-on-backlog for datagram readers.
	CongestionControl bool

	// MinDropFlags and MaxDrops parameterize the per-connection skip
	// policy.
	MinDropFlags byte
	MaxDrops     int

	// ExtraRepeat queues additional proactive copies of each repeat.
	ExtraRepeat      bool
	ExtraRepeatCount int
	// ExtraRepeatDelay spaces proactive repeats, in microseconds.
	ExtraRepeatDelay uint64
}

// Context owns everything reachable in one quicrq node: the source
// registry, the open connections, the role hooks, and the clock. All entry
// points must be driven from a single transport loop.
type Context struct {
	clock   transport.Clock
	sources map[string]*Source
	conns   []*Conn

	hooks RelayHooks
	opts  Options

	cacheClosingNeeded bool
}

// NewContext creates an empty context on the given clock.
func NewContext(clock transport.Clock, opts Options) *Context {
	if clock == nil {
		clock = transport.NewWallClock()
	}
	return &Context{
		clock:   clock,
		sources: make(map[string]*Source),
		opts:    opts,
	}
}

// Now returns the context's current time in microseconds.
func (ctx *Context) Now() uint64 {
	return ctx.clock.Now()
}

// Options returns the active tuning options.
func (ctx *Context) Options() Options {
	return ctx.opts
}

// SetRelayHooks installs the role behavior; nil reverts to a plain node.
func (ctx *Context) SetRelayHooks(hooks RelayHooks) {
	ctx.hooks = hooks
}

// Publish registers a local media source under url.
func (ctx *Context) Publish(url string, realTime bool) (*Source, error) {
	if _, ok := ctx.sources[url]; ok {
		return nil, fmt.Errorf("session: url %q already published", url)
	}
	src := ctx.newSource(url)
	src.cache.RealTime = realTime
	log.WithFields(log.Fields{
		"url":      url,
		"realTime": realTime,
	}).Info("Published media source")
	return src, nil
}

func (ctx *Context) newSource(url string) *Source {
	src := &Source{
		ctx:   ctx,
		url:   url,
		cache: fragment.NewCache(),
	}
	src.cache.SetNotifier(src)
	ctx.sources[url] = src
	return src
}

// LookupSource returns the registered source for url, if any.
func (ctx *Context) LookupSource(url string) *Source {
	return ctx.sources[url]
}

// SourceURLs lists the registered URLs.
func (ctx *Context) SourceURLs() []string {
	urls := make([]string, 0, len(ctx.sources))
	for url := range ctx.sources {
		urls = append(urls, url)
	}
	return urls
}

// resolveSource finds or, via the role hooks, creates the source serving a
// subscribe or post.
func (ctx *Context) resolveSource(url string) (*Source, error) {
	if src, ok := ctx.sources[url]; ok {
		return src, nil
	}
	if ctx.hooks == nil {
		return nil, fmt.Errorf("session: no source for url %q", url)
	}
	src := ctx.newSource(url)
	if err := ctx.hooks.CreateSource(src); err != nil {
		delete(ctx.sources, url)
		return nil, err
	}
	return src, nil
}

// NewConn wraps a transport connection. The returned Conn is the
// transport.Handler to register with the substrate.
func (ctx *Context) NewConn(tc transport.Connection, isServer bool) *Conn {
	conn := &Conn{
		ctx:      ctx,
		tc:       tc,
		isServer: isServer,
		streams:  make(map[uint64]*Stream),
		congestion: fragment.CongestionPolicy{
			Enabled:      ctx.opts.CongestionControl,
			MinDropFlags: ctx.opts.MinDropFlags,
			MaxDrops:     ctx.opts.MaxDrops,
		},
	}
	ctx.conns = append(ctx.conns, conn)
	return conn
}

func (ctx *Context) removeConn(conn *Conn) {
	for i, c := range ctx.conns {
		if c == conn {
			ctx.conns = append(ctx.conns[:i], ctx.conns[i+1:]...)
			return
		}
	}
}

// NbConns returns the number of live connections.
func (ctx *Context) NbConns() int {
	return len(ctx.conns)
}

// SweepCaches reclaims closed caches past their delete time and applies the
// archival purge age. Driven periodically by the node's run loop.
func (ctx *Context) SweepCaches() {
	now := ctx.clock.Now()
	ctx.cacheClosingNeeded = false
	for _, src := range ctx.sources {
		if ctx.opts.CacheDuration > 0 && !src.cache.RealTime {
			src.cache.PurgeArchival(now, ctx.opts.CacheDuration,
				fragment.ObjectRef{GroupID: src.cache.NextGroupID, ObjectID: src.cache.NextObjectID})
		}
		if src.NbReaders() == 0 && src.cache.ShouldDelete(now) {
			src.delete()
		}
	}
}

// CacheClosingNeeded reports whether a sweep is due.
func (ctx *Context) CacheClosingNeeded() bool {
	return ctx.cacheClosingNeeded
}

// Close tears down every connection and source.
func (ctx *Context) Close() error {
	var result *multierror.Error
	for len(ctx.conns) > 0 {
		conn := ctx.conns[0]
		if err := conn.Close(transport.ErrorCodeNone); err != nil {
			result = multierror.Append(result, err)
		}
		ctx.removeConn(conn)
	}
	for url, src := range ctx.sources {
		src.cache.SetNotifier(nil)
		delete(ctx.sources, url)
	}
	return result.ErrorOrNil()
}
