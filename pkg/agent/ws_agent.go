// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/session"
)

// clientBuffer bounds per-client queued objects before the feed drops.
const clientBuffer = 64

// Dispatch posts work onto the context's event loop; agent requests arrive
// on HTTP goroutines and must not touch the core directly.
type Dispatch func(func())

// WebSocketAgent streams media objects of local sources to WebSocket
// clients. Bind ServeHTTP to an endpoint such as /watch.
type WebSocketAgent struct {
	ctx      *session.Context
	dispatch Dispatch
	upgrader websocket.Upgrader
}

// NewWebSocketAgent creates the agent for a context.
func NewWebSocketAgent(ctx *session.Context, dispatch Dispatch) *WebSocketAgent {
	return &WebSocketAgent{
		ctx:      ctx,
		dispatch: dispatch,
		upgrader: websocket.Upgrader{},
	}
}

// wsSink forwards tapped objects into the client writer goroutine. Slow
// clients lose objects rather than stalling the core.
type wsSink struct {
	feed chan *ObjectMessage
	done chan struct{}
}

func (s *wsSink) OnObject(groupID, objectID uint64, data []byte, flags byte) {
	msg := &ObjectMessage{
		GroupID:  groupID,
		ObjectID: objectID,
		Flags:    flags,
		Data:     append([]byte(nil), data...),
	}
	select {
	case s.feed <- msg:
	default:
		log.WithFields(log.Fields{
			"group":  groupID,
			"object": objectID,
		}).Warn("WebSocket client too slow, dropping object")
	}
}

func (s *wsSink) OnComplete() {
	close(s.done)
}

// ServeHTTP upgrades the request and feeds the source named by the url
// query parameter.
func (a *WebSocketAgent) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(rw, "missing url parameter", http.StatusBadRequest)
		return
	}

	conn, err := a.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	sink := &wsSink{
		feed: make(chan *ObjectMessage, clientBuffer),
		done: make(chan struct{}),
	}

	type tapResult struct {
		cancel func()
		ok     bool
	}
	attached := make(chan tapResult, 1)
	a.dispatch(func() {
		src := a.ctx.LookupSource(url)
		if src == nil {
			attached <- tapResult{}
			return
		}
		attached <- tapResult{cancel: src.Tap(sink), ok: true}
	})

	result := <-attached
	if !result.ok {
		log.WithField("url", url).Info("WebSocket watch for unknown source")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown url"), controlDeadline())
		_ = conn.Close()
		return
	}

	log.WithField("url", url).Info("WebSocket client watching source")
	go a.writeFeed(conn, url, sink, result.cancel)
}

func (a *WebSocketAgent) writeFeed(conn *websocket.Conn, url string, sink *wsSink, cancel func()) {
	defer func() {
		a.dispatch(cancel)
		_ = conn.Close()
	}()

	for {
		select {
		case msg := <-sink.feed:
			buf := new(bytes.Buffer)
			if err := msg.MarshalCbor(buf); err != nil {
				log.WithError(err).Warn("Encoding object message errored")
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
				log.WithFields(log.Fields{
					"url":   url,
					"error": err,
				}).Debug("WebSocket client gone")
				return
			}
		case <-sink.done:
			// Drain what the feed already holds, then say goodbye.
			for {
				select {
				case msg := <-sink.feed:
					buf := new(bytes.Buffer)
					if err := msg.MarshalCbor(buf); err != nil {
						return
					}
					if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "media finished"), controlDeadline())
					return
				}
			}
		}
	}
}

// controlDeadline bounds close-frame writes.
func controlDeadline() time.Time {
	return time.Now().Add(5 * time.Second)
}
