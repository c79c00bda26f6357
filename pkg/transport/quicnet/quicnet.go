// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package quicnet adapts quic-go to the transport contract: reliable
// streams with prepare-to-send pumping and DATAGRAM frames for media.
//
// quic-go does not surface per-datagram fates, so the adapter synthesizes
// an acknowledgement for every sent datagram after AckDelay. Loss recovery
// over real networks therefore leans on the receiver-side cache semantics
// rather than sender repeats; the simulated transport exercises the full
// ack and repeat machinery.
package quicnet

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	quic "github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/transport"
)

// ALPN is the application protocol token.
const ALPN = "quicrq-h00"

// maxDatagramSize is a conservative bound below the usual QUIC MTU.
const maxDatagramSize = 1200

// streamBudget bounds one prepare-to-send pump.
const streamBudget = 4096

// Config tunes an endpoint.
type Config struct {
	TLS *tls.Config

	// AckDelay is when the synthetic datagram ack fires.
	AckDelay time.Duration

	// IdleTimeout closes silent connections.
	IdleTimeout time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.AckDelay == 0 {
		cfg.AckDelay = 100 * time.Millisecond
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return cfg
}

func (cfg Config) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  cfg.IdleTimeout,
	}
}

// Serializer is the single event loop shared by every connection of one
// quicrq context, keeping the core free of locks. Create one per context
// and run it on its own goroutine.
type Serializer struct {
	queue chan func()
	done  chan struct{}
}

// NewSerializer creates an idle serializer.
func NewSerializer() *Serializer {
	return &Serializer{
		queue: make(chan func(), 256),
		done:  make(chan struct{}),
	}
}

// Run processes posted work until Stop is called.
func (s *Serializer) Run() {
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-s.done:
			return
		}
	}
}

// Post schedules fn on the loop. Safe from any goroutine.
func (s *Serializer) Post(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.done:
	}
}

// Stop ends the loop.
func (s *Serializer) Stop() {
	close(s.done)
}

// Conn adapts one quic-go connection. All handler callbacks run on the
// context's serializer loop.
type Conn struct {
	qconn   quic.Connection
	cfg     Config
	clock   transport.Clock
	handler transport.Handler

	ser *Serializer

	streams        map[uint64]*streamState
	datagramActive bool
	datagramPump   bool

	closed bool
}

type streamState struct {
	stream  quic.Stream
	active  bool
	writing bool
	reset   bool
}

func newConn(qconn quic.Connection, cfg Config, clock transport.Clock, ser *Serializer) *Conn {
	return &Conn{
		qconn:   qconn,
		cfg:     cfg,
		clock:   clock,
		ser:     ser,
		streams: make(map[uint64]*streamState),
	}
}

// Dial connects to a quicrq server.
func Dial(ctx context.Context, addr string, cfg Config, clock transport.Clock, ser *Serializer) (*Conn, error) {
	cfg = cfg.withDefaults()
	tlsConf := cfg.TLS.Clone()
	tlsConf.NextProtos = []string{ALPN}
	qconn, err := quic.DialAddrContext(ctx, addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, err
	}
	return newConn(qconn, cfg, clock, ser), nil
}

// Listener accepts quicrq connections.
type Listener struct {
	listener *quic.Listener
	cfg      Config
	clock    transport.Clock
	ser      *Serializer
}

// Listen binds a server endpoint.
func Listen(addr string, cfg Config, clock transport.Clock, ser *Serializer) (*Listener, error) {
	cfg = cfg.withDefaults()
	tlsConf := cfg.TLS.Clone()
	tlsConf.NextProtos = []string{ALPN}
	lst, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, err
	}
	log.WithField("address", addr).Info("Listening for quicrq connections")
	return &Listener{listener: lst, cfg: cfg, clock: clock, ser: ser}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qconn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	log.WithField("peer", qconn.RemoteAddr()).Info("Accepted quicrq connection")
	return newConn(qconn, l.cfg, l.clock, l.ser), nil
}

// Close stops accepting.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// SetHandler registers the core handler.
func (c *Conn) SetHandler(h transport.Handler) {
	c.handler = h
}

// Start launches the connection's goroutines. The handler must be set and
// the serializer running.
func (c *Conn) Start() {
	go c.acceptStreams()
	go c.receiveDatagrams()
}

// post schedules fn on the context's serializer.
func (c *Conn) post(fn func()) {
	c.ser.Post(fn)
}

func (c *Conn) acceptStreams() {
	for {
		stream, err := c.qconn.AcceptStream(context.Background())
		if err != nil {
			c.post(func() { c.connectionGone(err) })
			return
		}
		c.post(func() {
			c.streams[uint64(stream.StreamID())] = &streamState{stream: stream}
		})
		go c.readStream(stream)
	}
}

func (c *Conn) readStream(stream quic.Stream) {
	id := uint64(stream.StreamID())
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			fin := errors.Is(err, io.EOF)
			c.post(func() {
				if c.handler == nil || c.closed {
					return
				}
				if herr := c.handler.OnStreamData(id, data, fin); herr != nil {
					c.failConnection(herr)
				}
			})
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return
			}
			if errors.Is(err, io.EOF) {
				c.post(func() {
					if c.handler == nil || c.closed {
						return
					}
					if herr := c.handler.OnStreamData(id, nil, true); herr != nil {
						c.failConnection(herr)
					}
				})
				return
			}
			var serr *quic.StreamError
			if errors.As(err, &serr) {
				c.post(func() {
					if c.handler != nil && !c.closed {
						_ = c.handler.OnStreamReset(id)
					}
				})
			}
			return
		}
	}
}

func (c *Conn) receiveDatagrams() {
	for {
		payload, err := c.qconn.ReceiveMessage(context.Background())
		if err != nil {
			c.post(func() { c.connectionGone(err) })
			return
		}
		c.post(func() {
			if c.handler == nil || c.closed {
				return
			}
			if herr := c.handler.OnDatagram(payload); herr != nil {
				c.failConnection(herr)
			}
		})
	}
}

func (c *Conn) connectionGone(err error) {
	if c.closed {
		return
	}
	c.closed = true
	if c.handler != nil {
		c.handler.OnConnectionClosed(err)
	}
}

func (c *Conn) failConnection(err error) {
	log.WithError(err).Warn("Closing connection after handler error")
	_ = c.qconn.CloseWithError(quic.ApplicationErrorCode(transport.ErrorCodeInternal), err.Error())
	c.connectionGone(err)
}

/*
transport.Connection implementation
*/

// OpenStream implements transport.Connection.
func (c *Conn) OpenStream() (uint64, error) {
	stream, err := c.qconn.OpenStream()
	if err != nil {
		return 0, err
	}
	id := uint64(stream.StreamID())
	c.streams[id] = &streamState{stream: stream}
	go c.readStream(stream)
	return id, nil
}

// MarkStreamActive implements transport.Connection.
func (c *Conn) MarkStreamActive(streamID uint64, active bool) {
	st, ok := c.streams[streamID]
	if !ok {
		return
	}
	st.active = active
	if active {
		c.pumpStream(streamID, st)
	}
}

// pumpStream asks the handler for bytes and writes them off-loop.
func (c *Conn) pumpStream(streamID uint64, st *streamState) {
	if !st.active || st.writing || c.closed || c.handler == nil {
		return
	}
	data, fin, err := c.handler.PrepareStreamData(streamID, streamBudget)
	if err != nil {
		c.failConnection(err)
		return
	}
	if len(data) == 0 && !fin {
		return
	}
	st.writing = true
	if fin {
		st.active = false
	}
	go func() {
		if len(data) > 0 {
			if _, werr := st.stream.Write(data); werr != nil {
				log.WithFields(log.Fields{
					"stream": streamID,
					"error":  werr,
				}).Debug("Stream write failed")
			}
		}
		if fin {
			_ = st.stream.Close()
		}
		c.post(func() {
			st.writing = false
			c.pumpStream(streamID, st)
		})
	}()
}

// MarkDatagramReady implements transport.Connection.
func (c *Conn) MarkDatagramReady(active bool) {
	c.datagramActive = active
	if active {
		c.pumpDatagrams()
	}
}

func (c *Conn) pumpDatagrams() {
	if c.datagramPump || !c.datagramActive || c.closed || c.handler == nil {
		return
	}
	c.datagramPump = true
	defer func() { c.datagramPump = false }()

	for c.datagramActive && !c.closed {
		payload, active, err := c.handler.PrepareDatagram(maxDatagramSize)
		if err != nil {
			c.failConnection(err)
			return
		}
		if payload == nil {
			c.datagramActive = active
			if active {
				// Nothing fit right now; retry shortly.
				time.AfterFunc(time.Millisecond, func() {
					c.post(c.pumpDatagrams)
				})
			}
			return
		}
		c.sendDatagram(payload)
	}
}

func (c *Conn) sendDatagram(payload []byte) {
	sentTime := c.clock.Now()
	if err := c.qconn.SendMessage(payload); err != nil {
		log.WithError(err).Debug("Datagram send failed")
		return
	}
	// Synthetic fate: quic-go exposes no per-datagram callbacks.
	time.AfterFunc(c.cfg.AckDelay, func() {
		c.post(func() {
			if c.handler == nil || c.closed {
				return
			}
			if err := c.handler.OnDatagramAcked(payload, sentTime); err != nil {
				c.failConnection(err)
			}
		})
	})
}

// QueueDatagram implements transport.Connection.
func (c *Conn) QueueDatagram(payload []byte) error {
	if len(payload) > maxDatagramSize {
		return fmt.Errorf("quicnet: datagram of %d bytes above queue limit", len(payload))
	}
	c.sendDatagram(payload)
	return nil
}

// MaxQueuedDatagramSize implements transport.Connection.
func (c *Conn) MaxQueuedDatagramSize() int {
	return maxDatagramSize
}

// ResetStream implements transport.Connection.
func (c *Conn) ResetStream(streamID uint64, errorCode uint64) {
	st, ok := c.streams[streamID]
	if !ok {
		return
	}
	st.reset = true
	st.active = false
	st.stream.CancelWrite(quic.StreamErrorCode(errorCode))
	st.stream.CancelRead(quic.StreamErrorCode(errorCode))
	delete(c.streams, streamID)
}

// Close implements transport.Connection.
func (c *Conn) Close(errorCode uint64) error {
	err := c.qconn.CloseWithError(quic.ApplicationErrorCode(errorCode), "")
	c.connectionGone(nil)
	return err
}
