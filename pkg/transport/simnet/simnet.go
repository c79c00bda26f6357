// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package simnet is an in-process transport with simulated time,
// programmable loss, latency and rate limits. It drives every handler
// callback from a single event loop, honoring the core's no-locking
// contract, and underpins the triangle tests.
package simnet

import (
	"container/heap"
	"fmt"

	"github.com/quicrq/quicrq-go/pkg/transport"
)

// Clock is the simulated microsecond clock of a Network.
type Clock struct {
	now uint64
}

// Now implements transport.Clock.
func (c *Clock) Now() uint64 {
	return c.now
}

type event struct {
	at  uint64
	seq uint64
	fn  func()
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x interface{}) {
	*q = append(*q, x.(*event))
}
func (q *eventQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// Network is a deterministic discrete-event simulation hosting any number
// of connections.
type Network struct {
	clock  Clock
	events eventQueue
	seq    uint64
}

// NewNetwork creates an empty simulation at time zero.
func NewNetwork() *Network {
	return &Network{}
}

// Clock returns the simulated clock.
func (n *Network) Clock() transport.Clock {
	return &n.clock
}

// Now returns the current simulated time.
func (n *Network) Now() uint64 {
	return n.clock.now
}

func (n *Network) schedule(delay uint64, fn func()) {
	n.seq++
	heap.Push(&n.events, &event{at: n.clock.now + delay, seq: n.seq, fn: fn})
}

// Run processes events until the simulated time reaches until.
func (n *Network) Run(until uint64) {
	for len(n.events) > 0 && n.events[0].at <= until {
		e := heap.Pop(&n.events).(*event)
		if e.at > n.clock.now {
			n.clock.now = e.at
		}
		e.fn()
	}
	if until > n.clock.now {
		n.clock.now = until
	}
}

// LinkParams shape one direction of a connection.
type LinkParams struct {
	// Latency is the one-way delay in microseconds.
	Latency uint64

	// MTU bounds datagram payloads and the per-poll stream budget.
	MTU int

	// RateBps throttles the link in bits per second; zero is unlimited.
	RateBps uint64

	// LossMask drops the i-th datagram when bit (i mod 64) is set.
	LossMask uint64

	// AckDelay is how long after a delivered datagram's send time the ack
	// callback fires; zero defaults to a round trip plus 5 ms.
	AckDelay uint64

	// LossDetectDelay is how long after a dropped datagram's send time
	// the loss callback fires; zero defaults to a round trip plus 25 ms.
	LossDetectDelay uint64
}

func (p LinkParams) withDefaults() LinkParams {
	if p.MTU == 0 {
		p.MTU = 1280
	}
	if p.AckDelay == 0 {
		p.AckDelay = 2*p.Latency + 5000
	}
	if p.LossDetectDelay == 0 {
		p.LossDetectDelay = 2*p.Latency + 25000
	}
	return p
}

// pollInterval spaces retry polls when a handler is active but produced
// nothing.
const pollInterval = 1000

// Conn is one endpoint of a simulated connection, implementing
// transport.Connection.
type Conn struct {
	net     *Network
	peer    *Conn
	handler transport.Handler
	params  LinkParams

	isClient     bool
	nextStreamID uint64

	activeStreams map[uint64]bool
	streamPoll    bool

	datagramActive bool
	datagramPoll   bool
	datagramIndex  uint64

	nextFreeTime uint64

	closed bool
}

// Pair creates a connected client/server connection pair. Handlers must be
// set before the simulation runs.
func (n *Network) Pair(clientParams, serverParams LinkParams) (client, server *Conn) {
	client = &Conn{
		net:           n,
		params:        clientParams.withDefaults(),
		isClient:      true,
		activeStreams: make(map[uint64]bool),
	}
	server = &Conn{
		net:           n,
		params:        serverParams.withDefaults(),
		nextStreamID:  1,
		activeStreams: make(map[uint64]bool),
	}
	client.peer = server
	server.peer = client
	return client, server
}

// SetHandler registers the core-side handler.
func (c *Conn) SetHandler(h transport.Handler) {
	c.handler = h
}

// transmitDelay paces a payload over the link, returning the added delay
// until delivery at the peer.
func (c *Conn) transmitDelay(size int) uint64 {
	now := c.net.Now()
	start := now
	if c.nextFreeTime > start {
		start = c.nextFreeTime
	}
	var duration uint64
	if c.params.RateBps > 0 {
		duration = uint64(size) * 8 * 1_000_000 / c.params.RateBps
	}
	c.nextFreeTime = start + duration
	return (start - now) + duration + c.params.Latency
}

/*
transport.Connection implementation
*/

// OpenStream allocates a bidirectional stream id, even on the client side
// and odd on the server side.
func (c *Conn) OpenStream() (uint64, error) {
	if c.closed {
		return 0, fmt.Errorf("simnet: connection closed")
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	return id, nil
}

// MarkStreamActive implements transport.Connection.
func (c *Conn) MarkStreamActive(streamID uint64, active bool) {
	if c.closed {
		return
	}
	if active {
		c.activeStreams[streamID] = true
		c.scheduleStreamPoll(0)
	} else {
		delete(c.activeStreams, streamID)
	}
}

func (c *Conn) scheduleStreamPoll(delay uint64) {
	if c.streamPoll || c.closed {
		return
	}
	c.streamPoll = true
	c.net.schedule(delay, func() {
		c.streamPoll = false
		c.pollStreams()
	})
}

func (c *Conn) pollStreams() {
	if c.closed || c.handler == nil {
		return
	}
	if c.nextFreeTime > c.net.Now() {
		// The link is busy; asking for data now would defeat pacing.
		c.scheduleStreamPoll(c.nextFreeTime - c.net.Now())
		return
	}
	produced := false
	for _, id := range c.sortedActiveStreams() {
		if !c.activeStreams[id] {
			continue
		}
		data, fin, err := c.handler.PrepareStreamData(id, c.params.MTU)
		if err != nil {
			c.fail(err)
			return
		}
		if len(data) == 0 && !fin {
			continue
		}
		produced = true
		if fin {
			delete(c.activeStreams, id)
		}
		streamID, payload := id, append([]byte(nil), data...)
		peer := c.peer
		c.net.schedule(c.transmitDelay(len(payload)), func() {
			peer.deliverStreamData(streamID, payload, fin)
		})
	}
	if produced && len(c.activeStreams) > 0 {
		c.scheduleStreamPoll(1)
	}
}

func (c *Conn) sortedActiveStreams() []uint64 {
	ids := make([]uint64, 0, len(c.activeStreams))
	for id := range c.activeStreams {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

func (c *Conn) deliverStreamData(streamID uint64, data []byte, fin bool) {
	if c.closed || c.handler == nil {
		return
	}
	if err := c.handler.OnStreamData(streamID, data, fin); err != nil {
		c.fail(err)
	}
}

// MarkDatagramReady implements transport.Connection.
func (c *Conn) MarkDatagramReady(active bool) {
	if c.closed {
		return
	}
	c.datagramActive = active
	if active {
		c.scheduleDatagramPoll(0)
	}
}

func (c *Conn) scheduleDatagramPoll(delay uint64) {
	if c.datagramPoll || c.closed {
		return
	}
	c.datagramPoll = true
	c.net.schedule(delay, func() {
		c.datagramPoll = false
		c.pollDatagrams()
	})
}

func (c *Conn) pollDatagrams() {
	if c.closed || !c.datagramActive || c.handler == nil {
		return
	}
	if c.nextFreeTime > c.net.Now() {
		c.scheduleDatagramPoll(c.nextFreeTime - c.net.Now())
		return
	}
	payload, active, err := c.handler.PrepareDatagram(c.params.MTU)
	if err != nil {
		c.fail(err)
		return
	}
	if payload == nil {
		c.datagramActive = active
		if active {
			c.scheduleDatagramPoll(pollInterval)
		}
		return
	}
	c.sendDatagram(append([]byte(nil), payload...))
	c.scheduleDatagramPoll(1)
}

// sendDatagram applies the loss mask, pacing and fate callbacks.
func (c *Conn) sendDatagram(payload []byte) {
	index := c.datagramIndex
	c.datagramIndex++
	sentTime := c.net.Now()
	lost := c.params.LossMask&(1<<(index%64)) != 0

	if lost {
		c.net.schedule(c.params.LossDetectDelay, func() {
			if c.closed || c.handler == nil {
				return
			}
			if err := c.handler.OnDatagramLost(payload, sentTime); err != nil {
				c.fail(err)
			}
		})
		return
	}

	peer := c.peer
	c.net.schedule(c.transmitDelay(len(payload)), func() {
		if peer.closed || peer.handler == nil {
			return
		}
		if err := peer.handler.OnDatagram(payload); err != nil {
			peer.fail(err)
		}
	})
	c.net.schedule(c.params.AckDelay, func() {
		if c.closed || c.handler == nil {
			return
		}
		if err := c.handler.OnDatagramAcked(payload, sentTime); err != nil {
			c.fail(err)
		}
	})
}

// QueueDatagram implements transport.Connection; repeats share the loss
// process with fresh datagrams.
func (c *Conn) QueueDatagram(payload []byte) error {
	if c.closed {
		return fmt.Errorf("simnet: connection closed")
	}
	if len(payload) > c.MaxQueuedDatagramSize() {
		return fmt.Errorf("simnet: datagram of %d bytes above queue limit", len(payload))
	}
	c.sendDatagram(append([]byte(nil), payload...))
	return nil
}

// MaxQueuedDatagramSize implements transport.Connection.
func (c *Conn) MaxQueuedDatagramSize() int {
	return c.params.MTU
}

// ResetStream implements transport.Connection.
func (c *Conn) ResetStream(streamID uint64, _ uint64) {
	if c.closed {
		return
	}
	delete(c.activeStreams, streamID)
	peer := c.peer
	c.net.schedule(c.params.Latency, func() {
		if peer.closed || peer.handler == nil {
			return
		}
		if err := peer.handler.OnStreamReset(streamID); err != nil {
			peer.fail(err)
		}
	})
}

// Close implements transport.Connection.
func (c *Conn) Close(_ uint64) error {
	if c.closed {
		return nil
	}
	c.closed = true
	peer := c.peer
	c.net.schedule(c.params.Latency, func() {
		peer.shutdown(nil)
	})
	return nil
}

// fail tears the connection down after a handler error.
func (c *Conn) fail(err error) {
	if c.closed {
		return
	}
	c.shutdown(err)
	peer := c.peer
	c.net.schedule(c.params.Latency, func() {
		peer.shutdown(err)
	})
}

func (c *Conn) shutdown(err error) {
	if c.closed {
		c.handlerClosed(err)
		return
	}
	c.closed = true
	c.handlerClosed(err)
}

func (c *Conn) handlerClosed(err error) {
	if c.handler != nil {
		h := c.handler
		c.handler = nil
		h.OnConnectionClosed(err)
	}
}
