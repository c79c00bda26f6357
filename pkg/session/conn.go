// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/fragment"
	"github.com/quicrq/quicrq-go/pkg/transport"
	"github.com/quicrq/quicrq-go/pkg/wire"
)

// Conn is the quicrq side of one transport connection. It implements
// transport.Handler, dispatching substrate events to the stream contexts.
type Conn struct {
	ctx      *Context
	tc       transport.Connection
	isServer bool

	streams     map[uint64]*Stream
	streamOrder []*Stream

	nextDatagramStreamID  uint64
	nextAbandonDatagramID uint64

	congestion fragment.CongestionPolicy

	closed bool
}

// Context returns the owning context.
func (c *Conn) Context() *Context {
	return c.ctx
}

// Transport returns the underlying transport connection.
func (c *Conn) Transport() transport.Connection {
	return c.tc
}

// NbStreams returns the number of live stream contexts.
func (c *Conn) NbStreams() int {
	return len(c.streamOrder)
}

// Congestion exposes the per-connection skip policy.
func (c *Conn) Congestion() *fragment.CongestionPolicy {
	return &c.congestion
}

func (c *Conn) newStream(id uint64) *Stream {
	stream := &Stream{
		conn: c,
		id:   id,
	}
	c.streams[id] = stream
	c.streamOrder = append(c.streamOrder, stream)
	return stream
}

func (c *Conn) findOrCreateStream(id uint64) *Stream {
	if stream, ok := c.streams[id]; ok {
		return stream
	}
	return c.newStream(id)
}

func (c *Conn) removeStream(stream *Stream) {
	delete(c.streams, stream.id)
	for i, st := range c.streamOrder {
		if st == stream {
			c.streamOrder = append(c.streamOrder[:i], c.streamOrder[i+1:]...)
			break
		}
	}
}

// findDatagramStream locates a stream context by datagram stream id and
// direction.
func (c *Conn) findDatagramStream(datagramStreamID uint64, isSender bool) *Stream {
	for _, stream := range c.streamOrder {
		if stream.isDatagram && stream.isSender == isSender &&
			stream.datagramStreamID == datagramStreamID {
			return stream
		}
	}
	return nil
}

// allocDatagramStreamID hands out locally-chosen datagram stream ids.
func (c *Conn) allocDatagramStreamID() uint64 {
	id := c.nextDatagramStreamID
	c.nextDatagramStreamID++
	return id
}

// Subscribe requests url from the peer and delivers reassembled objects to
// sink. The returned stream owns a private cache.
func (c *Conn) Subscribe(url string, useDatagrams bool, intent uint64, sink ObjectSink) (*Stream, error) {
	cache := fragment.NewCache()
	return c.subscribe(url, useDatagrams, intent, fragment.NewConsumer(cache), sink)
}

// SubscribeInto requests url from the peer, merging received fragments into
// an existing cache. Used by relays pulling a source from upstream.
func (c *Conn) SubscribeInto(url string, useDatagrams bool, intent uint64, cache *fragment.Cache) (*Stream, error) {
	return c.subscribe(url, useDatagrams, intent, fragment.NewConsumer(cache), nil)
}

func (c *Conn) subscribe(url string, useDatagrams bool, intent uint64, cons *fragment.Consumer, sink ObjectSink) (*Stream, error) {
	id, err := c.tc.OpenStream()
	if err != nil {
		return nil, err
	}
	stream := c.newStream(id)
	stream.isClient = true
	stream.consumer = cons
	if sink != nil {
		stream.drainer = newDrainer(cons.Cache(), sink)
	}
	stream.recvState = recvRepair

	msg := &wire.Message{URL: []byte(url), Intent: intent}
	if useDatagrams {
		stream.isDatagram = true
		stream.datagramStreamID = c.allocDatagramStreamID()
		msg.Type = wire.ActionOpenDatagram
		msg.DatagramStreamID = stream.datagramStreamID
	} else {
		msg.Type = wire.ActionOpenStream
	}
	if err := stream.queueMessage(msg); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"url":      url,
		"stream":   id,
		"datagram": useDatagrams,
	}).Info("Subscribing to media")
	return stream, nil
}

// Post offers a locally published source to the peer. Sending starts when
// the peer accepts.
func (c *Conn) Post(url string, src *Source) (*Stream, error) {
	id, err := c.tc.OpenStream()
	if err != nil {
		return nil, err
	}
	stream := c.newStream(id)
	stream.isClient = true
	stream.source = src
	stream.recvState = recvConfirmation

	if err := stream.queueMessage(&wire.Message{Type: wire.ActionPost, URL: []byte(url)}); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"url":    url,
		"stream": id,
	}).Info("Posting media")
	return stream, nil
}

// Close terminates the connection.
func (c *Conn) Close(errorCode uint64) error {
	if c.closed {
		return nil
	}
	c.closed = true
	for len(c.streamOrder) > 0 {
		c.streamOrder[0].delete()
	}
	return c.tc.Close(errorCode)
}

/*
transport.Handler implementation
*/

// OnStreamData routes received control-stream bytes.
func (c *Conn) OnStreamData(streamID uint64, data []byte, fin bool) error {
	stream := c.findOrCreateStream(streamID)
	return stream.receive(data, fin)
}

// PrepareStreamData asks the stream context for its next bytes.
func (c *Conn) PrepareStreamData(streamID uint64, maxBytes int) ([]byte, bool, error) {
	stream, ok := c.streams[streamID]
	if !ok {
		c.tc.MarkStreamActive(streamID, false)
		return nil, false, nil
	}
	return stream.prepareToSend(maxBytes)
}

// OnDatagram decodes a media datagram and feeds the addressed consumer.
func (c *Conn) OnDatagram(payload []byte) error {
	header, data, err := wire.DecodeDatagramHeader(payload)
	if err != nil {
		return fmt.Errorf("session: datagram header: %w", err)
	}
	stream := c.findDatagramStream(header.DatagramStreamID, false)
	if stream == nil {
		if header.DatagramStreamID < c.nextAbandonDatagramID {
			// Late datagram for an abandoned stream.
			return nil
		}
		return fmt.Errorf("session: unexpected datagram stream %d", header.DatagramStreamID)
	}
	return stream.receiveDatagram(header, data)
}

// PrepareDatagram polls the sending datagram streams for the next payload.
func (c *Conn) PrepareDatagram(maxBytes int) ([]byte, bool, error) {
	atLeastOneActive := false
	now := c.ctx.clock.Now()

	for _, stream := range c.streamOrder {
		if !stream.isSender || !stream.isDatagram || !stream.activeDatagram {
			continue
		}
		payload, sent, active := stream.publisher.PrepareDatagram(
			stream.datagramStreamID, &c.congestion, maxBytes, now)
		if payload != nil {
			if _, already := stream.ack.Init(*sent, now); already {
				log.WithFields(log.Fields{
					"stream": stream.id,
					"group":  sent.GroupID,
					"object": sent.ObjectID,
					"offset": sent.Offset,
				}).Debug("Duplicate ack record on send")
			}
			return payload, true, nil
		}
		if !active {
			stream.activeDatagram = false
			stream.checkDatagramFin()
		}
		atLeastOneActive = atLeastOneActive || active
	}
	return nil, atLeastOneActive, nil
}

// OnDatagramAcked collapses the ack horizon of the sending stream.
func (c *Conn) OnDatagramAcked(payload []byte, _ uint64) error {
	header, _, err := wire.DecodeDatagramHeader(payload)
	if err != nil {
		return fmt.Errorf("session: acked datagram header: %w", err)
	}
	if stream := c.findDatagramStream(header.DatagramStreamID, true); stream != nil {
		stream.ack.OnAck(header.GroupID, header.ObjectID, header.Offset)
	}
	return nil
}

// OnDatagramLost queues a repeat unless the fragment was acknowledged or
// re-sent in the meantime.
func (c *Conn) OnDatagramLost(payload []byte, sentTime uint64) error {
	header, data, err := wire.DecodeDatagramHeader(payload)
	if err != nil {
		return fmt.Errorf("session: lost datagram header: %w", err)
	}
	stream := c.findDatagramStream(header.DatagramStreamID, true)
	if stream == nil {
		// The stream may be gone already; repeats become no-ops.
		return nil
	}
	if err := stream.ack.OnLost(c, header.DatagramStreamID,
		header.GroupID, header.ObjectID, header.Offset, sentTime, data); err != nil {
		// The datagram queue refused the repeat; carry the repair reliably
		// on the control stream instead.
		log.WithFields(log.Fields{
			"stream": stream.id,
			"error":  err,
		}).Info("Falling back to control-stream repair")
		return stream.queueRepair(header, data)
	}
	if c.ctx.opts.ExtraRepeat {
		for i := 0; i < c.ctx.opts.ExtraRepeatCount; i++ {
			if err := stream.ack.RepeatAgain(c, header.DatagramStreamID,
				header.GroupID, header.ObjectID, header.Offset, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnDatagramSpurious treats a spurious loss as an acknowledgement.
func (c *Conn) OnDatagramSpurious(payload []byte, _ uint64) error {
	header, _, err := wire.DecodeDatagramHeader(payload)
	if err != nil {
		return fmt.Errorf("session: spurious datagram header: %w", err)
	}
	if stream := c.findDatagramStream(header.DatagramStreamID, true); stream != nil {
		stream.ack.OnSpurious(header.GroupID, header.ObjectID, header.Offset)
	}
	return nil
}

// OnStreamReset drops the stream context.
func (c *Conn) OnStreamReset(streamID uint64) error {
	if stream, ok := c.streams[streamID]; ok {
		log.WithField("stream", streamID).Info("Peer reset stream")
		stream.delete()
	}
	return nil
}

// OnConnectionClosed cascades the teardown.
func (c *Conn) OnConnectionClosed(err error) {
	if err != nil {
		log.WithError(err).Info("Connection closed")
	}
	c.closed = true
	for len(c.streamOrder) > 0 {
		c.streamOrder[0].delete()
	}
	c.ctx.removeConn(c)
}

/*
repeater implementation for the ack tracker
*/

func (c *Conn) queueRepeat(payload []byte) error {
	return c.tc.QueueDatagram(payload)
}

func (c *Conn) maxQueuedDatagramSize() int {
	return c.tc.MaxQueuedDatagramSize()
}

func (c *Conn) now() uint64 {
	return c.ctx.clock.Now()
}
