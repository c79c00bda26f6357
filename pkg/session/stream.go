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

// streamHeaderMax bounds the framing overhead of a repair message: the
// 16-bit length prefix plus a worst-case header.
const streamHeaderMax = 2 + 1 + 8*6 + 1

// Receive states of a control stream.
type receiveState int

const (
	recvInitial receiveState = iota
	recvRepair
	recvConfirmation
	recvDone
)

// Send states of a control stream.
type sendState int

const (
	sendReady sendState = iota
	sendStream
	sendFin
	sendNoMore
)

// ObjectSink receives reassembled objects on the subscriber side, in
// (group, object) order. Skipped objects arrive with empty data.
type ObjectSink interface {
	OnObject(groupID, objectID uint64, data []byte, flags byte)
	OnComplete()
}

// Stream is the per-stream context: either a publisher reading a cache for
// the peer, or a consumer writing received fragments into one.
type Stream struct {
	conn *Conn
	id   uint64

	isClient   bool
	isSender   bool
	isDatagram bool

	datagramStreamID uint64

	recvState receiveState
	sendState sendState
	recvBuf   wire.MessageBuffer
	sendQueue wire.SendQueue

	source    *Source
	publisher *fragment.PublisherState
	consumer  *fragment.Consumer
	ack       *AckTracker

	// Subscriber-side delivery.
	drainer *drainer

	// Sender-side intent resolution.
	intent          uint64
	intentPending   bool
	intentBaseGroup uint64

	startGroupID  uint64
	startObjectID uint64

	activeDatagram bool
	finalQueued    bool

	localFinished  bool
	peerFinished   bool
	consumerClosed bool
	deleted        bool
}

// ID returns the transport stream id.
func (st *Stream) ID() uint64 {
	return st.id
}

// DatagramStreamID returns the stream's datagram id, when in datagram mode.
func (st *Stream) DatagramStreamID() uint64 {
	return st.datagramStreamID
}

// ConsumerCache returns the cache a receiving stream writes into, nil for
// senders.
func (st *Stream) ConsumerCache() *fragment.Cache {
	if st.consumer == nil {
		return nil
	}
	return st.consumer.Cache()
}

// queueMessage frames a control message and schedules the stream for
// sending.
func (st *Stream) queueMessage(msg *wire.Message) error {
	framed, err := wire.FrameMessage(msg)
	if err != nil {
		return err
	}
	st.sendQueue.Push(framed)
	st.conn.tc.MarkStreamActive(st.id, true)
	return nil
}

// wakeup re-activates the stream after its cache changed.
func (st *Stream) wakeup() {
	if st.deleted {
		return
	}
	if st.isSender {
		if st.intentPending {
			st.resolveIntent()
		}
		if st.intentPending {
			return
		}
		if st.isDatagram {
			st.activeDatagram = true
			st.conn.tc.MarkDatagramReady(true)
			// A closed cache may have nothing more to send; let the fin
			// check run even if no datagram is produced.
			st.checkDatagramFin()
		} else {
			st.conn.tc.MarkStreamActive(st.id, true)
		}
	}
}

// relayStartPoint forwards a learned start point to the peer.
func (st *Stream) relayStartPoint(groupID, objectID uint64) {
	if st.deleted || !st.isSender {
		return
	}
	st.startGroupID = groupID
	st.startObjectID = objectID
	if st.publisher != nil {
		if (fragment.ObjectRef{GroupID: st.publisher.CurrentGroupID, ObjectID: st.publisher.CurrentObjectID}).
			Less(fragment.ObjectRef{GroupID: groupID, ObjectID: objectID}) {
			st.publisher.StartAt(groupID, objectID)
		}
	}
	if err := st.queueMessage(&wire.Message{
		Type:    wire.ActionStartPoint,
		GroupID: groupID, ObjectID: objectID,
	}); err != nil {
		log.WithError(err).Warn("Failed to queue start point")
	}
}

// resolveIntent computes the reader's start point once the cache can answer
// it. Current-group subscriptions fall forward to the next group boundary
// when the current group's beginning is no longer addressable.
func (st *Stream) resolveIntent() {
	cache := st.source.cache
	var start fragment.ObjectRef
	switch st.intent {
	case wire.IntentStart:
		start = fragment.ObjectRef{GroupID: cache.FirstGroupID, ObjectID: cache.FirstObjectID}
	case wire.IntentCurrentGroup:
		if cache.FirstObjectID == 0 {
			start = fragment.ObjectRef{GroupID: cache.FirstGroupID}
		} else if f := cache.NextGroupStart(cache.FirstGroupID); f != nil {
			start = fragment.ObjectRef{GroupID: f.GroupID}
		} else {
			return
		}
	case wire.IntentNextGroup:
		if f := cache.NextGroupStart(st.intentBaseGroup); f != nil {
			start = fragment.ObjectRef{GroupID: f.GroupID}
		} else {
			return
		}
	}
	st.intentPending = false
	st.publisher.StartAt(start.GroupID, start.ObjectID)
	st.startGroupID = start.GroupID
	st.startObjectID = start.ObjectID
	if start.GroupID != 0 || start.ObjectID != 0 {
		st.relayStartPoint(start.GroupID, start.ObjectID)
	}
}

// receive accumulates stream bytes into framed control messages.
func (st *Stream) receive(data []byte, fin bool) error {
	for len(data) > 0 {
		if st.recvState == recvDone {
			return fmt.Errorf("session: stream %d received data in done state", st.id)
		}
		rest, finished := st.recvBuf.Store(data)
		data = rest
		if !finished {
			continue
		}
		msg, err := wire.DecodeMessage(st.recvBuf.Bytes())
		st.recvBuf.Reset()
		if err != nil {
			return fmt.Errorf("session: stream %d: %w", st.id, err)
		}
		if err := st.handleMessage(msg); err != nil {
			return err
		}
		if st.deleted {
			return nil
		}
	}

	if fin {
		st.peerFinished = true
		now := st.conn.ctx.clock.Now()
		st.closeConsumer(now)
		if st.localFinished {
			st.delete()
		} else {
			st.sendState = sendFin
			st.conn.tc.MarkStreamActive(st.id, true)
		}
	}
	return nil
}

// handleMessage routes one decoded control message per the stream state.
func (st *Stream) handleMessage(msg *wire.Message) error {
	switch msg.Type {
	case wire.ActionOpenStream, wire.ActionOpenDatagram:
		if st.recvState != recvInitial || st.isClient {
			return st.protocolViolation("unexpected subscribe")
		}
		return st.handleSubscribe(msg)

	case wire.ActionPost:
		if st.recvState != recvInitial || st.isClient {
			return st.protocolViolation("unexpected post")
		}
		return st.handlePost(msg)

	case wire.ActionAccept:
		if st.recvState != recvConfirmation {
			return st.protocolViolation("unexpected accept")
		}
		return st.handleAccept(msg)

	case wire.ActionFinDatagram:
		if st.recvState != recvRepair || st.consumer.Cache().HasFinal() {
			return st.protocolViolation("unexpected fin")
		}
		log.WithFields(log.Fields{
			"stream": st.id,
			"group":  msg.FinalGroupID,
			"object": msg.FinalObjectID,
		}).Info("Final object notified")
		st.consumer.OnFinal(msg.FinalGroupID, msg.FinalObjectID)
		st.drainSink()
		st.maybeFinish()
		return nil

	case wire.ActionRepair:
		if st.recvState != recvRepair {
			return st.protocolViolation("unexpected repair")
		}
		st.consumer.OnFragment(fragment.Proposed{
			GroupID:                msg.GroupID,
			ObjectID:               msg.ObjectID,
			Offset:                 msg.Offset,
			Data:                   msg.Data,
			QueueDelay:             msg.QueueDelay,
			Flags:                  msg.Flags,
			NbObjectsPreviousGroup: msg.NbObjectsPreviousGroup,
			IsLastFragment:         msg.IsLastFragment,
			Now:                    st.conn.ctx.clock.Now(),
		})
		st.drainSink()
		st.maybeFinish()
		return nil

	case wire.ActionStartPoint:
		if st.recvState != recvRepair {
			return st.protocolViolation("unexpected start point")
		}
		st.consumer.OnStartPoint(msg.GroupID, msg.ObjectID)
		st.drainSink()
		return nil

	case wire.ActionRequestRepair:
		// Defined on the wire but not handled on the receive side.
		return st.protocolViolation("request-repair not supported")

	default:
		return fmt.Errorf("session: stream %d: unknown message %d", st.id, msg.Type)
	}
}

// handleSubscribe attaches this stream as a reader of the requested source.
func (st *Stream) handleSubscribe(msg *wire.Message) error {
	url := string(msg.URL)
	src, err := st.conn.ctx.resolveSource(url)
	if err != nil {
		log.WithFields(log.Fields{
			"stream": st.id,
			"url":    url,
		}).WithError(err).Warn("Subscribe failed")
		return st.protocolViolation("no such source")
	}

	st.isSender = true
	st.source = src
	st.recvState = recvDone
	st.intent = msg.Intent
	st.intentBaseGroup = src.cache.NextGroupID

	mode := fragment.ModeStream
	if msg.Type == wire.ActionOpenDatagram {
		mode = fragment.ModeDatagram
		st.isDatagram = true
		st.datagramStreamID = msg.DatagramStreamID
		st.ack = NewAckTracker()
	}
	st.publisher = fragment.NewPublisherState(src.cache, mode)
	src.attach(st)

	st.intentPending = true
	st.resolveIntent()

	log.WithFields(log.Fields{
		"stream":   st.id,
		"url":      url,
		"datagram": st.isDatagram,
		"intent":   msg.Intent,
	}).Info("Subscribe accepted")

	if !st.isDatagram {
		st.sendState = sendStream
	}
	if !st.intentPending {
		st.wakeup()
	}
	return nil
}

// handlePost accepts a publisher offering media, creating the receiving
// source and answering with the chosen mode.
func (st *Stream) handlePost(msg *wire.Message) error {
	url := string(msg.URL)
	ctx := st.conn.ctx
	src, ok := ctx.sources[url]
	if ok && src.consumerAttached {
		return st.protocolViolation("url already being posted")
	}
	if !ok {
		src = ctx.newSource(url)
	}
	src.consumerAttached = true

	useDatagrams := false
	if ctx.hooks != nil {
		useDatagrams = ctx.hooks.UseDatagrams()
	}

	st.source = src
	st.consumer = fragment.NewConsumer(src.cache)
	st.recvState = recvRepair

	accept := &wire.Message{Type: wire.ActionAccept, UseDatagram: useDatagrams}
	if useDatagrams {
		st.isDatagram = true
		st.datagramStreamID = st.conn.allocDatagramStreamID()
		accept.DatagramStreamID = st.datagramStreamID
	}
	if err := st.queueMessage(accept); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"stream":   st.id,
		"url":      url,
		"datagram": useDatagrams,
	}).Info("Post accepted")

	if ctx.hooks != nil {
		if err := ctx.hooks.SourcePosted(src); err != nil {
			log.WithField("url", url).WithError(err).Warn("Post propagation failed")
		}
	}
	return nil
}

// handleAccept turns the posting client into a sender in the accepted mode.
func (st *Stream) handleAccept(msg *wire.Message) error {
	st.isSender = true
	st.recvState = recvDone

	mode := fragment.ModeStream
	if msg.UseDatagram {
		mode = fragment.ModeDatagram
		st.isDatagram = true
		st.datagramStreamID = msg.DatagramStreamID
		st.ack = NewAckTracker()
	}
	st.publisher = fragment.NewPublisherState(st.source.cache, mode)
	st.source.attach(st)

	log.WithFields(log.Fields{
		"stream":   st.id,
		"url":      st.source.url,
		"datagram": st.isDatagram,
	}).Info("Post confirmed")

	if !st.isDatagram {
		st.sendState = sendStream
	}
	st.wakeup()
	return nil
}

// receiveDatagram feeds one decoded datagram into the consumer.
func (st *Stream) receiveDatagram(header *wire.DatagramHeader, data []byte) error {
	if st.consumer == nil {
		return fmt.Errorf("session: datagram on non-consuming stream %d", st.id)
	}
	st.consumer.OnFragment(fragment.Proposed{
		GroupID:                header.GroupID,
		ObjectID:               header.ObjectID,
		Offset:                 header.Offset,
		Data:                   data,
		QueueDelay:             header.QueueDelay,
		Flags:                  header.Flags,
		NbObjectsPreviousGroup: header.NbObjectsPreviousGroup,
		IsLastFragment:         header.IsLastFragment,
		Now:                    st.conn.ctx.clock.Now(),
	})
	st.drainSink()
	st.maybeFinish()
	return nil
}

// prepareToSend fills the transport's byte budget: queued control messages
// first, then stream-mode media, then the closing fin.
func (st *Stream) prepareToSend(maxBytes int) ([]byte, bool, error) {
	if !st.sendQueue.Empty() {
		data := st.sendQueue.Fill(maxBytes)
		if !st.sendQueue.Empty() {
			return data, false, nil
		}
		if st.sendState == sendFin {
			return st.finishLocal(data), true, nil
		}
		return data, false, nil
	}

	switch st.sendState {
	case sendStream:
		return st.prepareMedia(maxBytes)
	case sendFin:
		return st.finishLocal(nil), true, nil
	default:
		st.conn.tc.MarkStreamActive(st.id, false)
		return nil, false, nil
	}
}

// prepareMedia emits the next repair-framed chunk of a stream-mode reader.
func (st *Stream) prepareMedia(maxBytes int) ([]byte, bool, error) {
	if st.intentPending {
		st.conn.tc.MarkStreamActive(st.id, false)
		return nil, false, nil
	}
	if maxBytes <= streamHeaderMax {
		return nil, false, nil
	}

	now := st.conn.ctx.clock.Now()
	chunk, finished := st.publisher.NextStreamChunk(maxBytes-streamHeaderMax, now)
	if finished {
		cache := st.source.cache
		if err := st.queueMessage(&wire.Message{
			Type:          wire.ActionFinDatagram,
			FinalGroupID:  cache.FinalGroupID,
			FinalObjectID: cache.FinalObjectID,
		}); err != nil {
			return nil, false, err
		}
		st.finalQueued = true
		log.WithFields(log.Fields{
			"stream": st.id,
			"group":  cache.FinalGroupID,
			"object": cache.FinalObjectID,
		}).Info("Media finished on stream")
		data := st.sendQueue.Fill(maxBytes)
		if !st.sendQueue.Empty() {
			// The fin message did not fit; finish on the next call.
			st.sendState = sendFin
			return data, false, nil
		}
		return st.finishLocal(data), true, nil
	}
	if chunk == nil {
		st.conn.tc.MarkStreamActive(st.id, false)
		return nil, false, nil
	}

	framed, err := wire.FrameMessage(&wire.Message{
		Type:                   wire.ActionRepair,
		GroupID:                chunk.GroupID,
		ObjectID:               chunk.ObjectID,
		Offset:                 chunk.Offset,
		QueueDelay:             chunk.QueueDelay,
		Flags:                  chunk.Flags,
		NbObjectsPreviousGroup: chunk.NbObjectsPreviousGroup,
		IsLastFragment:         chunk.IsLastFragment,
		Data:                   chunk.Data,
	})
	if err != nil {
		return nil, false, err
	}
	return framed, false, nil
}

// finishLocal records our side's fin.
func (st *Stream) finishLocal(data []byte) []byte {
	st.localFinished = true
	st.sendState = sendNoMore
	if st.peerFinished {
		st.delete()
	}
	return data
}

// queueRepair carries a lost datagram's fragment reliably on the control
// stream, used when the repeat cannot go out as a datagram.
func (st *Stream) queueRepair(header *wire.DatagramHeader, data []byte) error {
	return st.queueMessage(&wire.Message{
		Type:                   wire.ActionRepair,
		GroupID:                header.GroupID,
		ObjectID:               header.ObjectID,
		Offset:                 header.Offset,
		QueueDelay:             header.QueueDelay,
		Flags:                  header.Flags,
		NbObjectsPreviousGroup: header.NbObjectsPreviousGroup,
		IsLastFragment:         header.IsLastFragment,
		Data:                   data,
	})
}

// checkDatagramFin queues the fin message once a datagram reader drained
// the arrival list of a finished cache.
func (st *Stream) checkDatagramFin() {
	if st.finalQueued || st.publisher == nil {
		return
	}
	final, ok := st.publisher.DatagramFinished()
	if !ok {
		return
	}
	st.finalQueued = true
	st.activeDatagram = false
	log.WithFields(log.Fields{
		"stream": st.id,
		"group":  final.GroupID,
		"object": final.ObjectID,
	}).Info("Media finished on datagram stream")
	if err := st.queueMessage(&wire.Message{
		Type:          wire.ActionFinDatagram,
		FinalGroupID:  final.GroupID,
		FinalObjectID: final.ObjectID,
	}); err != nil {
		log.WithError(err).Warn("Failed to queue fin")
	}
}

// drainSink delivers contiguously completed objects to the subscriber.
func (st *Stream) drainSink() {
	if st.drainer != nil {
		st.drainer.drain(st.conn.ctx.clock.Now())
	}
}

// maybeFinish closes our side once the consumer received everything.
func (st *Stream) maybeFinish() {
	if st.consumer == nil || st.localFinished || st.sendState == sendFin {
		return
	}
	if st.consumer.Finished() {
		st.sendState = sendFin
		st.conn.tc.MarkStreamActive(st.id, true)
	}
}

// closeConsumer ends the cache's write side once.
func (st *Stream) closeConsumer(now uint64) {
	if st.consumer == nil || st.consumerClosed {
		return
	}
	st.consumerClosed = true
	st.consumer.Close(now)
	st.conn.ctx.cacheClosingNeeded = true
}

// protocolViolation resets the stream, leaving the connection up.
func (st *Stream) protocolViolation(reason string) error {
	log.WithFields(log.Fields{
		"stream": st.id,
		"reason": reason,
	}).Warn("Protocol violation")
	st.conn.tc.ResetStream(st.id, transport.ErrorCodeProtocolViolation)
	st.delete()
	return nil
}

// Abandon cancels a subscription, dropping late datagrams silently.
func (st *Stream) Abandon() {
	if st.isDatagram && !st.isSender &&
		st.datagramStreamID+1 > st.conn.nextAbandonDatagramID {
		st.conn.nextAbandonDatagramID = st.datagramStreamID + 1
	}
	st.conn.tc.ResetStream(st.id, transport.ErrorCodeNone)
	st.delete()
}

// delete detaches the stream from its source and connection.
func (st *Stream) delete() {
	if st.deleted {
		return
	}
	st.deleted = true

	if st.publisher != nil {
		st.publisher.Close()
	}
	if st.source != nil && st.isSender {
		st.source.detach(st)
	}
	st.closeConsumer(st.conn.ctx.clock.Now())

	st.conn.tc.MarkStreamActive(st.id, false)
	st.conn.removeStream(st)
}
