// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/fragment"
	"github.com/quicrq/quicrq-go/pkg/wire"
)

// repeatSuppression is how much newer than the lost datagram's send time a
// retransmission must be to prove the loss was already repaired.
const repeatSuppression = 1000

// ackState tracks one outstanding datagram fragment.
type ackState struct {
	fragment.SentFragment

	Acked        bool
	RepeatNeeded bool
	LastSentTime uint64
}

// horizon is the boundary below which every fragment is acknowledged.
// The object index is signed so the empty tracker can sit just before
// (group 0, object 0).
type horizon struct {
	GroupID        uint64
	ObjectID       int64
	Offset         uint64
	IsLastFragment bool
}

// AckTracker maintains the outstanding-fragment tree and the acknowledged
// horizon of one sending datagram stream.
type AckTracker struct {
	tree *btree.BTreeG[*ackState]

	horizon horizon

	nbHorizonEvents uint64
}

// NewAckTracker creates an empty tracker with the horizon just before the
// first object.
func NewAckTracker() *AckTracker {
	return &AckTracker{
		tree: btree.NewG(4, func(a, b *ackState) bool {
			return a.key().Less(b.key())
		}),
		horizon: horizon{ObjectID: -1, IsLastFragment: true},
	}
}

func (s *ackState) key() fragment.Key {
	return fragment.Key{GroupID: s.GroupID, ObjectID: s.ObjectID, Offset: s.Offset}
}

// belowHorizon reports whether the key was already collapsed into the
// horizon.
func (t *AckTracker) belowHorizon(groupID, objectID, offset uint64) bool {
	h := t.horizon
	if groupID != h.GroupID {
		return groupID < h.GroupID
	}
	if int64(objectID) != h.ObjectID {
		return int64(objectID) < h.ObjectID
	}
	return offset < h.Offset
}

// Size returns the number of outstanding records.
func (t *AckTracker) Size() int {
	return t.tree.Len()
}

// Horizon returns the current horizon position for inspection.
func (t *AckTracker) Horizon() (groupID uint64, objectID int64, offset uint64) {
	return t.horizon.GroupID, t.horizon.ObjectID, t.horizon.Offset
}

// Init records a sent fragment. Fragments at or below the horizon are
// counted but not re-created; duplicates report already-present.
func (t *AckTracker) Init(sent fragment.SentFragment, now uint64) (created *ackState, already bool) {
	if t.belowHorizon(sent.GroupID, sent.ObjectID, sent.Offset) {
		t.nbHorizonEvents++
		return nil, true
	}
	if existing, ok := t.tree.Get(&ackState{SentFragment: sent}); ok {
		return existing, true
	}
	state := &ackState{SentFragment: sent, LastSentTime: now}
	t.tree.ReplaceOrInsert(state)
	return state, false
}

// find returns the record with the exact key.
func (t *AckTracker) find(groupID, objectID, offset uint64) *ackState {
	s, ok := t.tree.Get(&ackState{SentFragment: fragment.SentFragment{
		GroupID: groupID, ObjectID: objectID, Offset: offset,
	}})
	if !ok {
		return nil
	}
	return s
}

// OnAck marks a fragment acknowledged and collapses the contiguous acked
// prefix into the horizon. The previous record's terminal flag decides
// whether the next expected key starts a new object at offset zero or
// continues at a specific offset.
func (t *AckTracker) OnAck(groupID, objectID, offset uint64) {
	found := t.find(groupID, objectID, offset)
	if found == nil {
		return
	}
	found.Acked = true

	for {
		first, ok := t.tree.Min()
		if !ok || !first.Acked {
			return
		}
		if !t.justAfterHorizon(first) {
			return
		}
		t.horizon = horizon{
			GroupID:        first.GroupID,
			ObjectID:       int64(first.ObjectID),
			Offset:         first.Offset + first.Length,
			IsLastFragment: first.IsLastFragment,
		}
		t.tree.Delete(first)
	}
}

// justAfterHorizon reports whether s is the immediate successor of the
// horizon position.
func (t *AckTracker) justAfterHorizon(s *ackState) bool {
	h := t.horizon
	if h.IsLastFragment {
		if s.Offset != 0 {
			return false
		}
		if s.GroupID == h.GroupID && int64(s.ObjectID) == h.ObjectID+1 {
			return true
		}
		// First object of the next group, provided the declared count of
		// the previous group matches the horizon object.
		return s.GroupID == h.GroupID+1 && s.ObjectID == 0 &&
			s.NbObjectsPreviousGroup == uint64(h.ObjectID+1)
	}
	return s.GroupID == h.GroupID && int64(s.ObjectID) == h.ObjectID && s.Offset == h.Offset
}

// OnSpurious treats a spurious-loss notification as an acknowledgement.
func (t *AckTracker) OnSpurious(groupID, objectID, offset uint64) {
	t.OnAck(groupID, objectID, offset)
}

// repeater queues repeat datagrams; implemented by Conn.
type repeater interface {
	queueRepeat(payload []byte) error
	maxQueuedDatagramSize() int
	now() uint64
}

// OnLost handles a probably-lost fragment: absent or acknowledged records
// are ignored, as are records re-sent since the lost transmission. Otherwise
// the fragment is queued for repeat, split as needed to respect the
// transport's maximum queued-datagram size. Splitting a record also splits
// its ack state.
func (t *AckTracker) OnLost(r repeater, datagramStreamID, groupID, objectID, offset, sentTime uint64, data []byte) error {
	found := t.find(groupID, objectID, offset)
	if found == nil || found.Acked {
		return nil
	}
	if found.LastSentTime > sentTime+repeatSuppression {
		// Already re-sent since this transmission.
		return nil
	}
	found.RepeatNeeded = true
	return t.repeat(r, datagramStreamID, found, data)
}

// RepeatAgain queues an additional proactive copy of a repeat, used by the
// extra-repeat tuning. Acked or never-lost fragments are left alone.
func (t *AckTracker) RepeatAgain(r repeater, datagramStreamID, groupID, objectID, offset uint64, data []byte) error {
	found := t.find(groupID, objectID, offset)
	if found == nil || found.Acked || !found.RepeatNeeded {
		return nil
	}
	if uint64(len(data)) > found.Length {
		data = data[:found.Length]
	}
	return t.repeat(r, datagramStreamID, found, data)
}

func (t *AckTracker) repeat(r repeater, datagramStreamID uint64, found *ackState, data []byte) error {
	maxSize := r.maxQueuedDatagramSize()

	for {
		found.LastSentTime = r.now()
		header := wire.DatagramHeader{
			DatagramStreamID:       datagramStreamID,
			GroupID:                found.GroupID,
			ObjectID:               found.ObjectID,
			Offset:                 found.Offset,
			QueueDelay:             found.QueueDelay,
			Flags:                  found.Flags,
			NbObjectsPreviousGroup: found.NbObjectsPreviousGroup,
			IsLastFragment:         found.IsLastFragment,
		}
		fragmentLength := len(data)
		split := false
		if wire.DatagramHeaderMax+fragmentLength > maxSize {
			headerLen := len(header.Encode(nil))
			if headerLen+fragmentLength > maxSize {
				split = true
				header.IsLastFragment = false
				fragmentLength = maxSize - headerLen
			}
		}
		payload := header.Encode(nil)
		payload = append(payload, data[:fragmentLength]...)
		if err := r.queueRepeat(payload); err != nil {
			return err
		}
		if !split {
			return nil
		}

		// Split the ack record: the first half loses the terminal flag,
		// the second half inherits it along with the repeat mark.
		nextSent := found.SentFragment
		nextSent.Offset = found.Offset + uint64(fragmentLength)
		nextSent.Length = found.Length - uint64(fragmentLength)
		wasLast := found.IsLastFragment
		found.IsLastFragment = false
		found.Length = uint64(fragmentLength)

		nextSent.IsLastFragment = wasLast
		next, _ := t.Init(nextSent, r.now())
		if next == nil {
			log.WithFields(log.Fields{
				"group":  nextSent.GroupID,
				"object": nextSent.ObjectID,
				"offset": nextSent.Offset,
			}).Warn("Repeat split fell below the ack horizon")
			return nil
		}
		next.RepeatNeeded = true
		data = data[fragmentLength:]
		found = next
	}
}
