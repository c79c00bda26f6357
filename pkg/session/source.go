// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	log "github.com/sirupsen/logrus"

	"github.com/quicrq/quicrq-go/pkg/fragment"
)

// Source is one published URL: a fragment cache plus the reader streams
// currently attached to it. It implements fragment.Notifier so cache events
// re-activate the readers.
type Source struct {
	ctx   *Context
	url   string
	cache *fragment.Cache

	streams []*Stream
	taps    []*drainer

	// Local publishing cursor, used when this node originates the media.
	pubGroupID     uint64
	pubObjectID    uint64
	pubGroupOpened bool
	lastGroupCount uint64

	// Consumer side attached (relay upstream or post receiver).
	consumerAttached bool
}

// URL returns the source's URL.
func (s *Source) URL() string {
	return s.url
}

// Cache returns the backing fragment cache.
func (s *Source) Cache() *fragment.Cache {
	return s.cache
}

// Wakeup implements fragment.Notifier: re-activate every attached reader.
func (s *Source) Wakeup() {
	for _, stream := range s.streams {
		stream.wakeup()
	}
	now := s.ctx.clock.Now()
	for _, tap := range s.taps {
		tap.drain(now)
	}
}

// Tap attaches a local, in-process reader delivering the source's objects
// to sink. The returned cancel detaches it.
func (s *Source) Tap(sink ObjectSink) (cancel func()) {
	tap := newDrainer(s.cache, sink)
	s.taps = append(s.taps, tap)
	tap.drain(s.ctx.clock.Now())
	return func() {
		for i, t := range s.taps {
			if t == tap {
				s.taps = append(s.taps[:i], s.taps[i+1:]...)
				return
			}
		}
	}
}

// StartPointLearned implements fragment.Notifier: relay the new start point
// to every attached reader's peer.
func (s *Source) StartPointLearned(groupID, objectID uint64) {
	for _, stream := range s.streams {
		stream.relayStartPoint(groupID, objectID)
	}
}

// attach links a reader stream to the source.
func (s *Source) attach(stream *Stream) {
	s.streams = append(s.streams, stream)
}

// detach unlinks a reader stream.
func (s *Source) detach(stream *Stream) {
	for i, st := range s.streams {
		if st == stream {
			s.streams = append(s.streams[:i], s.streams[i+1:]...)
			break
		}
	}
	if s.cache.Closed {
		s.ctx.cacheClosingNeeded = true
	}
}

// NbReaders returns the number of attached reader streams.
func (s *Source) NbReaders() int {
	return len(s.streams)
}

// SetRealTime switches the source to real-time eviction.
func (s *Source) SetRealTime() {
	s.cache.RealTime = true
}

// SetStartPoint declares the earliest object this source will carry, for
// publishers starting mid-stream.
func (s *Source) SetStartPoint(groupID, objectID uint64) {
	s.pubGroupID = groupID
	s.pubObjectID = objectID
	s.cache.LearnStartPoint(groupID, objectID)
}

// PublishObject appends one whole object to the current group.
func (s *Source) PublishObject(data []byte, flags byte, queueDelay uint64) {
	nbPrev := uint64(0)
	if s.pubGroupOpened && s.pubObjectID == 0 {
		// First object of a fresh group carries the closed group's count.
		nbPrev = s.lastGroupCount
	}
	s.cache.Propose(fragment.Proposed{
		GroupID:                s.pubGroupID,
		ObjectID:               s.pubObjectID,
		Offset:                 0,
		Data:                   data,
		QueueDelay:             queueDelay,
		Flags:                  flags,
		NbObjectsPreviousGroup: nbPrev,
		IsLastFragment:         true,
		Now:                    s.ctx.clock.Now(),
	})
	s.pubObjectID++
	s.pubGroupOpened = false
	s.maybePurge()
}

// NextGroup closes the current group; the next PublishObject starts the
// following group and declares the closed group's object count.
func (s *Source) NextGroup() {
	if s.pubObjectID == 0 {
		return
	}
	s.lastGroupCount = s.pubObjectID
	s.pubGroupID++
	s.pubObjectID = 0
	s.pubGroupOpened = true
}

// CloseSource ends local publishing: the final point is the current cursor.
func (s *Source) CloseSource() {
	s.cache.LearnEndPoint(s.pubGroupID, s.pubObjectID)
	s.cache.Close(s.ctx.clock.Now())
	s.ctx.cacheClosingNeeded = true
}

// maybePurge applies the real-time eviction policy after local publishes.
func (s *Source) maybePurge() {
	if !s.cache.RealTime {
		return
	}
	kept := s.cache.NextGroupID
	for _, stream := range s.streams {
		if stream.publisher == nil {
			continue
		}
		if g := stream.publisher.OldestNeededGroup(); g < kept {
			kept = g
		}
	}
	s.cache.PurgeToGroup(kept)
}

// delete removes the source from the registry once its cache expired.
func (s *Source) delete() {
	log.WithField("url", s.url).Info("Deleting media source")
	delete(s.ctx.sources, s.url)
}
