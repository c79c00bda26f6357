// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fragment

import (
	log "github.com/sirupsen/logrus"
)

// Consumer is the write side of a cache: it merges fragments arriving from
// the transport, records stream boundaries, and derives the final point when
// the feeding stream closes early.
type Consumer struct {
	cache *Cache
}

// NewConsumer attaches a writer to the cache.
func NewConsumer(c *Cache) *Consumer {
	return &Consumer{cache: c}
}

// Cache returns the cache this consumer writes into.
func (cons *Consumer) Cache() *Cache {
	return cons.cache
}

// OnFragment merges one received fragment.
func (cons *Consumer) OnFragment(p Proposed) {
	cons.cache.Propose(p)
}

// OnFinal records the final object learned from the peer.
func (cons *Consumer) OnFinal(groupID, objectID uint64) {
	log.WithFields(log.Fields{
		"group":  groupID,
		"object": objectID,
	}).Debug("Final object learned")
	cons.cache.LearnEndPoint(groupID, objectID)
}

// OnStartPoint records a relayed start point.
func (cons *Consumer) OnStartPoint(groupID, objectID uint64) {
	cons.cache.LearnStartPoint(groupID, objectID)
}

// Close ends the write side. The cache derives a final point if none was
// learned and schedules its own reclamation.
func (cons *Consumer) Close(now uint64) {
	cons.cache.Close(now)
}

// Finished reports whether everything up to the final point was received;
// the transport is then asked to close the stream.
func (cons *Consumer) Finished() bool {
	return cons.cache.Finished()
}
