// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"github.com/quicrq/quicrq-go/pkg/fragment"
)

// drainer walks a consumer cache in key order and hands contiguously
// completed objects to a sink. Both subscriber streams and local taps use
// it.
type drainer struct {
	cache *fragment.Cache
	pub   *fragment.PublisherState
	sink  ObjectSink

	cur              []byte
	flags            byte
	started          bool
	completeNotified bool
}

func newDrainer(cache *fragment.Cache, sink ObjectSink) *drainer {
	return &drainer{
		cache: cache,
		pub:   fragment.NewPublisherState(cache, fragment.ModeStream),
		sink:  sink,
	}
}

func (d *drainer) drain(now uint64) {
	first := fragment.ObjectRef{GroupID: d.cache.FirstGroupID, ObjectID: d.cache.FirstObjectID}
	if (fragment.ObjectRef{GroupID: d.pub.CurrentGroupID, ObjectID: d.pub.CurrentObjectID}).Less(first) {
		d.pub.StartAt(first.GroupID, first.ObjectID)
	}

	for {
		chunk, finished := d.pub.NextStreamChunk(1<<30, now)
		if chunk != nil {
			if !d.started {
				d.flags = chunk.Flags
				d.started = true
			}
			d.cur = append(d.cur, chunk.Data...)
			if chunk.IsLastFragment {
				d.sink.OnObject(chunk.GroupID, chunk.ObjectID, d.cur, d.flags)
				d.cur = nil
				d.started = false
			}
			continue
		}
		if finished && !d.completeNotified {
			d.completeNotified = true
			d.sink.OnComplete()
		}
		return
	}
}
