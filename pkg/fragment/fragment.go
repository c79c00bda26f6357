// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package fragment implements the per-URL media cache and the publisher
// state machines reading from it.
//
// The cache has two access methods: by order of arrival, used when relaying
// datagrams, and by (group, object, offset) key order, used when sending on
// streams. Arrival order is a doubly linked list threaded through the
// records; key order is a balanced tree.
package fragment

// Key identifies a fragment inside a media source.
type Key struct {
	GroupID  uint64
	ObjectID uint64
	Offset   uint64
}

// Less orders keys by group, then object, then offset.
func (k Key) Less(other Key) bool {
	if k.GroupID != other.GroupID {
		return k.GroupID < other.GroupID
	}
	if k.ObjectID != other.ObjectID {
		return k.ObjectID < other.ObjectID
	}
	return k.Offset < other.Offset
}

// ObjectRef names an object without an offset.
type ObjectRef struct {
	GroupID  uint64
	ObjectID uint64
}

// Less orders references by group, then object.
func (r ObjectRef) Less(other ObjectRef) bool {
	if r.GroupID != other.GroupID {
		return r.GroupID < other.GroupID
	}
	return r.ObjectID < other.ObjectID
}

// Fragment is one cached byte range of an object. Records are owned by the
// cache, which threads them on the arrival list and the key tree.
type Fragment struct {
	Key
	Data []byte

	QueueDelay             uint64
	Flags                  byte
	NbObjectsPreviousGroup uint64
	IsLastFragment         bool
	CacheTime              uint64

	prevInOrder *Fragment
	nextInOrder *Fragment
}

// NextInOrder returns the fragment cached immediately after f.
func (f *Fragment) NextInOrder() *Fragment {
	return f.nextInOrder
}

// Notifier connects a cache to its attached reader streams.
type Notifier interface {
	// Wakeup re-activates readers after new data, a learned end point, or
	// close.
	Wakeup()

	// StartPointLearned tells readers to relay a new start point to their
	// peers.
	StartPointLearned(groupID, objectID uint64)
}

type nopNotifier struct{}

func (nopNotifier) Wakeup()                       {}
func (nopNotifier) StartPointLearned(_, _ uint64) {}
