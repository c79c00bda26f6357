// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fragment

import (
	"math"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"
)

const (
	// CacheLingerAfterClose is how long a closed cache keeps its content
	// for late readers when the end point was not known before the close.
	CacheLingerAfterClose = 30_000_000

	// CacheLingerAfterFin applies when the final point was already learned
	// at close time.
	CacheLingerAfterFin = 3_000_000
)

// Cache stores the fragments of one URL. A single consumer proposes
// fragments; any number of publisher states read them. All methods must be
// called from the connection loop owning the enclosing context.
type Cache struct {
	tree *btree.BTreeG[*Fragment]

	firstInOrder *Fragment
	lastInOrder  *Fragment

	// Earliest addressable point; advances on purge or learned start.
	FirstGroupID  uint64
	FirstObjectID uint64

	// Contiguous-receive frontier.
	NextGroupID  uint64
	NextObjectID uint64
	NextOffset   uint64

	// End of stream, zero until learned.
	FinalGroupID  uint64
	FinalObjectID uint64

	NbObjectReceived uint64

	Closed     bool
	RealTime   bool
	DeleteTime uint64

	notifier Notifier
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		tree: btree.NewG(4, func(a, b *Fragment) bool {
			return a.Key.Less(b.Key)
		}),
		notifier: nopNotifier{},
	}
}

// SetNotifier attaches the reader-side notification sink.
func (c *Cache) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	c.notifier = n
}

// FirstInOrder returns the head of the arrival list.
func (c *Cache) FirstInOrder() *Fragment {
	return c.firstInOrder
}

// Size returns the number of cached fragment records.
func (c *Cache) Size() int {
	return c.tree.Len()
}

// Empty reports whether no fragment is cached.
func (c *Cache) Empty() bool {
	return c.tree.Len() == 0
}

// HasFinal reports whether the end of stream is known.
func (c *Cache) HasFinal() bool {
	return c.FinalGroupID != 0 || c.FinalObjectID != 0
}

// Get returns the fragment with the exact key, if present.
func (c *Cache) Get(groupID, objectID, offset uint64) *Fragment {
	f, ok := c.tree.Get(&Fragment{Key: Key{groupID, objectID, offset}})
	if !ok {
		return nil
	}
	return f
}

// GetPrevious returns the fragment with the largest key not above
// (groupID, objectID, offset).
func (c *Cache) GetPrevious(groupID, objectID, offset uint64) *Fragment {
	var found *Fragment
	c.tree.DescendLessOrEqual(&Fragment{Key: Key{groupID, objectID, offset}}, func(f *Fragment) bool {
		found = f
		return false
	})
	return found
}

// NextGroupStart returns the first cached group-opening fragment of any
// group after afterGroup.
func (c *Cache) NextGroupStart(afterGroup uint64) *Fragment {
	var found *Fragment
	c.tree.AscendGreaterOrEqual(&Fragment{Key: Key{GroupID: afterGroup + 1}}, func(f *Fragment) bool {
		if f.ObjectID == 0 && f.Offset == 0 {
			found = f
			return false
		}
		return true
	})
	return found
}

// previous returns the record just before f in key order.
func (c *Cache) previous(f *Fragment) *Fragment {
	var prev *Fragment
	first := true
	c.tree.DescendLessOrEqual(f, func(g *Fragment) bool {
		if first {
			first = false
			return true
		}
		prev = g
		return false
	})
	return prev
}

// Proposed is a candidate fragment handed to the cache by the consumer.
type Proposed struct {
	GroupID                uint64
	ObjectID               uint64
	Offset                 uint64
	Data                   []byte
	QueueDelay             uint64
	Flags                  byte
	NbObjectsPreviousGroup uint64
	IsLastFragment         bool
	Now                    uint64
}

// Propose merges a fragment into the cache. The merge is idempotent: only
// byte ranges not already covered are inserted, split into as many
// non-overlapping records as needed. Readers are woken when anything was
// added.
func (c *Cache) Propose(p Proposed) bool {
	if (ObjectRef{p.GroupID, p.ObjectID}).Less(ObjectRef{c.FirstGroupID, c.FirstObjectID}) {
		// Too old to be considered.
		return false
	}

	added := false
	data := p.Data
	offset := p.Offset
	length := uint64(len(data))
	isLast := p.IsLastFragment
	nbPrev := p.NbObjectsPreviousGroup

	insert := func(pieceOffset, pieceLen uint64, pieceLast bool) {
		piece := &Fragment{
			Key:            Key{p.GroupID, p.ObjectID, pieceOffset},
			Data:           append([]byte(nil), data[pieceOffset-offset:pieceOffset-offset+pieceLen]...),
			QueueDelay:     p.QueueDelay,
			Flags:          p.Flags,
			IsLastFragment: pieceLast,
			CacheTime:      p.Now,
		}
		if pieceOffset == 0 {
			piece.NbObjectsPreviousGroup = nbPrev
		}
		c.append(piece)
		c.tree.ReplaceOrInsert(piece)
		added = true
	}

	// Walk back from the highest fragment of this object, inserting the
	// uncovered ranges.
	node := c.GetPrevious(p.GroupID, p.ObjectID, math.MaxUint64)

	if length == 0 {
		// Zero-length terminal fragments stand in for skipped objects and
		// are only stored while the object has no other record. An empty
		// non-terminal fragment carries nothing and is dropped.
		if isLast && (node == nil || node.GroupID != p.GroupID || node.ObjectID != p.ObjectID) {
			insert(offset, 0, isLast)
		}
	}

	for length > 0 {
		if node == nil || node.GroupID != p.GroupID || node.ObjectID != p.ObjectID ||
			node.Offset+uint64(len(node.Data)) < offset {
			insert(offset, length, isLast)
			break
		}

		nodeEnd := node.Offset + uint64(len(node.Data))
		if offset+length > nodeEnd {
			// The tail extends beyond this record.
			insert(nodeEnd, offset+length-nodeEnd, isLast)
		}
		if offset >= node.Offset {
			// The rest is fully covered.
			break
		}
		if node.Offset < offset+length {
			length = node.Offset - offset
			isLast = false
		}
		node = c.previous(node)
	}

	if added {
		c.progress()
		if c.objectComplete(p.GroupID, p.ObjectID) {
			c.NbObjectReceived++
		}
		c.notifier.Wakeup()
	}
	return added
}

// append links a record at the tail of the arrival list.
func (c *Cache) append(f *Fragment) {
	if c.lastInOrder == nil {
		c.firstInOrder = f
	} else {
		f.prevInOrder = c.lastInOrder
		c.lastInOrder.nextInOrder = f
	}
	c.lastInOrder = f
}

// unlink removes a record from the arrival list.
func (c *Cache) unlink(f *Fragment) {
	if f.prevInOrder == nil {
		c.firstInOrder = f.nextInOrder
	} else {
		f.prevInOrder.nextInOrder = f.nextInOrder
	}
	if f.nextInOrder == nil {
		c.lastInOrder = f.prevInOrder
	} else {
		f.nextInOrder.prevInOrder = f.prevInOrder
	}
	f.prevInOrder = nil
	f.nextInOrder = nil
}

// remove deletes a record from both access structures.
func (c *Cache) remove(f *Fragment) {
	c.tree.Delete(f)
	c.unlink(f)
}

// progress advances the contiguous-receive frontier while the adjacent
// fragment is present. A group boundary is crossed only when the first
// fragment of the next group declares the object count this cache actually
// completed for the current group.
func (c *Cache) progress() {
	for {
		if f := c.Get(c.NextGroupID, c.NextObjectID, c.NextOffset); f != nil {
			if len(f.Data) == 0 && !f.IsLastFragment {
				return
			}
			c.advanceBy(f)
			continue
		}
		if c.NextOffset == 0 && c.NextObjectID > 0 {
			if f := c.Get(c.NextGroupID+1, 0, 0); f != nil &&
				f.NbObjectsPreviousGroup == c.NextObjectID {
				c.NextGroupID++
				c.NextObjectID = 0
				c.advanceBy(f)
				continue
			}
		}
		return
	}
}

func (c *Cache) advanceBy(f *Fragment) {
	if f.IsLastFragment {
		c.NextObjectID++
		c.NextOffset = 0
	} else {
		c.NextOffset += uint64(len(f.Data))
	}
}

// objectComplete reports whether every byte of (groupID, objectID) from
// offset zero to a last fragment is cached.
func (c *Cache) objectComplete(groupID, objectID uint64) bool {
	node := c.GetPrevious(groupID, objectID, math.MaxUint64)
	if node == nil || node.GroupID != groupID || node.ObjectID != objectID || !node.IsLastFragment {
		return false
	}
	for node.Offset > 0 {
		prev := c.previous(node)
		if prev == nil || prev.GroupID != groupID || prev.ObjectID != objectID ||
			prev.Offset+uint64(len(prev.Data)) < node.Offset {
			return false
		}
		node = prev
	}
	return true
}

// LearnStartPoint records the earliest addressable object, deletes anything
// cached before it, and tells attached readers to relay the new start.
func (c *Cache) LearnStartPoint(groupID, objectID uint64) {
	c.FirstGroupID = groupID
	c.FirstObjectID = objectID
	if (ObjectRef{c.NextGroupID, c.NextObjectID}).Less(ObjectRef{groupID, objectID}) {
		c.NextGroupID = groupID
		c.NextObjectID = objectID
		c.NextOffset = 0
	}
	for {
		f, ok := c.tree.Min()
		if !ok || !(ObjectRef{f.GroupID, f.ObjectID}).Less(ObjectRef{groupID, objectID}) {
			break
		}
		c.remove(f)
	}
	c.notifier.StartPointLearned(groupID, objectID)
}

// LearnEndPoint records the final object and wakes waiting readers.
func (c *Cache) LearnEndPoint(groupID, objectID uint64) {
	c.FinalGroupID = groupID
	c.FinalObjectID = objectID
	c.notifier.Wakeup()
}

// PurgeArchival deletes whole objects whose fragments all aged past maxAge.
// An object is only deleted when it is known complete, or when the cache is
// closed and no further fragment can arrive. Objects at or after minKept are
// always retained. The first addressable object advances by one per deleted
// object.
func (c *Cache) PurgeArchival(now, maxAge uint64, minKept ObjectRef) {
	for {
		f, ok := c.tree.Min()
		if !ok {
			return
		}
		ref := ObjectRef{f.GroupID, f.ObjectID}
		if !ref.Less(minKept) || f.CacheTime+maxAge > now {
			return
		}
		if !c.Closed && !c.objectComplete(ref.GroupID, ref.ObjectID) {
			return
		}
		if !c.objectAgedOut(ref, now, maxAge) {
			return
		}

		for {
			g, ok := c.tree.Min()
			if !ok || g.GroupID != ref.GroupID || g.ObjectID != ref.ObjectID {
				break
			}
			c.remove(g)
		}
		c.FirstGroupID = ref.GroupID
		c.FirstObjectID = ref.ObjectID + 1
		log.WithFields(log.Fields{
			"group":  ref.GroupID,
			"object": ref.ObjectID,
		}).Debug("Purged archived object from cache")
	}
}

// objectAgedOut reports whether every cached fragment of ref is older than
// maxAge.
func (c *Cache) objectAgedOut(ref ObjectRef, now, maxAge uint64) bool {
	agedOut := true
	c.tree.AscendGreaterOrEqual(&Fragment{Key: Key{ref.GroupID, ref.ObjectID, 0}}, func(f *Fragment) bool {
		if f.GroupID != ref.GroupID || f.ObjectID != ref.ObjectID {
			return false
		}
		if f.CacheTime+maxAge > now {
			agedOut = false
			return false
		}
		return true
	})
	return agedOut
}

// PurgeToGroup deletes every fragment of groups before keptGroup. Used by
// real-time caches; keptGroup is the minimum of the frontier group and every
// attached reader's current group.
func (c *Cache) PurgeToGroup(keptGroup uint64) {
	for {
		f, ok := c.tree.Min()
		if !ok {
			return
		}
		if f.GroupID >= keptGroup {
			c.FirstGroupID = f.GroupID
			c.FirstObjectID = f.ObjectID
			return
		}
		c.remove(f)
	}
}

// Close marks the consumer side finished. When the end point was never
// learned it is derived from the frontier, falling back to the highest
// cached fragment before the frontier group.
func (c *Cache) Close(now uint64) {
	if !c.HasFinal() {
		switch {
		case c.NextOffset == 0:
			c.FinalGroupID = c.NextGroupID
			c.FinalObjectID = c.NextObjectID
		case c.NextObjectID > 1:
			c.FinalGroupID = c.NextGroupID
			c.FinalObjectID = c.NextObjectID - 1
		default:
			// Highest cached fragment before the frontier group.
			var f *Fragment
			if c.NextGroupID > 0 {
				f = c.GetPrevious(c.NextGroupID-1, math.MaxUint64, math.MaxUint64)
			}
			if f != nil {
				c.FinalGroupID = f.GroupID
				c.FinalObjectID = f.ObjectID
			} else {
				c.FinalGroupID = c.FirstGroupID
				c.FinalObjectID = c.FirstObjectID
			}
		}
		c.DeleteTime = now + CacheLingerAfterClose
	} else {
		c.DeleteTime = now + CacheLingerAfterFin
	}
	c.Closed = true
	c.notifier.Wakeup()
}

// ShouldDelete reports whether a closed cache may be reclaimed.
func (c *Cache) ShouldDelete(now uint64) bool {
	return c.Closed && (c.Empty() || (c.DeleteTime != 0 && now >= c.DeleteTime))
}

// Finished reports whether the frontier reached the learned end of stream.
func (c *Cache) Finished() bool {
	return c.HasFinal() &&
		!(ObjectRef{c.NextGroupID, c.NextObjectID}).Less(ObjectRef{c.FinalGroupID, c.FinalObjectID})
}
