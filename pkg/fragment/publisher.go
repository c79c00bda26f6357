// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fragment

import (
	"github.com/google/btree"
)

// Mode selects how a reader traverses the cache.
type Mode int

const (
	// ModeStream reads in key order, reliably.
	ModeStream Mode = iota
	// ModeDatagram reads in arrival order, with skip and repeat.
	ModeDatagram
)

// publisherObject tracks per-object send accounting for one datagram reader.
type publisherObject struct {
	ObjectRef

	BytesSent              uint64
	FinalOffset            uint64
	NbObjectsPreviousGroup uint64
	Dropped                bool
	Sent                   bool
}

// PublisherState is the read-side state of one reader stream attached to a
// cache. Stream mode uses the (group, object, offset) cursor; datagram mode
// iterates the arrival list and keeps the per-object tree, which each reader
// prunes independently once an object is fully sent.
type PublisherState struct {
	cache *Cache
	mode  Mode

	CurrentGroupID  uint64
	CurrentObjectID uint64
	CurrentOffset   uint64

	currentFragment     *Fragment
	lengthSent          uint64
	currentFragmentSent bool

	currentObjectSkipped bool
	hasBacklog           bool

	startPoint ObjectRef

	objects *btree.BTreeG[*publisherObject]
}

// NewPublisherState attaches a reader to the cache, starting at the cache's
// first addressable point.
func NewPublisherState(c *Cache, mode Mode) *PublisherState {
	p := &PublisherState{
		cache: c,
		mode:  mode,
		objects: btree.NewG(4, func(a, b *publisherObject) bool {
			return a.ObjectRef.Less(b.ObjectRef)
		}),
	}
	p.StartAt(c.FirstGroupID, c.FirstObjectID)
	return p
}

// StartAt moves the reader's start point. Only meaningful before the first
// chunk is produced.
func (p *PublisherState) StartAt(groupID, objectID uint64) {
	p.CurrentGroupID = groupID
	p.CurrentObjectID = objectID
	p.CurrentOffset = 0
	p.startPoint = ObjectRef{groupID, objectID}
}

// StartPoint returns the reader's start point.
func (p *PublisherState) StartPoint() ObjectRef {
	return p.startPoint
}

// SkipObject marks the current object to be skipped; the next chunk resumes
// at the following object once it is available.
func (p *PublisherState) SkipObject() {
	p.currentObjectSkipped = true
}

// HasBacklog reports the sticky backlog state of the current object.
func (p *PublisherState) HasBacklog() bool {
	return p.hasBacklog
}

// OldestNeededGroup returns the lowest group this reader still needs,
// bounding what a real-time purge may evict.
func (p *PublisherState) OldestNeededGroup() uint64 {
	if p.mode == ModeStream {
		return p.CurrentGroupID
	}
	g := p.startPoint.GroupID
	if p.currentFragment != nil && !p.currentFragmentSent && p.currentFragment.GroupID > g {
		g = p.currentFragment.GroupID
	}
	if first, ok := p.objects.Min(); ok && first.GroupID < g {
		return first.GroupID
	}
	return g
}

// Close releases the reader's accounting state.
func (p *PublisherState) Close() {
	p.objects.Clear(false)
	p.currentFragment = nil
}

// StreamChunk is one stream-mode emission: a fragment-sized byte range with
// the header fields the control stream needs to frame it.
type StreamChunk struct {
	GroupID                uint64
	ObjectID               uint64
	Offset                 uint64
	QueueDelay             uint64
	Flags                  byte
	NbObjectsPreviousGroup uint64
	IsLastFragment         bool
	IsNewGroup             bool
	Data                   []byte
}

// NextStreamChunk produces up to maxBytes of the next in-order fragment.
// It returns a nil chunk with finished set once the cursor passed the final
// object, and nil with finished unset when no data is available yet.
func (p *PublisherState) NextStreamChunk(maxBytes int, now uint64) (chunk *StreamChunk, finished bool) {
	if p.cache.HasFinal() &&
		!(ObjectRef{p.CurrentGroupID, p.CurrentObjectID}).Less(ObjectRef{p.cache.FinalGroupID, p.cache.FinalObjectID}) {
		return nil, true
	}

	isNewGroup := false
	if p.currentObjectSkipped {
		// Resume just past the skipped object, crossing the group boundary
		// when the next group starts right after it.
		if f := p.cache.Get(p.CurrentGroupID, p.CurrentObjectID+1, 0); f != nil {
			p.CurrentObjectID++
			p.CurrentOffset = 0
			p.lengthSent = 0
			p.currentObjectSkipped = false
			p.currentFragment = f
		} else if f := p.cache.Get(p.CurrentGroupID+1, 0, 0); f != nil &&
			p.CurrentObjectID+1 >= f.NbObjectsPreviousGroup {
			p.CurrentGroupID++
			p.CurrentObjectID = 0
			p.CurrentOffset = 0
			p.lengthSent = 0
			p.currentObjectSkipped = false
			p.currentFragment = f
			isNewGroup = true
		}
	} else if p.currentFragment == nil {
		p.currentFragment = p.cache.Get(p.CurrentGroupID, p.CurrentObjectID, p.CurrentOffset)
		if p.currentFragment == nil && p.CurrentOffset == 0 {
			if f := p.cache.Get(p.CurrentGroupID+1, 0, 0); f != nil &&
				p.CurrentObjectID >= f.NbObjectsPreviousGroup {
				p.currentFragment = f
				p.CurrentGroupID++
				p.CurrentObjectID = 0
				isNewGroup = true
			}
		}
	}

	if p.currentFragment == nil || maxBytes <= 0 {
		return nil, false
	}

	frag := p.currentFragment
	available := uint64(len(frag.Data)) - p.lengthSent
	copied := uint64(maxBytes)
	endOfFragment := false
	isLast := false
	if copied >= available {
		copied = available
		endOfFragment = true
		isLast = frag.IsLastFragment
	}

	p.updateBacklog()

	chunk = &StreamChunk{
		GroupID:                p.CurrentGroupID,
		ObjectID:               p.CurrentObjectID,
		Offset:                 p.CurrentOffset + p.lengthSent,
		QueueDelay:             frag.QueueDelay,
		Flags:                  frag.Flags,
		NbObjectsPreviousGroup: frag.NbObjectsPreviousGroup,
		IsLastFragment:         isLast,
		IsNewGroup:             isNewGroup,
		Data:                   frag.Data[p.lengthSent : p.lengthSent+copied],
	}

	p.lengthSent += copied
	if endOfFragment {
		if frag.IsLastFragment {
			p.CurrentObjectID++
			p.CurrentOffset = 0
		} else {
			p.CurrentOffset += uint64(len(frag.Data))
		}
		p.lengthSent = 0
		p.currentFragment = nil
	}
	return chunk, false
}

// updateBacklog refreshes the sticky backlog marker: an object is backlogged
// when the cache frontier already moved past its successor.
func (p *PublisherState) updateBacklog() {
	if p.CurrentOffset > 0 || p.lengthSent > 0 {
		return
	}
	if p.CurrentGroupID < p.cache.NextGroupID ||
		(p.CurrentGroupID == p.cache.NextGroupID &&
			p.CurrentObjectID+1 < p.cache.NextObjectID) {
		p.hasBacklog = true
	} else {
		p.hasBacklog = false
	}
}

func (p *PublisherState) objectGet(ref ObjectRef) *publisherObject {
	po, ok := p.objects.Get(&publisherObject{ObjectRef: ref})
	if !ok {
		return nil
	}
	return po
}

func (p *PublisherState) objectAdd(ref ObjectRef) *publisherObject {
	po := &publisherObject{ObjectRef: ref}
	p.objects.ReplaceOrInsert(po)
	return po
}

func (p *PublisherState) pendingObjects() int {
	return p.objects.Len()
}
