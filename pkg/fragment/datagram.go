// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fragment

import (
	"github.com/quicrq/quicrq-go/pkg/wire"
)

// SkipFlags marks the zero-length sentinel sent in place of a skipped
// object.
const SkipFlags = 0xff

// SentFragment describes one datagram emission for the ack tracker.
type SentFragment struct {
	GroupID                uint64
	ObjectID               uint64
	Offset                 uint64
	Length                 uint64
	QueueDelay             uint64
	Flags                  byte
	NbObjectsPreviousGroup uint64
	IsLastFragment         bool
}

// checkFragment advances the arrival-order cursor to the next fragment that
// should be processed, skipping dropped objects and objects the per-object
// tree already pruned. It reports whether the congestion oracle decided to
// skip the object the cursor landed on.
func (p *PublisherState) checkFragment(oracle Oracle, now uint64) (shouldSkip bool) {
	if p.currentFragment == nil {
		p.currentFragment = p.cache.firstInOrder
		if p.currentFragment != nil {
			p.lengthSent = 0
			p.currentFragmentSent = false
			if p.fragmentBeforeStart(p.currentFragment) {
				p.currentFragmentSent = true
			} else if p.objectGet(ObjectRef{p.currentFragment.GroupID, p.currentFragment.ObjectID}) == nil {
				shouldSkip = p.evalSkip(oracle, now)
			}
		}
	}
	if p.currentFragment == nil {
		return false
	}

	for p.currentFragmentSent && p.currentFragment.nextInOrder != nil {
		p.lengthSent = 0
		p.currentFragmentSent = false
		p.currentFragment = p.currentFragment.nextInOrder

		if p.fragmentBeforeStart(p.currentFragment) {
			p.currentFragmentSent = true
			continue
		}

		ref := ObjectRef{p.currentFragment.GroupID, p.currentFragment.ObjectID}
		po := p.objectGet(ref)
		if po == nil {
			if first, ok := p.objects.Min(); ok && ref.Less(first.ObjectRef) {
				// Already pruned as fully sent.
				p.currentFragmentSent = true
				continue
			}
			// First fragment of a new object: consult the oracle.
			shouldSkip = p.evalSkip(oracle, now)
			break
		}
		if po.Dropped {
			p.currentFragmentSent = true
			continue
		}
		break
	}
	return shouldSkip
}

func (p *PublisherState) fragmentBeforeStart(f *Fragment) bool {
	return (ObjectRef{f.GroupID, f.ObjectID}).Less(p.startPoint)
}

// evalSkip decides congestion skip for the current fragment's object. The
// first object of a group is never skipped.
func (p *PublisherState) evalSkip(oracle Oracle, now uint64) bool {
	f := p.currentFragment
	if oracle == nil || f.ObjectID == 0 || len(f.Data) == 0 {
		return false
	}
	hasBacklog := now-f.CacheTime > BacklogThreshold
	return oracle.ShouldSkip(f.Flags, hasBacklog, now)
}

// PrepareDatagram builds the next datagram for this reader within space
// bytes: header plus as much of the current fragment as fits, or the
// zero-length skip sentinel. It returns the payload, the record for the ack
// tracker, and whether the reader still has work pending when nothing could
// be produced.
func (p *PublisherState) PrepareDatagram(datagramStreamID uint64, oracle Oracle, space int, now uint64) (payload []byte, sent *SentFragment, stillActive bool) {
	shouldSkip := p.checkFragment(oracle, now)
	if p.currentFragment == nil || p.currentFragmentSent {
		return nil, nil, false
	}

	frag := p.currentFragment
	offset := frag.Offset + p.lengthSent
	flags := frag.Flags
	isLast := frag.IsLastFragment
	if shouldSkip {
		offset = 0
		flags = SkipFlags
		isLast = true
	}

	header := wire.DatagramHeader{
		DatagramStreamID:       datagramStreamID,
		GroupID:                frag.GroupID,
		ObjectID:               frag.ObjectID,
		Offset:                 offset,
		QueueDelay:             frag.QueueDelay,
		Flags:                  flags,
		NbObjectsPreviousGroup: frag.NbObjectsPreviousGroup,
		IsLastFragment:         isLast,
	}
	encoded := header.Encode(nil)
	if len(encoded) > space {
		return nil, nil, true
	}

	copied := 0
	if !shouldSkip && len(frag.Data) > 0 {
		available := len(frag.Data) - int(p.lengthSent)
		copied = space - len(encoded)
		if copied >= available {
			copied = available
		} else if isLast {
			// The budget truncates the terminal fragment; the emitted piece
			// is not the last one.
			isLast = false
			header.IsLastFragment = false
			encoded = header.Encode(nil)
		}
		if copied == 0 {
			return nil, nil, true
		}
	}

	payload = append(encoded, frag.Data[p.lengthSent:int(p.lengthSent)+copied]...)
	p.lengthSent += uint64(copied)
	if shouldSkip || p.lengthSent >= uint64(len(frag.Data)) {
		p.currentFragmentSent = true
	}

	p.objectUpdate(frag, shouldSkip, isLast, offset+uint64(copied), uint64(copied))

	sent = &SentFragment{
		GroupID:                frag.GroupID,
		ObjectID:               frag.ObjectID,
		Offset:                 offset,
		Length:                 uint64(copied),
		QueueDelay:             frag.QueueDelay,
		Flags:                  flags,
		NbObjectsPreviousGroup: frag.NbObjectsPreviousGroup,
		IsLastFragment:         isLast,
	}
	return payload, sent, true
}

// objectUpdate books the emission into the per-object tree and prunes the
// leading run of fully-sent objects.
func (p *PublisherState) objectUpdate(frag *Fragment, dropped, isLast bool, nextOffset, copied uint64) {
	ref := ObjectRef{frag.GroupID, frag.ObjectID}
	po := p.objectGet(ref)
	if po == nil {
		po = p.objectAdd(ref)
	}
	po.BytesSent += copied
	if isLast {
		po.FinalOffset = nextOffset
	}
	po.Dropped = dropped
	if frag.NbObjectsPreviousGroup > 0 {
		po.NbObjectsPreviousGroup = frag.NbObjectsPreviousGroup
	}
	// Zero-length fragments, skipped at a previous node, count as sent.
	if (isLast && copied >= nextOffset) ||
		(po.FinalOffset > 0 && po.BytesSent >= po.FinalOffset) {
		po.Sent = true
		p.prune()
	}
}

// prune removes the leading contiguous run of sent objects, keeping the tree
// small. The last entry stays so the in-sequence check has an anchor.
func (p *PublisherState) prune() {
	first, ok := p.objects.Min()
	for ok && first.Sent {
		var next *publisherObject
		p.objects.AscendGreaterOrEqual(first, func(po *publisherObject) bool {
			if po == first {
				return true
			}
			next = po
			return false
		})
		if next == nil {
			return
		}
		inSequence := (next.GroupID == first.GroupID && next.ObjectID == first.ObjectID+1) ||
			(next.GroupID == first.GroupID+1 && next.ObjectID == 0 &&
				next.NbObjectsPreviousGroup == first.ObjectID+1)
		if !inSequence {
			return
		}
		p.objects.Delete(first)
		first = next
	}
}

// DatagramFinished reports the final point once the cache end is known, the
// cursor is at the tail of the arrival list, and that fragment is fully
// sent. The caller then announces the fin on the control stream.
func (p *PublisherState) DatagramFinished() (ObjectRef, bool) {
	if p.cache.HasFinal() && p.currentFragment != nil &&
		p.currentFragmentSent && p.currentFragment.nextInOrder == nil {
		return ObjectRef{p.cache.FinalGroupID, p.cache.FinalObjectID}, true
	}
	return ObjectRef{}, false
}
