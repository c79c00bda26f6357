// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fragment

import (
	"bytes"
	"math"
	"testing"
)

func propose(c *Cache, groupID, objectID, offset uint64, data []byte, isLast bool, nbPrev uint64, now uint64) bool {
	return c.Propose(Proposed{
		GroupID:                groupID,
		ObjectID:               objectID,
		Offset:                 offset,
		Data:                   data,
		NbObjectsPreviousGroup: nbPrev,
		IsLastFragment:         isLast,
		Now:                    now,
	})
}

// objectBytes reassembles the cached bytes of one object in key order.
func objectBytes(c *Cache, groupID, objectID uint64) []byte {
	var out []byte
	next := uint64(0)
	c.tree.AscendGreaterOrEqual(&Fragment{Key: Key{groupID, objectID, 0}}, func(f *Fragment) bool {
		if f.GroupID != groupID || f.ObjectID != objectID {
			return false
		}
		if f.Offset != next {
			return false
		}
		out = append(out, f.Data...)
		next += uint64(len(f.Data))
		return true
	})
	return out
}

func checkNoOverlap(t *testing.T, c *Cache) {
	t.Helper()
	var prev *Fragment
	c.tree.AscendGreaterOrEqual(&Fragment{}, func(f *Fragment) bool {
		if prev != nil && prev.GroupID == f.GroupID && prev.ObjectID == f.ObjectID {
			if prev.Offset+uint64(len(prev.Data)) > f.Offset {
				t.Fatalf("fragments overlap: (%d,%d,%d)+%d and (%d,%d,%d)",
					prev.GroupID, prev.ObjectID, prev.Offset, len(prev.Data),
					f.GroupID, f.ObjectID, f.Offset)
			}
		}
		prev = f
		return true
	})
}

func TestCacheMergeOverlaps(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")

	// Deliver the object in overlapping, out-of-order slices; the cache must
	// end up with exactly the union, without duplicate ranges.
	cases := [][][2]int{
		{{0, 44}},
		{{0, 20}, {10, 44}},
		{{20, 44}, {0, 25}},
		{{10, 30}, {0, 44}},
		{{0, 10}, {30, 44}, {5, 35}},
		{{0, 44}, {0, 44}},
	}

	for i, slices := range cases {
		c := NewCache()
		for _, s := range slices {
			isLast := s[1] == len(payload)
			propose(c, 0, 0, uint64(s[0]), payload[s[0]:s[1]], isLast, 0, 1)
		}
		checkNoOverlap(t, c)
		if got := objectBytes(c, 0, 0); !bytes.Equal(got, payload) {
			t.Fatalf("case %d: reassembled %q", i, got)
		}
		if c.NextOffset != uint64(len(payload)) && c.NextObjectID != 1 {
			t.Fatalf("case %d: frontier did not advance: (%d,%d,%d)",
				i, c.NextGroupID, c.NextObjectID, c.NextOffset)
		}
	}
}

func TestCacheMergeIdempotent(t *testing.T) {
	c := NewCache()
	if !propose(c, 0, 0, 0, []byte("abc"), false, 0, 1) {
		t.Fatal("first propose added nothing")
	}
	if propose(c, 0, 0, 0, []byte("abc"), false, 0, 2) {
		t.Fatal("duplicate propose added data")
	}
	if c.Size() != 1 {
		t.Fatalf("%d records cached, expected 1", c.Size())
	}
}

func TestCacheFrontierMonotonic(t *testing.T) {
	c := NewCache()
	type point struct{ g, o, off uint64 }
	last := point{}
	check := func() {
		cur := point{c.NextGroupID, c.NextObjectID, c.NextOffset}
		if cur.g < last.g ||
			(cur.g == last.g && cur.o < last.o) ||
			(cur.g == last.g && cur.o == last.o && cur.off < last.off) {
			t.Fatalf("frontier moved backwards: %+v -> %+v", last, cur)
		}
		last = cur
	}

	propose(c, 0, 1, 0, []byte("bb"), true, 0, 1)
	check()
	propose(c, 0, 0, 4, []byte("aa"), true, 0, 1)
	check()
	propose(c, 0, 0, 0, []byte("aaaa"), false, 0, 1)
	check()
	if last != (point{0, 2, 0}) {
		t.Fatalf("frontier at %+v after completing objects 0 and 1", last)
	}
}

func TestCacheGroupCrossing(t *testing.T) {
	c := NewCache()

	// Objects 0..3 of group 0 complete, object 4's terminal fragment held
	// back; group 1 object 0 arrives early (scenario: cross-group boundary).
	for o := uint64(0); o < 4; o++ {
		propose(c, 0, o, 0, []byte("xy"), true, 0, 1)
	}
	propose(c, 0, 4, 0, []byte("x"), false, 0, 1)
	propose(c, 1, 0, 0, []byte("z"), true, 5, 1)

	if c.NextGroupID != 0 || c.NextObjectID != 4 {
		t.Fatalf("frontier crossed too early: (%d,%d,%d)",
			c.NextGroupID, c.NextObjectID, c.NextOffset)
	}

	// Completing group 0 object 4 lets the frontier jump through (1,0,0).
	propose(c, 0, 4, 1, []byte("y"), true, 0, 1)
	if c.NextGroupID != 1 || c.NextObjectID != 1 || c.NextOffset != 0 {
		t.Fatalf("frontier stuck at (%d,%d,%d)",
			c.NextGroupID, c.NextObjectID, c.NextOffset)
	}
}

func TestCacheGroupCrossingRequiresMatchingCount(t *testing.T) {
	c := NewCache()
	propose(c, 0, 0, 0, []byte("a"), true, 0, 1)
	// Next group declares 2 objects in group 0, only 1 was completed.
	propose(c, 1, 0, 0, []byte("b"), true, 2, 1)

	if c.NextGroupID != 0 || c.NextObjectID != 1 {
		t.Fatalf("frontier crossed with wrong object count: (%d,%d)",
			c.NextGroupID, c.NextObjectID)
	}
}

func TestCacheObjectCount(t *testing.T) {
	c := NewCache()
	propose(c, 0, 0, 0, []byte("aa"), false, 0, 1)
	if c.NbObjectReceived != 0 {
		t.Fatal("partial object counted as received")
	}
	propose(c, 0, 0, 2, []byte("bb"), true, 0, 1)
	if c.NbObjectReceived != 1 {
		t.Fatalf("NbObjectReceived = %d", c.NbObjectReceived)
	}
	// Out-of-order completion.
	propose(c, 0, 2, 1, []byte("d"), true, 0, 1)
	propose(c, 0, 2, 0, []byte("c"), false, 0, 1)
	if c.NbObjectReceived != 2 {
		t.Fatalf("NbObjectReceived = %d after out-of-order completion", c.NbObjectReceived)
	}
}

func TestCacheZeroLengthSentinel(t *testing.T) {
	c := NewCache()
	propose(c, 0, 0, 0, []byte("aa"), true, 0, 1)
	if !propose(c, 0, 1, 0, nil, true, 0, 1) {
		t.Fatal("skip sentinel not cached")
	}
	if c.NextObjectID != 2 {
		t.Fatalf("frontier did not pass skipped object: (%d,%d,%d)",
			c.NextGroupID, c.NextObjectID, c.NextOffset)
	}
	// A sentinel for an object with data present is ignored.
	propose(c, 0, 0, 0, nil, true, 0, 2)
	if f := c.Get(0, 0, 0); f == nil || len(f.Data) != 2 {
		t.Fatal("sentinel replaced cached data")
	}
}

func TestCacheDropsFragmentsBeforeStart(t *testing.T) {
	c := NewCache()
	c.LearnStartPoint(1, 0)
	if propose(c, 0, 7, 0, []byte("old"), true, 0, 1) {
		t.Fatal("fragment before the start point was cached")
	}
	if c.NextGroupID != 1 || c.NextObjectID != 0 {
		t.Fatalf("frontier not snapped: (%d,%d)", c.NextGroupID, c.NextObjectID)
	}
}

func TestCacheLearnStartPointPurges(t *testing.T) {
	c := NewCache()
	propose(c, 0, 0, 0, []byte("a"), true, 0, 1)
	propose(c, 0, 1, 0, []byte("b"), true, 0, 1)
	propose(c, 1, 0, 0, []byte("c"), true, 2, 1)

	c.LearnStartPoint(1, 0)
	if c.Size() != 1 {
		t.Fatalf("%d records left, expected only group 1", c.Size())
	}
	if f := c.GetPrevious(0, math.MaxUint64, math.MaxUint64); f != nil {
		t.Fatal("group 0 fragment survived the start point")
	}
}

func TestCachePurgeToGroup(t *testing.T) {
	c := NewCache()
	propose(c, 0, 0, 0, []byte("a"), true, 0, 1)
	propose(c, 1, 0, 0, []byte("b"), true, 1, 1)
	propose(c, 2, 0, 0, []byte("c"), true, 1, 1)

	c.PurgeToGroup(2)
	if c.Size() != 1 || c.FirstGroupID != 2 || c.FirstObjectID != 0 {
		t.Fatalf("purge kept %d records, first=(%d,%d)",
			c.Size(), c.FirstGroupID, c.FirstObjectID)
	}
}

func TestCachePurgeArchival(t *testing.T) {
	c := NewCache()
	propose(c, 0, 0, 0, []byte("a"), true, 0, 1000)
	propose(c, 0, 1, 0, []byte("b"), false, 0, 1000)
	propose(c, 0, 2, 0, []byte("c"), true, 0, 9000)

	// Object 0 is complete and old; object 1 is old but incomplete, which
	// stops the purge before the newer object 2.
	c.PurgeArchival(10000, 5000, ObjectRef{0, 100})
	if c.Get(0, 0, 0) != nil {
		t.Fatal("old complete object survived purge")
	}
	if c.Get(0, 1, 0) == nil || c.Get(0, 2, 0) == nil {
		t.Fatal("purge deleted too much")
	}
	if c.FirstObjectID != 1 {
		t.Fatalf("FirstObjectID = %d", c.FirstObjectID)
	}

	// Closed caches may drop incomplete objects too.
	c.Closed = true
	c.PurgeArchival(20000, 5000, ObjectRef{0, 2})
	if c.Get(0, 1, 0) != nil {
		t.Fatal("incomplete object survived purge of a closed cache")
	}
	if c.Get(0, 2, 0) == nil {
		t.Fatal("purge ignored the kept-object bound")
	}
}

func TestCacheCloseDerivesFinalPoint(t *testing.T) {
	// Frontier at an object boundary: final is the frontier itself.
	c := NewCache()
	propose(c, 0, 0, 0, []byte("a"), true, 0, 1)
	c.Close(100)
	if c.FinalGroupID != 0 || c.FinalObjectID != 1 {
		t.Fatalf("final = (%d,%d)", c.FinalGroupID, c.FinalObjectID)
	}
	if c.DeleteTime != 100+CacheLingerAfterClose {
		t.Fatalf("DeleteTime = %d", c.DeleteTime)
	}

	// Mid-object frontier with several objects: back up one object.
	c = NewCache()
	propose(c, 0, 0, 0, []byte("a"), true, 0, 1)
	propose(c, 0, 1, 0, []byte("b"), true, 0, 1)
	propose(c, 0, 2, 0, []byte("c"), false, 0, 1)
	c.Close(100)
	if c.FinalGroupID != 0 || c.FinalObjectID != 1 {
		t.Fatalf("final = (%d,%d)", c.FinalGroupID, c.FinalObjectID)
	}

	// Known end point at close time only shortens the linger.
	c = NewCache()
	propose(c, 0, 0, 0, []byte("a"), true, 0, 1)
	c.LearnEndPoint(0, 1)
	c.Close(100)
	if c.DeleteTime != 100+CacheLingerAfterFin {
		t.Fatalf("DeleteTime = %d with known end", c.DeleteTime)
	}
	if !c.Finished() {
		t.Fatal("cache not finished with frontier at final point")
	}
}

func TestCacheShouldDelete(t *testing.T) {
	c := NewCache()
	propose(c, 0, 0, 0, []byte("a"), true, 0, 1)
	if c.ShouldDelete(1000) {
		t.Fatal("open cache eligible for deletion")
	}
	c.Close(1000)
	if c.ShouldDelete(1001) {
		t.Fatal("fresh closed cache eligible for deletion")
	}
	if !c.ShouldDelete(1000 + CacheLingerAfterClose) {
		t.Fatal("expired cache not eligible for deletion")
	}
}
