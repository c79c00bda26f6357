// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"testing"

	"github.com/quicrq/quicrq-go/pkg/fragment"
	"github.com/quicrq/quicrq-go/pkg/transport"
)

type testClock struct {
	now uint64
}

func (c *testClock) Now() uint64 {
	return c.now
}

var _ transport.Clock = (*testClock)(nil)

func TestContextPublish(t *testing.T) {
	clock := &testClock{}
	ctx := NewContext(clock, Options{})

	src, err := ctx.Publish("quicrq://a/b", false)
	if err != nil {
		t.Fatal(err)
	}
	if ctx.LookupSource("quicrq://a/b") != src {
		t.Fatal("published source not registered")
	}
	if _, err := ctx.Publish("quicrq://a/b", false); err == nil {
		t.Fatal("duplicate publish accepted")
	}
}

func TestContextSweepReclaimsClosedSources(t *testing.T) {
	clock := &testClock{now: 1000}
	ctx := NewContext(clock, Options{})

	src, err := ctx.Publish("quicrq://a/b", false)
	if err != nil {
		t.Fatal(err)
	}
	src.PublishObject([]byte("x"), 0, 0)
	src.CloseSource()

	ctx.SweepCaches()
	if ctx.LookupSource("quicrq://a/b") == nil {
		t.Fatal("source reclaimed before its delete time")
	}

	clock.now += fragment.CacheLingerAfterFin
	ctx.SweepCaches()
	if ctx.LookupSource("quicrq://a/b") != nil {
		t.Fatal("source not reclaimed after its delete time")
	}
}

func TestSourceGroupAccounting(t *testing.T) {
	clock := &testClock{}
	ctx := NewContext(clock, Options{})
	src, err := ctx.Publish("quicrq://a/b", false)
	if err != nil {
		t.Fatal(err)
	}

	src.PublishObject([]byte("a"), 0, 0)
	src.PublishObject([]byte("b"), 0, 0)
	src.NextGroup()
	src.PublishObject([]byte("c"), 0, 0)

	f := src.Cache().Get(1, 0, 0)
	if f == nil {
		t.Fatal("group 1 start not cached")
	}
	if f.NbObjectsPreviousGroup != 2 {
		t.Fatalf("group start declares %d previous objects", f.NbObjectsPreviousGroup)
	}
	if src.Cache().NextGroupID != 1 || src.Cache().NextObjectID != 1 {
		t.Fatalf("frontier at (%d,%d)", src.Cache().NextGroupID, src.Cache().NextObjectID)
	}
}
