// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package relay

import (
	"bytes"
	"testing"

	"github.com/quicrq/quicrq-go/pkg/session"
	"github.com/quicrq/quicrq-go/pkg/transport/simnet"
	"github.com/quicrq/quicrq-go/pkg/wire"
)

const testURL = "quicrq://example.net/media/1"

type receivedObject struct {
	GroupID  uint64
	ObjectID uint64
	Data     []byte
	Flags    byte
}

type collectSink struct {
	objects  []receivedObject
	complete bool
}

func (s *collectSink) OnObject(groupID, objectID uint64, data []byte, flags byte) {
	s.objects = append(s.objects, receivedObject{
		GroupID:  groupID,
		ObjectID: objectID,
		Data:     append([]byte(nil), data...),
		Flags:    flags,
	})
}

func (s *collectSink) OnComplete() {
	s.complete = true
}

// connect wires two contexts over a simulated link pair.
func connect(net *simnet.Network, clientCtx, serverCtx *session.Context,
	clientParams, serverParams simnet.LinkParams) (*session.Conn, *session.Conn) {

	tcClient, tcServer := net.Pair(clientParams, serverParams)
	client := clientCtx.NewConn(tcClient, false)
	server := serverCtx.NewConn(tcServer, true)
	tcClient.SetHandler(client)
	tcServer.SetHandler(server)
	return client, server
}

func testObject(i int) []byte {
	data := make([]byte, 47)
	for j := range data {
		data[j] = byte(i + j)
	}
	return data
}

// Stream triangle without loss: publisher posts 100 objects through the
// origin; the subscriber receives them byte-identical in stream mode.
func TestTriangleStreamNoLoss(t *testing.T) {
	net := simnet.NewNetwork()
	originCtx := session.NewContext(net.Clock(), session.Options{})
	EnableOrigin(originCtx, false)
	pubCtx := session.NewContext(net.Clock(), session.Options{})
	subCtx := session.NewContext(net.Clock(), session.Options{})

	link := simnet.LinkParams{Latency: 10000}
	pubConn, _ := connect(net, pubCtx, originCtx, link, link)
	subConn, _ := connect(net, subCtx, originCtx, link, link)

	src, err := pubCtx.Publish(testURL, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pubConn.Post(testURL, src); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		src.PublishObject(testObject(i), 0x80, 0)
	}
	src.CloseSource()

	sink := &collectSink{}
	if _, err := subConn.Subscribe(testURL, false, wire.IntentStart, sink); err != nil {
		t.Fatal(err)
	}

	net.Run(12_000_000)

	if !sink.complete {
		t.Fatal("subscriber did not finish within 12 s simulated")
	}
	if len(sink.objects) != 100 {
		t.Fatalf("received %d objects", len(sink.objects))
	}
	for i, obj := range sink.objects {
		if obj.GroupID != 0 || obj.ObjectID != uint64(i) {
			t.Fatalf("object %d delivered as (%d,%d)", i, obj.GroupID, obj.ObjectID)
		}
		if !bytes.Equal(obj.Data, testObject(i)) {
			t.Fatalf("object %d corrupted", i)
		}
	}

	originCache := originCtx.LookupSource(testURL).Cache()
	if originCache.FinalGroupID != 0 || originCache.FinalObjectID != 100 {
		t.Fatalf("origin final = (%d,%d)", originCache.FinalGroupID, originCache.FinalObjectID)
	}
}

// Datagram triangle with a 1-in-16 loss pattern: every loss is repaired by
// repeat, the reassembled output equals the source.
func TestTriangleDatagramWithLoss(t *testing.T) {
	net := simnet.NewNetwork()
	originCtx := session.NewContext(net.Clock(), session.Options{})
	EnableOrigin(originCtx, true)
	pubCtx := session.NewContext(net.Clock(), session.Options{})
	subCtx := session.NewContext(net.Clock(), session.Options{})

	lossy := simnet.LinkParams{Latency: 10000, LossMask: 0x7080}
	clean := simnet.LinkParams{Latency: 10000}
	pubConn, _ := connect(net, pubCtx, originCtx, lossy, clean)
	subConn, _ := connect(net, subCtx, originCtx, clean, lossy)

	src, err := pubCtx.Publish(testURL, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pubConn.Post(testURL, src); err != nil {
		t.Fatal(err)
	}

	sink := &collectSink{}
	if _, err := subConn.Subscribe(testURL, true, wire.IntentStart, sink); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		src.PublishObject(testObject(i), 0x80, 0)
		net.Run(net.Now() + 10_000)
	}
	src.CloseSource()

	net.Run(net.Now() + 30_000_000)

	if !sink.complete {
		t.Fatal("subscriber did not finish")
	}
	if len(sink.objects) != 100 {
		t.Fatalf("received %d objects", len(sink.objects))
	}
	for i, obj := range sink.objects {
		if len(obj.Data) == 0 {
			t.Fatalf("object %d dropped despite repeats", i)
		}
		if !bytes.Equal(obj.Data, testObject(int(obj.ObjectID))) {
			t.Fatalf("object %d corrupted", i)
		}
	}
}

// Congestion-induced skip over a 10 kbit/s bottleneck: at most MaxDrops
// objects are skipped, none below the protected priority class.
func TestTriangleCongestionSkip(t *testing.T) {
	net := simnet.NewNetwork()
	originCtx := session.NewContext(net.Clock(), session.Options{
		CongestionControl: true,
		MinDropFlags:      0x82,
		MaxDrops:          25,
	})
	EnableOrigin(originCtx, true)
	subCtx := session.NewContext(net.Clock(), session.Options{})

	slow := simnet.LinkParams{Latency: 10000, RateBps: 10_000}
	clean := simnet.LinkParams{Latency: 10000}
	subConn, _ := connect(net, subCtx, originCtx, clean, slow)

	src, err := originCtx.Publish(testURL, false)
	if err != nil {
		t.Fatal(err)
	}

	sink := &collectSink{}
	if _, err := subConn.Subscribe(testURL, true, wire.IntentStart, sink); err != nil {
		t.Fatal(err)
	}
	net.Run(net.Now() + 100_000)

	flagsOf := func(i int) byte {
		if i%4 == 0 {
			return 0x80 // protected class
		}
		return 0x84
	}
	for i := 0; i < 100; i++ {
		src.PublishObject(testObject(i), flagsOf(i), 0)
		net.Run(net.Now() + 33_333)
	}
	src.CloseSource()

	net.Run(net.Now() + 120_000_000)

	if !sink.complete {
		t.Fatal("subscriber did not finish")
	}
	if len(sink.objects) != 100 {
		t.Fatalf("received %d objects", len(sink.objects))
	}

	dropped := 0
	for _, obj := range sink.objects {
		if len(obj.Data) > 0 {
			continue
		}
		dropped++
		if obj.ObjectID == 0 {
			t.Fatal("object 0 was skipped")
		}
		if flagsOf(int(obj.ObjectID)) < 0x82 {
			t.Fatalf("object %d of protected class was skipped", obj.ObjectID)
		}
	}
	if dropped == 0 {
		t.Fatal("no skip over a 10 kbit/s link")
	}
	if dropped > 25 {
		t.Fatalf("%d objects dropped, above MaxDrops", dropped)
	}
}

// Start-point subscription: the publisher starts mid-group; a current-group
// subscriber is served from the next group boundary.
func TestTriangleStartPoint(t *testing.T) {
	net := simnet.NewNetwork()
	originCtx := session.NewContext(net.Clock(), session.Options{})
	EnableOrigin(originCtx, false)
	subCtx := session.NewContext(net.Clock(), session.Options{})

	link := simnet.LinkParams{Latency: 10000}
	subConn, _ := connect(net, subCtx, originCtx, link, link)

	src, err := originCtx.Publish(testURL, false)
	if err != nil {
		t.Fatal(err)
	}
	src.SetStartPoint(0, 12345)
	for i := 0; i < 5; i++ {
		src.PublishObject(testObject(i), 0x80, 0)
	}
	src.NextGroup()
	for i := 0; i < 3; i++ {
		src.PublishObject(testObject(100+i), 0x80, 0)
	}
	src.CloseSource()

	sink := &collectSink{}
	stream, err := subConn.Subscribe(testURL, false, wire.IntentCurrentGroup, sink)
	if err != nil {
		t.Fatal(err)
	}

	net.Run(12_000_000)

	if !sink.complete {
		t.Fatal("subscriber did not finish")
	}
	if len(sink.objects) == 0 {
		t.Fatal("no objects delivered")
	}
	if first := sink.objects[0]; first.GroupID != 1 || first.ObjectID != 0 {
		t.Fatalf("first object (%d,%d), expected (1,0)", first.GroupID, first.ObjectID)
	}
	if cache := stream.ConsumerCache(); cache.FirstGroupID != 1 {
		t.Fatalf("subscriber first group = %d", cache.FirstGroupID)
	}
}

// Real-time cache eviction: after the subscriber leaves and the source
// closes, the origin's source registry empties.
func TestTriangleRealTimeEviction(t *testing.T) {
	net := simnet.NewNetwork()
	originCtx := session.NewContext(net.Clock(), session.Options{})
	EnableOrigin(originCtx, false)
	subCtx := session.NewContext(net.Clock(), session.Options{})

	link := simnet.LinkParams{Latency: 10000}
	subConn, _ := connect(net, subCtx, originCtx, link, link)

	src, err := originCtx.Publish(testURL, true)
	if err != nil {
		t.Fatal(err)
	}
	src.SetRealTime()

	sink := &collectSink{}
	stream, err := subConn.Subscribe(testURL, false, wire.IntentStart, sink)
	if err != nil {
		t.Fatal(err)
	}

	// Ten simulated seconds of media.
	for i := 0; i < 100; i++ {
		src.PublishObject(testObject(i), 0x80, 0)
		if i%10 == 9 {
			src.NextGroup()
		}
		net.Run(net.Now() + 100_000)
	}

	stream.Abandon()
	src.CloseSource()

	deadline := net.Now() + 10_000_000
	for net.Now() < deadline {
		net.Run(net.Now() + 500_000)
		originCtx.SweepCaches()
		if len(originCtx.SourceURLs()) == 0 {
			break
		}
	}
	if urls := originCtx.SourceURLs(); len(urls) != 0 {
		t.Fatalf("origin still carries %v", urls)
	}
}

// A relay between origin and subscriber: the relay caches on first
// subscribe and serves the second subscriber from its cache.
func TestTriangleRelayChain(t *testing.T) {
	net := simnet.NewNetwork()

	originCtx := session.NewContext(net.Clock(), session.Options{})
	EnableOrigin(originCtx, false)
	relayCtx := session.NewContext(net.Clock(), session.Options{})
	subCtx := session.NewContext(net.Clock(), session.Options{})

	link := simnet.LinkParams{Latency: 10000}

	EnableRelay(relayCtx, func() (*session.Conn, error) {
		up, _ := connect(net, relayCtx, originCtx, link, link)
		return up, nil
	}, false)

	subConn, _ := connect(net, subCtx, relayCtx, link, link)

	src, err := originCtx.Publish(testURL, false)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		src.PublishObject(testObject(i), 0x80, 0)
	}
	src.CloseSource()

	sink := &collectSink{}
	if _, err := subConn.Subscribe(testURL, false, wire.IntentStart, sink); err != nil {
		t.Fatal(err)
	}

	net.Run(12_000_000)

	if !sink.complete {
		t.Fatal("subscriber behind the relay did not finish")
	}
	if len(sink.objects) != 20 {
		t.Fatalf("received %d objects", len(sink.objects))
	}
	for i, obj := range sink.objects {
		if !bytes.Equal(obj.Data, testObject(i)) {
			t.Fatalf("object %d corrupted through the relay", i)
		}
	}

	if relayCtx.LookupSource(testURL) == nil {
		t.Fatal("relay did not cache the source")
	}

	// A second subscriber is served from the relay cache.
	sub2Ctx := session.NewContext(net.Clock(), session.Options{})
	sub2Conn, _ := connect(net, sub2Ctx, relayCtx, link, link)
	sink2 := &collectSink{}
	if _, err := sub2Conn.Subscribe(testURL, false, wire.IntentStart, sink2); err != nil {
		t.Fatal(err)
	}
	net.Run(net.Now() + 5_000_000)

	if !sink2.complete || len(sink2.objects) != 20 {
		t.Fatalf("second subscriber got %d objects, complete=%v",
			len(sink2.objects), sink2.complete)
	}
}
