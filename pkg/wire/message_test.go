// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 16383, 16384, 1<<30 - 1, 1 << 30, MaxVarint}

	for _, v := range values {
		encoded := AppendVarint(nil, v)
		if l := VarintLen(v); l != len(encoded) {
			t.Fatalf("VarintLen(%d) = %d, encoded %d bytes", v, l, len(encoded))
		}

		decoded, n, err := DecodeVarint(encoded)
		if err != nil {
			t.Fatalf("DecodeVarint(%d): %v", v, err)
		}
		if decoded != v || n != len(encoded) {
			t.Fatalf("DecodeVarint(%d) = (%d, %d)", v, decoded, n)
		}

		for cut := 0; cut < len(encoded); cut++ {
			if _, _, err := DecodeVarint(encoded[:cut]); !errors.Is(err, ErrTruncated) {
				t.Fatalf("DecodeVarint truncated at %d: %v", cut, err)
			}
		}
	}
}

func sampleMessages() []*Message {
	return []*Message{
		{Type: ActionOpenStream, URL: []byte("quicrq://example.net/video/1"), Intent: IntentStart},
		{Type: ActionOpenDatagram, URL: []byte("quicrq://example.net/video/1"), Intent: IntentCurrentGroup, DatagramStreamID: 3},
		{Type: ActionFinDatagram, FinalGroupID: 7, FinalObjectID: 120},
		{Type: ActionRequestRepair, FinalObjectID: 99, ObjectID: 42},
		{Type: ActionRepair, GroupID: 2, ObjectID: 17, Offset: 512, QueueDelay: 20000,
			Flags: 0x82, NbObjectsPreviousGroup: 0, IsLastFragment: true, Data: []byte("fragment payload")},
		{Type: ActionRepair, GroupID: 3, ObjectID: 0, Offset: 0, QueueDelay: 0,
			Flags: 0, NbObjectsPreviousGroup: 60, IsLastFragment: false, Data: bytes.Repeat([]byte{0xa5}, 300)},
		{Type: ActionPost, URL: []byte("quicrq://example.net/camera")},
		{Type: ActionAccept, UseDatagram: true, DatagramStreamID: 5},
		{Type: ActionAccept, UseDatagram: false},
		{Type: ActionStartPoint, GroupID: 1, ObjectID: 0},
	}
}

func TestMessageRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		encoded, err := m.Encode(nil)
		if err != nil {
			t.Fatalf("Encode tag %d: %v", m.Type, err)
		}

		decoded, err := DecodeMessage(encoded)
		if err != nil {
			t.Fatalf("DecodeMessage tag %d: %v", m.Type, err)
		}

		// Encode leaves nil slices nil, Decode produces empty ones.
		if len(m.URL) == 0 {
			decoded.URL = m.URL
		}
		if len(m.Data) == 0 {
			decoded.Data = m.Data
		}
		if !reflect.DeepEqual(m, decoded) {
			t.Fatalf("tag %d round trip mismatch:\n got %+v\nwant %+v", m.Type, decoded, m)
		}
	}
}

func TestMessageTruncation(t *testing.T) {
	for _, m := range sampleMessages() {
		encoded, err := m.Encode(nil)
		if err != nil {
			t.Fatalf("Encode tag %d: %v", m.Type, err)
		}

		for cut := 0; cut < len(encoded); cut++ {
			if _, err := DecodeMessage(encoded[:cut]); err == nil {
				t.Fatalf("tag %d: decode succeeded on %d of %d bytes", m.Type, cut, len(encoded))
			}
		}
	}
}

func TestMessageRejectsTrailingBytes(t *testing.T) {
	encoded, err := (&Message{Type: ActionStartPoint, GroupID: 4, ObjectID: 2}).Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeMessage(append(encoded, 0)); err == nil {
		t.Fatal("decode accepted trailing byte")
	}
}

func TestMessageRejectsOversizedURL(t *testing.T) {
	b := AppendVarint(nil, ActionOpenStream)
	b = AppendVarint(b, MaxURLLength+1)
	if _, err := DecodeMessage(b); err == nil {
		t.Fatal("decode accepted oversized url length")
	}
}

func TestMessageRejectsUnknownTag(t *testing.T) {
	if _, err := DecodeMessage(AppendVarint(nil, 200)); err == nil {
		t.Fatal("decode accepted unknown tag")
	}
	if _, err := (&Message{Type: 200}).Encode(nil); err == nil {
		t.Fatal("encode accepted unknown tag")
	}
}

func TestDatagramHeaderRoundTrip(t *testing.T) {
	headers := []*DatagramHeader{
		{},
		{DatagramStreamID: 1, GroupID: 3, ObjectID: 75, Offset: 1024,
			QueueDelay: 16000, Flags: 0x82, IsLastFragment: true},
		{DatagramStreamID: 9, GroupID: 4, ObjectID: 0, Offset: 0,
			NbObjectsPreviousGroup: 60, Flags: 0xff, IsLastFragment: true},
	}

	payload := []byte("object bytes")
	for _, h := range headers {
		encoded := h.Encode(nil)
		if len(encoded) > DatagramHeaderMax {
			t.Fatalf("header of %d bytes exceeds DatagramHeaderMax", len(encoded))
		}

		decoded, rest, err := DecodeDatagramHeader(append(encoded, payload...))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(h, decoded) {
			t.Fatalf("header mismatch:\n got %+v\nwant %+v", decoded, h)
		}
		if !bytes.Equal(rest, payload) {
			t.Fatalf("payload mismatch: %q", rest)
		}

		for cut := 0; cut < len(encoded); cut++ {
			if _, _, err := DecodeDatagramHeader(encoded[:cut]); err == nil {
				t.Fatalf("header decode succeeded on %d of %d bytes", cut, len(encoded))
			}
		}
	}
}

func TestMessageBufferReassembly(t *testing.T) {
	first, err := FrameMessage(&Message{Type: ActionPost, URL: []byte("quicrq://a/b")})
	if err != nil {
		t.Fatal(err)
	}
	second, err := FrameMessage(&Message{Type: ActionFinDatagram, FinalGroupID: 1, FinalObjectID: 2})
	if err != nil {
		t.Fatal(err)
	}

	stream := append(append([]byte{}, first...), second...)
	var mb MessageBuffer
	var got []*Message

	// Deliver the stream one byte at a time, the worst case for framing.
	for i := 0; i < len(stream); i++ {
		rest, finished := mb.Store(stream[i : i+1])
		if len(rest) != 0 {
			t.Fatalf("byte %d not consumed", i)
		}
		if finished {
			m, err := DecodeMessage(mb.Bytes())
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, m)
			mb.Reset()
		}
	}

	if len(got) != 2 {
		t.Fatalf("reassembled %d messages, expected 2", len(got))
	}
	if got[0].Type != ActionPost || got[1].Type != ActionFinDatagram {
		t.Fatalf("unexpected message types %d, %d", got[0].Type, got[1].Type)
	}
}

func TestSendQueuePartialWrites(t *testing.T) {
	var q SendQueue
	framed, err := FrameMessage(&Message{Type: ActionPost, URL: []byte("quicrq://a/b")})
	if err != nil {
		t.Fatal(err)
	}
	q.Push(framed)
	q.Push(framed)

	var out []byte
	for !q.Empty() {
		out = append(out, q.Fill(3)...)
	}
	if !bytes.Equal(out, append(append([]byte{}, framed...), framed...)) {
		t.Fatal("send queue corrupted message bytes across partial writes")
	}
}
