// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package media

import (
	"bytes"
	"io"
	"testing"
)

func TestContainerRoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)

	objects := []*Object{
		{Data: []byte("keyframe"), Flags: 0x80},
		{Data: []byte("delta"), Flags: 0x84},
		{Data: []byte("next group keyframe"), Flags: 0x80, NewGroup: true},
		{Data: nil, Flags: 0x84},
	}
	for _, obj := range objects {
		if err := w.WriteObject(obj); err != nil {
			t.Fatal(err)
		}
	}

	r := NewReader(bytes.NewReader(buf.Bytes()))
	for i, want := range objects {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("object %d: %v", i, err)
		}
		if !bytes.Equal(got.Data, want.Data) || got.Flags != want.Flags || got.NewGroup != want.NewGroup {
			t.Fatalf("object %d mismatch: %+v", i, got)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestContainerRejectsCorruption(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := NewWriter(buf).WriteObject(&Object{Data: []byte("payload")}); err != nil {
		t.Fatal(err)
	}

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xff
	if _, err := NewReader(bytes.NewReader(corrupted)).Next(); err == nil {
		t.Fatal("corrupted payload accepted")
	}

	truncated := buf.Bytes()[:buf.Len()-3]
	if _, err := NewReader(bytes.NewReader(truncated)).Next(); err == nil {
		t.Fatal("truncated record accepted")
	}
}
