// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package agent exposes a running quicrq node to local applications: a
// WebSocket feed of media objects and a REST status surface.
package agent

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// ObjectMessage is one media object on the WebSocket feed, CBOR encoded as
// [group, object, flags, data].
type ObjectMessage struct {
	GroupID  uint64
	ObjectID uint64
	Flags    byte
	Data     []byte
}

// MarshalCbor implements cboring.CborMarshaler.
func (m *ObjectMessage) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(m.GroupID, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(m.ObjectID, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(m.Flags), w); err != nil {
		return err
	}
	return cboring.WriteByteString(m.Data, w)
}

// UnmarshalCbor implements cboring.CborMarshaler.
func (m *ObjectMessage) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n != 4 {
		return fmt.Errorf("agent: object message with %d fields", n)
	}
	if m.GroupID, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	if m.ObjectID, err = cboring.ReadUInt(r); err != nil {
		return err
	}
	flags, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	if flags > 0xff {
		return fmt.Errorf("agent: flags value %d out of range", flags)
	}
	m.Flags = byte(flags)
	data, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	m.Data = data
	return nil
}
