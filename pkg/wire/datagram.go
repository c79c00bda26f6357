// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import "fmt"

// DatagramHeaderMax is an upper bound on the encoded datagram header size:
// six 8-byte varints plus the flags and last-fragment bytes.
const DatagramHeaderMax = 6*8 + 2

// DatagramHeader prefixes every media datagram.
type DatagramHeader struct {
	DatagramStreamID       uint64
	GroupID                uint64
	ObjectID               uint64
	Offset                 uint64
	QueueDelay             uint64
	Flags                  byte
	NbObjectsPreviousGroup uint64
	IsLastFragment         bool
}

// Encode appends the serialized header to b.
func (h *DatagramHeader) Encode(b []byte) []byte {
	b = AppendVarint(b, h.DatagramStreamID)
	b = AppendVarint(b, h.GroupID)
	b = AppendVarint(b, h.ObjectID)
	b = AppendVarint(b, h.Offset)
	b = AppendVarint(b, h.QueueDelay)
	b = append(b, h.Flags)
	b = AppendVarint(b, h.NbObjectsPreviousGroup)
	if h.IsLastFragment {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b
}

// DecodeDatagramHeader parses a datagram header from the front of b and
// returns the remaining payload bytes.
func DecodeDatagramHeader(b []byte) (*DatagramHeader, []byte, error) {
	h := &DatagramHeader{}
	var err error
	if h.DatagramStreamID, b, err = decodeOne(b); err != nil {
		return nil, nil, err
	}
	if h.GroupID, b, err = decodeOne(b); err != nil {
		return nil, nil, err
	}
	if h.ObjectID, b, err = decodeOne(b); err != nil {
		return nil, nil, err
	}
	if h.Offset, b, err = decodeOne(b); err != nil {
		return nil, nil, err
	}
	if h.QueueDelay, b, err = decodeOne(b); err != nil {
		return nil, nil, err
	}
	if len(b) < 1 {
		return nil, nil, ErrTruncated
	}
	h.Flags = b[0]
	b = b[1:]
	if h.NbObjectsPreviousGroup, b, err = decodeOne(b); err != nil {
		return nil, nil, err
	}
	if len(b) < 1 {
		return nil, nil, ErrTruncated
	}
	switch b[0] {
	case 0:
		h.IsLastFragment = false
	case 1:
		h.IsLastFragment = true
	default:
		return nil, nil, fmt.Errorf("%w: last-fragment byte %#x", ErrBadMessage, b[0])
	}
	return h, b[1:], nil
}
