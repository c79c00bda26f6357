// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"errors"
	"fmt"
)

// Control message tags, exchanged on the bidirectional control stream.
const (
	ActionOpenStream    = 1
	ActionOpenDatagram  = 2
	ActionFinDatagram   = 3
	ActionRequestRepair = 4
	ActionRepair        = 5
	ActionPost          = 6
	ActionAccept        = 7
	ActionStartPoint    = 8
)

// Subscription intents carried by the open messages.
const (
	IntentStart        = 0
	IntentCurrentGroup = 1
	IntentNextGroup    = 2
)

// MaxURLLength bounds the URL field of open and post messages.
const MaxURLLength = 8192

var ErrBadMessage = errors.New("wire: malformed control message")

// Message is the decoded form of a control message. Fields beyond Type are
// meaningful per tag; unused fields stay zero.
type Message struct {
	Type             uint64
	URL              []byte
	Intent           uint64
	DatagramStreamID uint64
	UseDatagram      bool

	GroupID                uint64
	ObjectID               uint64
	Offset                 uint64
	QueueDelay             uint64
	Flags                  byte
	NbObjectsPreviousGroup uint64
	IsLastFragment         bool
	Data                   []byte

	FinalGroupID  uint64
	FinalObjectID uint64
}

// Encode appends the serialized message to b.
func (m *Message) Encode(b []byte) ([]byte, error) {
	b = AppendVarint(b, m.Type)
	switch m.Type {
	case ActionOpenStream, ActionOpenDatagram:
		if len(m.URL) > MaxURLLength {
			return nil, fmt.Errorf("%w: url length %d", ErrBadMessage, len(m.URL))
		}
		b = AppendVarint(b, uint64(len(m.URL)))
		b = append(b, m.URL...)
		b = AppendVarint(b, m.Intent)
		if m.Type == ActionOpenDatagram {
			b = AppendVarint(b, m.DatagramStreamID)
		}
	case ActionFinDatagram:
		b = AppendVarint(b, m.FinalGroupID)
		b = AppendVarint(b, m.FinalObjectID)
	case ActionRequestRepair:
		b = AppendVarint(b, m.FinalObjectID)
		b = AppendVarint(b, m.ObjectID)
	case ActionRepair:
		b = AppendVarint(b, m.GroupID)
		b = AppendVarint(b, m.ObjectID)
		b = AppendVarint(b, m.Offset)
		b = AppendVarint(b, m.QueueDelay)
		b = append(b, m.Flags)
		b = AppendVarint(b, m.NbObjectsPreviousGroup)
		lengthAndFlag := uint64(len(m.Data)) << 1
		if m.IsLastFragment {
			lengthAndFlag |= 1
		}
		if err := CheckVarint(lengthAndFlag); err != nil {
			return nil, err
		}
		b = AppendVarint(b, lengthAndFlag)
		b = append(b, m.Data...)
	case ActionPost:
		if len(m.URL) > MaxURLLength {
			return nil, fmt.Errorf("%w: url length %d", ErrBadMessage, len(m.URL))
		}
		b = AppendVarint(b, uint64(len(m.URL)))
		b = append(b, m.URL...)
	case ActionAccept:
		if m.UseDatagram {
			b = AppendVarint(b, 1)
			b = AppendVarint(b, m.DatagramStreamID)
		} else {
			b = AppendVarint(b, 0)
		}
	case ActionStartPoint:
		b = AppendVarint(b, m.GroupID)
		b = AppendVarint(b, m.ObjectID)
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrBadMessage, m.Type)
	}
	return b, nil
}

// DecodeMessage parses one control message occupying the whole of b.
// Trailing bytes after a well-formed message are an error, as each message
// arrives in its own length-prefixed envelope.
func DecodeMessage(b []byte) (*Message, error) {
	m := &Message{}
	v, n, err := DecodeVarint(b)
	if err != nil {
		return nil, err
	}
	m.Type = v
	b = b[n:]

	switch m.Type {
	case ActionOpenStream, ActionOpenDatagram:
		if m.URL, b, err = decodeURL(b); err != nil {
			return nil, err
		}
		if m.Intent, b, err = decodeOne(b); err != nil {
			return nil, err
		}
		if m.Intent > IntentNextGroup {
			return nil, fmt.Errorf("%w: intent %d", ErrBadMessage, m.Intent)
		}
		if m.Type == ActionOpenDatagram {
			if m.DatagramStreamID, b, err = decodeOne(b); err != nil {
				return nil, err
			}
		}
	case ActionFinDatagram:
		if m.FinalGroupID, b, err = decodeOne(b); err != nil {
			return nil, err
		}
		if m.FinalObjectID, b, err = decodeOne(b); err != nil {
			return nil, err
		}
	case ActionRequestRepair:
		if m.FinalObjectID, b, err = decodeOne(b); err != nil {
			return nil, err
		}
		if m.ObjectID, b, err = decodeOne(b); err != nil {
			return nil, err
		}
	case ActionRepair:
		if m.GroupID, b, err = decodeOne(b); err != nil {
			return nil, err
		}
		if m.ObjectID, b, err = decodeOne(b); err != nil {
			return nil, err
		}
		if m.Offset, b, err = decodeOne(b); err != nil {
			return nil, err
		}
		if m.QueueDelay, b, err = decodeOne(b); err != nil {
			return nil, err
		}
		if len(b) < 1 {
			return nil, ErrTruncated
		}
		m.Flags = b[0]
		b = b[1:]
		if m.NbObjectsPreviousGroup, b, err = decodeOne(b); err != nil {
			return nil, err
		}
		var lengthAndFlag uint64
		if lengthAndFlag, b, err = decodeOne(b); err != nil {
			return nil, err
		}
		m.IsLastFragment = lengthAndFlag&1 != 0
		length := lengthAndFlag >> 1
		if uint64(len(b)) < length {
			return nil, ErrTruncated
		}
		m.Data = b[:length]
		b = b[length:]
	case ActionPost:
		if m.URL, b, err = decodeURL(b); err != nil {
			return nil, err
		}
	case ActionAccept:
		var useDatagram uint64
		if useDatagram, b, err = decodeOne(b); err != nil {
			return nil, err
		}
		if useDatagram > 1 {
			return nil, fmt.Errorf("%w: accept mode %d", ErrBadMessage, useDatagram)
		}
		m.UseDatagram = useDatagram == 1
		if m.UseDatagram {
			if m.DatagramStreamID, b, err = decodeOne(b); err != nil {
				return nil, err
			}
		}
	case ActionStartPoint:
		if m.GroupID, b, err = decodeOne(b); err != nil {
			return nil, err
		}
		if m.ObjectID, b, err = decodeOne(b); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrBadMessage, m.Type)
	}

	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadMessage, len(b))
	}
	return m, nil
}

func decodeOne(b []byte) (uint64, []byte, error) {
	v, n, err := DecodeVarint(b)
	if err != nil {
		return 0, nil, err
	}
	return v, b[n:], nil
}

func decodeURL(b []byte) ([]byte, []byte, error) {
	length, b, err := decodeOne(b)
	if err != nil {
		return nil, nil, err
	}
	if length > MaxURLLength {
		return nil, nil, fmt.Errorf("%w: url length %d", ErrBadMessage, length)
	}
	if uint64(len(b)) < length {
		return nil, nil, ErrTruncated
	}
	return b[:length], b[length:], nil
}
