// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport defines the contract between the quicrq core and the
// datagram-capable substrate carrying it. Implementations serialize all
// Handler callbacks for a connection; the core holds no locks.
package transport

// Clock supplies monotonic microseconds. Tests substitute simulated time.
type Clock interface {
	Now() uint64
}

// Handler is the core-side half of a connection. The transport invokes its
// methods from the connection's event loop, never concurrently.
type Handler interface {
	// OnStreamData delivers received stream bytes, with fin marking the
	// peer's end of stream.
	OnStreamData(streamID uint64, data []byte, fin bool) error

	// PrepareStreamData asks for up to maxBytes of stream data. fin
	// finishes the local side; returning no data and no fin marks the
	// stream inactive until the core re-activates it.
	PrepareStreamData(streamID uint64, maxBytes int) (data []byte, fin bool, err error)

	// OnDatagram delivers one received datagram.
	OnDatagram(payload []byte) error

	// PrepareDatagram asks for the next datagram of at most maxBytes.
	// A nil payload with active unset marks datagrams idle.
	PrepareDatagram(maxBytes int) (payload []byte, active bool, err error)

	// OnDatagramAcked, OnDatagramLost and OnDatagramSpurious report the
	// fate of a sent datagram, carrying the original payload and its send
	// time.
	OnDatagramAcked(payload []byte, sentTime uint64) error
	OnDatagramLost(payload []byte, sentTime uint64) error
	OnDatagramSpurious(payload []byte, sentTime uint64) error

	// OnStreamReset reports the peer abandoning a stream.
	OnStreamReset(streamID uint64) error

	// OnConnectionClosed reports the end of the connection; no further
	// callbacks follow.
	OnConnectionClosed(err error)
}

// Connection is the transport-side half the core drives.
type Connection interface {
	// OpenStream allocates a new bidirectional stream.
	OpenStream() (uint64, error)

	// MarkStreamActive schedules (or cancels) PrepareStreamData callbacks.
	MarkStreamActive(streamID uint64, active bool)

	// MarkDatagramReady schedules (or cancels) PrepareDatagram callbacks.
	MarkDatagramReady(active bool)

	// QueueDatagram enqueues a repeat datagram directly, bypassing the
	// prepare path. Payloads above MaxQueuedDatagramSize are rejected.
	QueueDatagram(payload []byte) error

	// ResetStream abandons a stream with an application error code.
	ResetStream(streamID uint64, errorCode uint64)

	// MaxQueuedDatagramSize is the largest payload QueueDatagram accepts.
	MaxQueuedDatagramSize() int

	// Close terminates the connection with an application error code.
	Close(errorCode uint64) error
}

// Application error codes surfaced on stream resets and connection closes.
const (
	ErrorCodeNone              = 0
	ErrorCodeProtocolViolation = 1
	ErrorCodeDecodeFailure     = 2
	ErrorCodeInternal          = 3
)
