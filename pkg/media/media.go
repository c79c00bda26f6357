// SPDX-FileCopyrightText: 2022 The quicrq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package media reads and writes the simple object container used by the
// command line tools and the tests: a flat sequence of checksummed,
// group-delimited media objects. The container carries opaque bytes; the
// core never inspects them.
package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/howeyc/crc16"
	"github.com/ulikunitz/xz"

	"github.com/quicrq/quicrq-go/pkg/session"
)

// maxObjectSize bounds a single media object record.
const maxObjectSize = 1 << 24

// Object is one media object with its transport hints.
type Object struct {
	Data []byte

	// Flags is the opaque priority class forwarded on the wire.
	Flags byte

	// NewGroup opens a new group before this object.
	NewGroup bool
}

// Record layout: 4-byte big-endian length, flags byte, group-boundary byte,
// 2-byte big-endian CRC-16 of the payload, payload.
const recordHeaderLen = 4 + 1 + 1 + 2

// Reader decodes objects from a media container.
type Reader struct {
	r io.Reader
}

// NewReader wraps an io.Reader carrying the container format.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next object, or io.EOF at the end of the container.
func (r *Reader) Next() (*Object, error) {
	header := make([]byte, recordHeaderLen)
	if _, err := io.ReadFull(r.r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("media: truncated record header")
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length > maxObjectSize {
		return nil, fmt.Errorf("media: record of %d bytes above limit", length)
	}
	obj := &Object{
		Flags:    header[4],
		NewGroup: header[5] == 1,
		Data:     make([]byte, length),
	}
	if _, err := io.ReadFull(r.r, obj.Data); err != nil {
		return nil, fmt.Errorf("media: truncated record payload")
	}
	if sum := crc16.ChecksumCCITT(obj.Data); sum != binary.BigEndian.Uint16(header[6:8]) {
		return nil, fmt.Errorf("media: checksum mismatch on %d byte object", length)
	}
	return obj, nil
}

// Writer encodes objects into a media container.
type Writer struct {
	w io.Writer
}

// NewWriter wraps an io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteObject appends one object record.
func (w *Writer) WriteObject(obj *Object) error {
	header := make([]byte, recordHeaderLen)
	binary.BigEndian.PutUint32(header[:4], uint32(len(obj.Data)))
	header[4] = obj.Flags
	if obj.NewGroup {
		header[5] = 1
	}
	binary.BigEndian.PutUint16(header[6:8], crc16.ChecksumCCITT(obj.Data))
	if _, err := w.w.Write(header); err != nil {
		return err
	}
	_, err := w.w.Write(obj.Data)
	return err
}

// Open opens a media file, transparently decompressing ".xz" containers.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".xz") {
		return f, nil
	}
	xr, err := xz.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &xzReadCloser{Reader: xr, file: f}, nil
}

type xzReadCloser struct {
	*xz.Reader
	file *os.File
}

func (x *xzReadCloser) Close() error {
	return x.file.Close()
}

// PublishAll pushes every object of a container into a source.
func PublishAll(src *session.Source, r *Reader) (int, error) {
	count := 0
	for {
		obj, err := r.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		if obj.NewGroup {
			src.NextGroup()
		}
		src.PublishObject(obj.Data, obj.Flags, 0)
		count++
	}
}

// Sink adapts a Writer to the subscriber delivery interface, recording
// group boundaries as they pass.
type Sink struct {
	w *Writer

	lastGroup uint64
	started   bool
	complete  bool
	err       error
}

// NewSink wraps a Writer for subscription delivery.
func NewSink(w *Writer) *Sink {
	return &Sink{w: w}
}

// OnObject implements session.ObjectSink.
func (s *Sink) OnObject(groupID, _ uint64, data []byte, flags byte) {
	if s.err != nil {
		return
	}
	obj := &Object{Data: data, Flags: flags}
	if s.started && groupID != s.lastGroup {
		obj.NewGroup = true
	}
	s.started = true
	s.lastGroup = groupID
	s.err = s.w.WriteObject(obj)
}

// OnComplete implements session.ObjectSink.
func (s *Sink) OnComplete() {
	s.complete = true
}

// Complete reports whether the stream finished.
func (s *Sink) Complete() bool {
	return s.complete
}

// Err returns the first write error, if any.
func (s *Sink) Err() error {
	return s.err
}
