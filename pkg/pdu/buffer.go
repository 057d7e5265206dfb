// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdu

import "bytes"

// Segment is an append-only byte accumulator for building a PDU data
// segment. Growth is amortized by the underlying bytes.Buffer. Marshal
// does its own padding and the dispatcher accumulates DATA-IN in a
// plain slice, so neither uses Segment.
type Segment struct {
	buf bytes.Buffer
}

// Append adds src to the segment and returns the new logical size.
func (s *Segment) Append(src []byte) int {
	s.buf.Write(src)
	return s.buf.Len()
}

// Len returns the number of bytes accumulated so far.
func (s *Segment) Len() int { return s.buf.Len() }

// Bytes returns the accumulated bytes. The returned slice is only valid
// until the next call to Append.
func (s *Segment) Bytes() []byte { return s.buf.Bytes() }

// PadTo4 returns a copy of the accumulated bytes, right-padded with zero
// bytes to a multiple of 4 — the wire padding rule for a PDU data segment.
func (s *Segment) PadTo4() []byte {
	b := s.buf.Bytes()
	padded := PaddedLength(len(b))
	if padded == len(b) {
		return append([]byte(nil), b...)
	}
	out := make([]byte, padded)
	copy(out, b)
	return out
}

// Reset discards all accumulated bytes so the Segment can be reused.
func (s *Segment) Reset() { s.buf.Reset() }
