// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdu

import "errors"

var ErrIncompletePDU = errors.New("pdu: incomplete PDU in buffer")

// PDU bundles a decoded Basic Header Segment with its data segment. The
// AHS is skipped positionally (per TotalAHSLength) and not interpreted.
// Header and data digests are not parsed at all — header digest
// negotiation is supported only as parameter exchange, not as a CRC32C
// computation (see iscsi.HeaderDigest).
type PDU struct {
	BHS  *BHS
	Data []byte
}

// Marshal encodes bhs and data (padded to a 4-byte boundary) into a
// single wire buffer, updating bhs's DataSegmentLength field in place.
func Marshal(bhs *BHS, data []byte) ([]byte, error) {
	if err := bhs.SetDataSegmentLength(uint32(len(data))); err != nil {
		return nil, err
	}
	out := make([]byte, 0, BHSLength+PaddedLength(len(data)))
	out = append(out, bhs.Bytes()...)
	if len(data) > 0 {
		padded := PaddedLength(len(data))
		seg := make([]byte, padded)
		copy(seg, data)
		out = append(out, seg...)
	}
	return out, nil
}

// TotalLength returns the number of bytes a complete PDU occupies on the
// wire given its already-decoded BHS: the header plus AHS plus the
// padded data segment. Header and data digest bytes are not included —
// callers that have negotiated digests must account for them
// separately, since this library treats digest negotiation as parameter
// exchange only (see spec Non-goals).
func TotalLength(bhs *BHS) int {
	ahs := int(bhs.TotalAHSLength()) * 4
	return BHSLength + ahs + PaddedLength(int(bhs.DataSegmentLength()))
}

// Unmarshal decodes a single complete PDU from the front of buf. It
// returns ErrIncompletePDU if buf does not yet contain a full PDU; the
// caller (the transport's reassembly loop) should wait for more bytes.
func Unmarshal(buf []byte) (*PDU, int, error) {
	if len(buf) < BHSLength {
		return nil, 0, ErrIncompletePDU
	}
	bhs, err := DecodeBHS(buf)
	if err != nil {
		return nil, 0, err
	}
	total := TotalLength(bhs)
	if len(buf) < total {
		return nil, 0, ErrIncompletePDU
	}
	ahs := int(bhs.TotalAHSLength()) * 4
	dataStart := BHSLength + ahs
	dataLen := int(bhs.DataSegmentLength())
	data := make([]byte, dataLen)
	copy(data, buf[dataStart:dataStart+dataLen])
	return &PDU{BHS: bhs, Data: data}, total, nil
}
