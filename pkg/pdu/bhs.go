// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BHSLength is the fixed size of the Basic Header Segment.
	BHSLength = 48

	// ITTReserved is never assigned to an in-flight command; it is the
	// Initiator Task Tag value used on pings (NOP-In with no associated
	// command).
	ITTReserved uint32 = 0xffffffff

	// cdbOffset and cdbSize locate the 16-byte CDB field of a SCSI
	// Command PDU.
	cdbOffset = 32
	cdbSize   = 16
)

var (
	ErrShortHeader  = errors.New("pdu: header shorter than 48 bytes")
	ErrShortPDU     = errors.New("pdu: buffer shorter than declared data segment length")
	ErrTooLargeData = errors.New("pdu: data segment length exceeds 24-bit field")
)

// BHS is the 48-byte Basic Header Segment common to every iSCSI PDU, plus
// accessors for the fields the core reads and writes. Field offsets match
// RFC 3720 Section 10.
type BHS struct {
	raw [BHSLength]byte
}

// NewBHS returns a zeroed BHS with the given opcode set.
func NewBHS(op Opcode) *BHS {
	b := &BHS{}
	b.raw[0] = byte(op) & 0x3f
	return b
}

// Bytes returns the raw 48-byte header for writing to the wire.
func (b *BHS) Bytes() []byte { return b.raw[:] }

// DecodeBHS parses the first 48 bytes of buf into a BHS. Returns
// ErrShortHeader if fewer than 48 bytes are available.
func DecodeBHS(buf []byte) (*BHS, error) {
	if len(buf) < BHSLength {
		return nil, ErrShortHeader
	}
	b := &BHS{}
	copy(b.raw[:], buf[:BHSLength])
	return b, nil
}

func (b *BHS) Opcode() Opcode { return Opcode(b.raw[0] & 0x3f) }
func (b *BHS) SetOpcode(op Opcode) {
	b.raw[0] = (b.raw[0] &^ 0x3f) | (byte(op) & 0x3f)
}

// Immediate reports the I bit (bit 6 of byte 0): the PDU carries the
// current CmdSN without advancing it.
func (b *BHS) Immediate() bool { return b.raw[0]&0x40 != 0 }
func (b *BHS) SetImmediate(v bool) {
	if v {
		b.raw[0] |= 0x40
	} else {
		b.raw[0] &^= 0x40
	}
}

// Flags returns the PDU-type-specific flags byte (offset 1): F bit, R/W
// for SCSI Command, S/A bits for Data-In, and so on.
func (b *BHS) Flags() uint8    { return b.raw[1] }
func (b *BHS) SetFlags(f uint8) { b.raw[1] = f }

const (
	FlagFinal  uint8 = 0x80 // F bit, final PDU in a sequence
	FlagRead   uint8 = 0x40 // R bit, SCSI Command expects data-in
	FlagWrite  uint8 = 0x20 // W bit, SCSI Command expects data-out
	FlagStatus uint8 = 0x01 // S bit, SCSI Data-In carries status
	FlagAck    uint8 = 0x40 // A bit, SCSI Response requests ACK (shares R's bit position in that PDU)
	FlagTransit   uint8 = 0x80 // T bit, Login/Logout
	FlagContinue  uint8 = 0x40 // C bit, Login/Text continuation
)

// For Login PDUs, CSG occupies bits 2-3 and NSG bits 0-1 of the flags
// byte.
func (b *BHS) LoginCSG() uint8 { return (b.raw[1] >> 2) & 0x3 }
func (b *BHS) LoginNSG() uint8 { return b.raw[1] & 0x3 }
func (b *BHS) SetLoginStages(csg, nsg uint8) {
	b.raw[1] = (b.raw[1] &^ 0x0f) | ((csg & 0x3) << 2) | (nsg & 0x3)
}

// Status is the SCSI status byte at offset 3, valid on SCSI Response PDUs.
func (b *BHS) Status() uint8     { return b.raw[3] }
func (b *BHS) SetStatus(s uint8) { b.raw[3] = s }

// TMFunction is the task management function code, carried in the low 7
// bits of byte 1 on a SCSI Task Management Request.
func (b *BHS) TMFunction() TMFunction { return TMFunction(b.raw[1] & 0x7f) }
func (b *BHS) SetTMFunction(f TMFunction) {
	b.raw[1] = (b.raw[1] & 0x80) | (byte(f) & 0x7f)
}

// LoginStatusClass/Detail occupy offsets 36-37 on a Login Response.
func (b *BHS) LoginStatusClass() uint8  { return b.raw[36] }
func (b *BHS) LoginStatusDetail() uint8 { return b.raw[37] }

func (b *BHS) TotalAHSLength() uint8     { return b.raw[4] }
func (b *BHS) SetTotalAHSLength(n uint8) { b.raw[4] = n }

func (b *BHS) DataSegmentLength() uint32 {
	return uint32(b.raw[5])<<16 | uint32(b.raw[6])<<8 | uint32(b.raw[7])
}

func (b *BHS) SetDataSegmentLength(n uint32) error {
	if n > 0xffffff {
		return ErrTooLargeData
	}
	b.raw[5] = byte(n >> 16)
	b.raw[6] = byte(n >> 8)
	b.raw[7] = byte(n)
	return nil
}

// LUN is encoded peripheral-device-format: LUNs below 256 are shifted
// left by 48 bits, which places them in the second byte of the 8-byte
// field (the first byte stays zero).
func (b *BHS) LUN() uint64 {
	return binary.BigEndian.Uint64(b.raw[8:16])
}

func (b *BHS) SetLUN(lun uint64) {
	var enc uint64
	if lun < 256 {
		enc = lun << 48
	} else {
		enc = lun
	}
	binary.BigEndian.PutUint64(b.raw[8:16], enc)
}

func (b *BHS) ITT() uint32     { return binary.BigEndian.Uint32(b.raw[16:20]) }
func (b *BHS) SetITT(itt uint32) { binary.BigEndian.PutUint32(b.raw[16:20], itt) }

// ExpectedDataTransferLength / TTT share offset 20-23 depending on PDU type.
func (b *BHS) Field20() uint32        { return binary.BigEndian.Uint32(b.raw[20:24]) }
func (b *BHS) SetField20(v uint32)    { binary.BigEndian.PutUint32(b.raw[20:24], v) }

// StatSN (incoming) / ExpStatSN (outgoing) share offset 24-27.
func (b *BHS) StatSN() uint32     { return binary.BigEndian.Uint32(b.raw[24:28]) }
func (b *BHS) SetStatSN(v uint32) { binary.BigEndian.PutUint32(b.raw[24:28], v) }

// CmdSN (outgoing) / ExpCmdSN (incoming) share offset 28-31.
func (b *BHS) CmdSN() uint32     { return binary.BigEndian.Uint32(b.raw[28:32]) }
func (b *BHS) SetCmdSN(v uint32) { binary.BigEndian.PutUint32(b.raw[28:32], v) }

func (b *BHS) ExpStatSN() uint32     { return b.StatSN() }
func (b *BHS) SetExpStatSN(v uint32) { b.SetStatSN(v) }
func (b *BHS) ExpCmdSN() uint32      { return b.CmdSN() }

// CDB returns the 16-byte Command Descriptor Block field (offset 32-47),
// valid on SCSI Command PDUs.
func (b *BHS) CDB() []byte { return b.raw[cdbOffset : cdbOffset+cdbSize] }

// SetCDB copies cdb (at most 16 bytes) into the CDB field, zero-padding
// the remainder.
func (b *BHS) SetCDB(cdb []byte) {
	dst := b.raw[cdbOffset : cdbOffset+cdbSize]
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, cdb)
}

func (b *BHS) String() string {
	return fmt.Sprintf("%s itt=0x%08x cmdsn=%d expstatsn=%d", b.Opcode(), b.ITT(), b.CmdSN(), b.ExpStatSN())
}

// PaddedLength rounds n up to the next multiple of 4, the wire padding
// requirement for the data segment.
func PaddedLength(n int) int {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}
