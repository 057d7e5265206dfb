// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scsi builds SCSI Command Descriptor Blocks and unmarshals the
// DATA-IN payloads that come back for them. It knows nothing about iSCSI
// framing; the dispatcher in package iscsi glues a Task's CDB and
// expected transfer length into a pdu.BHS.
package scsi

import (
	"encoding/binary"
	"errors"
)

// ErrArgumentInvalid is returned by a builder when its arguments cannot
// be encoded into a valid CDB (misaligned transfer length, allocation
// length out of range).
var ErrArgumentInvalid = errors.New("scsi: invalid argument")

// Direction records whether a command expects a DATA-IN phase, a
// DATA-OUT phase, or neither.
type Direction int

const (
	DirNone Direction = iota
	DirRead
	DirWrite
)

const (
	opTestUnitReady     = 0x00
	opInquiry           = 0x12
	opModeSense6        = 0x1a
	opReadCapacity10    = 0x25
	opRead10            = 0x28
	opWrite10           = 0x2a
	opSynchronizeCache10 = 0x35
	opReportLUNs        = 0xa0
)

// Task is a built SCSI command: its CDB, the direction and length of any
// data phase, and enough information for the PDU layer to estimate a
// DATA-IN response's full size before it has all arrived.
type Task struct {
	CDB        [16]byte
	CDBLen     int
	Dir        Direction
	ExpXferLen uint32
	opcode     byte
	evpd       bool
	pageCode   byte
}

func newTask(size int, opcode byte) *Task {
	return &Task{CDBLen: size, opcode: opcode}
}

// TestUnitReady builds a TEST UNIT READY (0x00) command: a zero body
// after the opcode.
func TestUnitReady() *Task {
	t := newTask(6, opTestUnitReady)
	t.CDB[0] = opTestUnitReady
	return t
}

// Inquiry builds an INQUIRY (0x12) command. evpd selects Vital Product
// Data mode. pageCode is always written to CDB byte 2; only with evpd
// set does it select a VPD page (and affect FullSize).
func Inquiry(evpd bool, pageCode byte, allocLen uint16) *Task {
	t := newTask(6, opInquiry)
	t.CDB[0] = opInquiry
	if evpd {
		t.CDB[1] |= 0x01
	}
	t.CDB[2] = pageCode
	binary.BigEndian.PutUint16(t.CDB[3:5], allocLen)
	t.Dir = DirRead
	t.ExpXferLen = uint32(allocLen)
	t.evpd = evpd
	t.pageCode = pageCode
	return t
}

// ModeSense6 builds a MODE SENSE 6 (0x1A) command.
func ModeSense6(dbd bool, pc, pageCode, subPageCode byte, allocLen byte) *Task {
	t := newTask(6, opModeSense6)
	t.CDB[0] = opModeSense6
	if dbd {
		t.CDB[1] |= 0x08
	}
	t.CDB[2] = (pc << 6) | (pageCode & 0x3f)
	t.CDB[3] = subPageCode
	t.CDB[4] = allocLen
	t.Dir = DirRead
	t.ExpXferLen = uint32(allocLen)
	return t
}

// ReadCapacity10 builds a READ CAPACITY 10 (0x25) command. The response
// is always 8 bytes.
func ReadCapacity10(lba uint32, pmi bool) *Task {
	t := newTask(10, opReadCapacity10)
	t.CDB[0] = opReadCapacity10
	binary.BigEndian.PutUint32(t.CDB[2:6], lba)
	if pmi {
		t.CDB[8] |= 0x01
	}
	t.Dir = DirRead
	t.ExpXferLen = 8
	return t
}

// Read10 builds a READ 10 (0x28) command. xferlen must be a multiple of
// blocksize.
func Read10(lba uint32, xferlen, blocksize uint32) (*Task, error) {
	if blocksize == 0 || xferlen%blocksize != 0 {
		return nil, ErrArgumentInvalid
	}
	t := newTask(10, opRead10)
	t.CDB[0] = opRead10
	binary.BigEndian.PutUint32(t.CDB[2:6], lba)
	binary.BigEndian.PutUint16(t.CDB[7:9], uint16(xferlen/blocksize))
	t.Dir = DirRead
	t.ExpXferLen = xferlen
	return t, nil
}

// Write10 builds a WRITE 10 (0x2A) command. xferlen must be a multiple
// of blocksize.
func Write10(lba uint32, xferlen, blocksize uint32, fua, fuaNV bool) (*Task, error) {
	if blocksize == 0 || xferlen%blocksize != 0 {
		return nil, ErrArgumentInvalid
	}
	t := newTask(10, opWrite10)
	t.CDB[0] = opWrite10
	if fua {
		t.CDB[1] |= 0x08
	}
	if fuaNV {
		t.CDB[1] |= 0x02
	}
	binary.BigEndian.PutUint32(t.CDB[2:6], lba)
	binary.BigEndian.PutUint16(t.CDB[7:9], uint16(xferlen/blocksize))
	t.Dir = DirWrite
	t.ExpXferLen = xferlen
	return t, nil
}

// SynchronizeCache10 builds a SYNCHRONIZE CACHE 10 (0x35) command.
func SynchronizeCache10(lba uint32, numBlocks uint16, syncNV, immed bool) *Task {
	t := newTask(10, opSynchronizeCache10)
	t.CDB[0] = opSynchronizeCache10
	if syncNV {
		t.CDB[1] |= 0x04
	}
	if immed {
		t.CDB[1] |= 0x02
	}
	binary.BigEndian.PutUint32(t.CDB[2:6], lba)
	binary.BigEndian.PutUint16(t.CDB[7:9], numBlocks)
	return t
}

// ReportLUNs builds a REPORT LUNS (0xA0) command. It is always addressed
// to LUN 0 by the dispatcher regardless of the LUN the caller requested.
func ReportLUNs(reportType byte, allocLen uint32) (*Task, error) {
	if allocLen < 16 {
		return nil, ErrArgumentInvalid
	}
	t := newTask(12, opReportLUNs)
	t.CDB[0] = opReportLUNs
	t.CDB[2] = reportType
	binary.BigEndian.PutUint32(t.CDB[6:10], allocLen)
	t.Dir = DirRead
	t.ExpXferLen = allocLen
	return t, nil
}

// CDBBytes returns the task's CDB truncated to its real size.
func (t *Task) CDBBytes() []byte { return t.CDB[:t.CDBLen] }

// FullSize estimates, from however many leading bytes of a DATA-IN
// response have arrived so far, how many total bytes the unmarshaller
// will need. It returns 0 once it cannot yet tell (too few bytes
// accumulated), which the caller should treat as "keep reading".
func (t *Task) FullSize(data []byte) int {
	switch t.opcode {
	case opInquiry:
		if t.evpd {
			switch t.pageCode {
			case 0x00, 0x80, 0xb1:
				if len(data) < 4 {
					return 0
				}
				return int(data[3]) + 4
			case 0x83:
				if len(data) < 4 {
					return 0
				}
				return int(binary.BigEndian.Uint16(data[2:4])) + 4
			}
			return 0
		}
		if len(data) < 5 {
			return 0
		}
		return int(data[4]) + 3
	case opReportLUNs:
		if len(data) < 4 {
			return 0
		}
		return int(binary.BigEndian.Uint32(data[0:4])) + 8
	case opReadCapacity10:
		return 8
	case opModeSense6:
		if len(data) < 1 {
			return 0
		}
		return int(data[0]) + 1
	}
	return 0
}
