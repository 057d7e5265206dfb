// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scsi

import (
	"encoding/binary"
	"errors"
)

// ErrShortData is returned by an unmarshaller when fewer bytes were
// supplied than the payload declares it needs.
var ErrShortData = errors.New("scsi: short DATA-IN payload")

// StandardInquiry is the fixed-format response to a non-VPD INQUIRY.
type StandardInquiry struct {
	PeripheralQualifier int
	PeripheralType      int
	RMB                 bool
	Version             byte
	NormACA             bool
	HiSup               bool
	ResponseDataFormat  byte
	SCCS                bool
	ACC                 bool
	TPGS                byte
	ThreePC             bool
	Protect             bool
	EncServ             bool
	MultiP              bool
	Addr16              bool
	WBus16              bool
	Sync                bool
	CmdQue              bool
	Clocking            byte
	QAS                 bool
	IUS                 bool
	VendorIdentification  string
	ProductIdentification string
	ProductRevisionLevel  string
}

// UnmarshalStandardInquiry parses a standard (non-VPD) INQUIRY response.
func UnmarshalStandardInquiry(data []byte) (*StandardInquiry, error) {
	if len(data) < 36 {
		return nil, ErrShortData
	}
	si := &StandardInquiry{
		PeripheralQualifier: int(data[0]>>5) & 0x07,
		PeripheralType:      int(data[0]) & 0x1f,
		RMB:                 data[1]&0x80 != 0,
		Version:             data[2],
		NormACA:             data[3]&0x20 != 0,
		HiSup:               data[3]&0x10 != 0,
		ResponseDataFormat:  data[3] & 0x0f,
		SCCS:                data[5]&0x80 != 0,
		ACC:                 data[5]&0x40 != 0,
		TPGS:                (data[5] >> 4) & 0x03,
		ThreePC:             data[5]&0x08 != 0,
		Protect:             data[5]&0x01 != 0,
		EncServ:             data[6]&0x40 != 0,
		MultiP:              data[6]&0x10 != 0,
		Addr16:              data[6]&0x01 != 0,
		WBus16:              data[7]&0x20 != 0,
		Sync:                data[7]&0x10 != 0,
		CmdQue:              data[7]&0x02 != 0,
		Clocking:            (data[6] >> 2) & 0x03,
		QAS:                 data[6]&0x02 != 0,
		IUS:                 data[6]&0x01 != 0,
		VendorIdentification:  string(data[8:16]),
		ProductIdentification: string(data[16:32]),
		ProductRevisionLevel:  string(data[32:36]),
	}
	return si, nil
}

// VPDSupportedPages is the response to VPD page 0x00: the list of pages
// the device supports.
type VPDSupportedPages struct {
	Pages []byte
}

func UnmarshalVPDSupportedPages(data []byte) (*VPDSupportedPages, error) {
	if len(data) < 4 {
		return nil, ErrShortData
	}
	n := int(data[3])
	if len(data) < 4+n {
		return nil, ErrShortData
	}
	pages := make([]byte, n)
	copy(pages, data[4:4+n])
	return &VPDSupportedPages{Pages: pages}, nil
}

// VPDUnitSerialNumber is the response to VPD page 0x80.
type VPDUnitSerialNumber struct {
	SerialNumber string
}

func UnmarshalVPDUnitSerialNumber(data []byte) (*VPDUnitSerialNumber, error) {
	if len(data) < 4 {
		return nil, ErrShortData
	}
	n := int(data[3])
	if len(data) < 4+n {
		return nil, ErrShortData
	}
	return &VPDUnitSerialNumber{SerialNumber: string(data[4 : 4+n])}, nil
}

// Designator is one entry in the VPD 0x83 device identification list.
type Designator struct {
	ProtocolIdentifier byte
	CodeSet            byte
	PIV                bool
	Association        byte
	DesignatorType     byte
	Designator         []byte
}

// VPDDeviceIdentification is the response to VPD page 0x83.
type VPDDeviceIdentification struct {
	Designators []Designator
}

// UnmarshalVPDDeviceIdentification parses the page-0x83 designator list.
// Malformed trailing lengths truncate the list cleanly rather than
// erroring: a designator whose declared length overruns the remaining
// bytes is dropped.
func UnmarshalVPDDeviceIdentification(data []byte) (*VPDDeviceIdentification, error) {
	if len(data) < 4 {
		return nil, ErrShortData
	}
	pageLen := int(binary.BigEndian.Uint16(data[2:4]))
	end := 4 + pageLen
	if end > len(data) {
		end = len(data)
	}
	var out VPDDeviceIdentification
	pos := 4
	for pos+4 <= end {
		protoCodeSet := data[pos]
		pivAssoc := data[pos+1]
		dtype := data[pos+2] & 0x0f
		dlen := int(data[pos+3])
		pos += 4
		if pos+dlen > end {
			break
		}
		d := Designator{
			ProtocolIdentifier: (protoCodeSet >> 4) & 0x0f,
			CodeSet:            protoCodeSet & 0x0f,
			PIV:                pivAssoc&0x80 != 0,
			Association:        (pivAssoc >> 4) & 0x03,
			DesignatorType:     dtype,
			Designator:         append([]byte(nil), data[pos:pos+dlen]...),
		}
		out.Designators = append(out.Designators, d)
		pos += dlen
	}
	return &out, nil
}

// VPDBlockDeviceCharacteristics is the response to VPD page 0xB1.
type VPDBlockDeviceCharacteristics struct {
	MediumRotationRate uint16
}

func UnmarshalVPDBlockDeviceCharacteristics(data []byte) (*VPDBlockDeviceCharacteristics, error) {
	if len(data) < 6 {
		return nil, ErrShortData
	}
	return &VPDBlockDeviceCharacteristics{
		MediumRotationRate: binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// ReportLUNsResult is the parsed response to REPORT LUNS.
type ReportLUNsResult struct {
	LUNs []uint16
}

// UnmarshalReportLUNs parses a REPORT LUNS response. The first 8-byte
// slot is the LUN list length header; only the length is parsed, it
// does not "double-count" as a LUN. Parsing requires every byte the
// length header declares to already be present; a short buffer is a
// hard error rather than a best-effort partial parse.
func UnmarshalReportLUNs(data []byte) (*ReportLUNsResult, error) {
	if len(data) < 8 {
		return nil, ErrShortData
	}
	listLen := int(binary.BigEndian.Uint32(data[0:4]))
	if len(data) < 8+listLen {
		return nil, ErrShortData
	}
	n := listLen / 8
	luns := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		off := 8 + i*8
		luns = append(luns, binary.BigEndian.Uint16(data[off:off+2]))
	}
	return &ReportLUNsResult{LUNs: luns}, nil
}

// ReadCapacity10Result is the parsed response to READ CAPACITY 10.
type ReadCapacity10Result struct {
	LastLBA   uint32
	BlockSize uint32
}

func UnmarshalReadCapacity10(data []byte) (*ReadCapacity10Result, error) {
	if len(data) < 8 {
		return nil, ErrShortData
	}
	return &ReadCapacity10Result{
		LastLBA:   binary.BigEndian.Uint32(data[0:4]),
		BlockSize: binary.BigEndian.Uint32(data[4:8]),
	}, nil
}
