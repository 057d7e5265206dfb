// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scsi

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("hex.DecodeString(%q): %v", s, err)
	}
	return b
}

func TestRead10CDB(t *testing.T) {
	task, err := Read10(0x01020304, 8192, 512)
	if err != nil {
		t.Fatalf("Read10: %v", err)
	}
	want := hexBytes(t, "28 00 01 02 03 04 00 00 10 00")
	if !bytes.Equal(task.CDBBytes(), want) {
		t.Errorf("CDB = % x, want % x", task.CDBBytes(), want)
	}
}

func TestRead10MisalignedLength(t *testing.T) {
	if _, err := Read10(0, 100, 512); err != ErrArgumentInvalid {
		t.Errorf("Read10(misaligned) = %v, want ErrArgumentInvalid", err)
	}
}

func TestWrite10MismatchIsCallerResponsibility(t *testing.T) {
	task, err := Write10(0, 1024, 512, false, false)
	if err != nil {
		t.Fatalf("Write10: %v", err)
	}
	if task.ExpXferLen != 1024 {
		t.Errorf("ExpXferLen = %d, want 1024", task.ExpXferLen)
	}
}

func TestReportLUNsCDB(t *testing.T) {
	task, err := ReportLUNs(0x00, 16)
	if err != nil {
		t.Fatalf("ReportLUNs: %v", err)
	}
	if task.CDBLen != 12 {
		t.Fatalf("CDBLen = %d, want 12", task.CDBLen)
	}
	want := hexBytes(t, "a0 00 00 00 00 00 00 00 00 10 00 00")
	if !bytes.Equal(task.CDBBytes(), want) {
		t.Errorf("CDB = % x, want % x", task.CDBBytes(), want)
	}
}

func TestReportLUNsAllocLenTooSmall(t *testing.T) {
	if _, err := ReportLUNs(0x00, 8); err != ErrArgumentInvalid {
		t.Errorf("ReportLUNs(alloc_len=8) = %v, want ErrArgumentInvalid", err)
	}
}

func TestTestUnitReadyCDB(t *testing.T) {
	task := TestUnitReady()
	want := make([]byte, 6)
	if !bytes.Equal(task.CDBBytes(), want) {
		t.Errorf("CDB = % x, want zero body", task.CDBBytes())
	}
}

func TestInquiryFullSizeStandard(t *testing.T) {
	task := Inquiry(false, 0, 36)
	data := make([]byte, 5)
	data[4] = 0x1f
	if got := task.FullSize(data); got != 34 {
		t.Errorf("FullSize() = %d, want 34", got)
	}
}

func TestInquiryFullSizeVPD00(t *testing.T) {
	task := Inquiry(true, 0x00, 255)
	data := make([]byte, 4)
	data[3] = 4
	if got := task.FullSize(data); got != 8 {
		t.Errorf("FullSize() = %d, want 8", got)
	}
}

func TestInquiryFullSizeVPD83(t *testing.T) {
	task := Inquiry(true, 0x83, 255)
	data := make([]byte, 4)
	data[2] = 0x00
	data[3] = 0x10
	if got := task.FullSize(data); got != 20 {
		t.Errorf("FullSize() = %d, want 20", got)
	}
}

func TestReportLUNsFullSize(t *testing.T) {
	task, _ := ReportLUNs(0x00, 16)
	data := make([]byte, 4)
	data[3] = 0x10
	if got := task.FullSize(data); got != 24 {
		t.Errorf("FullSize() = %d, want 24", got)
	}
}

func TestUnmarshalReportLUNs(t *testing.T) {
	data := hexBytes(t, "00 00 00 10 00 00 00 00  00 01 00 00 00 00 00 00  00 02 00 00 00 00 00 00")
	res, err := UnmarshalReportLUNs(data)
	if err != nil {
		t.Fatalf("UnmarshalReportLUNs: %v", err)
	}
	if len(res.LUNs) != 2 {
		t.Fatalf("len(LUNs) = %d, want 2", len(res.LUNs))
	}
	if res.LUNs[0] != 1 || res.LUNs[1] != 2 {
		t.Errorf("LUNs = %v, want [1 2]", res.LUNs)
	}
}

func TestUnmarshalReportLUNsShort(t *testing.T) {
	data := hexBytes(t, "00 00 00 10 00 00 00 00 00 00 00 00 00 00 00 01")
	if _, err := UnmarshalReportLUNs(data); err != ErrShortData {
		t.Errorf("UnmarshalReportLUNs(short) = %v, want ErrShortData", err)
	}
}

func TestUnmarshalStandardInquiry(t *testing.T) {
	data := make([]byte, 36)
	data[2] = 0x05
	copy(data[8:16], []byte("LINUX   "))
	copy(data[16:32], []byte("LIO-ORG         "))
	si, err := UnmarshalStandardInquiry(data)
	if err != nil {
		t.Fatalf("UnmarshalStandardInquiry: %v", err)
	}
	if si.VendorIdentification != "LINUX   " {
		t.Errorf("VendorIdentification = %q, want %q", si.VendorIdentification, "LINUX   ")
	}
	if si.ProductIdentification != "LIO-ORG         " {
		t.Errorf("ProductIdentification = %q, want %q", si.ProductIdentification, "LIO-ORG         ")
	}
	if si.Version != 0x05 {
		t.Errorf("Version = 0x%02x, want 0x05", si.Version)
	}
}

func TestParseSenseInvalidFieldInCDB(t *testing.T) {
	data := make([]byte, 18)
	data[2] = 0x70
	data[4] = 0x05
	data[14] = 0x24
	data[15] = 0x00
	s := ParseSense(data)
	if s.Key != 0x05 {
		t.Errorf("Key = 0x%02x, want 0x05", s.Key)
	}
	if s.ASCQ != 0x2400 {
		t.Errorf("ASCQ = 0x%04x, want 0x2400", s.ASCQ)
	}
}
