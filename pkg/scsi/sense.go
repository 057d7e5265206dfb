// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scsi

import "encoding/binary"

// Sense is the decoded fixed-format sense data returned with a CHECK
// CONDITION status.
type Sense struct {
	ErrorType byte
	Key       byte
	ASCQ      uint16
}

// ParseSense decodes fixed-format sense data out of the data segment of
// a CHECK CONDITION SCSI Response. Callers should have already confirmed the SCSI
// status byte was CheckCondition; ParseSense does no length validation
// beyond what it needs to read the three fields it reports.
func ParseSense(data []byte) Sense {
	var s Sense
	if len(data) > 2 {
		s.ErrorType = data[2] & 0x7f
	}
	if len(data) > 4 {
		s.Key = data[4] & 0x0f
	}
	if len(data) >= 16 {
		s.ASCQ = binary.BigEndian.Uint16(data[14:16])
	}
	return s
}
