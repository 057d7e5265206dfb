// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iscsi

import (
	"fmt"
	"strconv"
	"strings"
)

// OperationalParameters holds the subset of RFC 3720 Chapter 12 keys
// this library negotiates during the Login/Text operational phase.
// Values start at the initiator's proposed defaults and are narrowed as
// the target's Login/Text Response keys are parsed.
type OperationalParameters struct {
	MaxRecvDataSegmentLength uint32
	MaxBurstLength           uint32
	FirstBurstLength         uint32
	DefaultTime2Wait         uint32
	DefaultTime2Retain       uint32
	MaxOutstandingR2T        uint32
	ErrorRecoveryLevel       uint32
	InitialR2T               bool
	ImmediateData            bool
	DataPDUInOrder           bool
	DataSequenceInOrder      bool
}

// InitialOperationalParameters are the values this library proposes
// before any negotiation has taken place; a target is always free to
// negotiate something smaller.
var InitialOperationalParameters = OperationalParameters{
	MaxRecvDataSegmentLength: 262144,
	MaxBurstLength:           262144,
	FirstBurstLength:         262144,
	DefaultTime2Wait:         2,
	DefaultTime2Retain:       20,
	MaxOutstandingR2T:        1,
	ErrorRecoveryLevel:       0,
	InitialR2T:               true,
	ImmediateData:            true,
	DataPDUInOrder:           true,
	DataSequenceInOrder:      true,
}

// ToKeyValues renders the proposal as the key=value pairs a Login or
// Text Request data segment carries, one pair per line, NUL-separated
// on the wire (the caller joins with \x00).
func (p *OperationalParameters) ToKeyValues() []string {
	return []string{
		fmt.Sprintf("MaxRecvDataSegmentLength=%d", p.MaxRecvDataSegmentLength),
		fmt.Sprintf("MaxBurstLength=%d", p.MaxBurstLength),
		fmt.Sprintf("FirstBurstLength=%d", p.FirstBurstLength),
		fmt.Sprintf("DefaultTime2Wait=%d", p.DefaultTime2Wait),
		fmt.Sprintf("DefaultTime2Retain=%d", p.DefaultTime2Retain),
		fmt.Sprintf("MaxOutstandingR2T=%d", p.MaxOutstandingR2T),
		fmt.Sprintf("ErrorRecoveryLevel=%d", p.ErrorRecoveryLevel),
		"InitialR2T=" + yesNo(p.InitialR2T),
		"ImmediateData=" + yesNo(p.ImmediateData),
		"DataPDUInOrder=" + yesNo(p.DataPDUInOrder),
		"DataSequenceInOrder=" + yesNo(p.DataSequenceInOrder),
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// ApplyKeyValue narrows p according to a single key=value pair parsed
// out of a Login/Text Response. Unknown keys are ignored: the core
// only negotiates the subset it acts on.
func (p *OperationalParameters) ApplyKeyValue(key, value string) {
	switch key {
	case "MaxRecvDataSegmentLength":
		p.MaxRecvDataSegmentLength = parseUint32(value, p.MaxRecvDataSegmentLength)
	case "MaxBurstLength":
		p.MaxBurstLength = parseUint32(value, p.MaxBurstLength)
	case "FirstBurstLength":
		p.FirstBurstLength = parseUint32(value, p.FirstBurstLength)
	case "DefaultTime2Wait":
		p.DefaultTime2Wait = parseUint32(value, p.DefaultTime2Wait)
	case "DefaultTime2Retain":
		p.DefaultTime2Retain = parseUint32(value, p.DefaultTime2Retain)
	case "MaxOutstandingR2T":
		p.MaxOutstandingR2T = parseUint32(value, p.MaxOutstandingR2T)
	case "ErrorRecoveryLevel":
		p.ErrorRecoveryLevel = parseUint32(value, p.ErrorRecoveryLevel)
	case "InitialR2T":
		p.InitialR2T = value == "Yes"
	case "ImmediateData":
		p.ImmediateData = value == "Yes"
	case "DataPDUInOrder":
		p.DataPDUInOrder = value == "Yes"
	case "DataSequenceInOrder":
		p.DataSequenceInOrder = value == "Yes"
	}
}

func parseUint32(s string, fallback uint32) uint32 {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(n)
}

// ParseKeyValues splits a Login/Text data segment (NUL-separated
// key=value pairs, trailing NUL padding already stripped by the PDU
// layer) into a map.
func ParseKeyValues(data []byte) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(string(data), "\x00") {
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			continue
		}
		out[pair[:eq]] = pair[eq+1:]
	}
	return out
}

// EncodeKeyValues joins key=value pairs into a Login/Text data
// segment, NUL-terminating each pair as RFC 3720 requires.
func EncodeKeyValues(pairs []string) []byte {
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(p)
		b.WriteByte(0)
	}
	return []byte(b.String())
}
