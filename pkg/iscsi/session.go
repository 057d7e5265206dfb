// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iscsi

import (
	"math/rand"
)

// SessionType distinguishes a Discovery session (Text/SendTargets only,
// frozen at first login) from a Normal session (full SCSI command set).
type SessionType int

const (
	SessionNormal SessionType = iota
	SessionDiscovery
)

// HeaderDigest is the negotiated header digest proposal. Only the
// proposal is modeled; this library does not compute or verify
// CRC32C digests (see the Non-goals in the package's design notes).
type HeaderDigest int

const (
	HeaderDigestNone HeaderDigest = iota
	HeaderDigestNoneCRC32C
	HeaderDigestCRC32CNone
	HeaderDigestCRC32C
)

func (h HeaderDigest) String() string {
	switch h {
	case HeaderDigestNone:
		return "None"
	case HeaderDigestNoneCRC32C:
		return "None,CRC32C"
	case HeaderDigestCRC32CNone:
		return "CRC32C,None"
	case HeaderDigestCRC32C:
		return "CRC32C"
	}
	return "None"
}

// loginPhase tracks where the Login/FullFeature state machine is. It is
// unexported: callers observe it only through IsLoggedIn and the errors
// returned by entry points gated on it.
type loginPhase int

const (
	phaseNotConnected loginPhase = iota
	phaseConnected
	phaseSecurityNegotiation
	phaseOperationalNegotiation
	phaseFullFeature
	phaseLoggedOut
)

// session holds per-connection iSCSI state: identifiers, sequence
// numbers, and the negotiated parameter set. It is embedded in Context
// rather than exported on its own, mirroring how the dispatcher and
// facade layers of this library share one mutable state block per
// connection.
type session struct {
	initiatorName string
	targetName    string
	alias         string
	sessionType   SessionType
	headerDigest  HeaderDigest

	username string
	password string

	isid [6]byte
	tsih uint16

	phase loginPhase

	cmdSN     uint32
	expStatSN uint32
	statSN    uint32

	params OperationalParameters

	lastError error
}

func newSession(initiatorName string) *session {
	s := &session{
		initiatorName: initiatorName,
		sessionType:   SessionNormal,
		headerDigest:  HeaderDigestNone,
		phase:         phaseNotConnected,
		cmdSN:         1,
		params:        InitialOperationalParameters,
	}
	s.randomizeISID()
	return s
}

// randomizeISID assigns a fresh random ISID, as required whenever
// set_isid_random is requested or no caller-supplied ISID exists yet.
func (s *session) randomizeISID() {
	s.isid[0] = 0x80 // "random" qualifier per RFC 3720 10.12.5
	rand.Read(s.isid[1:])
}

// nextCmdSN returns the CmdSN to stamp on the next non-immediate PDU
// and advances the counter. Immediate PDUs carry the current value
// without advancing it (the contract behind CmdSN monotonicity: after N
// non-immediate and M immediate commands, the counter has moved by
// exactly N).
func (s *session) nextCmdSN(immediate bool) uint32 {
	v := s.cmdSN
	if !immediate {
		s.cmdSN++
	}
	return v
}

// IsLoggedIn reports whether the session has completed Login and
// reached FullFeaturePhase.
func (s *session) IsLoggedIn() bool {
	return s.phase == phaseFullFeature
}

// TargetName returns the IQN configured via SetTargetName.
func (s *session) TargetName() string { return s.targetName }

// SessionType reports whether this is a Discovery or Normal session.
func (s *session) SessionType() SessionType { return s.sessionType }

// Params returns a copy of the session's negotiated operational
// parameters, as they stand after the most recent Login/Text Response.
func (s *session) Params() OperationalParameters { return s.params }

// CmdSN returns the next CmdSN this session will stamp on a
// non-immediate request.
func (s *session) CmdSN() uint32 { return s.cmdSN }

// ExpStatSN returns the StatSN this session expects the target to send
// next.
func (s *session) ExpStatSN() uint32 { return s.expStatSN }

// TSIH returns the Target Session Identifying Handle assigned at Login,
// or 0 if the session has not yet completed Login.
func (s *session) TSIH() uint16 { return s.tsih }
