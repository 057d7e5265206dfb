// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package iscsi implements the initiator-side session state machine,
// login negotiation, and SCSI command dispatch on top of packages pdu,
// scsi, and transport. A Context belongs to exactly one owner thread:
// the contract is call an *Async entry point, then call Service once
// poll(Fd(), WhichEvents()) reports readiness. No operation blocks
// internally.
package iscsi

import "errors"

// Error taxonomy. These are sentinel errors, not types: callers compare
// with errors.Is. Each maps to one row of the error-handling table.
var (
	// ErrArgumentInvalid is returned synchronously, before any PDU is
	// sent, when a caller's arguments cannot be satisfied: a misaligned
	// WRITE10 length, an allocation length out of range, or a missing
	// target name on a Normal login.
	ErrArgumentInvalid = errors.New("iscsi: invalid argument")

	// ErrNotLoggedIn is returned synchronously when a SCSI or task
	// management command is issued outside the FullFeature phase of a
	// Normal session.
	ErrNotLoggedIn = errors.New("iscsi: session is not logged in")

	// ErrProtocolViolation is recorded as the last error when the target
	// sends a Reject; the rejected command, if still in flight, fails
	// with StatusError. A SCSI Response with a forbidden flag combination
	// also fails its command with StatusError. Inbound PDUs are not
	// checked for an opcode that matches the command their ITT names.
	ErrProtocolViolation = errors.New("iscsi: protocol violation")

	// ErrLoginFailed fails LoginAsync when the Login Response's status
	// class is non-zero.
	ErrLoginFailed = errors.New("iscsi: login failed")

	// ErrTransportError tears the connection down; every in-flight
	// command is cancelled.
	ErrTransportError = errors.New("iscsi: transport error")

	// ErrOutOfMemory fails the current operation only; the session
	// itself remains usable.
	ErrOutOfMemory = errors.New("iscsi: allocation failure")

	// ErrCheckCondition marks a SCSI response with status 0x02. It is
	// delivered through a Result's Status field, not returned as an
	// error from Service.
	ErrCheckCondition = errors.New("iscsi: check condition")

	// ErrBusyCommandsInFlight is returned by LogoutAsync when commands
	// are still outstanding; the library does not cancel them on the
	// caller's behalf.
	ErrBusyCommandsInFlight = errors.New("iscsi: commands still in flight")
)

// Status is the outcome delivered to a command's callback, mirroring
// the four values a scripted target or the dispatcher itself can
// produce.
type Status uint32

const (
	StatusGood           Status = 0x00
	StatusCheckCondition  Status = 0x02
	StatusCancelled       Status = 0x0f000000
	StatusError           Status = 0x0f000001
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "GOOD"
	case StatusCheckCondition:
		return "CHECK_CONDITION"
	case StatusCancelled:
		return "CANCELLED"
	case StatusError:
		return "ERROR"
	}
	return "<Unknown>"
}
