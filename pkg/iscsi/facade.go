// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iscsi

import (
	"github.com/open-source-firmware/go-iscsi/pkg/transport"
)

// Context is the facade presented to callers: one iSCSI session bound
// to at most one TCP connection. It is not safe for concurrent use —
// exactly one goroutine may call its methods, alternating between an
// *Async entry point and Service, per the package doc.
type Context struct {
	*session

	conn    *transport.Conn
	portal  string

	inFlight map[uint32]*pendingCommand
	nextITT  uint32

	login     *loginState
	discovery *discoveryState

	pendingWriteData []byte

	connectCB     Callback
	connectCookie interface{}
}

// NewContext creates a context identified by initiatorName. No network
// I/O happens until ConnectAsync (or FullConnectAsync) is called.
func NewContext(initiatorName string) *Context {
	return &Context{
		session:  newSession(initiatorName),
		inFlight: make(map[uint32]*pendingCommand),
		nextITT:  1,
	}
}

// SetAlias sets the TargetAlias key offered during login.
func (c *Context) SetAlias(alias string) { c.alias = alias }

// SetTargetName sets the IQN required for a Normal session login.
func (c *Context) SetTargetName(name string) { c.targetName = name }

// SetSessionType chooses Discovery or Normal. It must be called before
// ConnectAsync/LoginAsync; the session type is frozen at first login.
func (c *Context) SetSessionType(t SessionType) { c.sessionType = t }

// SetHeaderDigest records the header digest proposal offered during
// login. This library negotiates the proposal but does not compute or
// verify CRC32C digests.
func (c *Context) SetHeaderDigest(d HeaderDigest) { c.headerDigest = d }

// SetInitiatorUsernamePassword configures CHAP credentials used if the
// target requests authentication during the security negotiation phase.
func (c *Context) SetInitiatorUsernamePassword(user, password string) {
	c.username = user
	c.password = password
}

// SetISIDRandom re-rolls the session's ISID. Call before ConnectAsync;
// a fresh Context already carries a random ISID by default.
func (c *Context) SetISIDRandom(v bool) {
	if v {
		c.randomizeISID()
	}
}

// LastError returns the error set by whichever component most recently
// failed, or nil if none has.
func (c *Context) LastError() error { return c.lastError }

// ConnectAsync connects to portal ("host:port"). A failed connect is
// returned as an error and the callback does not fire. On success the
// callback fires with StatusGood before ConnectAsync returns, and once
// more with StatusError if Service later sees the connection fail.
func (c *Context) ConnectAsync(portal string, cb Callback, cookie interface{}) error {
	conn, err := transport.Dial(portal)
	if err != nil {
		c.lastError = err
		return err
	}
	c.conn = conn
	c.portal = portal
	c.phase = phaseConnected
	c.connectCB = cb
	c.connectCookie = cookie
	// Dial only returns once the TCP handshake has completed, so there is
	// no separate "connecting" state to poll for. Fire the established
	// half of the callback immediately; the second (disconnect) half
	// fires from Service on teardown.
	if cb != nil {
		cb(&Result{Status: StatusGood}, cookie)
	}
	return nil
}

// FullConnectAsync composes ConnectAsync, LoginAsync (Normal session
// against targetName), and TestUnitReady on lun. Its callback is
// invoked once per outcome, and — uniquely among this package's
// callbacks — a second time if the connection tears down after it was
// established.
func (c *Context) FullConnectAsync(portal, targetName string, lun uint64, cb Callback, cookie interface{}) error {
	c.targetName = targetName
	c.sessionType = SessionNormal

	return c.ConnectAsync(portal, func(res *Result, _ interface{}) {
		if res.Status != StatusGood {
			cb(res, cookie)
			return
		}
		err := c.LoginAsync(func(res *Result, _ interface{}) {
			if res.Status != StatusGood {
				cb(res, cookie)
				return
			}
			c.TestUnitReadyAsync(lun, func(res *Result, _ interface{}) {
				cb(res, cookie)
			}, cookie)
		}, cookie)
		if err != nil {
			cb(&Result{Status: StatusError}, cookie)
		}
	}, cookie)
}

// DestroyContext tears down the connection, synchronously firing
// StatusCancelled on every command still in flight. Apart from a
// transport error seen by Service, this is the only way pending
// callbacks fire without a matching PDU having arrived.
func (c *Context) DestroyContext() {
	c.failAllInFlight(StatusCancelled)
	if c.conn != nil {
		c.conn.Close()
	}
	c.phase = phaseLoggedOut
}
