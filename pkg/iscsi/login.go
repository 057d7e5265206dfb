// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iscsi

import (
	"encoding/binary"
	"strconv"

	"github.com/open-source-firmware/go-iscsi/pkg/chap"
	"github.com/open-source-firmware/go-iscsi/pkg/pdu"
	"github.com/open-source-firmware/go-iscsi/pkg/transport"
)

const (
	csgSecurityNegotiation    = 0
	csgOperationalNegotiation = 1
	csgFullFeaturePhase       = 3
)

// CHAP security-phase sub-steps, tracked so a Login Response carrying
// CSG=SecurityNegotiation with no CHAP_C key can be told apart: it means
// either "AuthMethod confirmed, send CHAP_A" or "CHAP_R accepted, stage
// complete" depending on where in the exchange it arrives.
const (
	chapStepNone = iota
	chapStepOffered
	chapStepChallenged
	chapStepResponded
)

// loginState tracks the in-progress login/text exchange so its
// callback can be delivered once, on the PDU that sets the Transit bit
// into FullFeaturePhase (or that fails the login outright).
type loginState struct {
	itt    uint32
	cb     Callback
	cookie interface{}

	chapStep       int
	chapIdentifier byte
	chapChallenge  []byte
}

// LoginAsync begins (or continues, across the security and operational
// negotiation phases) the iSCSI login sequence. The callback fires once
// FullFeaturePhase is reached or the login fails.
func (c *Context) LoginAsync(cb Callback, cookie interface{}) error {
	if c.conn == nil {
		return transport.ErrNotConnected
	}
	if c.sessionType == SessionNormal && c.targetName == "" {
		return ErrArgumentInvalid
	}

	itt := c.nextITT
	c.nextITT++

	b := pdu.NewBHS(pdu.OpLoginRequest)
	b.SetImmediate(true)
	csg := csgSecurityNegotiation
	if c.username == "" {
		csg = csgOperationalNegotiation
	}
	// NSG is always the stage after csg: Security negotiates CHAP and
	// steps to Operational; Operational (the no-CHAP case, reached
	// directly) steps straight to FullFeaturePhase since this library
	// sends its whole operational parameter set in one request.
	nsg := csgOperationalNegotiation
	if csg == csgOperationalNegotiation {
		nsg = csgFullFeaturePhase
	}
	b.SetLoginStages(uint8(csg), uint8(nsg))
	if csg == csgOperationalNegotiation {
		// The no-CHAP path sends its whole parameter set in this one
		// request, so it's done with Operational negotiation immediately.
		b.SetFlags(b.Flags() | pdu.FlagTransit)
	}
	b.SetITT(itt)
	b.SetCmdSN(c.nextCmdSN(true))
	b.SetExpStatSN(c.expStatSN)

	pairs := []string{
		"InitiatorName=" + c.initiatorName,
	}
	if c.alias != "" {
		pairs = append(pairs, "TargetAlias="+c.alias)
	}
	if c.sessionType == SessionDiscovery {
		pairs = append(pairs, "SessionType=Discovery")
	} else {
		pairs = append(pairs, "SessionType=Normal", "TargetName="+c.targetName)
	}
	if csg == csgSecurityNegotiation {
		pairs = append(pairs, "AuthMethod=CHAP,None")
	} else {
		pairs = append(pairs, "HeaderDigest="+c.headerDigest.String())
		pairs = append(pairs, c.params.ToKeyValues()...)
	}

	wire, err := pdu.Marshal(b, EncodeKeyValues(pairs))
	if err != nil {
		return err
	}
	c.conn.Enqueue(wire)

	ls := &loginState{itt: itt, cb: cb, cookie: cookie}
	if csg == csgSecurityNegotiation {
		c.phase = phaseSecurityNegotiation
		ls.chapStep = chapStepOffered
	} else {
		c.phase = phaseOperationalNegotiation
	}
	c.login = ls
	c.inFlight[itt] = &pendingCommand{itt: itt}
	return nil
}

func (c *Context) handleLoginResponse(p *pdu.PDU) {
	ls := c.login
	if ls == nil {
		return
	}
	delete(c.inFlight, p.BHS.ITT())

	if p.BHS.LoginStatusClass() != 0 {
		c.phase = phaseLoggedOut
		c.lastError = ErrLoginFailed
		if ls.cb != nil {
			ls.cb(&Result{Status: StatusError}, ls.cookie)
		}
		c.login = nil
		return
	}

	kv := ParseKeyValues(p.Data)

	if csg := p.BHS.LoginCSG(); csg == csgSecurityNegotiation {
		switch ls.chapStep {
		case chapStepOffered:
			// Target has only confirmed AuthMethod=CHAP so far; select
			// the algorithm and wait for its CHAP_I/CHAP_C challenge.
			ls.chapStep = chapStepChallenged
			c.sendCHAPAlgorithm(ls)
			return
		case chapStepChallenged:
			ls.chapIdentifier = parseCHAPID(kv["CHAP_I"])
			ls.chapChallenge = decodeCHAPValue(kv["CHAP_C"])
			ls.chapStep = chapStepResponded
			c.sendCHAPResponse(ls)
			return
		}
		// chapStepResponded (or no CHAP in play): this response accepts
		// CHAP_R and finishes the security stage; fall through to the
		// shared completion/continuation logic below.
	}

	for k, v := range kv {
		c.params.ApplyKeyValue(k, v)
	}

	if p.BHS.Flags()&pdu.FlagTransit != 0 && p.BHS.LoginNSG() == csgFullFeaturePhase {
		c.phase = phaseFullFeature
		c.tsih = binary.BigEndian.Uint16(p.BHS.Bytes()[14:16])
		c.cmdSN = p.BHS.ExpCmdSN()
		if ls.cb != nil {
			ls.cb(&Result{Status: StatusGood}, ls.cookie)
		}
		c.login = nil
		return
	}

	// Still negotiating: send the next Login Request in the sequence.
	c.continueLogin(ls)
}

func (c *Context) continueLogin(ls *loginState) {
	itt := c.nextITT
	c.nextITT++

	b := pdu.NewBHS(pdu.OpLoginRequest)
	b.SetImmediate(true)
	b.SetLoginStages(csgOperationalNegotiation, csgFullFeaturePhase)
	b.SetFlags(b.Flags() | pdu.FlagTransit)
	b.SetITT(itt)
	b.SetCmdSN(c.nextCmdSN(true))
	b.SetExpStatSN(c.expStatSN)

	pairs := append([]string{"HeaderDigest=" + c.headerDigest.String()}, c.params.ToKeyValues()...)
	wire, _ := pdu.Marshal(b, EncodeKeyValues(pairs))
	c.conn.Enqueue(wire)

	c.phase = phaseOperationalNegotiation
	ls.itt = itt
	c.login = ls
	c.inFlight[itt] = &pendingCommand{itt: itt}
}

// sendCHAPAlgorithm sends CHAP_A=5 (MD5), the step RFC 1994/3720 require
// between a target's AuthMethod=CHAP confirmation and its CHAP_I/CHAP_C
// challenge.
func (c *Context) sendCHAPAlgorithm(ls *loginState) {
	itt := c.nextITT
	c.nextITT++

	b := pdu.NewBHS(pdu.OpLoginRequest)
	b.SetImmediate(true)
	b.SetLoginStages(csgSecurityNegotiation, csgOperationalNegotiation)
	b.SetITT(itt)
	b.SetCmdSN(c.nextCmdSN(true))
	b.SetExpStatSN(c.expStatSN)

	wire, _ := pdu.Marshal(b, EncodeKeyValues([]string{"CHAP_A=5"}))
	c.conn.Enqueue(wire)

	ls.itt = itt
	c.login = ls
	c.inFlight[itt] = &pendingCommand{itt: itt}
}

func (c *Context) sendCHAPResponse(ls *loginState) {
	response := chap.ComputeResponse(ls.chapIdentifier, []byte(c.password), ls.chapChallenge)

	itt := c.nextITT
	c.nextITT++

	b := pdu.NewBHS(pdu.OpLoginRequest)
	b.SetImmediate(true)
	b.SetLoginStages(csgSecurityNegotiation, csgOperationalNegotiation)
	b.SetFlags(b.Flags() | pdu.FlagTransit)
	b.SetITT(itt)
	b.SetCmdSN(c.nextCmdSN(true))
	b.SetExpStatSN(c.expStatSN)

	pairs := []string{
		"CHAP_N=" + c.username,
		"CHAP_R=" + encodeCHAPValue(response),
	}
	wire, _ := pdu.Marshal(b, EncodeKeyValues(pairs))
	c.conn.Enqueue(wire)

	ls.itt = itt
	c.login = ls
	c.inFlight[itt] = &pendingCommand{itt: itt}
}

func parseCHAPID(s string) byte {
	n, _ := strconv.Atoi(s)
	return byte(n)
}

func decodeCHAPValue(s string) []byte {
	if len(s) > 1 && (s[0:2] == "0x" || s[0:2] == "0X") {
		s = s[2:]
	}
	b := make([]byte, len(s)/2)
	for i := range b {
		hi := hexNibble(s[i*2])
		lo := hexNibble(s[i*2+1])
		b[i] = hi<<4 | lo
	}
	return b
}

func encodeCHAPValue(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 2+len(b)*2)
	out[0], out[1] = '0', 'x'
	for i, v := range b {
		out[2+i*2] = hexDigits[v>>4]
		out[2+i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

// LogoutAsync requests session closure. Per the concurrency model, the
// caller is responsible for having no in-flight commands; if any
// remain, LogoutAsync returns ErrBusyCommandsInFlight without sending a
// PDU rather than silently cancelling them.
func (c *Context) LogoutAsync(cb Callback, cookie interface{}) error {
	if len(c.inFlight) > 0 {
		return ErrBusyCommandsInFlight
	}
	itt := c.nextITT
	c.nextITT++

	b := pdu.NewBHS(pdu.OpLogoutRequest)
	b.SetImmediate(true)
	b.SetFlags(0x80) // reason code 0: close the session
	b.SetITT(itt)
	b.SetCmdSN(c.nextCmdSN(true))
	b.SetExpStatSN(c.expStatSN)

	wire, _ := pdu.Marshal(b, nil)
	c.conn.Enqueue(wire)

	c.inFlight[itt] = &pendingCommand{itt: itt, cb: cb, cookie: cookie}
	return nil
}

func (c *Context) handleLogoutResponse(p *pdu.PDU) {
	itt := p.BHS.ITT()
	pc, ok := c.inFlight[itt]
	if !ok {
		return
	}
	delete(c.inFlight, itt)
	c.phase = phaseLoggedOut
	status := StatusGood
	if p.BHS.Status() != 0 {
		status = StatusError
	}
	if pc.cb != nil {
		pc.cb(&Result{Status: status}, pc.cookie)
	}
}

// NopOutAsync sends a NOP-Out ping carrying data, used as a liveness
// probe; the callback fires on the matching NOP-In. Replies to a
// target's own NOP-In ping are sent by handleNopIn, not through here.
func (c *Context) NopOutAsync(data []byte, cb Callback, cookie interface{}) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	itt := c.nextITT
	c.nextITT++

	b := pdu.NewBHS(pdu.OpNopOut)
	b.SetImmediate(true)
	b.SetITT(itt)
	b.SetField20(pdu.ITTReserved)
	b.SetCmdSN(c.nextCmdSN(true))
	b.SetExpStatSN(c.expStatSN)

	wire, _ := pdu.Marshal(b, data)
	c.conn.Enqueue(wire)

	c.inFlight[itt] = &pendingCommand{itt: itt, cb: cb, cookie: cookie}
	return nil
}

func (c *Context) handleNopIn(p *pdu.PDU) {
	if p.BHS.ITT() == pdu.ITTReserved {
		// Unsolicited ping from the target: reply in kind, no callback.
		b := pdu.NewBHS(pdu.OpNopOut)
		b.SetITT(pdu.ITTReserved)
		b.SetField20(p.BHS.Field20())
		b.SetCmdSN(c.cmdSN)
		b.SetExpStatSN(c.expStatSN)
		wire, _ := pdu.Marshal(b, p.Data)
		c.conn.Enqueue(wire)
		return
	}
	itt := p.BHS.ITT()
	pc, ok := c.inFlight[itt]
	if !ok {
		return
	}
	delete(c.inFlight, itt)
	if pc.cb != nil {
		pc.cb(&Result{Status: StatusGood, Data: p.Data}, pc.cookie)
	}
}
