// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iscsi

import (
	"github.com/open-source-firmware/go-iscsi/pkg/pdu"
	"github.com/open-source-firmware/go-iscsi/pkg/scsi"
	"github.com/open-source-firmware/go-iscsi/pkg/transport"
)

// enqueueCommand allocates an ITT, wraps task in a pendingCommand, and
// queues a SCSI Command PDU for the next Service call. The ITT is
// chosen from a monotonically increasing counter and is guaranteed
// unique among in-flight entries: an ITT only becomes eligible for
// reuse after its completion has fired, and the counter does not wrap
// in any session's practical lifetime.
func (c *Context) enqueueCommand(lun uint64, task *scsi.Task, immediate bool, cb Callback, cookie interface{}) uint32 {
	itt := c.nextITT
	c.nextITT++

	b := pdu.NewBHS(pdu.OpSCSICommand)
	b.SetImmediate(immediate)
	flags := pdu.FlagFinal
	switch task.Dir {
	case scsi.DirRead:
		flags |= pdu.FlagRead
	case scsi.DirWrite:
		flags |= pdu.FlagWrite
	}
	b.SetFlags(flags)
	b.SetLUN(lun)
	b.SetITT(itt)
	b.SetField20(task.ExpXferLen)
	b.SetExpStatSN(c.expStatSN)
	b.SetCmdSN(c.nextCmdSN(immediate))
	b.SetCDB(task.CDBBytes())

	var data []byte
	if task.Dir == scsi.DirWrite {
		data = c.pendingWriteData
		c.pendingWriteData = nil
	}
	wire, _ := pdu.Marshal(b, data)
	c.conn.Enqueue(wire)

	pc := &pendingCommand{itt: itt, task: task, lun: lun, cb: cb, cookie: cookie}
	c.inFlight[itt] = pc
	return itt
}

// enqueueTMF queues a SCSI Task Management Request against lun. Unlike
// the source this library is grounded on, the caller-supplied LUN is
// always the one placed in the PDU.
func (c *Context) enqueueTMF(lun uint64, fn pdu.TMFunction, referencedITT uint32, cb Callback, cookie interface{}) uint32 {
	itt := c.nextITT
	c.nextITT++

	b := pdu.NewBHS(pdu.OpSCSITaskMgmt)
	b.SetTMFunction(fn)
	b.SetLUN(lun)
	b.SetITT(itt)
	b.SetField20(referencedITT)
	b.SetExpStatSN(c.expStatSN)
	b.SetCmdSN(c.nextCmdSN(false))

	wire, _ := pdu.Marshal(b, nil)
	c.conn.Enqueue(wire)

	c.inFlight[itt] = &pendingCommand{itt: itt, cb: cb, cookie: cookie}
	return itt
}

// WhichEvents reports the poll events the owner thread should wait on.
func (c *Context) WhichEvents() transport.Events {
	if c.conn == nil {
		return 0
	}
	return c.conn.WhichEvents()
}

// Fd returns the underlying socket descriptor for poll/epoll.
func (c *Context) Fd() (uintptr, error) {
	if c.conn == nil {
		return 0, transport.ErrNotConnected
	}
	return c.conn.Fd()
}

// Service drives whatever I/O is ready and fires any callbacks that
// complete as a result. It never blocks. On a transport error every
// in-flight command is cancelled and the connection is torn down,
// exactly as context destruction would; destroy-time cancellation
// reuses the same failAllInFlight path.
func (c *Context) Service(revents transport.Events) error {
	if c.conn == nil {
		return transport.ErrNotConnected
	}
	pdus, err := c.conn.Service(revents)
	for _, p := range pdus {
		c.route(p)
	}
	if err != nil {
		c.lastError = ErrTransportError
		c.failAllInFlight(StatusCancelled)
		if cb := c.connectCB; cb != nil {
			c.connectCB = nil
			cb(&Result{Status: StatusError}, c.connectCookie)
		}
		return err
	}
	return nil
}

func (c *Context) failAllInFlight(status Status) {
	for itt, pc := range c.inFlight {
		delete(c.inFlight, itt)
		if pc.cb != nil {
			pc.cb(&Result{Status: status}, pc.cookie)
		}
	}
}

// route dispatches one inbound PDU to its handler by opcode, updating
// ExpStatSN from StatSN as it goes (the session's implicit
// acknowledgement of delivered status). A Data-In PDU only carries a
// valid StatSN when its S bit is set (final status folded into the
// last Data-In instead of a separate SCSI Response); other Data-In
// PDUs leave StatSN at zero and must not perturb ExpStatSN.
func (c *Context) route(p *pdu.PDU) {
	if p.BHS.Opcode() != pdu.OpSCSIDataIn || p.BHS.Flags()&pdu.FlagStatus != 0 {
		c.expStatSN = p.BHS.StatSN() + 1
	}
	switch p.BHS.Opcode() {
	case pdu.OpLoginResponse:
		c.handleLoginResponse(p)
	case pdu.OpTextResponse:
		c.handleTextResponse(p)
	case pdu.OpLogoutResponse:
		c.handleLogoutResponse(p)
	case pdu.OpSCSIResponse:
		c.handleSCSIResponse(p)
	case pdu.OpSCSIDataIn:
		c.handleDataIn(p)
	case pdu.OpSCSITaskMgmtRsp:
		c.handleTMFResponse(p)
	case pdu.OpNopIn:
		c.handleNopIn(p)
	case pdu.OpReject:
		c.handleReject(p)
	}
}

func (c *Context) handleSCSIResponse(p *pdu.PDU) {
	itt := p.BHS.ITT()
	pc, ok := c.inFlight[itt]
	if !ok {
		return
	}
	delete(c.inFlight, itt)

	if p.BHS.Flags()&pdu.FlagFinal == 0 || p.BHS.Flags()&pdu.FlagAck != 0 {
		if pc.cb != nil {
			pc.cb(&Result{Status: StatusError, Task: pc.task}, pc.cookie)
		}
		return
	}

	res := &Result{Status: Status(p.BHS.Status()), Task: pc.task, Data: pc.dataIn}
	if p.BHS.Status() == pdu.SCSIStatusCheckCondition {
		res.Status = StatusCheckCondition
		res.Sense = scsi.ParseSense(p.Data)
		res.Data = p.Data
	}
	if pc.cb != nil {
		pc.cb(res, pc.cookie)
	}
}

func (c *Context) handleDataIn(p *pdu.PDU) {
	itt := p.BHS.ITT()
	pc, ok := c.inFlight[itt]
	if !ok {
		return
	}
	pc.dataIn = append(pc.dataIn, p.Data...)
	if p.BHS.Flags()&pdu.FlagFinal != 0 && p.BHS.Flags()&pdu.FlagStatus != 0 {
		delete(c.inFlight, itt)
		res := &Result{Status: Status(p.BHS.Status()), Task: pc.task, Data: pc.dataIn}
		if pc.cb != nil {
			pc.cb(res, pc.cookie)
		}
	}
}

func (c *Context) handleTMFResponse(p *pdu.PDU) {
	itt := p.BHS.ITT()
	pc, ok := c.inFlight[itt]
	if !ok {
		return
	}
	delete(c.inFlight, itt)
	status := StatusGood
	if p.Data != nil && len(p.Data) > 0 && p.Data[0] != 0 {
		status = StatusError
	}
	if pc.cb != nil {
		pc.cb(&Result{Status: status}, pc.cookie)
	}
}

func (c *Context) handleReject(p *pdu.PDU) {
	c.lastError = ErrProtocolViolation
	// The Reject data segment carries the header of the rejected PDU.
	hdr, err := pdu.DecodeBHS(p.Data)
	if err != nil {
		return
	}
	pc, ok := c.inFlight[hdr.ITT()]
	if !ok {
		return
	}
	delete(c.inFlight, hdr.ITT())
	if pc.cb != nil {
		pc.cb(&Result{Status: StatusError, Task: pc.task}, pc.cookie)
	}
}
