// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iscsi

import (
	"github.com/open-source-firmware/go-iscsi/pkg/pdu"
	"github.com/open-source-firmware/go-iscsi/pkg/scsi"
)

// checkReady validates the session is Normal and logged in, the
// precondition common to every SCSI and task management entry point.
func (c *Context) checkReady() error {
	if c.sessionType != SessionNormal || !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	return nil
}

// TestUnitReadyAsync issues TEST UNIT READY against lun.
func (c *Context) TestUnitReadyAsync(lun uint64, cb Callback, cookie interface{}) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	task := scsi.TestUnitReady()
	c.enqueueCommand(lun, task, false, cb, cookie)
	return nil
}

// InquiryAsync issues a standard or VPD INQUIRY against lun.
func (c *Context) InquiryAsync(lun uint64, evpd bool, pageCode byte, allocLen uint16, cb Callback, cookie interface{}) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	task := scsi.Inquiry(evpd, pageCode, allocLen)
	c.enqueueCommand(lun, task, false, cb, cookie)
	return nil
}

// ReadCapacity10Async issues READ CAPACITY 10 against lun.
func (c *Context) ReadCapacity10Async(lun uint64, cb Callback, cookie interface{}) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	task := scsi.ReadCapacity10(0, false)
	c.enqueueCommand(lun, task, false, cb, cookie)
	return nil
}

// ReportLUNsAsync issues REPORT LUNS. It takes no LUN argument: the
// command is always sent to LUN 0, per the protocol's definition of
// the command.
func (c *Context) ReportLUNsAsync(allocLen uint32, cb Callback, cookie interface{}) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	task, err := scsi.ReportLUNs(0x00, allocLen)
	if err != nil {
		return ErrArgumentInvalid
	}
	c.enqueueCommand(0, task, false, cb, cookie)
	return nil
}

// Read10Async issues READ 10 against lun.
func (c *Context) Read10Async(lun uint64, lba, xferlen, blocksize uint32, cb Callback, cookie interface{}) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	task, err := scsi.Read10(lba, xferlen, blocksize)
	if err != nil {
		return ErrArgumentInvalid
	}
	c.enqueueCommand(lun, task, false, cb, cookie)
	return nil
}

// Write10Async issues WRITE 10 against lun for xferlen bytes starting at
// lba. xferlen is the command's own expected transfer length, independent
// of data: if data's length doesn't match it exactly, the request is
// rejected synchronously with ErrArgumentInvalid and no PDU is sent,
// catching a caller that built the wrong CDB for the buffer it's sending.
func (c *Context) Write10Async(lun uint64, lba, xferlen, blocksize uint32, data []byte, fua, fuaNV bool, cb Callback, cookie interface{}) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	task, err := scsi.Write10(lba, xferlen, blocksize, fua, fuaNV)
	if err != nil {
		return ErrArgumentInvalid
	}
	if uint32(len(data)) != task.ExpXferLen {
		return ErrArgumentInvalid
	}
	c.pendingWriteData = data
	c.enqueueCommand(lun, task, false, cb, cookie)
	return nil
}

// ModeSense6Async issues MODE SENSE 6 against lun.
func (c *Context) ModeSense6Async(lun uint64, dbd bool, pc, pageCode, subPageCode, allocLen byte, cb Callback, cookie interface{}) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	task := scsi.ModeSense6(dbd, pc, pageCode, subPageCode, allocLen)
	c.enqueueCommand(lun, task, false, cb, cookie)
	return nil
}

// SynchronizeCache10Async issues SYNCHRONIZE CACHE 10 against lun.
func (c *Context) SynchronizeCache10Async(lun uint64, lba uint32, numBlocks uint16, syncNV, immed bool, cb Callback, cookie interface{}) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	task := scsi.SynchronizeCache10(lba, numBlocks, syncNV, immed)
	c.enqueueCommand(lun, task, false, cb, cookie)
	return nil
}

// TaskMgmtAsync issues a SCSI Task Management Request against lun,
// referencing the command whose ITT is referencedITT (ignored for
// functions like TARGET_WARM_RESET that address no specific task). lun
// is always the caller-supplied value; this library does not hard-code
// a LUN the way its reference source does.
func (c *Context) TaskMgmtAsync(lun uint64, fn pdu.TMFunction, referencedITT uint32, cb Callback, cookie interface{}) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	c.enqueueTMF(lun, fn, referencedITT, cb, cookie)
	return nil
}
