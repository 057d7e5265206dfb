// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iscsi

import "github.com/open-source-firmware/go-iscsi/pkg/scsi"

// Result is handed to a command's callback when it completes. Nothing
// is released when the callback returns: the task and data stay valid
// for as long as anything references them, and the garbage collector
// reclaims them afterwards. Take is the explicit way for a callback to
// keep the task past its own return.
type Result struct {
	Status Status
	Task   *scsi.Task
	Data   []byte
	Sense  scsi.Sense

	taken bool
}

// Take returns the underlying task and data buffer to the caller and
// marks the Result as taken.
func (r *Result) Take() (*scsi.Task, []byte) {
	r.taken = true
	return r.Task, r.Data
}

// Callback is invoked synchronously from within Context.Service for
// every command completion, in wire arrival order. cookie is whatever
// opaque value the caller passed to the corresponding *Async entry
// point.
type Callback func(res *Result, cookie interface{})

// pendingCommand is the dispatcher's in-flight table entry, keyed by
// ITT. It is the "small adapter record carrying the user callback"
// wrapped around a built scsi.Task.
type pendingCommand struct {
	itt      uint32
	task     *scsi.Task
	cdb      []byte
	lun      uint64
	cb       Callback
	cookie   interface{}
	dataIn   []byte
	fullSize int
	writeBuf []byte
}
