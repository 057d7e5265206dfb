// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iscsi

import (
	"strings"

	"github.com/open-source-firmware/go-iscsi/pkg/pdu"
)

// Target is one entry in a discovery_async result: a target IQN and the
// portal address it is reachable on.
type Target struct {
	Name    string
	Address string
}

// DiscoveryCallback receives the target list found via SendTargets. The
// slice is only valid for the duration of the call, matching the
// source's linked-list-scoped-to-the-callback contract.
type DiscoveryCallback func(targets []Target, status Status, cookie interface{})

type discoveryState struct {
	itt    uint32
	cb     DiscoveryCallback
	cookie interface{}
}

// DiscoveryAsync sends a Text Request with SendTargets=All and parses
// the response into a target list. The session must already have
// completed a Discovery-type login.
func (c *Context) DiscoveryAsync(cb DiscoveryCallback, cookie interface{}) error {
	if !c.IsLoggedIn() {
		return ErrNotLoggedIn
	}
	itt := c.nextITT
	c.nextITT++

	b := pdu.NewBHS(pdu.OpTextRequest)
	b.SetFlags(pdu.FlagFinal)
	b.SetITT(itt)
	b.SetCmdSN(c.nextCmdSN(false))
	b.SetExpStatSN(c.expStatSN)

	wire, _ := pdu.Marshal(b, EncodeKeyValues([]string{"SendTargets=All"}))
	c.conn.Enqueue(wire)

	c.discovery = &discoveryState{itt: itt, cb: cb, cookie: cookie}
	c.inFlight[itt] = &pendingCommand{itt: itt}
	return nil
}

func (c *Context) handleTextResponse(p *pdu.PDU) {
	ds := c.discovery
	if ds == nil {
		return
	}
	delete(c.inFlight, p.BHS.ITT())
	c.discovery = nil

	var targets []Target
	var current string
	for _, line := range strings.Split(string(p.Data), "\x00") {
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key, value := line[:eq], line[eq+1:]
		switch key {
		case "TargetName":
			current = value
		case "TargetAddress":
			targets = append(targets, Target{Name: current, Address: value})
		}
	}
	if ds.cb != nil {
		ds.cb(targets, StatusGood, ds.cookie)
	}
}
