// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command iscsistat connects to one or more iSCSI portals, logs in, and
// dumps session and LUN state in table, JSON, or openmetrics format —
// the same three-format convention as cmd/tcgdiskstat, generalized from
// "enumerate local block devices" to "enumerate configured portals".
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/sys/unix"

	"github.com/open-source-firmware/go-iscsi/pkg/iscsi"
	"github.com/open-source-firmware/go-iscsi/pkg/iscsiurl"
	"github.com/open-source-firmware/go-iscsi/pkg/scsi"
	"github.com/open-source-firmware/go-iscsi/pkg/transport"
)

var (
	outputFmt = flag.String("output", "table", "Output format; one of [table, json, openmetrics]")
	noHeader  = flag.Bool("no-header", false, "Suppress the header in table format output")
	initiator = flag.String("initiator", "iqn.2021-01.org.example:iscsistat", "Initiator IQN to present during login")
)

// SessionState is one connected portal's session and LUN state, valid
// for the lifetime of one iscsistat invocation.
type SessionState struct {
	Portal      string
	TargetName  string
	LoggedIn    bool
	TSIH        uint16
	CmdSN       uint32
	ExpStatSN   uint32
	Params      iscsi.OperationalParameters
	LUN         uint64
	Ready       bool
	LastLBA     uint32
	BlockSize   uint32
	ConnectErr  string `json:",omitempty"`
}

type States []SessionState

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] iscsi://[user[%%pass]@]host[:port]/iqn/lun ...\n", os.Args[0])
		fmt.Println()
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var states States
	for _, raw := range flag.Args() {
		u, err := iscsiurl.Parse(raw)
		if err != nil {
			log.Printf("iscsiurl.Parse(%s): %v", raw, err)
			continue
		}
		states = append(states, probe(*initiator, u))
	}

	switch *outputFmt {
	case "json":
		outputJSON(states)
	case "openmetrics":
		outputMetrics(states)
	case "table":
		outputTable(states)
	default:
		fmt.Printf("Unsupported output format %q\n", *outputFmt)
		flag.Usage()
		os.Exit(2)
	}
}

// probe connects, logs in, and reads capacity on u.LUN, returning
// whatever session state was reached even if a later step failed —
// mirroring tcgdiskstat's "log and keep going" treatment of
// per-device failures.
func probe(initiatorName string, u *iscsiurl.URL) SessionState {
	st := SessionState{Portal: u.Address(), TargetName: u.TargetName, LUN: u.LUN}

	c := iscsi.NewContext(initiatorName)
	c.SetTargetName(u.TargetName)
	c.SetSessionType(iscsi.SessionNormal)
	if u.User != "" {
		c.SetInitiatorUsernamePassword(u.User, u.Password)
	}
	defer c.DestroyContext()

	if err := runSync(c, func(done func()) error {
		return c.ConnectAsync(u.Address(), func(res *iscsi.Result, _ interface{}) {
			if res.Status != iscsi.StatusGood {
				st.ConnectErr = "connect failed"
			}
			done()
		}, nil)
	}); err != nil {
		st.ConnectErr = err.Error()
		return st
	}
	if st.ConnectErr != "" {
		return st
	}

	if err := runSync(c, func(done func()) error {
		return c.LoginAsync(func(res *iscsi.Result, _ interface{}) {
			if res.Status != iscsi.StatusGood {
				st.ConnectErr = "login failed"
			}
			done()
		}, nil)
	}); err != nil {
		st.ConnectErr = err.Error()
		return st
	}

	st.LoggedIn = c.IsLoggedIn()
	st.TSIH = c.TSIH()
	st.CmdSN = c.CmdSN()
	st.ExpStatSN = c.ExpStatSN()
	st.Params = c.Params()
	if !st.LoggedIn {
		return st
	}

	var tur iscsi.Result
	if err := runSync(c, func(done func()) error {
		return c.TestUnitReadyAsync(u.LUN, func(r *iscsi.Result, _ interface{}) {
			tur = *r
			done()
		}, nil)
	}); err == nil {
		st.Ready = tur.Status == iscsi.StatusGood
	}

	var cap iscsi.Result
	if err := runSync(c, func(done func()) error {
		return c.ReadCapacity10Async(u.LUN, func(r *iscsi.Result, _ interface{}) {
			cap = *r
			done()
		}, nil)
	}); err == nil && cap.Status == iscsi.StatusGood {
		if rc, err := scsi.UnmarshalReadCapacity10(cap.Data); err == nil {
			st.LastLBA = rc.LastLBA
			st.BlockSize = rc.BlockSize
		}
	}

	_ = runSync(c, func(done func()) error {
		return c.LogoutAsync(func(*iscsi.Result, interface{}) { done() }, nil)
	})

	return st
}

// runSync spins on poll(2) and Service until enqueue's callback fires,
// the same "sync wrapper" shape cmd/iscsictl uses.
func runSync(c *iscsi.Context, enqueue func(done func()) error) error {
	doneCh := make(chan struct{}, 1)
	if err := enqueue(func() { doneCh <- struct{}{} }); err != nil {
		return err
	}
	for {
		select {
		case <-doneCh:
			return nil
		default:
		}

		fd, err := c.Fd()
		if err != nil {
			return err
		}
		var pollEvents int16
		if c.WhichEvents()&transport.EventRead != 0 {
			pollEvents |= unix.POLLIN
		}
		if c.WhichEvents()&transport.EventWrite != 0 {
			pollEvents |= unix.POLLOUT
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: pollEvents}}
		n, err := unix.Poll(fds, 1000)
		if err != nil || n == 0 {
			continue
		}

		var revents transport.Events
		if fds[0].Revents&unix.POLLIN != 0 {
			revents |= transport.EventRead
		}
		if fds[0].Revents&unix.POLLOUT != 0 {
			revents |= transport.EventWrite
		}
		if revents == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err := c.Service(revents); err != nil {
			select {
			case <-doneCh:
				return nil
			default:
				return err
			}
		}
	}
}

func outputJSON(states States) {
	b, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal JSON: %v", err)
	}
	os.Stdout.Write(b)
}

func outputTable(states States) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	if !*noHeader {
		fmt.Fprintf(w, "PORTAL\tTARGET\tLUN\tLOGGED_IN\tREADY\tBLOCKS\tBLOCKSIZE\tERROR\n")
	}
	for _, s := range states {
		blocks := "-"
		bsize := "-"
		if s.BlockSize > 0 {
			blocks = fmt.Sprintf("%d", s.LastLBA+1)
			bsize = fmt.Sprintf("%d", s.BlockSize)
		}
		errStr := s.ConnectErr
		if errStr == "" {
			errStr = "-"
		}
		fmt.Fprint(w,
			s.Portal, "\t",
			s.TargetName, "\t",
			s.LUN, "\t",
			boolFlag(s.LoggedIn), "\t",
			boolFlag(s.Ready), "\t",
			blocks, "\t",
			bsize, "\t",
			errStr, "\n")
	}
	w.Flush()
}

func boolFlag(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
