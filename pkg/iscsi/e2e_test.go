// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package iscsi

import (
	"crypto/md5"
	"io"
	"net"
	"testing"
	"time"

	"github.com/open-source-firmware/go-iscsi/pkg/pdu"
	"github.com/open-source-firmware/go-iscsi/pkg/scsi"
	"github.com/open-source-firmware/go-iscsi/pkg/transport"
)

// listenScripted starts a one-shot TCP listener on localhost and runs
// script against the first accepted connection on its own goroutine,
// mirroring S1-S6's "scripted target that replays canned responses".
func listenScripted(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
	return ln.Addr().String()
}

// readPDU blocks (the target side is a plain blocking net.Conn) until a
// complete PDU has arrived.
func readPDU(t *testing.T, conn net.Conn) *pdu.PDU {
	t.Helper()
	hdr := make([]byte, pdu.BHSLength)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Fatalf("read BHS: %v", err)
	}
	bhs, err := pdu.DecodeBHS(hdr)
	if err != nil {
		t.Fatalf("DecodeBHS: %v", err)
	}
	dataLen := pdu.PaddedLength(int(bhs.DataSegmentLength()))
	data := make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := io.ReadFull(conn, data); err != nil {
			t.Fatalf("read data segment: %v", err)
		}
	}
	return &pdu.PDU{BHS: bhs, Data: data[:bhs.DataSegmentLength()]}
}

func writePDU(t *testing.T, conn net.Conn, bhs *pdu.BHS, data []byte) {
	t.Helper()
	wire, err := pdu.Marshal(bhs, data)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := conn.Write(wire); err != nil {
		t.Fatalf("write PDU: %v", err)
	}
}

// loginResponseGood builds a Login Response PDU that transits straight
// to FullFeaturePhase, echoing itt and granting statSN 0.
func loginResponseGood(itt uint32) *pdu.BHS {
	b := pdu.NewBHS(pdu.OpLoginResponse)
	b.SetFlags(pdu.FlagTransit)
	b.SetLoginStages(csgOperationalNegotiation, csgFullFeaturePhase)
	b.SetITT(itt)
	b.SetStatSN(0)
	b.SetCmdSN(0)
	return b
}

// pump spins Service over the client context until done returns true or
// the timeout elapses. The underlying socket is already non-blocking,
// so calling Service with both event bits set is harmless when nothing
// is actually ready — exactly how a real poll loop behaves under
// spurious wakeups.
func pump(t *testing.T, c *Context, timeout time.Duration, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for callback")
		}
		if c.conn != nil {
			c.Service(transport.EventRead | transport.EventWrite)
		}
		time.Sleep(time.Millisecond)
	}
}

func dialAndLogin(t *testing.T, addr string) *Context {
	t.Helper()
	c := NewContext("iqn.2026-07.com.example:initiator0")
	c.SetTargetName("iqn.2026-07.com.example:target0")
	c.SetSessionType(SessionNormal)

	connected := false
	if err := c.ConnectAsync(addr, func(res *Result, _ interface{}) {
		connected = res.Status == StatusGood
	}, nil); err != nil {
		t.Fatalf("ConnectAsync: %v", err)
	}
	if !connected {
		t.Fatal("connect did not complete with StatusGood")
	}

	loggedIn := false
	var loginStatus Status
	if err := c.LoginAsync(func(res *Result, _ interface{}) {
		loginStatus = res.Status
		loggedIn = true
	}, nil); err != nil {
		t.Fatalf("LoginAsync: %v", err)
	}
	pump(t, c, 2*time.Second, func() bool { return loggedIn })
	if loginStatus != StatusGood {
		t.Fatalf("login status = %v, want GOOD", loginStatus)
	}
	if !c.IsLoggedIn() {
		t.Fatal("IsLoggedIn() = false after successful login")
	}
	return c
}

// TestE2ETestUnitReady is scenario S1: connect, login, TEST UNIT READY
// on LUN 0, GOOD status, callback fires exactly once.
func TestE2ETestUnitReady(t *testing.T) {
	addr := listenScripted(t, func(conn net.Conn) {
		login := readPDU(t, conn)
		writePDU(t, conn, loginResponseGood(login.BHS.ITT()), nil)

		cmd := readPDU(t, conn)
		if cmd.BHS.Opcode() != pdu.OpSCSICommand {
			t.Errorf("opcode = %v, want SCSI Command", cmd.BHS.Opcode())
			return
		}
		resp := pdu.NewBHS(pdu.OpSCSIResponse)
		resp.SetFlags(pdu.FlagFinal)
		resp.SetITT(cmd.BHS.ITT())
		resp.SetStatus(pdu.SCSIStatusGood)
		resp.SetStatSN(1)
		writePDU(t, conn, resp, nil)
	})

	c := dialAndLogin(t, addr)
	defer c.DestroyContext()

	fired := 0
	var status Status
	if err := c.TestUnitReadyAsync(0, func(res *Result, _ interface{}) {
		fired++
		status = res.Status
	}, nil); err != nil {
		t.Fatalf("TestUnitReadyAsync: %v", err)
	}
	pump(t, c, 2*time.Second, func() bool { return fired > 0 })

	if fired != 1 {
		t.Errorf("callback fired %d times, want 1", fired)
	}
	if status != StatusGood {
		t.Errorf("status = %v, want GOOD", status)
	}
}

// TestE2EInquiryStandard is scenario S2: a 36-byte standard INQUIRY
// response unmarshals to the expected vendor/product/version fields.
func TestE2EInquiryStandard(t *testing.T) {
	addr := listenScripted(t, func(conn net.Conn) {
		login := readPDU(t, conn)
		writePDU(t, conn, loginResponseGood(login.BHS.ITT()), nil)

		cmd := readPDU(t, conn)
		payload := make([]byte, 36)
		payload[2] = 0x05 // VERSION
		copy(payload[8:16], []byte("LINUX   "))
		copy(payload[16:32], []byte("LIO-ORG         "))
		copy(payload[32:36], []byte("4.0 "))

		din := pdu.NewBHS(pdu.OpSCSIDataIn)
		din.SetFlags(pdu.FlagFinal | pdu.FlagStatus)
		din.SetITT(cmd.BHS.ITT())
		din.SetStatus(pdu.SCSIStatusGood)
		din.SetStatSN(1)
		writePDU(t, conn, din, payload)
	})

	c := dialAndLogin(t, addr)
	defer c.DestroyContext()

	done := false
	var res Result
	if err := c.InquiryAsync(0, false, 0, 36, func(r *Result, _ interface{}) {
		res = *r
		done = true
	}, nil); err != nil {
		t.Fatalf("InquiryAsync: %v", err)
	}
	pump(t, c, 2*time.Second, func() bool { return done })

	if res.Status != StatusGood {
		t.Fatalf("status = %v, want GOOD", res.Status)
	}
	si, err := scsi.UnmarshalStandardInquiry(res.Data)
	if err != nil {
		t.Fatalf("UnmarshalStandardInquiry: %v", err)
	}
	if si.VendorIdentification != "LINUX   " {
		t.Errorf("VendorIdentification = %q", si.VendorIdentification)
	}
	if si.ProductIdentification != "LIO-ORG         " {
		t.Errorf("ProductIdentification = %q", si.ProductIdentification)
	}
	if si.Version != 0x05 {
		t.Errorf("Version = 0x%02x, want 0x05", si.Version)
	}
}

// TestE2ERead10AssemblesDataIn is scenario S3: three Data-In PDUs
// (2048+1536+512 bytes, final+status on the last) concatenate in wire
// order into a 4096-byte buffer.
func TestE2ERead10AssemblesDataIn(t *testing.T) {
	addr := listenScripted(t, func(conn net.Conn) {
		login := readPDU(t, conn)
		writePDU(t, conn, loginResponseGood(login.BHS.ITT()), nil)

		cmd := readPDU(t, conn)
		sizes := []int{2048, 1536, 512}
		for i, n := range sizes {
			chunk := make([]byte, n)
			for j := range chunk {
				chunk[j] = byte(i + 1)
			}
			din := pdu.NewBHS(pdu.OpSCSIDataIn)
			din.SetITT(cmd.BHS.ITT())
			if i == len(sizes)-1 {
				din.SetFlags(pdu.FlagFinal | pdu.FlagStatus)
				din.SetStatus(pdu.SCSIStatusGood)
				din.SetStatSN(1)
			}
			writePDU(t, conn, din, chunk)
		}
	})

	c := dialAndLogin(t, addr)
	defer c.DestroyContext()

	done := false
	var res Result
	if err := c.Read10Async(0, 0, 4096, 512, func(r *Result, _ interface{}) {
		res = *r
		done = true
	}, nil); err != nil {
		t.Fatalf("Read10Async: %v", err)
	}
	pump(t, c, 2*time.Second, func() bool { return done })

	if res.Status != StatusGood {
		t.Fatalf("status = %v, want GOOD", res.Status)
	}
	if len(res.Data) != 4096 {
		t.Fatalf("len(datain) = %d, want 4096", len(res.Data))
	}
	if res.Data[0] != 1 || res.Data[2048] != 2 || res.Data[2048+1536] != 3 {
		t.Errorf("datain not assembled in transmission order: %v %v %v", res.Data[0], res.Data[2048], res.Data[2048+1536])
	}
}

// TestE2EWrite10LengthMismatchNoIO is scenario S4: a length mismatch is
// rejected synchronously, and nothing reaches the wire.
func TestE2EWrite10LengthMismatchNoIO(t *testing.T) {
	observed := make(chan bool, 1)
	addr := listenScripted(t, func(conn net.Conn) {
		login := readPDU(t, conn)
		writePDU(t, conn, loginResponseGood(login.BHS.ITT()), nil)

		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, err := conn.Read(buf)
		observed <- err == nil
	})

	c := dialAndLogin(t, addr)
	defer c.DestroyContext()

	// xferlen (512) is well-formed on its own but disagrees with the
	// 100-byte buffer actually supplied.
	err := c.Write10Async(0, 0, 512, 512, make([]byte, 100), false, false, nil, nil)
	if err != ErrArgumentInvalid {
		t.Fatalf("Write10Async = %v, want ErrArgumentInvalid", err)
	}
	if saw := <-observed; saw {
		t.Error("target observed bytes on the wire after a rejected Write10Async")
	}
}

// TestE2ECheckConditionSense is scenario S5: REPORT LUNS returns
// CHECK CONDITION with ILLEGAL_REQUEST / INVALID_FIELD_IN_CDB sense.
func TestE2ECheckConditionSense(t *testing.T) {
	addr := listenScripted(t, func(conn net.Conn) {
		login := readPDU(t, conn)
		writePDU(t, conn, loginResponseGood(login.BHS.ITT()), nil)

		cmd := readPDU(t, conn)
		sense := make([]byte, 18)
		sense[2] = 0x70 // current errors, error type in low 7 bits
		sense[4] = 0x05 // ILLEGAL_REQUEST
		sense[14], sense[15] = 0x24, 0x00

		resp := pdu.NewBHS(pdu.OpSCSIResponse)
		resp.SetFlags(pdu.FlagFinal)
		resp.SetITT(cmd.BHS.ITT())
		resp.SetStatus(pdu.SCSIStatusCheckCondition)
		resp.SetStatSN(1)
		writePDU(t, conn, resp, sense)
	})

	c := dialAndLogin(t, addr)
	defer c.DestroyContext()

	done := false
	var res Result
	if err := c.ReportLUNsAsync(16, func(r *Result, _ interface{}) {
		res = *r
		done = true
	}, nil); err != nil {
		t.Fatalf("ReportLUNsAsync: %v", err)
	}
	pump(t, c, 2*time.Second, func() bool { return done })

	if res.Status != StatusCheckCondition {
		t.Fatalf("status = %v, want CHECK_CONDITION", res.Status)
	}
	if res.Sense.Key != 0x05 {
		t.Errorf("sense.Key = 0x%02x, want 0x05", res.Sense.Key)
	}
	if res.Sense.ASCQ != 0x2400 {
		t.Errorf("sense.ASCQ = 0x%04x, want 0x2400", res.Sense.ASCQ)
	}
}

// TestE2EMidCommandDisconnect is scenario S6: the target closes the TCP
// connection mid Data-In, and the pending READ10 fires CANCELLED with
// no payload.
func TestE2EMidCommandDisconnect(t *testing.T) {
	addr := listenScripted(t, func(conn net.Conn) {
		login := readPDU(t, conn)
		writePDU(t, conn, loginResponseGood(login.BHS.ITT()), nil)

		readPDU(t, conn) // the READ10 command; close without answering
	})

	c := dialAndLogin(t, addr)
	defer c.DestroyContext()

	done := false
	var res Result
	if err := c.Read10Async(0, 0, 512, 512, func(r *Result, _ interface{}) {
		res = *r
		done = true
	}, nil); err != nil {
		t.Fatalf("Read10Async: %v", err)
	}
	pump(t, c, 2*time.Second, func() bool { return done })

	if res.Status != StatusCancelled {
		t.Fatalf("status = %v, want CANCELLED", res.Status)
	}
	if res.Data != nil {
		t.Errorf("Data = %v, want nil", res.Data)
	}
}

// TestE2ELoginCHAPRoundTrip drives the full three-step CHAP security
// exchange (AuthMethod -> CHAP_A -> CHAP_I/CHAP_C -> CHAP_N/CHAP_R)
// followed by Operational negotiation into FullFeaturePhase, and checks
// the CHAP_R the initiator computes against RFC 1994's MD5 formula
// applied to the raw configured secret.
func TestE2ELoginCHAPRoundTrip(t *testing.T) {
	const user = "alice"
	const secret = "verysecretpassword"
	const identifier = 7
	challenge := []byte{0xde, 0xad, 0xbe, 0xef}

	addr := listenScripted(t, func(conn net.Conn) {
		offer := readPDU(t, conn)
		if offer.BHS.LoginCSG() != csgSecurityNegotiation {
			t.Errorf("offer CSG = %d, want SecurityNegotiation", offer.BHS.LoginCSG())
		}
		if offer.BHS.Flags()&pdu.FlagTransit != 0 {
			t.Errorf("offer has Transit set before CHAP negotiation is done")
		}
		if got := ParseKeyValues(offer.Data)["AuthMethod"]; got != "CHAP,None" {
			t.Errorf("AuthMethod = %q, want CHAP,None", got)
		}
		authConfirm := pdu.NewBHS(pdu.OpLoginResponse)
		authConfirm.SetLoginStages(csgSecurityNegotiation, csgOperationalNegotiation)
		authConfirm.SetITT(offer.BHS.ITT())
		authConfirm.SetStatSN(0)
		writePDU(t, conn, authConfirm, EncodeKeyValues([]string{"AuthMethod=CHAP"}))

		algo := readPDU(t, conn)
		if got := ParseKeyValues(algo.Data)["CHAP_A"]; got != "5" {
			t.Errorf("CHAP_A = %q, want 5", got)
		}
		chalResp := pdu.NewBHS(pdu.OpLoginResponse)
		chalResp.SetLoginStages(csgSecurityNegotiation, csgOperationalNegotiation)
		chalResp.SetITT(algo.BHS.ITT())
		chalResp.SetStatSN(0)
		pairs := []string{
			"CHAP_I=7",
			"CHAP_C=" + encodeCHAPValue(challenge),
		}
		writePDU(t, conn, chalResp, EncodeKeyValues(pairs))

		reply := readPDU(t, conn)
		if reply.BHS.Flags()&pdu.FlagTransit == 0 {
			t.Errorf("CHAP_N/CHAP_R request does not set Transit")
		}
		kv := ParseKeyValues(reply.Data)
		if kv["CHAP_N"] != user {
			t.Errorf("CHAP_N = %q, want %q", kv["CHAP_N"], user)
		}
		h := md5.New()
		h.Write([]byte{identifier})
		h.Write([]byte(secret))
		h.Write(challenge)
		want := "0x" + bytesToHex(h.Sum(nil))
		if kv["CHAP_R"] != want {
			t.Errorf("CHAP_R = %q, want %q (MD5 over the raw configured secret)", kv["CHAP_R"], want)
		}
		secAccept := pdu.NewBHS(pdu.OpLoginResponse)
		secAccept.SetFlags(pdu.FlagTransit)
		secAccept.SetLoginStages(csgSecurityNegotiation, csgOperationalNegotiation)
		secAccept.SetITT(reply.BHS.ITT())
		secAccept.SetStatSN(0)
		writePDU(t, conn, secAccept, nil)

		opReq := readPDU(t, conn)
		if opReq.BHS.LoginCSG() != csgOperationalNegotiation {
			t.Errorf("operational request CSG = %d, want OperationalNegotiation", opReq.BHS.LoginCSG())
		}
		writePDU(t, conn, loginResponseGood(opReq.BHS.ITT()), nil)
	})

	c := NewContext("iqn.2026-07.com.example:initiator0")
	c.SetTargetName("iqn.2026-07.com.example:target0")
	c.SetSessionType(SessionNormal)
	c.SetInitiatorUsernamePassword(user, secret)

	connected := false
	if err := c.ConnectAsync(addr, func(res *Result, _ interface{}) {
		connected = res.Status == StatusGood
	}, nil); err != nil {
		t.Fatalf("ConnectAsync: %v", err)
	}
	if !connected {
		t.Fatal("connect did not complete with StatusGood")
	}

	loggedIn := false
	var loginStatus Status
	if err := c.LoginAsync(func(res *Result, _ interface{}) {
		loginStatus = res.Status
		loggedIn = true
	}, nil); err != nil {
		t.Fatalf("LoginAsync: %v", err)
	}
	pump(t, c, 2*time.Second, func() bool { return loggedIn })
	if loginStatus != StatusGood {
		t.Fatalf("login status = %v, want GOOD", loginStatus)
	}
	if !c.IsLoggedIn() {
		t.Fatal("IsLoggedIn() = false after CHAP login")
	}
}

func bytesToHex(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}
