// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport drives a single non-blocking TCP connection to an
// iSCSI portal and reassembles the byte stream into complete PDUs. It
// has no notion of sessions, sequence numbers, or SCSI — it is the
// lowest layer the dispatcher in package iscsi drives.
package transport

import (
	"errors"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/open-source-firmware/go-iscsi/pkg/pdu"
)

var (
	// ErrNotConnected is returned by operations that require an
	// established connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed marks a connection torn down by TransportError; all
	// in-flight work above this layer must be cancelled.
	ErrClosed = errors.New("transport: connection closed")
)

// Events is a bitmask mirroring the poll(2) event set the owner thread
// should wait on before calling Service.
type Events uint8

const (
	EventRead  Events = 1 << iota
	EventWrite
)

// Conn wraps one non-blocking TCP connection. The owning event loop
// alternates between Enqueue (which queues bytes and returns
// immediately) and Service(revents), mirroring the single-threaded
// cooperative model the whole library follows.
type Conn struct {
	tcp      *net.TCPConn
	raw      syscall.RawConn
	outbound []byte
	inbound  []byte
	closed   bool
}

// Dial connects to addr ("host:port"). The TCP handshake itself is
// blocking: Dial returns only once the connection is established (or
// has failed), and then switches the socket to non-blocking mode for
// all later reads and writes.
func Dial(addr string) (*Conn, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{}
	nc, err := d.Dial("tcp", tcpAddr.String())
	if err != nil {
		return nil, err
	}
	tcp := nc.(*net.TCPConn)
	raw, err := tcp.SyscallConn()
	if err != nil {
		tcp.Close()
		return nil, err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		setErr = unix.SetNonblock(int(fd), true)
	})
	if err != nil {
		tcp.Close()
		return nil, err
	}
	if setErr != nil {
		tcp.Close()
		return nil, setErr
	}
	return &Conn{tcp: tcp, raw: raw}, nil
}

// Fd returns the underlying socket descriptor for poll/epoll.
func (c *Conn) Fd() (uintptr, error) {
	var fd uintptr
	err := c.raw.Control(func(f uintptr) { fd = f })
	return fd, err
}

// WhichEvents reports the poll events the caller must wait for: read
// readiness always (to detect EOF/incoming data), write readiness only
// while queued bytes remain unsent.
func (c *Conn) WhichEvents() Events {
	ev := EventRead
	if len(c.outbound) > 0 {
		ev |= EventWrite
	}
	return ev
}

// Enqueue appends wire bytes (a marshalled PDU) to the outbound queue.
// It does not block; the bytes are actually written on the next
// Service call once the socket is write-ready.
func (c *Conn) Enqueue(b []byte) {
	c.outbound = append(c.outbound, b...)
}

// Service performs whatever I/O the last WhichEvents() result indicated
// was ready, and returns any complete PDUs now available in the
// reassembly buffer. It never blocks.
func (c *Conn) Service(revents Events) ([]*pdu.PDU, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if revents&EventWrite != 0 && len(c.outbound) > 0 {
		n, err := c.tcp.Write(c.outbound)
		if n > 0 {
			c.outbound = c.outbound[n:]
		}
		if err != nil && !errors.Is(err, syscall.EAGAIN) {
			c.closed = true
			return nil, err
		}
	}
	var out []*pdu.PDU
	if revents&EventRead != 0 {
		buf := make([]byte, 65536)
		for {
			n, err := c.tcp.Read(buf)
			if n > 0 {
				c.inbound = append(c.inbound, buf[:n]...)
			}
			if err != nil {
				if errors.Is(err, syscall.EAGAIN) {
					break
				}
				if err == io.EOF {
					c.closed = true
				} else {
					c.closed = true
				}
				break
			}
			if n < len(buf) {
				break
			}
		}
		for {
			p, consumed, err := pdu.Unmarshal(c.inbound)
			if err == pdu.ErrIncompletePDU {
				break
			}
			if err != nil {
				return out, err
			}
			out = append(out, p)
			c.inbound = c.inbound[consumed:]
		}
	}
	if c.closed && len(out) == 0 {
		return out, ErrClosed
	}
	return out, nil
}

// Close tears down the connection immediately.
func (c *Conn) Close() error {
	c.closed = true
	return c.tcp.Close()
}
