package main

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/open-source-firmware/go-iscsi/pkg/iscsi"
	"github.com/open-source-firmware/go-iscsi/pkg/transport"
)

// runSync drives a Context's event loop until the enqueued operation's
// callback fires, by spinning on poll(2) and Service — the "sync
// wrapper" shape this library's entry points are designed around. cli
// tools are the one place in this module that are allowed to block.
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
