// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

//go:build linux

package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// PtyPort adapts the master side of a pseudo-terminal to the broker's
// port contract, so framer and endpoint code can be exercised across
// a real kernel character device. The pty is switched to raw mode;
// the default line discipline would mangle binary frames.
type PtyPort struct {
	master   *os.File
	fd       int
	charTime time.Duration
}

// StartPty opens a raw PTY pair. The master side is returned wrapped
// as a port, the slave side as a plain file for the test's peer role.
// Cleanup is registered on t.
func StartPty(t *testing.T, charTime time.Duration) (*PtyPort, *os.File) {
	t.Helper()
	master, slave, err := pty.Open()
	if err != nil {
		t.Fatalf("failed to open pty pair: %v", err)
	}
	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})
	if err := makeRaw(int(slave.Fd())); err != nil {
		t.Fatalf("failed to set pty raw: %v", err)
	}
	return &PtyPort{master: master, fd: int(master.Fd()), charTime: charTime}, slave
}

// makeRaw strips the line discipline so the pair is 8-bit clean.
func makeRaw(fd int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}

// Read polls the master for up to a millisecond and returns pending
// bytes, or (0, nil) when the line is idle.
func (p *PtyPort) Read(b []byte) (int, error) {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 1)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	m, err := unix.Read(p.fd, b)
	if m < 0 {
		m = 0
	}
	if err == unix.EAGAIN {
		return m, nil
	}
	return m, err
}

// Write sends b to the slave side.
func (p *PtyPort) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

// Drain discards everything currently readable.
func (p *PtyPort) Drain() {
	var scratch [512]byte
	for {
		n, err := p.Read(scratch[:])
		if n == 0 || err != nil {
			return
		}
	}
}

// CharTime returns the configured character time.
func (p *PtyPort) CharTime() time.Duration {
	return p.charTime
}

// Close closes the master side.
func (p *PtyPort) Close() error {
	return p.master.Close()
}
