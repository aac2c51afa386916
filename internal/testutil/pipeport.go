// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package testutil provides the serial fixtures the endpoint tests
// run against: an in-memory duplex port pair with the poll-read
// semantics of a real serial line, and a PTY-backed pair for tests
// that want to cross a kernel device.
package testutil

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// PipePort is one end of an in-memory serial line. Read returns
// pending bytes immediately and (0, nil) on an idle line, matching
// the byte-source contract of the RTU framer.
type PipePort struct {
	charTime time.Duration
	in       *pipeBuffer
	out      *pipeBuffer
}

type pipeBuffer struct {
	mu     sync.Mutex
	data   bytes.Buffer
	closed bool
}

// NewPipe returns the two ends of a duplex line with the given
// character time.
func NewPipe(charTime time.Duration) (*PipePort, *PipePort) {
	a := &pipeBuffer{}
	b := &pipeBuffer{}
	return &PipePort{charTime: charTime, in: a, out: b},
		&PipePort{charTime: charTime, in: b, out: a}
}

// Read drains pending bytes. It returns (0, nil) when idle and
// io.EOF once the peer has closed and the buffer is empty.
func (p *PipePort) Read(b []byte) (int, error) {
	p.in.mu.Lock()
	defer p.in.mu.Unlock()
	if p.in.data.Len() > 0 {
		return p.in.data.Read(b)
	}
	if p.in.closed {
		return 0, io.EOF
	}
	return 0, nil
}

// Write delivers b to the peer.
func (p *PipePort) Write(b []byte) (int, error) {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	if p.out.closed {
		return 0, io.ErrClosedPipe
	}
	return p.out.data.Write(b)
}

// Inject places b in this end's own read buffer, emulating
// unsolicited bus chatter that arrived before a transaction.
func (p *PipePort) Inject(b []byte) {
	p.in.mu.Lock()
	defer p.in.mu.Unlock()
	p.in.data.Write(b)
}

// Drain discards pending read bytes.
func (p *PipePort) Drain() {
	p.in.mu.Lock()
	defer p.in.mu.Unlock()
	p.in.data.Reset()
}

// Pending returns the number of unread bytes waiting at this end.
func (p *PipePort) Pending() int {
	p.in.mu.Lock()
	defer p.in.mu.Unlock()
	return p.in.data.Len()
}

// CharTime returns the configured character time.
func (p *PipePort) CharTime() time.Duration {
	return p.charTime
}

// Close shuts both directions of this end.
func (p *PipePort) Close() error {
	p.in.mu.Lock()
	p.in.closed = true
	p.in.mu.Unlock()
	p.out.mu.Lock()
	p.out.closed = true
	p.out.mu.Unlock()
	return nil
}
