// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package downstream owns the RS-485 line to the inverter. Every
// upstream endpoint funnels its requests through one Arbiter, which
// guarantees a single in-flight transaction, a minimum period between
// transactions, and a clean bus before each request.
package downstream

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/event"
	"github.com/l4m4re/growatt-rtu-broker/modbus/rtu"
)

// Port is the serial line the arbiter drives.
type Port interface {
	io.Writer
	rtu.ByteSource
	// Drain discards bytes pending in the OS read buffer.
	Drain()
	// CharTime is the wall time of one character at the line settings.
	CharTime() time.Duration
	Close() error
}

// Dialer opens the downstream port. The arbiter redials after hard
// I/O errors; a single response timeout does not close the port, the
// inverter may simply be slow.
type Dialer func() (Port, error)

// Config tunes the arbiter.
type Config struct {
	// MinCmdPeriod is the minimum interval between the completion of
	// one transaction and the start of the next.
	MinCmdPeriod time.Duration
	// ReadTimeout bounds the wait for the inverter's response.
	ReadTimeout time.Duration
}

// Arbiter serializes access to the downstream wire. All pacing uses
// the monotonic clock carried by time.Time.
type Arbiter struct {
	dial Dialer
	cfg  Config
	hub  *event.Hub

	mu       sync.Mutex
	port     Port
	framer   *rtu.Framer
	lastDone time.Time
}

// New opens the downstream port eagerly so configuration errors
// surface at startup rather than on the first request.
func New(dial Dialer, cfg Config, hub *event.Hub) (*Arbiter, error) {
	a := &Arbiter{dial: dial, cfg: cfg, hub: hub}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connect(); err != nil {
		return nil, err
	}
	return a, nil
}

// connect opens the port if it is not open. Caller must hold the mutex.
func (a *Arbiter) connect() error {
	if a.port != nil {
		return nil
	}
	port, err := a.dial()
	if err != nil {
		return fmt.Errorf("downstream: %w", err)
	}
	a.port = port
	a.framer = rtu.NewFramer(port, port.CharTime())
	return nil
}

// dropPort closes the port after a hard error. Caller must hold the
// mutex. The next transaction redials.
func (a *Arbiter) dropPort() {
	if a.port != nil {
		a.port.Close()
		a.port = nil
		a.framer = nil
	}
}

// Transact writes req to the wire and returns the response frame, or
// nil when the inverter stays silent past the read timeout. Hard port
// errors abort the transaction with an error; the caller still gets
// no response and the port is reopened on the next call.
//
// The mutex is plain sync.Mutex, so waiters are not strictly FIFO;
// Modbus gives clients no cross-connection ordering guarantee, so an
// unfair handoff is acceptable.
func (a *Arbiter) Transact(req []byte, client string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.connect(); err != nil {
		return nil, err
	}

	if wait := a.cfg.MinCmdPeriod - time.Since(a.lastDone); wait > 0 {
		time.Sleep(wait)
	}

	// Bus cleanup: anything already on the wire predates this
	// transaction and must never be returned as its response.
	a.port.Drain()
	a.framer.Reset()

	a.hub.Emit(event.Wire(event.RoleReq, "from_client", client, req))

	if _, err := a.port.Write(req); err != nil {
		a.lastDone = time.Now()
		a.dropPort()
		return nil, fmt.Errorf("downstream write: %w", err)
	}

	resp, err := a.framer.ReadFrame(a.cfg.ReadTimeout)
	a.lastDone = time.Now()
	if err != nil {
		a.dropPort()
		return nil, fmt.Errorf("downstream read: %w", err)
	}

	if resp == nil {
		a.hub.Emit(event.Event{
			"role":        event.RoleWarn,
			"event":       event.KindDownstreamTimeout,
			"from_client": client,
			"timeout":     a.cfg.ReadTimeout.Seconds(),
		})
	}
	a.hub.Emit(event.Wire(event.RoleRsp, "to_client", client, resp))
	return resp, nil
}

// Close releases the downstream port.
func (a *Arbiter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	a.framer = nil
	return err
}
