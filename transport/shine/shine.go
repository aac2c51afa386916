// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package shine relays the vendor data-logger's serial Modbus
// requests through the downstream arbiter. The logger acts as a bus
// master on its own line; the broker answers it like an inverter
// would, at the pace the arbiter allows.
package shine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/event"
	"github.com/l4m4re/growatt-rtu-broker/modbus/crc"
	"github.com/l4m4re/growatt-rtu-broker/modbus/rtu"
)

// ClientLabel identifies the logger in wire events.
const ClientLabel = "SHINE"

const (
	// frameTimeout bounds each framer read; when the logger is quiet
	// the read loop simply starts another. Shutdown does not wait on
	// it: a watcher goroutine closes the port when ctx is done.
	frameTimeout = 10 * time.Second
	// openBackoff delays retries after a failed port open.
	openBackoff = 5 * time.Second
	// errorBackoff delays reopening after a serial error.
	errorBackoff = 2 * time.Second
)

// Port is the serial line to the logger.
type Port interface {
	io.Writer
	rtu.ByteSource
	CharTime() time.Duration
	Close() error
}

// Dialer opens the logger port. It is retried with backoff for the
// process lifetime; the logger may be unplugged for days.
type Dialer func() (Port, error)

// Transactor is the downstream arbiter as the endpoint sees it.
type Transactor interface {
	Transact(req []byte, client string) ([]byte, error)
}

// Endpoint is the reconnecting relay.
type Endpoint struct {
	dial Dialer
	ds   Transactor
	hub  *event.Hub

	openBackoff  time.Duration
	errorBackoff time.Duration
}

// New returns an endpoint using dial for the logger port.
func New(dial Dialer, ds Transactor, hub *event.Hub) *Endpoint {
	return &Endpoint{
		dial:         dial,
		ds:           ds,
		hub:          hub,
		openBackoff:  openBackoff,
		errorBackoff: errorBackoff,
	}
}

// Run cycles the endpoint through closed, opening and online until
// ctx is done.
func (e *Endpoint) Run(ctx context.Context) {
	for ctx.Err() == nil {
		port, err := e.dial()
		if err != nil {
			e.hub.Emit(event.Event{
				"role":  event.RoleError,
				"event": event.KindShineOpenFailed,
				"error": err.Error(),
			})
			slog.Warn("shine port open failed", "err", err)
			sleepCtx(ctx, e.openBackoff)
			continue
		}
		e.hub.Emit(event.Event{"role": event.RoleSys, "event": event.KindShineOnline})
		slog.Info("shine endpoint online")

		err = e.serve(ctx, port)
		port.Close()
		e.hub.Emit(event.Event{"role": event.RoleSys, "event": event.KindShineOffline})
		if ctx.Err() != nil {
			return
		}
		e.hub.Emit(event.Event{
			"role":  event.RoleError,
			"event": event.KindShineSerialError,
			"error": err.Error(),
		})
		slog.Warn("shine serial error, reopening", "err", err)
		sleepCtx(ctx, e.errorBackoff)
	}
}

// serve relays frames until the port fails or ctx is done.
func (e *Endpoint) serve(ctx context.Context, port Port) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			port.Close()
		case <-done:
		}
	}()

	framer := rtu.NewFramer(port, port.CharTime())
	for {
		req, err := framer.ReadFrame(frameTimeout)
		if err != nil {
			return err
		}
		if req == nil {
			continue
		}
		if !crc.Verify(req) {
			e.hub.Emit(event.Wire(event.RoleDrop, "from_client", ClientLabel, req))
			continue
		}
		resp, err := e.ds.Transact(req, ClientLabel)
		if err != nil {
			slog.Error("downstream transaction failed", "client", ClientLabel, "err", err)
			continue
		}
		if resp == nil {
			// Downstream timeout: send nothing, the logger retries
			// on its own schedule.
			continue
		}
		if _, err := port.Write(resp); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
