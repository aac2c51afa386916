// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"encoding/json"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/event"
)

// Capture wraps a backend and records every operation as a JSONL
// line, the session-capture format the offline tooling replays:
//
//	{"ts": <unix>, "op": "read_input", "unit":1, "addr":0, "count":10, "regs":[...]}
//	{"ts": <unix>, "op": "write_single", "unit":1, "addr":45, "value":1234}
type Capture struct {
	inner Backend
	sink  event.Sink
}

// NewCapture returns a capturing wrapper around inner writing to sink.
func NewCapture(inner Backend, sink event.Sink) *Capture {
	return &Capture{inner: inner, sink: sink}
}

func (c *Capture) log(payload map[string]any) {
	payload["ts"] = float64(time.Now().UnixMilli()) / 1000
	line, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.sink.Handle(line)
}

// ReadInput reads through and records the returned registers.
func (c *Capture) ReadInput(unit byte, address, count uint16) ([]uint16, error) {
	regs, err := c.inner.ReadInput(unit, address, count)
	if err == nil {
		c.log(map[string]any{"op": "read_input", "unit": unit, "addr": address, "count": count, "regs": regs})
	}
	return regs, err
}

// ReadHolding reads through and records the returned registers.
func (c *Capture) ReadHolding(unit byte, address, count uint16) ([]uint16, error) {
	regs, err := c.inner.ReadHolding(unit, address, count)
	if err == nil {
		c.log(map[string]any{"op": "read_holding", "unit": unit, "addr": address, "count": count, "regs": regs})
	}
	return regs, err
}

// WriteSingle writes through and records the value.
func (c *Capture) WriteSingle(unit byte, address, value uint16) error {
	err := c.inner.WriteSingle(unit, address, value)
	if err == nil {
		c.log(map[string]any{"op": "write_single", "unit": unit, "addr": address, "value": value})
	}
	return err
}

// WriteMultiple writes through and records the values.
func (c *Capture) WriteMultiple(unit byte, address uint16, values []uint16) error {
	err := c.inner.WriteMultiple(unit, address, values)
	if err == nil {
		c.log(map[string]any{"op": "write_multiple", "unit": unit, "addr": address, "count": len(values), "regs": values})
	}
	return err
}
