// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package event is the broker's wire observability: structured records
// produced by every request path and fanned out to JSONL sinks. Sink
// failures are isolated per sink and never reach a producer.
package event

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/modbus/crc"
	"github.com/l4m4re/growatt-rtu-broker/modbus/rtu"
)

// Roles carried in the "role" field.
const (
	RoleReq   = "REQ"
	RoleRsp   = "RSP"
	RoleDrop  = "DROP"
	RoleWarn  = "WARN"
	RoleSys   = "SYS"
	RoleError = "ERROR"
)

// Event kinds carried in the "event" field.
const (
	KindDownstreamTimeout = "downstream_timeout"
	KindShineOnline       = "shine_online"
	KindShineOffline      = "shine_offline"
	KindShineOpenFailed   = "shine_open_failed"
	KindShineSerialError  = "shine_serial_error"
)

// Event is one record. Field names follow the broker's historical log
// schema, which the offline analyzers key on: ts, role, from_client,
// to_client, crc_ok, hex, uid, func, len, addr, count, value, bytes,
// event, timeout.
type Event map[string]any

// Wire builds a REQ/RSP/DROP record for frame. clientKey is
// "from_client" or "to_client" depending on direction. A nil frame
// (downstream timeout) yields crc_ok false and an empty hex payload.
func Wire(role, clientKey, client string, frame []byte) Event {
	e := Event{
		"role":    role,
		clientKey: client,
		"crc_ok":  crc.Verify(frame),
		"hex":     hex.EncodeToString(frame),
	}
	if v := rtu.Parse(frame); v.Valid {
		e["uid"] = v.Unit
		e["func"] = v.Function
		e["len"] = v.BodyLen
		if v.HasAddr {
			e["addr"] = v.Addr
		}
		if v.HasCount {
			e["count"] = v.Count
		}
		if v.HasValue {
			e["value"] = v.Value
		}
		if v.HasByteCount {
			e["bytes"] = v.ByteCount
		}
	}
	return e
}

// Sink consumes one serialized JSONL record (without the trailing
// newline). Implementations must swallow their own failures.
type Sink interface {
	Handle(line []byte)
}

// Hub stamps events and fans them out. The event is serialized once;
// every sink receives the same line.
type Hub struct {
	sinks []Sink
}

// NewHub returns a hub dispatching to sinks. A hub with no sinks
// discards everything.
func NewHub(sinks ...Sink) *Hub {
	return &Hub{sinks: sinks}
}

// Emit stamps e with a millisecond-precision local timestamp and
// hands it to every sink. Wall-clock time appears only here; all
// broker scheduling uses the monotonic clock.
func (h *Hub) Emit(e Event) {
	if len(h.sinks) == 0 {
		return
	}
	e["ts"] = time.Now().Format("2006-01-02T15:04:05.000")
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	for _, s := range h.sinks {
		s.Handle(line)
	}
}
