// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package event

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/l4m4re/growatt-rtu-broker/modbus/crc"
)

type captureSink struct {
	lines [][]byte
}

func (c *captureSink) Handle(line []byte) {
	c.lines = append(c.lines, append([]byte(nil), line...))
}

func TestHubStampsAndFansOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	hub := NewHub(a, b)

	hub.Emit(Event{"role": RoleSys, "event": KindShineOnline})

	if len(a.lines) != 1 || len(b.lines) != 1 {
		t.Fatalf("fan-out delivered %d/%d lines, want 1/1", len(a.lines), len(b.lines))
	}
	var got map[string]any
	if err := json.Unmarshal(a.lines[0], &got); err != nil {
		t.Fatalf("emitted line is not valid JSON: %v", err)
	}
	ts, ok := got["ts"].(string)
	if !ok || len(ts) != len("2006-01-02T15:04:05.000") {
		t.Fatalf("ts = %q, want millisecond ISO-8601", got["ts"])
	}
	if got["event"] != KindShineOnline {
		t.Fatalf("event = %v, want %q", got["event"], KindShineOnline)
	}
}

func TestWireRequestFields(t *testing.T) {
	frame := crc.Append([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A})
	e := Wire(RoleReq, "from_client", "TCP:1.2.3.4:5", frame)

	if e["role"] != RoleReq || e["from_client"] != "TCP:1.2.3.4:5" {
		t.Fatalf("unexpected envelope: %v", e)
	}
	if e["crc_ok"] != true {
		t.Fatalf("crc_ok = %v, want true", e["crc_ok"])
	}
	if e["hex"] != "01030000000ac5cd" {
		t.Fatalf("hex = %v", e["hex"])
	}
	if e["uid"] != byte(1) || e["func"] != byte(3) || e["len"] != 4 {
		t.Fatalf("parsed header fields wrong: %v", e)
	}
	if e["addr"] != uint16(0) || e["count"] != uint16(10) {
		t.Fatalf("parsed body fields wrong: %v", e)
	}
}

func TestWireTimeoutResponse(t *testing.T) {
	e := Wire(RoleRsp, "to_client", "SHINE", nil)
	if e["crc_ok"] != false {
		t.Fatalf("crc_ok = %v, want false for empty response", e["crc_ok"])
	}
	if e["hex"] != "" {
		t.Fatalf("hex = %v, want empty string", e["hex"])
	}
	if _, ok := e["uid"]; ok {
		t.Fatalf("parsed fields present on empty frame: %v", e)
	}
}

func TestSinkIsolation(t *testing.T) {
	// A sink writing to a closed file fails every write; the other
	// sink must still receive the event.
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "dead.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	dead := NewWriterSink(f)
	live := &captureSink{}

	hub := NewHub(dead, live)
	hub.Emit(Event{"role": RoleWarn, "event": KindDownstreamTimeout})

	if len(live.lines) != 1 {
		t.Fatalf("live sink received %d lines, want 1", len(live.lines))
	}
}

func TestFileSinkCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "broker.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink() error: %v", err)
	}
	sink.Handle([]byte(`{"role":"SYS"}`))
	sink.Handle([]byte(`{"role":"REQ"}`))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("file has %d lines, want 2: %q", len(lines), data)
	}
	for _, l := range lines {
		var obj map[string]any
		if err := json.Unmarshal([]byte(l), &obj); err != nil {
			t.Fatalf("line %q is not self-contained JSON: %v", l, err)
		}
	}
}

func TestSinkForLogModes(t *testing.T) {
	if SinkForLog("none") != nil || SinkForLog("NONE") != nil {
		t.Fatalf(`SinkForLog("none") should disable logging`)
	}
	if SinkForLog("-") == nil || SinkForLog("") == nil {
		t.Fatalf(`SinkForLog("-") should select stdout`)
	}
	path := filepath.Join(t.TempDir(), "b.jsonl")
	if SinkForLog(path) == nil {
		t.Fatalf("SinkForLog(path) should return a file sink")
	}
}
