// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package shine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/internal/event"
	"github.com/l4m4re/growatt-rtu-broker/internal/testutil"
	"github.com/l4m4re/growatt-rtu-broker/modbus/crc"
)

const testCharTime = time.Millisecond

type recordSink struct {
	mu    sync.Mutex
	lines [][]byte
}

func (r *recordSink) Handle(line []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, append([]byte(nil), line...))
}

func (r *recordSink) kinds(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []string
	for _, l := range r.lines {
		var e map[string]any
		if err := json.Unmarshal(l, &e); err != nil {
			t.Fatalf("bad event %q: %v", l, err)
		}
		if k, ok := e["event"].(string); ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (r *recordSink) waitForKind(t *testing.T, kind string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, k := range r.kinds(t) {
			if k == kind {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("event %q never emitted; saw %v", kind, r.kinds(t))
}

type fakeArbiter struct {
	mu       sync.Mutex
	requests [][]byte
	respond  func(req []byte) []byte
}

func (f *fakeArbiter) Transact(req []byte, client string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, append([]byte(nil), req...))
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(req), nil
}

// readAll polls the logger side of the pipe for n bytes.
func readAll(t *testing.T, port *testutil.PipePort, n int, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, n)
	chunk := make([]byte, 256)
	for len(buf) < n {
		if time.Now().After(deadline) {
			t.Fatalf("logger side received %d of %d bytes", len(buf), n)
		}
		m, err := port.Read(chunk)
		if err != nil {
			t.Fatalf("logger read: %v", err)
		}
		if m == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		buf = append(buf, chunk[:m]...)
	}
	return buf
}

func TestRelayRequestResponse(t *testing.T) {
	near, logger := testutil.NewPipe(testCharTime)
	resp := crc.Append([]byte{0x01, 0x04, 0x02, 0x00, 0x2A})
	ds := &fakeArbiter{respond: func([]byte) []byte { return resp }}
	sink := &recordSink{}

	e := New(func() (Port, error) { return near, nil }, ds, event.NewHub(sink))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	sink.waitForKind(t, event.KindShineOnline)

	req := crc.Append([]byte{0x01, 0x04, 0x00, 0x00, 0x00, 0x01})
	if _, err := logger.Write(req); err != nil {
		t.Fatal(err)
	}

	got := readAll(t, logger, len(resp), 3*time.Second)
	if !bytes.Equal(got, resp) {
		t.Fatalf("logger received % x, want % x", got, resp)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if len(ds.requests) != 1 || !bytes.Equal(ds.requests[0], req) {
		t.Fatalf("downstream saw %v", ds.requests)
	}
}

func TestNoUpstreamWriteOnDownstreamTimeout(t *testing.T) {
	near, logger := testutil.NewPipe(testCharTime)
	ds := &fakeArbiter{} // always times out
	sink := &recordSink{}

	e := New(func() (Port, error) { return near, nil }, ds, event.NewHub(sink))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	sink.waitForKind(t, event.KindShineOnline)

	req := crc.Append([]byte{0x01, 0x04, 0x00, 0x00, 0x00, 0x01})
	if _, err := logger.Write(req); err != nil {
		t.Fatal(err)
	}

	// Wait for the request to be relayed, then confirm the logger
	// side stays silent.
	deadline := time.Now().Add(3 * time.Second)
	for {
		ds.mu.Lock()
		n := len(ds.requests)
		ds.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never reached the downstream")
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := logger.Pending(); n != 0 {
		t.Fatalf("logger received %d unexpected bytes after a timeout", n)
	}
}

func TestReopensAfterSerialError(t *testing.T) {
	first, logger1 := testutil.NewPipe(testCharTime)
	second, logger2 := testutil.NewPipe(testCharTime)
	resp := crc.Append([]byte{0x01, 0x04, 0x02, 0x00, 0x01})
	ds := &fakeArbiter{respond: func([]byte) []byte { return resp }}
	sink := &recordSink{}

	var dials atomic.Int32
	ports := []*testutil.PipePort{first, second}
	e := New(func() (Port, error) {
		p := ports[dials.Load()]
		dials.Add(1)
		return p, nil
	}, ds, event.NewHub(sink))
	e.errorBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)
	sink.waitForKind(t, event.KindShineOnline)

	// Kill the first line: the endpoint must emit the serial error
	// and come back on the second port.
	logger1.Close()
	sink.waitForKind(t, event.KindShineSerialError)
	sink.waitForKind(t, event.KindShineOffline)

	deadline := time.Now().Add(3 * time.Second)
	for dials.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("endpoint never redialed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	req := crc.Append([]byte{0x01, 0x04, 0x00, 0x00, 0x00, 0x01})
	if _, err := logger2.Write(req); err != nil {
		t.Fatal(err)
	}
	got := readAll(t, logger2, len(resp), 3*time.Second)
	if !bytes.Equal(got, resp) {
		t.Fatalf("relay dead after reopen: got % x", got)
	}
}

func TestOpenFailureBacksOffAndRetries(t *testing.T) {
	near, _ := testutil.NewPipe(testCharTime)
	sink := &recordSink{}

	var dials atomic.Int32
	e := New(func() (Port, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("no such device")
		}
		return near, nil
	}, &fakeArbiter{}, event.NewHub(sink))
	e.openBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	sink.waitForKind(t, event.KindShineOpenFailed)
	sink.waitForKind(t, event.KindShineOnline)
}
