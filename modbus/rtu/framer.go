// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"time"

	"github.com/l4m4re/growatt-rtu-broker/modbus/crc"
)

const (
	// readChunk caps a single drain of the byte source. Misbehaving
	// USB adapters have been seen delivering large stale bursts.
	readChunk = 4096
	// runawayLimit discards the accumulation buffer when no valid
	// frame can be found inside it.
	runawayLimit = 8192

	// gapFloor is the minimum inter-frame gap regardless of baud
	// rate. User-space scheduling latency makes sub-millisecond gaps
	// unobservable, so short gaps at high baud rates are resolved by
	// the CRC scan instead.
	gapFloor = 20 * time.Millisecond
)

// ByteSource is the character stream a Framer consumes. Read must
// return promptly: either pending bytes, (0, nil) when the line is
// idle, or an error on port failure. Serial implementations typically
// map their read timeout to the idle case.
type ByteSource interface {
	Read(p []byte) (n int, err error)
}

// Framer splits a byte stream into Modbus-RTU frames. Frames are
// delimited by inter-character silence of at least 3.5 character
// times and verified by CRC. Because OS buffering can coalesce two
// back-to-back frames into one silent-delimited burst, the framer
// does not trust alignment: it scans the accumulated buffer for the
// leftmost, shortest CRC-valid range and retains the remainder for
// the next call.
type Framer struct {
	src      ByteSource
	charTime time.Duration
	gap      time.Duration
	poll     time.Duration

	buf     []byte
	last    time.Time
	scanned int // buffer length at the last failed scan, -1 if dirty
	scratch [readChunk]byte
}

// NewFramer returns a framer for src at the given character time.
func NewFramer(src ByteSource, charTime time.Duration) *Framer {
	gap := charTime * 7 / 2
	if gap < gapFloor {
		gap = gapFloor
	}
	poll := charTime / 2
	if poll < time.Millisecond {
		poll = time.Millisecond
	}
	return &Framer{
		src:      src,
		charTime: charTime,
		gap:      gap,
		poll:     poll,
		last:     time.Now(),
		scanned:  -1,
	}
}

// Gap returns the inter-frame gap in effect.
func (f *Framer) Gap() time.Duration {
	return f.gap
}

// Reset discards buffered bytes and restarts the gap clock. The
// arbiter calls this before each transaction so that stale bus
// chatter can never be mistaken for a response.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.last = time.Now()
	f.scanned = -1
}

// ReadFrame returns the next CRC-valid frame, or nil if none arrives
// within timeout. A nil frame with nil error is a timeout; a non-nil
// error is a port failure.
func (f *Framer) ReadFrame(timeout time.Duration) ([]byte, error) {
	start := time.Now()
	for {
		n, err := f.src.Read(f.scratch[:])
		now := time.Now()
		if n > 0 {
			f.buf = append(f.buf, f.scratch[:n]...)
			f.last = now
			f.scanned = -1
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(f.buf) > 0 && now.Sub(f.last) >= f.gap {
			if frame := f.extract(); frame != nil {
				return frame, nil
			}
		}
		if now.Sub(start) > timeout {
			if frame := f.extract(); frame != nil {
				return frame, nil
			}
			if len(f.buf) > runawayLimit {
				f.buf = f.buf[:0]
				f.scanned = -1
			}
			return nil, nil
		}
		time.Sleep(f.poll)
	}
}

// extract scans the buffer for the leftmost, shortest CRC-valid range
// of at least MinSize bytes. On a hit the frame is returned and the
// suffix retained; on a miss the scan position is memoized so idle
// polls do not rescan an unchanged buffer.
func (f *Framer) extract() []byte {
	if f.scanned == len(f.buf) {
		return nil
	}
	buf := f.buf
	for i := 0; i+MinSize <= len(buf); i++ {
		limit := len(buf)
		if i+MaxSize < limit {
			limit = i + MaxSize
		}
		var c crc.CRC
		c.Reset().PushBytes(buf[i : i+2])
		for j := i + MinSize; j <= limit; j++ {
			// c covers buf[i:j-2] here.
			want := uint16(buf[j-2]) | uint16(buf[j-1])<<8
			if c.Value() == want {
				frame := append([]byte(nil), buf[i:j]...)
				f.buf = append(f.buf[:0], buf[j:]...)
				f.scanned = -1
				return frame
			}
			c.PushBytes(buf[j-2 : j-1])
		}
	}
	f.scanned = len(buf)
	return nil
}
