// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serialport wraps the serial library behind the narrow byte
// stream the RTU framer consumes: short-poll reads that report an idle
// line as a zero-length read instead of a timeout error.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/grid-x/serial"
)

// Settings describes one serial line.
type Settings struct {
	Device   string
	BaudRate int
	DataBits int
	Parity   string // "N", "E" or "O"
	StopBits int
}

// ParseFormat decodes a compact format string such as "8E1" into data
// bits, parity and stop bits.
func ParseFormat(format string) (dataBits int, parity string, stopBits int, err error) {
	if len(format) != 3 {
		return 0, "", 0, fmt.Errorf("serial format %q: want <data><parity><stop>, e.g. 8E1", format)
	}
	dataBits, err = strconv.Atoi(format[0:1])
	if err != nil || (dataBits != 7 && dataBits != 8) {
		return 0, "", 0, fmt.Errorf("serial format %q: data bits must be 7 or 8", format)
	}
	parity = strings.ToUpper(format[1:2])
	if parity != "N" && parity != "E" && parity != "O" {
		return 0, "", 0, fmt.Errorf("serial format %q: parity must be N, E or O", format)
	}
	stopBits, err = strconv.Atoi(format[2:3])
	if err != nil || (stopBits != 1 && stopBits != 2) {
		return 0, "", 0, fmt.Errorf("serial format %q: stop bits must be 1 or 2", format)
	}
	return dataBits, parity, stopBits, nil
}

// CharTime returns the wall time one character occupies on the wire:
// start bit, data bits, parity bit if any, stop bits.
func (s Settings) CharTime() time.Duration {
	bits := 1 + s.DataBits + s.StopBits
	if s.Parity != "N" && s.Parity != "" {
		bits++
	}
	return time.Duration(bits) * time.Second / time.Duration(s.BaudRate)
}

// Port is an open serial line. Reads poll: when no byte arrives within
// half a character time (floored at one millisecond) Read returns
// (0, nil), which is what the framer's gap heuristic expects.
type Port struct {
	settings Settings
	port     io.ReadWriteCloser
}

// Open opens the device described by settings.
func Open(settings Settings) (*Port, error) {
	poll := settings.CharTime() / 2
	if poll < time.Millisecond {
		poll = time.Millisecond
	}
	port, err := serial.Open(&serial.Config{
		Address:  settings.Device,
		BaudRate: settings.BaudRate,
		DataBits: settings.DataBits,
		Parity:   settings.Parity,
		StopBits: settings.StopBits,
		Timeout:  poll,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", settings.Device, err)
	}
	return &Port{settings: settings, port: port}, nil
}

// Settings returns the line settings the port was opened with.
func (p *Port) Settings() Settings {
	return p.settings
}

// CharTime returns the character time of the open line.
func (p *Port) CharTime() time.Duration {
	return p.settings.CharTime()
}

// Read fills b with pending bytes. An idle line yields (0, nil).
func (p *Port) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if err != nil && (errors.Is(err, serial.ErrTimeout) || n > 0) {
		return n, nil
	}
	return n, err
}

// Write sends b down the line.
func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Drain discards every byte currently pending in the OS read buffer.
func (p *Port) Drain() {
	var scratch [512]byte
	for {
		n, err := p.Read(scratch[:])
		if n == 0 || err != nil {
			return
		}
	}
}

// Close releases the device.
func (p *Port) Close() error {
	return p.port.Close()
}
