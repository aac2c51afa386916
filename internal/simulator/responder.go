// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"time"

	"github.com/l4m4re/growatt-rtu-broker/modbus/crc"
	"github.com/l4m4re/growatt-rtu-broker/modbus/rtu"
)

// Modbus exception codes the responder can raise.
const (
	exceptionIllegalFunction    = 0x01
	exceptionIllegalDataAddress = 0x02
	exceptionIllegalDataValue   = 0x03
)

// Port is the serial line the responder serves.
type Port interface {
	io.Writer
	rtu.ByteSource
	CharTime() time.Duration
}

// Responder answers RTU requests addressed to one unit from a
// Backend, playing the inverter's role on the wire.
type Responder struct {
	unit    byte
	backend Backend
	port    Port
	framer  *rtu.Framer
}

// NewResponder returns a responder for unit over port.
func NewResponder(port Port, unit byte, backend Backend) *Responder {
	return &Responder{
		unit:    unit,
		backend: backend,
		port:    port,
		framer:  rtu.NewFramer(port, port.CharTime()),
	}
}

// Run serves requests until ctx is done or the port fails. Frames for
// other units are ignored; the single-master bus has exactly one
// addressee.
func (r *Responder) Run(ctx context.Context) {
	for ctx.Err() == nil {
		req, err := r.framer.ReadFrame(250 * time.Millisecond)
		if err != nil {
			return
		}
		if req == nil || req[0] != r.unit {
			continue
		}
		resp := r.process(req[1], req[2:len(req)-2])
		frame := crc.Append(append([]byte{r.unit}, resp...))
		if _, err := r.port.Write(frame); err != nil {
			slog.Debug("simulator write failed", "err", err)
			return
		}
	}
}

// process executes one PDU against the backend and returns the
// response PDU (function code plus data, exception form on error).
func (r *Responder) process(function byte, body []byte) []byte {
	switch function {
	case rtu.FuncCodeReadHoldingRegisters, rtu.FuncCodeReadInputRegisters:
		if len(body) != 4 {
			return exception(function, exceptionIllegalDataValue)
		}
		address := binary.BigEndian.Uint16(body[0:2])
		count := binary.BigEndian.Uint16(body[2:4])
		if count < 1 || count > 125 {
			return exception(function, exceptionIllegalDataValue)
		}
		var regs []uint16
		var err error
		if function == rtu.FuncCodeReadHoldingRegisters {
			regs, err = r.backend.ReadHolding(r.unit, address, count)
		} else {
			regs, err = r.backend.ReadInput(r.unit, address, count)
		}
		if err != nil {
			return exception(function, exceptionIllegalDataAddress)
		}
		resp := make([]byte, 2+2*len(regs))
		resp[0] = function
		resp[1] = byte(2 * len(regs))
		for i, v := range regs {
			binary.BigEndian.PutUint16(resp[2+2*i:], v)
		}
		return resp

	case rtu.FuncCodeWriteSingleRegister:
		if len(body) != 4 {
			return exception(function, exceptionIllegalDataValue)
		}
		address := binary.BigEndian.Uint16(body[0:2])
		value := binary.BigEndian.Uint16(body[2:4])
		if err := r.backend.WriteSingle(r.unit, address, value); err != nil {
			return exception(function, exceptionIllegalDataAddress)
		}
		// Echo of the request is the normal response.
		return append([]byte{function}, body...)

	case rtu.FuncCodeWriteMultipleRegisters:
		if len(body) < 5 {
			return exception(function, exceptionIllegalDataValue)
		}
		address := binary.BigEndian.Uint16(body[0:2])
		count := binary.BigEndian.Uint16(body[2:4])
		byteCount := int(body[4])
		if count < 1 || count > 123 || byteCount != int(count)*2 || len(body) != 5+byteCount {
			return exception(function, exceptionIllegalDataValue)
		}
		values := make([]uint16, count)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(body[5+2*i:])
		}
		if err := r.backend.WriteMultiple(r.unit, address, values); err != nil {
			return exception(function, exceptionIllegalDataAddress)
		}
		resp := make([]byte, 5)
		resp[0] = function
		copy(resp[1:], body[0:4])
		return resp

	default:
		return exception(function, exceptionIllegalFunction)
	}
}

func exception(function, code byte) []byte {
	return []byte{function | 0x80, code}
}
