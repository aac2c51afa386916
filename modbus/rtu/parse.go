// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu implements Modbus-RTU frame delimitation and decoding for
// a character-streamed serial link.
package rtu

// View is the decoded shape of an RTU frame. Which optional fields are
// populated depends on the function code: 0x03/0x04 carry Addr+Count,
// 0x06 carries Addr+Value, 0x10 carries Addr+Count+ByteCount. Unknown
// functions populate only Unit, Function and BodyLen.
type View struct {
	Valid    bool
	Unit     byte
	Function byte
	BodyLen  int

	HasAddr  bool
	Addr     uint16
	HasCount bool
	Count    uint16
	HasValue bool
	Value    uint16

	HasByteCount bool
	ByteCount    byte
}

// Parse decodes a frame into a View. Frames shorter than MinSize yield
// a zero View with Valid false. Body length is not validated beyond
// what each recognized function requires.
func Parse(frame []byte) View {
	if len(frame) < MinSize {
		return View{}
	}
	body := frame[2 : len(frame)-2]
	v := View{
		Valid:    true,
		Unit:     frame[0],
		Function: frame[1],
		BodyLen:  len(body),
	}
	switch v.Function {
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		if len(body) >= 4 {
			v.HasAddr, v.Addr = true, uint16(body[0])<<8|uint16(body[1])
			v.HasCount, v.Count = true, uint16(body[2])<<8|uint16(body[3])
		}
	case FuncCodeWriteSingleRegister:
		if len(body) >= 4 {
			v.HasAddr, v.Addr = true, uint16(body[0])<<8|uint16(body[1])
			v.HasValue, v.Value = true, uint16(body[2])<<8|uint16(body[3])
		}
	case FuncCodeWriteMultipleRegisters:
		if len(body) >= 5 {
			v.HasAddr, v.Addr = true, uint16(body[0])<<8|uint16(body[1])
			v.HasCount, v.Count = true, uint16(body[2])<<8|uint16(body[3])
			v.HasByteCount, v.ByteCount = true, body[4]
		}
	}
	return v
}
