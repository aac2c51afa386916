// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	// MinSize is the smallest well-formed ADU: unit, function, CRC.
	MinSize = 4
	// MaxSize is the largest RTU ADU on the wire.
	MaxSize = 256
)

// Function codes the broker recognizes when parsing wire traffic. The
// broker forwards every function unmodified; parsing is observability
// only.
const (
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleRegisters = 0x10
)
