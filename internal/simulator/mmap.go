// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// MmapStorage backs the register tables with a memory-mapped file, so
// long capture sessions survive a restart without explicit saves.
//
// Layout:
//   - HoldingRegisters: 65536 * 2 bytes (offset 0)
//   - InputRegisters:   65536 * 2 bytes (offset 131072)
//
// The uint16 views are cast over the mapping with host endianness;
// the image is not portable across architectures.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
}

const (
	sizeHolding   = (MaxAddress + 1) * 2
	sizeInput     = (MaxAddress + 1) * 2
	totalSize     = sizeHolding + sizeInput
	offsetHolding = 0
	offsetInput   = offsetHolding + sizeHolding
)

// NewMmapStorage returns a storage over the image file at path.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{path: path}
}

// Load maps the image file, growing it to the fixed layout size if
// needed, and returns a store whose tables alias the mapping.
func (ms *MmapStorage) Load() (*Store, error) {
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmap file: %w", err)
	}
	ms.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize mmap file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.data = data

	store := &Store{}
	holdingBytes := data[offsetHolding : offsetHolding+sizeHolding]
	store.Holding = unsafe.Slice((*uint16)(unsafe.Pointer(&holdingBytes[0])), sizeHolding/2)
	inputBytes := data[offsetInput : offsetInput+sizeInput]
	store.Input = unsafe.Slice((*uint16)(unsafe.Pointer(&inputBytes[0])), sizeInput/2)
	return store, nil
}

// Save flushes the mapping to disk.
func (ms *MmapStorage) Save(*Store) error {
	if ms.data == nil {
		return nil
	}
	return ms.data.Flush()
}

// Close flushes, unmaps and closes the image file.
func (ms *MmapStorage) Close() error {
	if ms.data != nil {
		if err := ms.data.Flush(); err != nil {
			return err
		}
		if err := ms.data.Unmap(); err != nil {
			return err
		}
		ms.data = nil
	}
	if ms.file != nil {
		err := ms.file.Close()
		ms.file = nil
		return err
	}
	return nil
}
