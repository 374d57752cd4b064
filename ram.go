// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"github.com/pkg/errors"
)

const (
	RamBase uint32 = 0x20000000
	RamSize uint32 = 256 * 1024
)

// Ram is the SRAM shared by both cores, addressed like the target sees it.
type Ram struct {
	base uint32
	data []byte
}

func NewRam(base uint32, size uint32) *Ram {
	return &Ram{base: base, data: make([]byte, size)}
}

func (r *Ram) Base() uint32 {
	return r.base
}

func (r *Ram) Size() uint32 {
	return uint32(len(r.data))
}

func (r *Ram) Contains(addr uint32, length uint32) bool {
	if addr < r.base {
		return false
	}

	offset := uint64(addr - r.base)

	return offset+uint64(length) <= uint64(len(r.data))
}

func (r *Ram) slice(addr uint32, length uint32) ([]byte, error) {
	if !r.Contains(addr, length) {
		return nil, errors.Errorf("ram access 0x%08x+%d outside 0x%08x..0x%08x",
			addr, length, r.base, r.base+uint32(len(r.data)))
	}

	offset := addr - r.base

	return r.data[offset : offset+length], nil
}

// Read returns a copy of length bytes at addr.
func (r *Ram) Read(addr uint32, length uint32) ([]byte, error) {
	src, err := r.slice(addr, length)

	if err != nil {
		return nil, err
	}

	buffer := make([]byte, length)
	copy(buffer, src)

	return buffer, nil
}

func (r *Ram) Write(addr uint32, data []byte) error {
	dst, err := r.slice(addr, uint32(len(data)))

	if err != nil {
		return err
	}

	copy(dst, data)

	return nil
}

func (r *Ram) ReadUint16(addr uint32) (uint16, error) {
	src, err := r.slice(addr, 2)

	if err != nil {
		return 0, err
	}

	return leToUint16(src), nil
}

func (r *Ram) ReadUint32(addr uint32) (uint32, error) {
	if addr&3 != 0 {
		return 0, errors.Errorf("unaligned word read at 0x%08x", addr)
	}

	src, err := r.slice(addr, 4)

	if err != nil {
		return 0, err
	}

	return leToUint32(src), nil
}

func (r *Ram) WriteUint32(addr uint32, value uint32) error {
	if addr&3 != 0 {
		return errors.Errorf("unaligned word write at 0x%08x", addr)
	}

	dst, err := r.slice(addr, 4)

	if err != nil {
		return err
	}

	uint32ToLittleEndian(dst, value)

	return nil
}
