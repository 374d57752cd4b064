// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package swdsim

import (
	"sync"
)

// MEM-AP register addresses, APSEL 0 bank 0 and bank F
const (
	memApCsw = 0x00
	memApTar = 0x04
	memApDrw = 0x0c
	memApIdr = 0xfc

	memApCswAddrIncSingle = 1 << 4
	memApCswAddrIncMask   = 3 << 4
)

// DefaultMemApIdr is the IDR of an AHB-AP.
const DefaultMemApIdr uint32 = 0x04770031

// Memory is the word addressed memory behind a MEM-AP.
type Memory interface {
	ReadUint32(addr uint32) (uint32, error)
	WriteUint32(addr uint32, value uint32) error
}

// WordMemory is a sparse Memory, unwritten words read as zero.
type WordMemory struct {
	mutex sync.Mutex
	words map[uint32]uint32
}

func NewWordMemory() *WordMemory {
	return &WordMemory{words: make(map[uint32]uint32)}
}

func (m *WordMemory) ReadUint32(addr uint32) (uint32, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.words[addr&^3], nil
}

func (m *WordMemory) WriteUint32(addr uint32, value uint32) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.words[addr&^3] = value

	return nil
}

/* MemAP is a minimal memory access port: CSW, TAR with single increment
 * and DRW. Only word accesses are modelled.
 */
type MemAP struct {
	mutex sync.Mutex

	memory Memory
	csw    uint32
	tar    uint32
	idr    uint32
	errors int
}

func NewMemAP(memory Memory) *MemAP {
	return &MemAP{memory: memory, idr: DefaultMemApIdr, csw: 0x23000052}
}

// Attach makes the MemAP serve the AP accesses of t.
func (m *MemAP) Attach(t *Target) {
	t.OnAPRead(m.read)
	t.OnAPWrite(m.write)
}

// Errors counts accesses the memory refused.
func (m *MemAP) Errors() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.errors
}

func (m *MemAP) read(addr uint32) (uint32, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if addr&0xff000000 != 0 {
		return 0, false
	}

	switch addr & 0xff {
	case memApCsw:
		return m.csw, true
	case memApTar:
		return m.tar, true
	case memApDrw:
		value, err := m.memory.ReadUint32(m.tar)

		if err != nil {
			logger.Debugf("swdsim: mem-ap read at 0x%08x: %v", m.tar, err)
			m.errors++
		}

		m.increment()

		return value, true
	case memApIdr:
		return m.idr, true
	default:
		return 0, false
	}
}

func (m *MemAP) write(addr uint32, value uint32) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if addr&0xff000000 != 0 {
		return
	}

	switch addr & 0xff {
	case memApCsw:
		m.csw = value
	case memApTar:
		m.tar = value
	case memApDrw:
		if err := m.memory.WriteUint32(m.tar, value); err != nil {
			logger.Debugf("swdsim: mem-ap write at 0x%08x: %v", m.tar, err)
			m.errors++
		}

		m.increment()
	}
}

func (m *MemAP) increment() {
	if m.csw&memApCswAddrIncMask == memApCswAddrIncSingle {
		m.tar += 4
	}
}
