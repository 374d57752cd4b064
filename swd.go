// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"fmt"
)

// SwdAvailable is advertised in the DAP_Info capabilities.
const SwdAvailable = true

type APnDP uint8

const (
	DP APnDP = 0
	AP APnDP = 1
)

func (a APnDP) String() string {
	if a == AP {
		return "AP"
	}

	return "DP"
}

type RnW uint8

const (
	Write RnW = 0
	Read  RnW = 1
)

// DPRegister is the 2 bit A[3:2] register address of an SWD request.
type DPRegister uint8

const (
	DPIDR    DPRegister = 0
	CTRLSTAT DPRegister = 1
	SELECT   DPRegister = 2
	RDBUFF   DPRegister = 3

	// writes to address 0 hit the ABORT register
	ABORT = DPIDR
)

/**
  Builds the 8 bit SWD request: start, APnDP, RnW, A[2:3], parity over
  the four payload bits, stop and park.
*/
func makeRequest(apndp APnDP, rnw RnW, a DPRegister) uint8 {
	payload := uint8(apndp&1) | uint8(rnw&1)<<1 | uint8(a&3)<<2
	parity := uint8(0)

	for i := 0; i < 4; i++ {
		parity ^= (payload >> i) & 1
	}

	return 1 | payload<<1 | parity<<5 | 0<<6 | 1<<7
}

// Swd is the active SWD form of the pin-control capability. Every
// transaction bit-bangs SWCLK/SWDIO through the PinDriver.
type Swd struct {
	pins  PinDriver
	clock *swdClock
}

func (s *Swd) Read(apndp APnDP, a DPRegister) (uint32, error) {
	logger.Tracef("SWD read, apndp: %s, addr: %d", apndp, a)

	s.tx8(makeRequest(apndp, Read, a))

	// 1 clock for turnaround and 3 for ACK
	ack := s.rx(4) >> 1

	if err := swdAckCheck(ack); err != nil {
		logger.Tracef("    ack error: %v", err)
		// On non-OK ACK, target has released the bus but
		// is still expecting a turnaround clock before
		// the next request, and we need to take over the bus.
		s.tx8(0)
		return 0, err
	}

	data, parity := s.readData()

	// Turnaround, then drive the SWDIO line low to not float
	s.readBit()
	s.tx8(0)

	if parity != parity32(data) {
		logger.Debugf("SWD read parity mismatch, data 0x%08x parity %d", data, parity)
		return 0, errBadParity
	}

	logger.Tracef("    data: 0x%08x", data)

	return data, nil
}

func (s *Swd) Write(apndp APnDP, a DPRegister, data uint32) error {
	logger.Tracef("SWD write, apndp: %s, addr: %d, data: 0x%08x", apndp, a, data)

	s.tx8(makeRequest(apndp, Write, a))

	// 1 clock for turnaround, 3 for ACK and 1 for turnaround
	ack := (s.rx(5) >> 1) & 0x7

	if err := swdAckCheck(ack); err != nil {
		logger.Tracef("    ack error: %v", err)
		s.tx8(0)
		return err
	}

	s.sendData(data, parity32(data))

	// trailing idle
	s.tx8(0)

	return nil
}

func (s *Swd) SetClock(maxFrequency uint32) bool {
	return s.clock.set(maxFrequency)
}

// IntoDependencies hands the pins back in their idle pin-control form.
func (s *Swd) IntoDependencies() Dependencies {
	if s.pins == nil {
		panic("swd: pin driver already handed over")
	}

	// the bus is left attached with SWCLK high and SWDIO low after idle bits
	swj := &Swj{pins: s.pins, clock: s.clock, attached: true, swclk: true}
	s.pins = nil

	return swj
}

func (s *Swd) String() string {
	return fmt.Sprintf("SWD @ %s", s.clock.maxFrequency)
}

func (s *Swd) tx8(data uint8) {
	for i := 0; i < 8; i++ {
		s.writeBit(data & 1)
		data >>= 1
	}
}

func (s *Swd) rx(n int) uint8 {
	var data uint8

	for i := 0; i < n; i++ {
		data |= (s.readBit() & 1) << i
	}

	return data
}

func (s *Swd) sendData(data uint32, parity uint8) {
	for i := 0; i < 32; i++ {
		s.writeBit(uint8(data & 1))
		data >>= 1
	}

	s.writeBit(parity)
}

func (s *Swd) readData() (uint32, uint8) {
	var data uint32

	for i := 0; i < 32; i++ {
		data |= uint32(s.readBit()&1) << i
	}

	return data, s.readBit()
}

func (s *Swd) writeBit(bit uint8) {
	s.pins.SetSwdio(bit != 0)
	s.pins.SetSwclk(false)
	s.clock.delayHalfPeriod()
	s.pins.SetSwclk(true)
	s.clock.delayHalfPeriod()
}

func (s *Swd) readBit() uint8 {
	s.pins.SetSwclk(false)
	s.clock.delayHalfPeriod()

	var bit uint8
	if s.pins.Swdio() {
		bit = 1
	}

	s.pins.SetSwclk(true)
	s.clock.delayHalfPeriod()

	return bit
}
