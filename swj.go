// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

// Dependencies is the idle (None state) form of the pin-control
// capability: direct pin manipulation for the DAP_SWJ_* commands.
type Dependencies interface {
	ProcessSwjPins(output SwjPins, mask SwjPins, waitUs uint32) SwjPins
	ProcessSwjSequence(data []byte, nbits int)
	ProcessSwjClock(maxFrequency uint32) bool
	HighImpedanceMode()
	// IntoSwd reinterprets the capability as an SWD transport. The receiver
	// must not be used afterwards.
	IntoSwd() SwdTransport
}

// SwdTransport is the active (SWD state) form of the pin-control capability.
type SwdTransport interface {
	Read(apndp APnDP, a DPRegister) (uint32, error)
	Write(apndp APnDP, a DPRegister, data uint32) error
	SetClock(maxFrequency uint32) bool
	// IntoDependencies reinterprets the capability as idle pin control. The
	// receiver must not be used afterwards.
	IntoDependencies() Dependencies
}

// Swj implements Dependencies on top of a PinDriver.
type Swj struct {
	pins  PinDriver
	clock *swdClock

	attached bool
	swclk    bool
	swdio    bool
}

/**
  Creates the idle pin-control capability. coreFrequency bounds the SWD
  clock the host may request, zero runs the pins without delay.
*/
func NewSwj(pins PinDriver, coreFrequency physic.Frequency) *Swj {
	return &Swj{pins: pins, clock: newSwdClock(coreFrequency)}
}

func (s *Swj) attach() {
	if !s.attached {
		s.pins.SetAttached(true)
		s.attached = true
		s.swclk, s.swdio = true, true
	}
}

func (s *Swj) ProcessSwjPins(output SwjPins, mask SwjPins, waitUs uint32) SwjPins {
	s.attach()

	if mask.Has(SwjPinSwclk) {
		s.swclk = output.Has(SwjPinSwclk)
		s.pins.SetSwclk(s.swclk)
	}

	if mask.Has(SwjPinSwdio) {
		s.swdio = output.Has(SwjPinSwdio)
		s.pins.SetSwdio(s.swdio)
	}

	if mask.Has(SwjPinNReset) {
		s.pins.SetNReset(output.Has(SwjPinNReset))

		// nRESET is open drain, wait for it to settle on the requested level
		deadline := time.Now().Add(time.Duration(waitUs) * time.Microsecond)
		for s.pins.NReset() != output.Has(SwjPinNReset) && time.Now().Before(deadline) {
			time.Sleep(10 * time.Microsecond)
		}
	}

	var pins SwjPins

	if s.swclk {
		pins |= SwjPinSwclk
	}

	if s.swdio {
		pins |= SwjPinSwdio
	}

	if s.pins.NReset() {
		pins |= SwjPinNReset
	}

	logger.Tracef("SWJ pins: output 0x%02x, mask 0x%02x, read 0x%02x", output, mask, pins)

	return pins
}

func (s *Swj) ProcessSwjSequence(data []byte, nbits int) {
	logger.Tracef("Running SWJ sequence: % x, len = %d", data, nbits)

	s.attach()

	for i := 0; i < nbits; i++ {
		bit := bufGetUint32(data, uint(i), 1) != 0

		s.pins.SetSwdio(bit)
		s.pins.SetSwclk(false)
		s.clock.delayHalfPeriod()
		s.pins.SetSwclk(true)
		s.clock.delayHalfPeriod()
	}

	s.swclk = true
	if nbits > 0 {
		s.swdio = bufGetUint32(data, uint(nbits-1), 1) != 0
	}
}

func (s *Swj) ProcessSwjClock(maxFrequency uint32) bool {
	return s.clock.set(maxFrequency)
}

func (s *Swj) HighImpedanceMode() {
	logger.Trace("Debug port lines released to high impedance")
	s.pins.SetAttached(false)
	s.attached = false
}

func (s *Swj) IntoSwd() SwdTransport {
	if s.pins == nil {
		panic("swj: pin driver already handed over")
	}

	s.attach()

	swd := &Swd{pins: s.pins, clock: s.clock}
	s.pins = nil

	return swd
}
