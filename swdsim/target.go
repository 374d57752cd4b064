// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Package swdsim simulates the target side of an SWD link at bit level.
// A Target is driven through the same pin calls a probe makes on real
// GPIO lines: the probe sets SWDIO and raises SWCLK, the target samples
// and advances on every rising edge.
package swdsim

import (
	"math/bits"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	logger *logrus.Logger = nil
)

func init() {
	logger = logrus.New()
}

func SetLogger(loggerInstance *logrus.Logger) {
	logger = loggerInstance
}

// DefaultIdcode is the DPIDR of a Cortex-M0+ debug port.
const DefaultIdcode uint32 = 0x0ba01477

const (
	lineResetOnes = 50

	ackOk    = 0x1
	ackWait  = 0x2
	ackFault = 0x4

	// CTRL/STAT power up request and acknowledge bits
	ctrlStatCdbgPwrUpReq = 1 << 28
	ctrlStatCdbgPwrUpAck = 1 << 29
	ctrlStatCsysPwrUpReq = 1 << 30
	ctrlStatCsysPwrUpAck = 1 << 31

	// ABORT clears the sticky error flags
	ctrlStatStickyErr = 1 << 5
)

const (
	regDpidr    = 0
	regCtrlStat = 1
	regSelect   = 2
	regRdbuff   = 3
)

// released line, the pull-up wins
const released = -1

type cycle struct {
	drive  int8
	sample bool
}

type Counters struct {
	Requests   int
	Reads      int
	Writes     int
	Waits      int
	Faults     int
	LineResets int
	Resets     int
}

// APReadHook may supply the value of an AP register read. addr is the
// SELECT APSEL/APBANKSEL bits combined with A[3:2]. Hooks run with the
// target locked and must not call back into it.
type APReadHook func(addr uint32) (uint32, bool)

// APWriteHook observes AP register writes.
type APWriteHook func(addr uint32, value uint32)

type Target struct {
	mutex sync.Mutex

	swclk       bool
	hostLevel   bool
	hostDriving bool
	attached    bool
	nreset      bool

	out     int8
	script  []cycle
	samples []uint8
	onDone  func(samples []uint8)
	ones    int

	// request being shifted in, bit count
	request  uint8
	reqCount int

	idcode   uint32
	ctrlStat uint32
	selectDp uint32
	rdbuff   uint32
	abort    uint32
	apRegs   map[uint32]uint32

	waits         int
	fault         bool
	corruptParity int

	onAPRead  APReadHook
	onAPWrite APWriteHook

	counters Counters
}

func NewTarget() *Target {
	return &Target{
		swclk:  true,
		nreset: true,
		out:    released,
		idcode: DefaultIdcode,
		apRegs: make(map[uint32]uint32),
	}
}

func (t *Target) SetIdcode(idcode uint32) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.idcode = idcode
}

// SetWait makes the next n requests answer WAIT.
func (t *Target) SetWait(n int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.waits = n
}

// SetFault makes every request answer FAULT until cleared.
func (t *Target) SetFault(fault bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.fault = fault
}

// CorruptParity flips the parity bit of the next n read data phases.
func (t *Target) CorruptParity(n int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.corruptParity = n
}

func (t *Target) OnAPRead(hook APReadHook) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.onAPRead = hook
}

func (t *Target) OnAPWrite(hook APWriteHook) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.onAPWrite = hook
}

// SetAPRegister presets an AP register, addr as for APReadHook.
func (t *Target) SetAPRegister(addr uint32, value uint32) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.apRegs[addr] = value
}

func (t *Target) APRegister(addr uint32) uint32 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.apRegs[addr]
}

// Abort returns the last value written to the ABORT register.
func (t *Target) Abort() uint32 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.abort
}

func (t *Target) Counters() Counters {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.counters
}

func (t *Target) Attached() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.attached
}

func (t *Target) SetSwclk(high bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	rising := high && !t.swclk
	t.swclk = high

	if rising {
		t.risingEdge()
	}
}

func (t *Target) SetSwdio(high bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.hostDriving = true
	t.hostLevel = high
}

func (t *Target) Swdio() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.hostDriving = false

	if t.out == released {
		return true
	}

	return t.out == 1
}

func (t *Target) SetNReset(high bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.nreset && !high {
		t.counters.Resets++
		logger.Debug("swdsim: target reset asserted")
	}

	t.nreset = high
}

func (t *Target) NReset() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.nreset
}

func (t *Target) SetAttached(attached bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.attached = attached

	if !attached {
		t.hostDriving = false
	}
}

func (t *Target) risingEdge() {
	hostBit := uint8(0)
	if t.hostDriving && t.hostLevel {
		hostBit = 1
	}

	if hostBit == 1 {
		t.ones++
	} else {
		t.ones = 0
	}

	if t.ones == lineResetOnes {
		logger.Trace("swdsim: line reset")
		t.counters.LineResets++
		t.idle()
		return
	}

	if len(t.script) > 0 {
		current := t.script[0]
		t.script = t.script[1:]

		if current.sample {
			t.samples = append(t.samples, hostBit)
		}

		if len(t.script) == 0 {
			done, samples := t.onDone, t.samples
			t.idle()

			if done != nil {
				done(samples)
			}
		}
	} else if t.reqCount > 0 || hostBit == 1 {
		t.request |= hostBit << t.reqCount
		t.reqCount++

		if t.reqCount == 8 {
			request := t.request
			t.request, t.reqCount = 0, 0
			t.decode(request)
		}
	}

	t.out = released
	if len(t.script) > 0 {
		t.out = t.script[0].drive
	}
}

func (t *Target) idle() {
	t.script = nil
	t.samples = nil
	t.onDone = nil
	t.request, t.reqCount = 0, 0
	t.out = released
}

func (t *Target) decode(request uint8) {
	payload := (request >> 1) & 0xf
	parity := (request >> 5) & 1

	if request&1 != 1 || (request>>6)&1 != 0 || (request>>7)&1 != 1 ||
		uint8(bits.OnesCount8(payload)&1) != parity {
		logger.Tracef("swdsim: ignoring malformed request 0x%02x", request)
		return
	}

	apndp := payload & 1
	rnw := (payload >> 1) & 1
	a := (payload >> 2) & 3

	t.counters.Requests++

	ack := uint8(ackOk)

	switch {
	case t.waits > 0:
		t.waits--
		t.counters.Waits++
		ack = ackWait
	case t.fault:
		t.counters.Faults++
		ack = ackFault
	}

	script := []cycle{{drive: released}}
	for i := 0; i < 3; i++ {
		script = append(script, cycle{drive: int8((ack >> i) & 1)})
	}

	if ack != ackOk {
		t.script = script
		return
	}

	if rnw == 1 {
		t.counters.Reads++

		data := t.read(apndp, a)
		parity := uint8(bits.OnesCount32(data) & 1)

		if t.corruptParity > 0 {
			t.corruptParity--
			parity ^= 1
		}

		for i := 0; i < 32; i++ {
			script = append(script, cycle{drive: int8((data >> i) & 1)})
		}

		script = append(script, cycle{drive: int8(parity)}, cycle{drive: released})
		t.script = script

		return
	}

	t.counters.Writes++

	script = append(script, cycle{drive: released})
	for i := 0; i < 33; i++ {
		script = append(script, cycle{drive: released, sample: true})
	}

	t.script = script
	t.onDone = func(samples []uint8) {
		t.completeWrite(apndp, a, samples)
	}
}

func (t *Target) completeWrite(apndp, a uint8, samples []uint8) {
	if len(samples) != 33 {
		return
	}

	var data uint32
	for i := 0; i < 32; i++ {
		data |= uint32(samples[i]) << i
	}

	if uint8(bits.OnesCount32(data)&1) != samples[32] {
		logger.Debugf("swdsim: write parity error, data 0x%08x", data)
		t.ctrlStat |= ctrlStatStickyErr
		return
	}

	t.write(apndp, a, data)
}

func (t *Target) apAddress(a uint8) uint32 {
	return t.selectDp&0xff0000f0 | uint32(a)<<2
}

func (t *Target) read(apndp, a uint8) uint32 {
	if apndp == 1 {
		// posted: return what the previous AP read fetched
		posted := t.rdbuff
		addr := t.apAddress(a)
		value := t.apRegs[addr]

		if t.onAPRead != nil {
			if v, ok := t.onAPRead(addr); ok {
				value = v
			}
		}

		t.rdbuff = value

		return posted
	}

	switch a {
	case regDpidr:
		return t.idcode
	case regCtrlStat:
		return t.ctrlStat
	case regSelect:
		return t.selectDp
	default:
		return t.rdbuff
	}
}

func (t *Target) write(apndp, a uint8, data uint32) {
	logger.Tracef("swdsim: write %d/%d = 0x%08x", apndp, a, data)

	if apndp == 1 {
		addr := t.apAddress(a)
		t.apRegs[addr] = data

		if t.onAPWrite != nil {
			t.onAPWrite(addr, data)
		}

		return
	}

	switch a {
	case regDpidr:
		t.abort = data
		t.ctrlStat &^= ctrlStatStickyErr
	case regCtrlStat:
		ctrlStat := data &^ (ctrlStatCdbgPwrUpAck | ctrlStatCsysPwrUpAck)

		if data&ctrlStatCdbgPwrUpReq != 0 {
			ctrlStat |= ctrlStatCdbgPwrUpAck
		}

		if data&ctrlStatCsysPwrUpReq != 0 {
			ctrlStat |= ctrlStatCsysPwrUpAck
		}

		t.ctrlStat = ctrlStat
	case regSelect:
		t.selectDp = data
	}
}
