// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
)

// IpcAddress is where both firmware images expect the record, the last
// 16 bytes of SRAM.
const IpcAddress uint32 = RamBase + RamSize - IpcMessageSize

const IpcMessageSize = 16

type IpcWhat uint8

const (
	IpcNone    IpcWhat = 0
	IpcInit    IpcWhat = 1
	IpcDeinit  IpcWhat = 2
	IpcProgram IpcWhat = 3
	IpcErase   IpcWhat = 4
)

func (w IpcWhat) String() string {
	switch w {
	case IpcNone:
		return "None"
	case IpcInit:
		return "Init"
	case IpcDeinit:
		return "Deinit"
	case IpcProgram:
		return "Program"
	case IpcErase:
		return "Erase"
	default:
		return fmt.Sprintf("IpcWhat(%d)", uint8(w))
	}
}

func (w IpcWhat) valid() bool {
	return w >= IpcInit && w <= IpcErase
}

// flash operation completion status carried back to the requester
const (
	IpcStatusOk     uint8 = 0
	IpcStatusFailed uint8 = 1
)

/* The flash request record shared by the debugged core (producer) and the
 * debugging core (consumer). regs are written before what is stored, and
 * only touched again by the producer once what has returned to None. The
 * consumer stores status before clearing what. When bound to a Ram, every
 * transition is mirrored to IpcAddress before what changes.
 */
type IpcMessage struct {
	what   atomic.Uint32
	status atomic.Uint32
	regs   [3]uint32
	ram    *Ram
}

// NewIpcMessage returns an empty record mirrored into ram. ram may be nil.
func NewIpcMessage(ram *Ram) *IpcMessage {
	return &IpcMessage{ram: ram}
}

/**
  Publishes a request. Fails if the previous request has not been
  consumed yet.
*/
func (m *IpcMessage) Post(what IpcWhat, regs [3]uint32) error {
	if what == IpcNone {
		return errors.New("ipc: cannot post None")
	}

	if IpcWhat(m.what.Load()) != IpcNone {
		return errors.Errorf("ipc: %s posted while %s is pending", what, IpcWhat(m.what.Load()))
	}

	m.regs = regs
	m.status.Store(uint32(IpcStatusOk))

	if err := m.mirror(what, IpcStatusOk); err != nil {
		return errors.Wrapf(err, "ipc: %s", what)
	}

	m.what.Store(uint32(what))

	return nil
}

// Wait blocks until the posted request has been consumed and returns its
// status.
func (m *IpcMessage) Wait(ctx context.Context) (uint8, error) {
	for IpcWhat(m.what.Load()) != IpcNone {
		select {
		case <-ctx.Done():
			return IpcStatusFailed, ctx.Err()
		default:
			runtime.Gosched()
		}
	}

	return uint8(m.status.Load()), nil
}

/**
  Returns the pending request, if any. The registers are only valid until
  Complete is called.
*/
func (m *IpcMessage) Pending() (IpcWhat, [3]uint32, bool) {
	what := IpcWhat(m.what.Load())

	if what == IpcNone {
		return IpcNone, [3]uint32{}, false
	}

	return what, m.regs, true
}

// Complete acknowledges the pending request with status.
func (m *IpcMessage) Complete(status uint8) {
	m.status.Store(uint32(status))

	if err := m.mirror(IpcNone, status); err != nil {
		logger.Warnf("Could not mirror ipc completion: %s", err)
	}

	m.what.Store(uint32(IpcNone))
}

/**
  Encodes the record in its shared memory layout: what u8, status u8,
  pad u16, then the three registers as little endian words.
*/
func (m *IpcMessage) MarshalBinary() ([]byte, error) {
	return encodeIpcRecord(IpcWhat(m.what.Load()), uint8(m.status.Load()), m.regs), nil
}

// Publish writes the record to its fixed address in ram.
func (m *IpcMessage) Publish(ram *Ram) error {
	buffer, err := m.MarshalBinary()

	if err != nil {
		return err
	}

	return ram.Write(IpcAddress, buffer)
}

func (m *IpcMessage) mirror(what IpcWhat, status uint8) error {
	if m.ram == nil {
		return nil
	}

	return m.ram.Write(IpcAddress, encodeIpcRecord(what, status, m.regs))
}

func encodeIpcRecord(what IpcWhat, status uint8, regs [3]uint32) []byte {
	buffer := make([]byte, IpcMessageSize)

	buffer[0] = uint8(what)
	buffer[1] = status

	if what != IpcNone {
		for i, reg := range regs {
			uint32ToLittleEndian(buffer[4+4*i:], reg)
		}
	}

	return buffer
}
