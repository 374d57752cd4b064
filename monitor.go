// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"github.com/pkg/errors"
)

type FlashSessionState uint8

const (
	FlashIdle        FlashSessionState = 0
	FlashInitialized FlashSessionState = 1
	FlashProgramming FlashSessionState = 2
	FlashFinalizing  FlashSessionState = 3
)

func (s FlashSessionState) String() string {
	switch s {
	case FlashInitialized:
		return "Initialized"
	case FlashProgramming:
		return "Programming"
	case FlashFinalizing:
		return "Finalizing"
	default:
		return "Idle"
	}
}

/* FlashMonitor runs on the debugging core and serves the flash requests the
 * debugged core posts through the trampoline. Requests are performed under
 * the flash spinlock.
 */
type FlashMonitor struct {
	ipc     *IpcMessage
	ram     *Ram
	updater *FirmwareUpdater
	lock    *Spinlock

	state     FlashSessionState
	operation FlashOperation
	resetHook func()

	handled uint64
}

func NewFlashMonitor(ipc *IpcMessage, ram *Ram, updater *FirmwareUpdater, lock *Spinlock) *FlashMonitor {
	return &FlashMonitor{ipc: ipc, ram: ram, updater: updater, lock: lock}
}

// SetResetHook installs the function invoked after a programmed image has
// been marked updated, usually scheduling a reset.
func (m *FlashMonitor) SetResetHook(hook func()) {
	m.resetHook = hook
}

func (m *FlashMonitor) State() FlashSessionState {
	return m.state
}

// Handled returns the number of consumed requests.
func (m *FlashMonitor) Handled() uint64 {
	return m.handled
}

/**
  Consumes one pending request, if any, and acknowledges it with its
  status. Returns whether a request was consumed.
*/
func (m *FlashMonitor) HandlePending() bool {
	what, regs, ok := m.ipc.Pending()

	if !ok {
		return false
	}

	err := WithSpinlock(m.lock, func() error {
		return m.handle(what, regs)
	})

	status := IpcStatusOk

	if err != nil {
		logger.Errorf("flash %s(0x%x, 0x%x, 0x%x) failed: %v", what, regs[0], regs[1], regs[2], err)
		status = IpcStatusFailed
	}

	m.handled++
	m.ipc.Complete(status)

	return true
}

func (m *FlashMonitor) handle(what IpcWhat, regs [3]uint32) error {
	switch what {
	case IpcInit:
		return m.init(regs[0], regs[1], FlashOperation(regs[2]))
	case IpcDeinit:
		return m.uninit(FlashOperation(regs[0]))
	case IpcProgram:
		return m.programPage(regs[0], regs[1], regs[2])
	case IpcErase:
		return m.eraseSector(regs[0])
	default:
		return errors.Errorf("unknown ipc request %s", what)
	}
}

func (m *FlashMonitor) init(address, clockOrZero uint32, operation FlashOperation) error {
	logger.Infof("Flash init(0x%x, 0x%x, %d)", address, clockOrZero, operation)

	if m.state != FlashIdle {
		logger.Warnf("Flash init in state %s, restarting session", m.state)
	}

	m.state = FlashInitialized
	m.operation = operation
	m.updater.ResetSession()

	if operation == FlashOperationProgram {
		state, err := m.updater.GetState()

		if err != nil {
			return err
		}

		// a pending swap must be confirmed before new firmware is staged
		if state == UpdaterStateSwap {
			return m.updater.MarkBooted()
		}
	}

	return nil
}

func (m *FlashMonitor) uninit(operation FlashOperation) error {
	logger.Infof("Flash uninit(%d)", operation)

	m.state = FlashFinalizing
	defer func() { m.state = FlashIdle }()

	if operation != FlashOperationProgram {
		return nil
	}

	if err := m.updater.MarkUpdated(); err != nil {
		return err
	}

	logger.Info("Marked bootloader state as updated")

	if m.resetHook != nil {
		m.resetHook()
	}

	return nil
}

func (m *FlashMonitor) programPage(address, byteLen, buffer uint32) error {
	if err := m.requireSession("program_page"); err != nil {
		return err
	}

	offset, err := m.updater.Layout().MapAddress(address)

	if err != nil {
		return err
	}

	data, err := m.ram.Read(buffer, byteLen)

	if err != nil {
		return errors.Wrap(err, "program_page buffer")
	}

	logger.Debugf("Programming 0x%x to 0x%x", offset, offset+byteLen)

	return m.updater.WriteFirmware(offset, data)
}

func (m *FlashMonitor) eraseSector(address uint32) error {
	if err := m.requireSession("erase_sector"); err != nil {
		return err
	}

	offset, err := m.updater.Layout().MapAddress(address)

	if err != nil {
		return err
	}

	logger.Debugf("Erasing sector at 0x%x", offset)

	return m.updater.EraseFirmware(offset)
}

func (m *FlashMonitor) requireSession(op string) error {
	switch m.state {
	case FlashInitialized, FlashProgramming:
		m.state = FlashProgramming
		return nil
	default:
		return errors.Errorf("%s without init", op)
	}
}
