// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"context"
	"encoding/base64"

	"github.com/pkg/errors"
)

// Layout of the flash algorithm region, dictated by the host flashing tool.
const (
	TrampolineBase uint32 = RamBase
	TrampolineSize uint32 = 1024

	// first word of the region, preceding the load address
	AlgorithmHeader uint32 = 0xBE00BE00

	TrampolineLoadAddress  = TrampolineBase + 4
	TrampolineTableAddress = TrampolineBase + TrampolineSize - trampolineTableSize

	trampolineEntries   = 4
	trampolineTableSize = trampolineEntries * 4

	// each stub is an ldr r4, [pc, #0x3e8] and a branch to the common tail
	trampolineStubSize      = 4
	trampolineLiteralOffset = 0x3e8
	trampolineBlobSize      = 22
)

// Entry points relative to the load address, thumb bit set.
const (
	PcInit         uint32 = 0x1
	PcUninit       uint32 = 0x5
	PcProgramPage  uint32 = 0x9
	PcEraseSector  uint32 = 0xd
	trampolineTail uint32 = 0x10
)

// The literal of stub i must land on table slot i, and the blob must end
// below the table, which must end at the region boundary.
var (
	_ [TrampolineTableAddress - (TrampolineLoadAddress + 4 + trampolineLiteralOffset)]struct{}
	_ [(TrampolineLoadAddress + 4 + trampolineLiteralOffset) - TrampolineTableAddress]struct{}
	_ [TrampolineTableAddress - (TrampolineLoadAddress + trampolineBlobSize)]struct{}
	_ [(TrampolineBase + TrampolineSize) - (TrampolineTableAddress + trampolineTableSize)]struct{}
	_ [trampolineTail - trampolineEntries*trampolineStubSize]struct{}
)

// ldr r4 / b stubs followed by push {lr}; blx r4; pop {pc}
const trampolineBlobBase64 = "+kwF4PpMA+D6TAHg+kz/5wC1oEcAvQ=="

var trampolineBlob = mustDecodeTrampolineBlob()

func mustDecodeTrampolineBlob() []byte {
	blob, err := base64.StdEncoding.DecodeString(trampolineBlobBase64)

	if err != nil || len(blob) != trampolineBlobSize {
		panic("trampoline: corrupt stub blob")
	}

	return blob
}

// FlashOperation is the operation argument of the flash algorithm
// Init/UnInit entry points.
type FlashOperation uint32

const (
	FlashOperationErase   FlashOperation = 1
	FlashOperationProgram FlashOperation = 2
	FlashOperationVerify  FlashOperation = 3
)

// TrampolineEntry is a function reachable through the table.
type TrampolineEntry func(ctx context.Context, r0, r1, r2 uint32) uint32

// entries live in a code region outside of ram, addressed with the thumb bit
const trampolineEntryBase uint32 = 0x10000101

/* Trampoline installs the flash algorithm stubs into the reserved region of
 * ram and runs them on behalf of the debugged core. Every entry packages its
 * arguments into the IPC record and waits for the debugging core.
 */
type Trampoline struct {
	ram     *Ram
	ipc     *IpcMessage
	entries map[uint32]TrampolineEntry
}

func NewTrampoline(ram *Ram, ipc *IpcMessage) *Trampoline {
	t := &Trampoline{ram: ram, ipc: ipc, entries: make(map[uint32]TrampolineEntry)}

	for i, entry := range []TrampolineEntry{t.init, t.uninit, t.programPage, t.eraseSector} {
		t.entries[trampolineEntryBase+uint32(i)*4] = entry
	}

	return t
}

// EntryAddress converts a load relative entry point into an absolute address.
func EntryAddress(pc uint32) uint32 {
	return TrampolineLoadAddress + pc
}

/**
  Writes the algorithm header, the stub blob and the function table into
  the reserved region. Done once at startup.
*/
func (t *Trampoline) Install() error {
	if !t.ram.Contains(TrampolineBase, TrampolineSize) {
		return errors.Errorf("trampoline region 0x%08x+%d not in ram", TrampolineBase, TrampolineSize)
	}

	if err := t.ram.WriteUint32(TrampolineBase, AlgorithmHeader); err != nil {
		return err
	}

	if err := t.ram.Write(TrampolineLoadAddress, trampolineBlob); err != nil {
		return err
	}

	for i := uint32(0); i < trampolineEntries; i++ {
		if err := t.ram.WriteUint32(TrampolineTableAddress+4*i, trampolineEntryBase+4*i); err != nil {
			return err
		}
	}

	logger.Debugf("Trampoline installed at 0x%08x, table at 0x%08x", TrampolineLoadAddress, TrampolineTableAddress)

	return nil
}

/**
  Executes the stub at addr with the given arguments the way the debugged
  core would and returns r0. Only the few thumb instructions the stubs are
  made of are understood.
*/
func (t *Trampoline) Call(ctx context.Context, addr uint32, r0, r1, r2 uint32) (uint32, error) {
	var regs [16]uint32
	regs[0], regs[1], regs[2] = r0, r1, r2

	pc := addr &^ 1
	frames := 0

	for steps := 0; steps < 16; steps++ {
		op, err := t.ram.ReadUint16(pc)

		if err != nil {
			return 0, errors.Wrapf(err, "instruction fetch at 0x%08x", pc)
		}

		switch {
		case op&0xf800 == 0x4800:
			// ldr rt, [pc, #imm8 * 4]
			literal := ((pc + 4) &^ 3) + uint32(op&0xff)*4

			value, err := t.ram.ReadUint32(literal)
			if err != nil {
				return 0, errors.Wrapf(err, "literal load at 0x%08x", pc)
			}

			regs[(op>>8)&7] = value
			pc += 2

		case op&0xf800 == 0xe000:
			// b #imm11
			offset := int32(op&0x7ff) << 21 >> 20
			pc = uint32(int32(pc+4) + offset)

		case op == 0xb500:
			// push {lr}
			frames++
			pc += 2

		case op&0xff87 == 0x4780:
			// blx rm
			target := regs[(op>>3)&0xf]
			entry, ok := t.entries[target]

			if !ok {
				return 0, errors.Errorf("blx to unknown entry 0x%08x at 0x%08x", target, pc)
			}

			regs[0] = entry(ctx, regs[0], regs[1], regs[2])
			pc += 2

		case op == 0xbd00:
			// pop {pc}
			if frames == 0 {
				return 0, errors.Errorf("pop without frame at 0x%08x", pc)
			}

			return regs[0], ctx.Err()

		default:
			return 0, errors.Errorf("undefined instruction 0x%04x at 0x%08x", op, pc)
		}
	}

	return 0, errors.Errorf("stub at 0x%08x did not return", addr)
}

func (t *Trampoline) request(ctx context.Context, what IpcWhat, regs [3]uint32) uint32 {
	if err := t.ipc.Post(what, regs); err != nil {
		logger.Errorf("flash request %s: %v", what, err)
		return uint32(IpcStatusFailed)
	}

	status, err := t.ipc.Wait(ctx)

	if err != nil {
		logger.Warnf("flash request %s abandoned: %v", what, err)
	}

	return uint32(status)
}

func (t *Trampoline) init(ctx context.Context, address, clockOrZero, operation uint32) uint32 {
	return t.request(ctx, IpcInit, [3]uint32{address, clockOrZero, operation})
}

func (t *Trampoline) uninit(ctx context.Context, operation, _, _ uint32) uint32 {
	return t.request(ctx, IpcDeinit, [3]uint32{operation, 0, 0})
}

func (t *Trampoline) programPage(ctx context.Context, address, byteLen, buffer uint32) uint32 {
	return t.request(ctx, IpcProgram, [3]uint32{address, byteLen, buffer})
}

func (t *Trampoline) eraseSector(ctx context.Context, address, _, _ uint32) uint32 {
	return t.request(ctx, IpcErase, [3]uint32{address, 0, 0})
}
