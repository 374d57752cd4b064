// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"bytes"
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

type flashRig struct {
	ram        *Ram
	ipc        *IpcMessage
	trampoline *Trampoline
	updater    *FirmwareUpdater
	flash      *MemoryFlash
	monitor    *FlashMonitor
	resets     atomic.Int32
}

func newFlashRig(t *testing.T) *flashRig {
	t.Helper()

	updater, flash := newTestUpdater(t)
	lock, _ := NewSpinlock(NewSpinlockBank(), FlashSpinlockNumber)

	ram := NewRam(RamBase, RamSize)
	rig := &flashRig{
		ram:     ram,
		ipc:     NewIpcMessage(ram),
		updater: updater,
		flash:   flash,
	}

	rig.trampoline = NewTrampoline(rig.ram, rig.ipc)

	if err := rig.trampoline.Install(); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	rig.monitor = NewFlashMonitor(rig.ipc, rig.ram, updater, lock)
	rig.monitor.SetResetHook(func() { rig.resets.Add(1) })

	return rig
}

// serve runs the monitor on its own goroutine until the test ends.
func (r *flashRig) serve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		for ctx.Err() == nil {
			if !r.monitor.HandlePending() {
				runtime.Gosched()
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (r *flashRig) call(t *testing.T, pc uint32, r0, r1, r2 uint32) uint32 {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := r.trampoline.Call(ctx, EntryAddress(pc), r0, r1, r2)

	if err != nil {
		t.Fatalf("Call(0x%x) error = %v", pc, err)
	}

	return status
}

func TestTrampolineInstall(t *testing.T) {
	ram := NewRam(RamBase, RamSize)

	if err := NewTrampoline(ram, &IpcMessage{}).Install(); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if header, _ := ram.ReadUint32(TrampolineBase); header != AlgorithmHeader {
		t.Errorf("header = 0x%08x", header)
	}

	blob, _ := ram.Read(TrampolineLoadAddress, trampolineBlobSize)

	if !bytes.Equal(blob, trampolineBlob) {
		t.Errorf("blob = % x", blob)
	}

	for i, pc := range []uint32{PcInit, PcUninit, PcProgramPage, PcEraseSector} {
		stub := EntryAddress(pc) &^ 1

		ldr, _ := ram.ReadUint16(stub)
		literal := ((stub + 4) &^ 3) + uint32(ldr&0xff)*4

		if want := TrampolineTableAddress + uint32(i)*4; literal != want {
			t.Errorf("stub %d loads 0x%08x, want table slot 0x%08x", i, literal, want)
		}

		branch, _ := ram.ReadUint16(stub + 2)
		target := uint32(int32(stub+6) + int32(branch&0x7ff)<<21>>20)

		if want := TrampolineLoadAddress + trampolineTail; target != want {
			t.Errorf("stub %d branches to 0x%08x, want 0x%08x", i, target, want)
		}

		if entry, _ := ram.ReadUint32(literal); entry&1 != 1 {
			t.Errorf("table slot %d = 0x%08x lacks the thumb bit", i, entry)
		}
	}

	if TrampolineTableAddress != 0x200003f0 {
		t.Errorf("table address = 0x%08x", TrampolineTableAddress)
	}
}

func TestTrampolineInstallOutsideRam(t *testing.T) {
	ram := NewRam(0x30000000, 0x1000)

	if err := NewTrampoline(ram, &IpcMessage{}).Install(); err == nil {
		t.Error("Install() into foreign ram succeeded")
	}
}

func TestTrampolineProgramSession(t *testing.T) {
	rig := newFlashRig(t)
	rig.serve(t)

	rig.updater.MarkUpdated()

	if status := rig.call(t, PcInit, 0x10007000, 0, uint32(FlashOperationProgram)); status != uint32(IpcStatusOk) {
		t.Fatalf("Init() = %d", status)
	}

	// a pending swap is confirmed before staging
	if state, _ := rig.updater.GetState(); state != UpdaterStateBoot {
		t.Errorf("state after init = %s, want Boot", state)
	}

	page := make([]byte, FlashPageSize)
	for i := range page {
		page[i] = byte(i)
	}

	buffer := TrampolineBase + TrampolineSize
	rig.ram.Write(buffer, page)

	for _, addr := range []uint32{0x10007000, 0x10007100} {
		if status := rig.call(t, PcProgramPage, addr, FlashPageSize, buffer); status != uint32(IpcStatusOk) {
			t.Fatalf("ProgramPage(0x%08x) = %d", addr, status)
		}
	}

	got := make([]byte, FlashPageSize)
	rig.updater.ReadFirmware(0x100, got)

	if !bytes.Equal(got, page) {
		t.Errorf("staged page reads % x", got[:8])
	}

	if status := rig.call(t, PcEraseSector, 0x10007000, 0, 0); status != uint32(IpcStatusOk) {
		t.Fatalf("EraseSector() = %d", status)
	}

	rig.updater.ReadFirmware(0x100, got)

	if !bytes.Equal(got, erased(int(FlashPageSize))) {
		t.Error("sector not erased")
	}

	if status := rig.call(t, PcUninit, uint32(FlashOperationProgram), 0, 0); status != uint32(IpcStatusOk) {
		t.Fatalf("UnInit() = %d", status)
	}

	if state, _ := rig.updater.GetState(); state != UpdaterStateSwap {
		t.Errorf("state after uninit = %s, want Swap", state)
	}

	if rig.resets.Load() != 1 {
		t.Errorf("reset hook ran %d times", rig.resets.Load())
	}
}

func TestTrampolineRequestFailures(t *testing.T) {
	rig := newFlashRig(t)
	rig.serve(t)

	if status := rig.call(t, PcProgramPage, 0x10007000, 4, TrampolineBase+TrampolineSize); status != uint32(IpcStatusFailed) {
		t.Errorf("ProgramPage() without init = %d", status)
	}

	rig.call(t, PcInit, 0x10007000, 0, uint32(FlashOperationErase))

	if status := rig.call(t, PcEraseSector, 0x10000000, 0, 0); status != uint32(IpcStatusFailed) {
		t.Errorf("EraseSector() outside active partition = %d", status)
	}

	if status := rig.call(t, PcProgramPage, 0x10007000, 4, 0x40000000); status != uint32(IpcStatusFailed) {
		t.Errorf("ProgramPage() from a buffer outside ram = %d", status)
	}

	// erase sessions do not touch the bootloader state
	if status := rig.call(t, PcUninit, uint32(FlashOperationErase), 0, 0); status != uint32(IpcStatusOk) {
		t.Errorf("UnInit(erase) = %d", status)
	}

	if state, _ := rig.updater.GetState(); state != UpdaterStateBoot || rig.resets.Load() != 0 {
		t.Errorf("erase session left state %s, %d resets", state, rig.resets.Load())
	}
}

func TestTrampolineCallErrors(t *testing.T) {
	rig := newFlashRig(t)

	tests := []struct {
		name string
		addr uint32
	}{
		{"breakpoint header", TrampolineBase | 1},
		{"common tail without frame", TrampolineLoadAddress + trampolineTail + 4},
		{"outside ram", 0x10000001},
		{"erased ram", TrampolineBase + 0x200},
	}

	for _, tt := range tests {
		if _, err := rig.trampoline.Call(context.Background(), tt.addr, 0, 0, 0); err == nil {
			t.Errorf("%s: Call() succeeded", tt.name)
		}
	}
}

func TestTrampolineCallTimeout(t *testing.T) {
	rig := newFlashRig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// nobody serves the request
	status, err := rig.trampoline.Call(ctx, EntryAddress(PcInit), 0x10007000, 0, uint32(FlashOperationProgram))

	if err != context.DeadlineExceeded {
		t.Errorf("Call() error = %v, want deadline exceeded", err)
	}

	if status != uint32(IpcStatusFailed) {
		t.Errorf("Call() status = %d", status)
	}
}

func TestTrampolineRecordThroughMemAP(t *testing.T) {
	rig := newFlashRig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// leave the erase pending
	rig.trampoline.Call(ctx, EntryAddress(PcEraseSector), 0x10007000, 0, 0)

	d := attachMemApDap(t, rig.ram)

	readRecord := func() []byte {
		t.Helper()

		// TAR at IpcAddress
		process(d, DapVersionV2, 0x05, 0x00, 0x01, 0x05, 0xf0, 0xff, 0x03, 0x20)

		got := process(d, DapVersionV2, 0x06, 0x00, 0x04, 0x00, 0x0f)

		if !bytes.Equal(got[:4], []byte{0x06, 0x04, 0x00, transferStatusOk}) {
			t.Fatalf("block read response = % x", got)
		}

		return got[4:]
	}

	pending := []byte{
		0x04, 0x00, 0x00, 0x00,
		0x00, 0x70, 0x00, 0x10,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	if got := readRecord(); !bytes.Equal(got, pending) {
		t.Errorf("pending record = % x, want % x", got, pending)
	}

	// erase without init fails
	if !rig.monitor.HandlePending() {
		t.Fatal("erase was not consumed")
	}

	completed := make([]byte, IpcMessageSize)
	completed[1] = IpcStatusFailed

	if got := readRecord(); !bytes.Equal(got, completed) {
		t.Errorf("completed record = % x, want % x", got, completed)
	}
}
