// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestIpcAddress(t *testing.T) {
	if IpcAddress != 0x2003fff0 {
		t.Errorf("IpcAddress = 0x%08x, want 0x2003fff0", IpcAddress)
	}
}

func TestIpcPostAndComplete(t *testing.T) {
	var m IpcMessage

	if _, _, ok := m.Pending(); ok {
		t.Fatal("fresh message reports a pending request")
	}

	if err := m.Post(IpcNone, [3]uint32{}); err == nil {
		t.Error("Post(None) succeeded")
	}

	regs := [3]uint32{0x10007000, 0x100, 0x20000400}

	if err := m.Post(IpcProgram, regs); err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	if err := m.Post(IpcErase, regs); err == nil {
		t.Error("Post() while pending succeeded")
	}

	what, got, ok := m.Pending()

	if !ok || what != IpcProgram || got != regs {
		t.Fatalf("Pending() = %s, %v, %t", what, got, ok)
	}

	m.Complete(IpcStatusFailed)

	if _, _, ok := m.Pending(); ok {
		t.Error("request still pending after Complete()")
	}

	status, err := m.Wait(context.Background())

	if err != nil || status != IpcStatusFailed {
		t.Errorf("Wait() = %d, %v, want failed status", status, err)
	}
}

func TestIpcMarshalBinary(t *testing.T) {
	var m IpcMessage

	got, _ := m.MarshalBinary()

	if !bytes.Equal(got, make([]byte, IpcMessageSize)) {
		t.Errorf("idle record = % x", got)
	}

	m.Post(IpcProgram, [3]uint32{0x10007000, 0x100, 0x20000400})

	got, _ = m.MarshalBinary()
	want := []byte{
		0x03, 0x00, 0x00, 0x00,
		0x00, 0x70, 0x00, 0x10,
		0x00, 0x01, 0x00, 0x00,
		0x00, 0x04, 0x00, 0x20,
	}

	if !bytes.Equal(got, want) {
		t.Errorf("MarshalBinary() = % x, want % x", got, want)
	}

	ram := NewRam(RamBase, RamSize)

	if err := m.Publish(ram); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	published, _ := ram.Read(IpcAddress, IpcMessageSize)

	if !bytes.Equal(published, want) {
		t.Errorf("published record = % x", published)
	}
}

func TestIpcMirrorsIntoRam(t *testing.T) {
	ram := NewRam(RamBase, RamSize)
	m := NewIpcMessage(ram)

	m.Post(IpcInit, [3]uint32{0x10007000, 0, 1})

	got, _ := ram.Read(IpcAddress, IpcMessageSize)
	want, _ := m.MarshalBinary()

	if !bytes.Equal(got, want) || got[0] != byte(IpcInit) {
		t.Errorf("posted record = % x, want % x", got, want)
	}

	m.Complete(IpcStatusFailed)

	got, _ = ram.Read(IpcAddress, IpcMessageSize)
	want = make([]byte, IpcMessageSize)
	want[1] = IpcStatusFailed

	if !bytes.Equal(got, want) {
		t.Errorf("completed record = % x, want % x", got, want)
	}

	// a record that does not fit is refused before it becomes pending
	small := NewIpcMessage(NewRam(RamBase, 0x1000))

	if err := small.Post(IpcErase, [3]uint32{}); err == nil {
		t.Error("Post() into ram without the record address succeeded")
	}

	if _, _, ok := small.Pending(); ok {
		t.Error("failed Post() left a pending request")
	}
}

func TestIpcWaitCancel(t *testing.T) {
	var m IpcMessage
	m.Post(IpcInit, [3]uint32{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := m.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestIpcProducerConsumer(t *testing.T) {
	var m IpcMessage

	const requests = 2000

	consumed := make(chan [3]uint32, requests)

	go func() {
		for n := 0; n < requests; {
			what, regs, ok := m.Pending()

			if !ok {
				continue
			}

			if what != IpcErase {
				m.Complete(IpcStatusFailed)
			} else {
				m.Complete(IpcStatusOk)
			}

			consumed <- regs
			n++
		}
	}()

	for i := uint32(0); i < requests; i++ {
		if err := m.Post(IpcErase, [3]uint32{i, i * 2, i * 3}); err != nil {
			t.Fatalf("Post(%d) error = %v", i, err)
		}

		status, err := m.Wait(context.Background())

		if err != nil || status != IpcStatusOk {
			t.Fatalf("Wait(%d) = %d, %v", i, status, err)
		}

		if regs := <-consumed; regs != [3]uint32{i, i * 2, i * 3} {
			t.Fatalf("request %d consumed registers %v", i, regs)
		}
	}
}

func TestIpcWhatString(t *testing.T) {
	if IpcDeinit.String() != "Deinit" || IpcWhat(9).String() != "IpcWhat(9)" {
		t.Errorf("String() = %q, %q", IpcDeinit.String(), IpcWhat(9).String())
	}
}
