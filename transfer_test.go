// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"bytes"
	"testing"

	"github.com/bbnote/godap/swdsim"
)

// countingTransport answers every transaction with value until call failAt,
// from which on it answers err.
type countingTransport struct {
	calls  int
	failAt int
	err    error
	value  uint32
	clock  uint32
}

func (c *countingTransport) next() error {
	c.calls++

	if c.failAt >= 0 && c.calls-1 >= c.failAt {
		return c.err
	}

	return nil
}

func (c *countingTransport) Read(apndp APnDP, a DPRegister) (uint32, error) {
	if err := c.next(); err != nil {
		return 0, err
	}

	return c.value, nil
}

func (c *countingTransport) Write(apndp APnDP, a DPRegister, data uint32) error {
	return c.next()
}

func (c *countingTransport) SetClock(maxFrequency uint32) bool {
	c.clock = maxFrequency
	return true
}

func (c *countingTransport) IntoDependencies() Dependencies {
	return &stubDependencies{transport: c}
}

type stubDependencies struct {
	transport *countingTransport
	clock     uint32
	highZ     int
}

func (s *stubDependencies) ProcessSwjPins(output SwjPins, mask SwjPins, waitUs uint32) SwjPins {
	return output & mask
}

func (s *stubDependencies) ProcessSwjSequence(data []byte, nbits int) {}

func (s *stubDependencies) ProcessSwjClock(maxFrequency uint32) bool {
	s.clock = maxFrequency
	return true
}

func (s *stubDependencies) HighImpedanceMode() {
	s.highZ++
}

func (s *stubDependencies) IntoSwd() SwdTransport {
	return s.transport
}

func newStubDap(failAt int, err error) (*Dap, *countingTransport) {
	transport := &countingTransport{failAt: failAt, err: err, value: 0x12345678}
	d := NewDap(&stubDependencies{transport: transport}, nil, "")

	process(d, DapVersionV2, 0x02, 0x00)

	return d, transport
}

func TestTransferStopsAtFailure(t *testing.T) {
	protocolErr := NewSwdError("protocol", SwdAckProtocol)

	tests := []struct {
		name   string
		failAt int
		err    error
		status byte
	}{
		{"first fault", 0, errAckFault, transferStatusFault},
		{"second fault", 1, errAckFault, transferStatusFault},
		{"last fault", 3, errAckFault, transferStatusFault},
		{"protocol error", 2, protocolErr, transferStatusError},
		{"parity error", 1, errBadParity, transferStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, transport := newStubDap(tt.failAt, tt.err)

			// four DP writes to SELECT
			request := []byte{0x05, 0x00, 0x04}
			for i := 0; i < 4; i++ {
				request = append(request, 0x08, byte(i), 0x00, 0x00, 0x00)
			}

			got := process(d, DapVersionV2, request...)
			want := []byte{0x05, byte(tt.failAt + 1), tt.status}

			if !bytes.Equal(got, want) {
				t.Errorf("response = % x, want % x", got, want)
			}

			if transport.calls != tt.failAt+1 {
				t.Errorf("transactions = %d, want %d", transport.calls, tt.failAt+1)
			}
		})
	}
}

func TestTransferWaitRetries(t *testing.T) {
	d, transport := newStubDap(1, errAckWait)

	request := []byte{0x05, 0x00, 0x02, 0x02, 0x02}
	got := process(d, DapVersionV2, request...)
	want := []byte{0x05, 0x02, transferStatusWait, 0x78, 0x56, 0x34, 0x12}

	if !bytes.Equal(got, want) {
		t.Errorf("response = % x, want % x", got, want)
	}

	// one good read, then the failing read plus its retries
	if transport.calls != 2+defaultWaitRetries {
		t.Errorf("transactions = %d, want %d", transport.calls, 2+defaultWaitRetries)
	}
}

func TestTransferAllSucceed(t *testing.T) {
	d, transport := newStubDap(-1, nil)

	got := process(d, DapVersionV2, 0x05, 0x00, 0x03,
		0x02,
		0x08, 0xf0, 0x00, 0x00, 0x00,
		0x02)

	want := []byte{0x05, 0x03, transferStatusOk,
		0x78, 0x56, 0x34, 0x12,
		0x78, 0x56, 0x34, 0x12}

	if !bytes.Equal(got, want) {
		t.Errorf("response = % x, want % x", got, want)
	}

	if transport.calls != 3 {
		t.Errorf("transactions = %d, want 3", transport.calls)
	}
}

func TestTransferTruncatedBatch(t *testing.T) {
	d, transport := newStubDap(-1, nil)

	// announces three transfers, the second write misses its data
	got := process(d, DapVersionV2, 0x05, 0x00, 0x03, 0x02, 0x08, 0xf0)
	want := []byte{0x05, 0x01, transferStatusOk, 0x78, 0x56, 0x34, 0x12}

	if !bytes.Equal(got, want) {
		t.Errorf("response = % x, want % x", got, want)
	}

	if transport.calls != 1 {
		t.Errorf("transactions = %d, want 1", transport.calls)
	}
}

func TestTransferResponseFull(t *testing.T) {
	d, _ := newStubDap(-1, nil)

	request := []byte{0x05, 0x00, 20}
	for i := 0; i < 20; i++ {
		request = append(request, 0x02)
	}

	response := make([]byte, Dap2PacketSize)
	n := d.ProcessCommand(request, response, DapVersionV1)

	// 3 header bytes leave room for 15 words in a v1 packet
	if n != 3+15*4 {
		t.Fatalf("response length = %d, want %d", n, 3+15*4)
	}

	if response[1] != 15 || response[2] != transferStatusOk {
		t.Errorf("count/status = %d/%d, want 15/1", response[1], response[2])
	}
}

func TestTransferNotConnected(t *testing.T) {
	d, _ := newSimDap()

	got := process(d, DapVersionV2, 0x05, 0x00, 0x01, 0x02)

	if !bytes.Equal(got, []byte{0x05, 0x00, transferStatusError}) {
		t.Errorf("response = % x", got)
	}

	got = process(d, DapVersionV2, 0x06, 0x00, 0x01, 0x00, 0x02)

	if !bytes.Equal(got, []byte{0x06, 0x00, 0x00, transferStatusError}) {
		t.Errorf("block response = % x", got)
	}
}

func TestTransferPostedApRead(t *testing.T) {
	d, target := newSimDap()
	target.SetAPRegister(0x0c, 0xdeadbeef)
	target.SetAPRegister(0xfc, 0x04770031)

	process(d, DapVersionV2, 0x02, 0x00)

	got := process(d, DapVersionV2, 0x05, 0x00, 0x02, 0x0f, 0x0f)
	want := []byte{0x05, 0x02, transferStatusOk, 0xef, 0xbe, 0xad, 0xde, 0xef, 0xbe, 0xad, 0xde}

	if !bytes.Equal(got, want) {
		t.Fatalf("response = % x, want % x", got, want)
	}

	// each AP read is drained through RDBUFF
	if c := target.Counters(); c.Reads != 4 {
		t.Errorf("reads = %d, want 4", c.Reads)
	}

	// select bank 0xf and read IDR
	got = process(d, DapVersionV2, 0x05, 0x00, 0x02, 0x08, 0xf0, 0x00, 0x00, 0x00, 0x0f)
	want = []byte{0x05, 0x02, transferStatusOk, 0x31, 0x00, 0x77, 0x04}

	if !bytes.Equal(got, want) {
		t.Errorf("IDR response = % x, want % x", got, want)
	}
}

func TestTransferValueMatch(t *testing.T) {
	tests := []struct {
		name     string
		expected uint32
		response []byte
		reads    int
	}{
		{"match", 0xf0000000, []byte{0x05, 0x03, transferStatusOk}, 1},
		{"mismatch", 0x10000000, []byte{0x05, 0x03, transferStatusOk | transferStatusMismatch}, 1 + defaultMatchRetries},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, target := newSimDap()
			process(d, DapVersionV2, 0x02, 0x00)

			request := []byte{0x05, 0x00, 0x03,
				// write CTRL/STAT power up requests
				0x04, 0x00, 0x00, 0x00, 0x50,
				// match mask
				0x20, 0x00, 0x00, 0x00, 0xf0,
				// read CTRL/STAT with value match
				0x16}
			request = append(request, byte(tt.expected), byte(tt.expected>>8), byte(tt.expected>>16), byte(tt.expected>>24))

			got := process(d, DapVersionV2, request...)

			if !bytes.Equal(got, tt.response) {
				t.Errorf("response = % x, want % x", got, tt.response)
			}

			if c := target.Counters(); c.Reads != tt.reads {
				t.Errorf("reads = %d, want %d", c.Reads, tt.reads)
			}
		})
	}
}

func newMemApDap(t *testing.T) (*Dap, *Ram) {
	t.Helper()

	ram := NewRam(RamBase, RamSize)

	if err := NewTrampoline(ram, NewIpcMessage(ram)).Install(); err != nil {
		t.Fatal(err)
	}

	return attachMemApDap(t, ram), ram
}

// attachMemApDap connects a DAP to a target whose MEM-AP covers ram, with
// TAR at the algorithm header.
func attachMemApDap(t *testing.T, ram *Ram) *Dap {
	t.Helper()

	target := swdsim.NewTarget()
	swdsim.NewMemAP(ram).Attach(target)

	d := NewDap(NewSwj(target, 0), nil, "")
	process(d, DapVersionV2, 0x02, 0x00)

	// CSW word size with single increment, TAR at the algorithm header
	got := process(d, DapVersionV2, 0x05, 0x00, 0x02,
		0x01, 0x52, 0x00, 0x00, 0x23,
		0x05, 0x00, 0x00, 0x00, 0x20)

	if !bytes.Equal(got, []byte{0x05, 0x02, transferStatusOk}) {
		t.Fatalf("CSW/TAR setup response = % x", got)
	}

	return d
}

func TestTransferBlockRead(t *testing.T) {
	d, _ := newMemApDap(t)

	got := process(d, DapVersionV2, 0x06, 0x00, 0x03, 0x00, 0x0f)
	want := []byte{0x06, 0x03, 0x00, transferStatusOk,
		0x00, 0xbe, 0x00, 0xbe,
		0xfa, 0x4c, 0x05, 0xe0,
		0xfa, 0x4c, 0x03, 0xe0}

	if !bytes.Equal(got, want) {
		t.Errorf("response = % x, want % x", got, want)
	}
}

func TestTransferBlockWrite(t *testing.T) {
	d, ram := newMemApDap(t)

	// move TAR to the page buffer behind the algorithm region
	process(d, DapVersionV2, 0x05, 0x00, 0x01, 0x05, 0x00, 0x04, 0x00, 0x20)

	got := process(d, DapVersionV2, 0x06, 0x00, 0x02, 0x00, 0x0d,
		0x44, 0x33, 0x22, 0x11,
		0x88, 0x77, 0x66, 0x55)

	if !bytes.Equal(got, []byte{0x06, 0x02, 0x00, transferStatusOk}) {
		t.Fatalf("response = % x", got)
	}

	for i, want := range []uint32{0x11223344, 0x55667788} {
		if value, _ := ram.ReadUint32(0x20000400 + uint32(i)*4); value != want {
			t.Errorf("word %d = 0x%08x, want 0x%08x", i, value, want)
		}
	}
}

func TestTransferBlockFailures(t *testing.T) {
	t.Run("posted read fault", func(t *testing.T) {
		d, transport := newStubDap(0, errAckFault)

		got := process(d, DapVersionV2, 0x06, 0x00, 0x04, 0x00, 0x0f)

		if !bytes.Equal(got, []byte{0x06, 0x01, 0x00, transferStatusFault}) {
			t.Errorf("response = % x", got)
		}

		if transport.calls != 1 {
			t.Errorf("transactions = %d, want 1", transport.calls)
		}
	})

	t.Run("third write fault", func(t *testing.T) {
		d, transport := newStubDap(2, errAckFault)

		request := []byte{0x06, 0x00, 0x04, 0x00, 0x0d}
		request = append(request, make([]byte, 16)...)

		got := process(d, DapVersionV2, request...)

		if !bytes.Equal(got, []byte{0x06, 0x03, 0x00, transferStatusFault}) {
			t.Errorf("response = % x", got)
		}

		if transport.calls != 3 {
			t.Errorf("transactions = %d, want 3", transport.calls)
		}
	})

	t.Run("zero transfers", func(t *testing.T) {
		d, transport := newStubDap(-1, nil)

		got := process(d, DapVersionV2, 0x06, 0x00, 0x00, 0x00, 0x0f)

		if !bytes.Equal(got, []byte{0x06, 0x00, 0x00, 0x00}) {
			t.Errorf("response = % x", got)
		}

		if transport.calls != 0 {
			t.Errorf("transactions = %d, want 0", transport.calls)
		}
	})

	t.Run("truncated writes", func(t *testing.T) {
		d, _ := newStubDap(-1, nil)

		got := process(d, DapVersionV2, 0x06, 0x00, 0x03, 0x00, 0x0d, 0x01, 0x00, 0x00, 0x00, 0x02)

		if !bytes.Equal(got, []byte{0x06, 0x01, 0x00, transferStatusOk}) {
			t.Errorf("response = % x", got)
		}
	})
}
