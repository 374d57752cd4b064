// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"time"
)

type HostStatusKind uint8

const (
	HostConnected HostStatusKind = 0
	HostRunning   HostStatusKind = 1
)

// HostStatus is a decoded DAP_HostStatus request.
type HostStatus struct {
	Kind  HostStatusKind
	Value bool
}

func (h HostStatus) String() string {
	switch {
	case h.Kind == HostConnected && h.Value:
		return "Connected(true)"
	case h.Kind == HostConnected:
		return "Connected(false)"
	case h.Value:
		return "Running(true)"
	default:
		return "Running(false)"
	}
}

// HostStatusReporter reacts to DAP_HostStatus, usually by setting LEDs.
type HostStatusReporter interface {
	ReactToHostStatus(status HostStatus)
}

// HostStatusReporters fans one host status out to several reporters.
type HostStatusReporters []HostStatusReporter

func (r HostStatusReporters) ReactToHostStatus(status HostStatus) {
	for _, reporter := range r {
		reporter.ReactToHostStatus(status)
	}
}

// Dap is the CMSIS-DAP command engine. It is not safe for concurrent use,
// one request is processed at a time.
type Dap struct {
	state          *State
	swdWaitRetries int
	matchRetries   int
	versionString  string
	reporter       HostStatusReporter
}

func NewDap(deps Dependencies, reporter HostStatusReporter, versionString string) *Dap {
	if !SwdAvailable {
		panic("dap: SWD transport not available")
	}

	return &Dap{
		state:          NewState(deps),
		swdWaitRetries: defaultWaitRetries,
		matchRetries:   defaultMatchRetries,
		versionString:  versionString,
		reporter:       reporter,
	}
}

// State exposes the connection state machine.
func (d *Dap) State() *State {
	return d.state
}

/**
  Processes one CMSIS-DAP command from report and writes the response into
  rbuf, at most version.PacketSize() bytes.

  Returns the number of response bytes, 0 if nothing is to be sent back.
*/
func (d *Dap) ProcessCommand(report []byte, rbuf []byte, version DapVersion) int {
	req, ok := newRequest(report)

	if !ok {
		return 0
	}

	if !req.command.known() {
		logger.Debugf("Dropping unknown command 0x%02x", uint8(req.command))
		return 0
	}

	if len(rbuf) > version.PacketSize() {
		rbuf = rbuf[:version.PacketSize()]
	}

	resp := newResponseWriter(req.command, rbuf)

	logger.Tracef("Dap command: %s", req.command)

	switch req.command {
	case cmdInfo:
		d.processInfo(req, resp, version)
	case cmdHostStatus:
		d.processHostStatus(req, resp)
	case cmdConnect:
		d.processConnect(req, resp)
	case cmdDisconnect:
		d.processDisconnect(req, resp)
	case cmdWriteAbort:
		d.processWriteAbort(req, resp)
	case cmdDelay:
		d.processDelay(req, resp)
	case cmdResetTarget:
		d.processResetTarget(req, resp)
	case cmdSwjPins:
		d.processSwjPins(req, resp)
	case cmdSwjClock:
		d.processSwjClock(req, resp)
	case cmdSwjSequence:
		d.processSwjSequence(req, resp)
	case cmdSwdConfigure:
		d.processSwdConfigure(req, resp)
	case cmdTransferConfigure:
		d.processTransferConfigure(req, resp)
	case cmdTransfer:
		d.processTransfer(req, resp)
	case cmdTransferBlock:
		d.processTransferBlock(req, resp)
	case cmdTransferAbort:
		// We'll only ever receive an abort request when we're not already
		// processing anything else, since processing blocks checking for
		// new requests. Do not send a response for transfer abort commands.
		return 0
	default:
		// SWO, JTAG and queued commands are not advertised in the capabilities
		logger.Warnf("Unsupported command %s", req.command)
		resp.writeErr()
	}

	if req.short {
		logger.Debugf("Dropping malformed %s request (%d payload bytes)", req.command, len(req.data))
		return 0
	}

	return resp.idx
}

// Suspend releases the debug port at the end of a session.
func (d *Dap) Suspend() {
	d.state.ToNone()
	d.state.ForgetLastMode()
	d.idleDependencies().HighImpedanceMode()
}

func (d *Dap) idleDependencies() Dependencies {
	deps := d.state.Dependencies()

	if deps == nil {
		panic("dap: forced transition to None failed")
	}

	return deps
}

func (d *Dap) processInfo(req *request, resp *responseWriter, version DapVersion) {
	switch dapInfoId(req.nextUint8()) {
	// Return 0-length string for VendorID, ProductID, SerialNumber
	// to indicate they should be read from the transport instead
	case infoVendorId, infoProductId, infoSerialNumber:
		resp.writeUint8(0)

	case infoFirmwareVersion:
		resp.writeUint8(uint8(len(d.versionString)))
		resp.writeBytes([]byte(d.versionString))

	// unknown target device
	case infoTargetVendor, infoTargetName:
		resp.writeUint8(0)

	case infoCapabilities:
		resp.writeUint8(1)

		var caps uint8
		if SwdAvailable {
			caps |= capabilitySwd
		}

		resp.writeUint8(caps)

	case infoSwoTraceBufferSize:
		resp.writeUint8(4)
		resp.writeUint32LE(0)

	case infoMaxPacketCount:
		resp.writeUint8(1)
		resp.writeUint8(maxPacketCount)

	case infoMaxPacketSize:
		resp.writeUint8(2)
		resp.writeUint16LE(uint16(version.PacketSize()))

	default:
		resp.writeUint8(0)
	}
}

func (d *Dap) processHostStatus(req *request, resp *responseWriter) {
	statusType := req.nextUint8()
	statusValue := req.nextUint8() != 0

	if req.short {
		return
	}

	if statusType == hostStatusTypeConnect || statusType == hostStatusTypeRunning {
		status := HostStatus{Kind: HostStatusKind(statusType), Value: statusValue}

		logger.Debugf("Host status: %s", status)

		if d.reporter != nil {
			d.reporter.ReactToHostStatus(status)
		}
	}

	resp.writeOk()
}

func (d *Dap) processConnect(req *request, resp *responseWriter) {
	port := ConnectPort(req.nextUint8())

	if req.short {
		return
	}

	logger.Debugf("DAP connect: port %d, SWD: %t", port, SwdAvailable)

	switch {
	case SwdAvailable && (port == ConnectPortDefault || port == ConnectPortSwd):
		d.state.ToSwd()
		resp.writeUint8(connectResponseSwd)

	default:
		// JTAG is never available
		resp.writeUint8(connectResponseFailed)
	}
}

func (d *Dap) processDisconnect(req *request, resp *responseWriter) {
	d.state.ToNone()
	d.idleDependencies().HighImpedanceMode()

	resp.writeOk()
}

func (d *Dap) processWriteAbort(req *request, resp *responseWriter) {
	// the DAP index byte is ignored, there is no multi-drop support
	req.nextUint8()
	word := req.nextUint32()

	if req.short {
		return
	}

	d.state.ToLastMode()

	swd := d.state.Swd()

	if !SwdAvailable || swd == nil {
		resp.writeErr()
		return
	}

	if err := swdWrite(swd, d.swdWaitRetries, DP, ABORT, word); err != nil {
		resp.writeErr()
	} else {
		resp.writeOk()
	}
}

func (d *Dap) processDelay(req *request, resp *responseWriter) {
	delay := req.nextUint16()

	if req.short {
		return
	}

	time.Sleep(time.Duration(delay) * time.Microsecond)
	resp.writeOk()
}

func (d *Dap) processResetTarget(req *request, resp *responseWriter) {
	resp.writeOk()
	// no device specific reset sequence is implemented
	resp.writeUint8(0)
}

func (d *Dap) processSwjPins(req *request, resp *responseWriter) {
	output := SwjPins(req.nextUint8())
	mask := SwjPins(req.nextUint8())
	waitUs := req.nextUint32()

	if req.short {
		return
	}

	if waitUs > swjPinsMaxWaitUs {
		waitUs = swjPinsMaxWaitUs
	}

	d.state.ToNone()
	resp.writeUint8(uint8(d.idleDependencies().ProcessSwjPins(output, mask, waitUs)))
}

func (d *Dap) processSwjClock(req *request, resp *responseWriter) {
	maxFrequency := req.nextUint32()

	if req.short {
		return
	}

	if d.state.SetClock(maxFrequency) {
		resp.writeOk()
	} else {
		resp.writeErr()
	}
}

func (d *Dap) processSwjSequence(req *request, resp *responseWriter) {
	nbits := int(req.nextUint8())

	if req.short {
		return
	}

	// CMSIS-DAP says 0 means 256 bits
	if nbits == 0 {
		nbits = 256
	}

	payload := req.rest()
	nbytes := (nbits + 7) / 8

	if nbytes > len(payload) {
		resp.writeErr()
		return
	}

	d.state.ToNone()
	d.idleDependencies().ProcessSwjSequence(payload[:nbytes], nbits)

	resp.writeOk()
}

func (d *Dap) processSwdConfigure(req *request, resp *responseWriter) {
	config := req.nextUint8()

	if req.short {
		return
	}

	clkPeriod := config & 0x3
	alwaysData := (config & 0x4) != 0

	if clkPeriod == 0 && !alwaysData {
		resp.writeOk()
	} else {
		logger.Debugf("Rejecting SWD configuration 0x%02x", config)
		resp.writeErr()
	}
}

func (d *Dap) processTransferConfigure(req *request, resp *responseWriter) {
	// variable idle cycles are not supported
	_ = req.nextUint8()
	waitRetries := req.nextUint16()
	matchRetries := req.nextUint16()

	if req.short {
		return
	}

	d.swdWaitRetries = int(waitRetries)
	d.matchRetries = int(matchRetries)

	logger.Debugf("Transfer configured: %d wait retries, %d match retries", d.swdWaitRetries, d.matchRetries)

	resp.writeOk()
}
