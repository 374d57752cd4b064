// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// command and field encodings follow the CMSIS-DAP reference
// for detailed information see

// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html

package godap

type DapVersion uint8 // negotiated CMSIS-DAP protocol version

const (
	DapVersionV1 DapVersion = 1
	DapVersionV2 DapVersion = 2
)

// maximum packet sizes per protocol version
const (
	Dap1PacketSize = 64
	Dap2PacketSize = 512
)

// PacketSize returns the packet size advertised for a protocol version.
func (v DapVersion) PacketSize() int {
	if v == DapVersionV1 {
		return Dap1PacketSize
	}

	return Dap2PacketSize
}

type command uint8 // CMSIS-DAP command ids

const (
	cmdInfo              command = 0x00
	cmdHostStatus        command = 0x01
	cmdConnect           command = 0x02
	cmdDisconnect        command = 0x03
	cmdTransferConfigure command = 0x04
	cmdTransfer          command = 0x05
	cmdTransferBlock     command = 0x06
	cmdTransferAbort     command = 0x07
	cmdWriteAbort        command = 0x08
	cmdDelay             command = 0x09
	cmdResetTarget       command = 0x0a
	cmdSwjPins           command = 0x10
	cmdSwjClock          command = 0x11
	cmdSwjSequence       command = 0x12
	cmdSwdConfigure      command = 0x13
	cmdJtagSequence      command = 0x14
	cmdJtagConfigure     command = 0x15
	cmdJtagIdCode        command = 0x16
	cmdSwoTransport      command = 0x17
	cmdSwoMode           command = 0x18
	cmdSwoBaudrate       command = 0x19
	cmdSwoControl        command = 0x1a
	cmdSwoStatus         command = 0x1b
	cmdSwoData           command = 0x1c
	cmdSwdSequence       command = 0x1d
	cmdSwoExtendedStatus command = 0x1e
	cmdQueueCommands     command = 0x7e
	cmdExecuteCommands   command = 0x7f
)

var commandNames = map[command]string{
	cmdInfo:              "DAP_Info",
	cmdHostStatus:        "DAP_HostStatus",
	cmdConnect:           "DAP_Connect",
	cmdDisconnect:        "DAP_Disconnect",
	cmdTransferConfigure: "DAP_TransferConfigure",
	cmdTransfer:          "DAP_Transfer",
	cmdTransferBlock:     "DAP_TransferBlock",
	cmdTransferAbort:     "DAP_TransferAbort",
	cmdWriteAbort:        "DAP_WriteABORT",
	cmdDelay:             "DAP_Delay",
	cmdResetTarget:       "DAP_ResetTarget",
	cmdSwjPins:           "DAP_SWJ_Pins",
	cmdSwjClock:          "DAP_SWJ_Clock",
	cmdSwjSequence:       "DAP_SWJ_Sequence",
	cmdSwdConfigure:      "DAP_SWD_Configure",
	cmdJtagSequence:      "DAP_JTAG_Sequence",
	cmdJtagConfigure:     "DAP_JTAG_Configure",
	cmdJtagIdCode:        "DAP_JTAG_IDCODE",
	cmdSwoTransport:      "DAP_SWO_Transport",
	cmdSwoMode:           "DAP_SWO_Mode",
	cmdSwoBaudrate:       "DAP_SWO_Baudrate",
	cmdSwoControl:        "DAP_SWO_Control",
	cmdSwoStatus:         "DAP_SWO_Status",
	cmdSwoData:           "DAP_SWO_Data",
	cmdSwdSequence:       "DAP_SWD_Sequence",
	cmdSwoExtendedStatus: "DAP_SWO_ExtendedStatus",
	cmdQueueCommands:     "DAP_QueueCommands",
	cmdExecuteCommands:   "DAP_ExecuteCommands",
}

func (c command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}

	return "DAP_Unknown"
}

func (c command) known() bool {
	_, ok := commandNames[c]
	return ok
}

// generic response status
const (
	dapOk    = 0x00
	dapError = 0xff
)

type dapInfoId uint8

const (
	infoVendorId               dapInfoId = 0x01
	infoProductId              dapInfoId = 0x02
	infoSerialNumber           dapInfoId = 0x03
	infoFirmwareVersion        dapInfoId = 0x04
	infoTargetVendor           dapInfoId = 0x05
	infoTargetName             dapInfoId = 0x06
	infoCapabilities           dapInfoId = 0xf0
	infoSwoTraceBufferSize     dapInfoId = 0xfd
	infoMaxPacketCount         dapInfoId = 0xfe
	infoMaxPacketSize          dapInfoId = 0xff
	capabilitySwd                        = 0x01
	capabilityJtag                       = 0x02
	capabilitySwoUart                    = 0x04
	capabilitySwoManchester              = 0x08
	capabilityAtomicCommands             = 0x10
	capabilityTestDomainTimer            = 0x20
	capabilitySwoStreamingTrace          = 0x40
	maxPacketCount                       = 1
)

type ConnectPort uint8

const (
	ConnectPortDefault ConnectPort = 0
	ConnectPortSwd     ConnectPort = 1
	ConnectPortJtag    ConnectPort = 2
)

// port reported back by DAP_Connect
const (
	connectResponseFailed = 0
	connectResponseSwd    = 1
	connectResponseJtag   = 2
)

// host status types of DAP_HostStatus
const (
	hostStatusTypeConnect = 0
	hostStatusTypeRunning = 1
)

// DAP_Transfer request bits
const (
	transferApNDp     = 1 << 0
	transferRnW       = 1 << 1
	transferAddrShift = 2
	transferAddrMask  = 3 << transferAddrShift
	transferValMatch  = 1 << 4
	transferMatchMask = 1 << 5
	transferTimestamp = 1 << 7
)

// DAP_Transfer response status
const (
	transferStatusOk       = 1
	transferStatusWait     = 2
	transferStatusFault    = 4
	transferStatusError    = (1 << 3) | 7
	transferStatusMismatch = 1 << 4
)

// defaults of DAP_TransferConfigure
const (
	defaultWaitRetries  = 5
	defaultMatchRetries = 8
)

// maximum wait time of DAP_SWJ_Pins in microseconds
const swjPinsMaxWaitUs = 3000000

// SWJ pin bits of DAP_SWJ_Pins
type SwjPins uint8

const (
	SwjPinSwclk  SwjPins = 1 << 0
	SwjPinSwdio  SwjPins = 1 << 1
	SwjPinTdi    SwjPins = 1 << 2
	SwjPinTdo    SwjPins = 1 << 3
	SwjPinNTrst  SwjPins = 1 << 5
	SwjPinNReset SwjPins = 1 << 7
)

// Has reports whether all bits of p are set.
func (s SwjPins) Has(p SwjPins) bool {
	return s&p == p
}
