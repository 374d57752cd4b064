// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"fmt"
)

type SwdErrorCode int

const (
	SwdAckWait     SwdErrorCode = -1
	SwdAckFault    SwdErrorCode = -2
	SwdAckProtocol SwdErrorCode = -3
	SwdBadParity   SwdErrorCode = -4
)

// SwdError is the outcome of a failed SWD transaction. Every electrical
// failure collapses into one of the SwdErrorCode values.
type SwdError struct {
	errorString  string
	SwdErrorCode SwdErrorCode
}

func (e *SwdError) Error() string {
	return e.errorString
}

func NewSwdError(msg string, code SwdErrorCode) error {
	return &SwdError{msg, code}
}

var (
	errAckWait   = NewSwdError("SWD ack WAIT", SwdAckWait)
	errAckFault  = NewSwdError("SWD ack FAULT", SwdAckFault)
	errBadParity = NewSwdError("SWD read data parity mismatch", SwdBadParity)
)

// swd acknowledge codes as received LSB first
const (
	swdAckOk    = 0x1
	swdAckWait  = 0x2
	swdAckFault = 0x4
)

/**
  Converts a received 3 bit acknowledge into an SWD outcome. A nil error
  means OK, everything unknown is a protocol error.
*/
func swdAckCheck(ack uint8) error {
	switch ack {
	case swdAckOk:
		return nil

	case swdAckWait:
		return errAckWait

	case swdAckFault:
		return errAckFault

	default:
		return NewSwdError(fmt.Sprintf("SWD protocol error, unexpected ack 0b%03b", ack), SwdAckProtocol)
	}
}

// IsSwdError reports whether err is an SWD transaction error with the given code.
func IsSwdError(err error, code SwdErrorCode) bool {
	swdErr, ok := err.(*SwdError)
	return ok && swdErr.SwdErrorCode == code
}

/**
  Translates an SWD outcome into the status byte of a DAP_Transfer
  response.
*/
func transferStatus(err error) uint8 {
	if err == nil {
		return transferStatusOk
	}

	swdErr, ok := err.(*SwdError)

	if !ok {
		return transferStatusError
	}

	switch swdErr.SwdErrorCode {
	case SwdAckWait:
		return transferStatusWait

	case SwdAckFault:
		return transferStatusFault

	default:
		return transferStatusError
	}
}
