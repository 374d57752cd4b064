// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

/** Issue an SWD read, with retries on any WAIT acknowledge.

  Returns the outcome of the last attempt.
*/
func swdRead(swd SwdTransport, waitRetries int, apndp APnDP, a DPRegister) (uint32, error) {
	for retries := 0; ; retries++ {
		value, err := swd.Read(apndp, a)

		if IsSwdError(err, SwdAckWait) && retries < waitRetries {
			logger.Tracef("SWD read WAIT, retry %d", retries+1)
			continue
		}

		return value, err
	}
}

// swdWrite issues an SWD write, with retries on any WAIT acknowledge.
func swdWrite(swd SwdTransport, waitRetries int, apndp APnDP, a DPRegister, data uint32) error {
	for retries := 0; ; retries++ {
		err := swd.Write(apndp, a, data)

		if IsSwdError(err, SwdAckWait) && retries < waitRetries {
			logger.Tracef("SWD write WAIT, retry %d", retries+1)
			continue
		}

		return err
	}
}

/**
  Reads a register returning its current value. Reads from AP are posted,
  so the AP read is issued and RDBUFF is read for the data. DP reads are
  not posted.
*/
func (d *Dap) readRegister(swd SwdTransport, apndp APnDP, a DPRegister) (uint32, error) {
	if apndp == AP {
		if _, err := swdRead(swd, d.swdWaitRetries, AP, a); err != nil {
			return 0, err
		}

		return swdRead(swd, d.swdWaitRetries, DP, RDBUFF)
	}

	return swdRead(swd, d.swdWaitRetries, DP, a)
}

func (d *Dap) processTransfer(req *request, resp *responseWriter) {
	// the DAP index is ignored, there is no multi-drop support
	_ = req.nextUint8()
	ntransfers := int(req.nextUint8())

	if req.short {
		return
	}

	d.state.ToLastMode()

	// Reserve two bytes for the transfer count and final status,
	// which we update while processing.
	resp.writeUint8(0)
	resp.writeUint8(0)

	swd := d.state.Swd()

	if swd == nil {
		logger.Debug("DAP_Transfer without SWD connection")
		resp.writeUint8At(2, transferStatusError)
		return
	}

	matchMask := uint32(0xffffffff)

	for i := 0; i < ntransfers; i++ {
		transferReq := req.nextUint8()

		apndp := APnDP(transferReq & transferApNDp)
		rnw := transferReq&transferRnW != 0
		a := DPRegister((transferReq & transferAddrMask) >> transferAddrShift)
		valueMatch := transferReq&transferValMatch != 0
		matchMaskWrite := transferReq&transferMatchMask != 0

		var value uint32
		if !rnw || valueMatch {
			value = req.nextUint32()
		}

		if req.short {
			logger.Debugf("DAP_Transfer truncated after %d of %d transfers", i, ntransfers)
			break
		}

		if rnw && !valueMatch && resp.remaining() < 4 {
			logger.Warnf("DAP_Transfer response full after %d of %d transfers", i, ntransfers)
			break
		}

		// Store how many transfers we execute in the response
		resp.writeUint8At(1, uint8(i+1))

		if rnw {
			readValue, err := d.readRegister(swd, apndp, a)
			resp.writeUint8At(2, transferStatus(err))

			if err != nil {
				break
			}

			if !valueMatch {
				resp.writeUint32LE(readValue)
				continue
			}

			// Handle value match requests by retrying if needed.
			for tries := 0; readValue&matchMask != value && tries < d.matchRetries; tries++ {
				readValue, err = d.readRegister(swd, apndp, a)
				resp.writeUint8At(2, transferStatus(err))

				if err != nil {
					break
				}
			}

			if err != nil {
				break
			}

			// If we didn't read the correct value, set the value mismatch
			// flag in the response and quit early.
			if readValue&matchMask != value {
				logger.Debugf("Value mismatch: read 0x%08x, mask 0x%08x, want 0x%08x", readValue, matchMask, value)
				resp.writeUint8At(2, resp.readUint8At(2)|transferStatusMismatch)
				break
			}
		} else {
			// Writes with match mask set just update the match mask
			if matchMaskWrite {
				matchMask = value
				resp.writeUint8At(2, transferStatusOk)
				continue
			}

			err := swdWrite(swd, d.swdWaitRetries, apndp, a, value)
			resp.writeUint8At(2, transferStatus(err))

			if err != nil {
				break
			}
		}
	}

	// a truncated batch is reported through the transfer count
	req.short = false
}

func (d *Dap) processTransferBlock(req *request, resp *responseWriter) {
	_ = req.nextUint8()
	ntransfers := int(req.nextUint16())
	transferReq := req.nextUint8()

	if req.short {
		return
	}

	apndp := APnDP(transferReq & transferApNDp)
	rnw := transferReq&transferRnW != 0
	a := DPRegister((transferReq & transferAddrMask) >> transferAddrShift)

	d.state.ToLastMode()

	// Reserve three bytes for the transfer count and final status
	resp.writeUint16LE(0)
	resp.writeUint8(0)

	swd := d.state.Swd()

	if swd == nil {
		logger.Debug("DAP_TransferBlock without SWD connection")
		resp.writeUint8At(3, transferStatusError)
		return
	}

	if ntransfers == 0 {
		return
	}

	// If reading an AP register, post first read early.
	if rnw && apndp == AP {
		_, err := swdRead(swd, d.swdWaitRetries, AP, a)
		resp.writeUint8At(3, transferStatus(err))

		if err != nil {
			resp.writeUint16At(1, 1)
			return
		}
	}

	// Keep track of how many transfers we executed,
	// so if there is an error the host knows where
	// it happened.
	transfers := 0

	for i := 0; i < ntransfers; i++ {
		if rnw {
			if resp.remaining() < 4 {
				logger.Warnf("DAP_TransferBlock response full after %d of %d transfers", i, ntransfers)
				break
			}

			transfers = i + 1

			var readValue uint32
			var err error

			switch {
			case apndp == DP:
				readValue, err = swdRead(swd, d.swdWaitRetries, DP, a)
			case i < ntransfers-1:
				// each AP read returns the value posted by the previous one
				readValue, err = swdRead(swd, d.swdWaitRetries, AP, a)
			default:
				// the final posted value is drained from RDBUFF
				readValue, err = swdRead(swd, d.swdWaitRetries, DP, RDBUFF)
			}

			resp.writeUint8At(3, transferStatus(err))

			if err != nil {
				break
			}

			resp.writeUint32LE(readValue)
		} else {
			value := req.nextUint32()

			if req.short {
				logger.Debugf("DAP_TransferBlock truncated after %d of %d writes", i, ntransfers)
				req.short = false
				break
			}

			transfers = i + 1

			err := swdWrite(swd, d.swdWaitRetries, apndp, a, value)
			resp.writeUint8At(3, transferStatus(err))

			if err != nil {
				break
			}
		}
	}

	// Write number of transfers to response
	resp.writeUint16At(1, uint16(transfers))
}
