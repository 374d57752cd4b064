// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import "math/bits"

func memset(a []uint8, size int, v uint8) {
	for i := 0; i < size; i++ {
		a[i] = v
	}
}

// bufGetUint32 extracts num bits starting at bit first, LSB first.
func bufGetUint32(buffer []byte, first uint, num uint) uint32 {
	if (num == 32) && (first == 0) {
		return ((uint32(buffer[3]) << 24) |
			(uint32(buffer[2]) << 16) |
			(uint32(buffer[1]) << 8) |
			(uint32(buffer[0]) << 0))
	} else {
		var result uint32 = 0
		for i := first; i < first+num; i++ {
			if ((buffer[i/8] >> (i % 8)) & 1) == 1 {
				result |= uint32(1) << (i - first)
			}
		}
		return result
	}
}

func leToUint16(buffer []byte) uint16 {
	return uint16(buffer[0]) | uint16(buffer[1])<<8
}

func leToUint32(buffer []byte) uint32 {
	return (uint32(buffer[0]) | uint32(buffer[1])<<8 | uint32(buffer[2])<<16 | uint32(buffer[3])<<24)
}

func uint32ToLittleEndian(buffer []byte, value uint32) {
	buffer[3] = byte(value >> 24)
	buffer[2] = byte(value >> 16)
	buffer[1] = byte(value >> 8)
	buffer[0] = byte(value >> 0)
}

func uint16ToLittleEndian(buffer []byte, value uint16) {
	buffer[1] = byte(value >> 8)
	buffer[0] = byte(value >> 0)
}

// parity32 is the SWD data parity: low bit of the population count.
func parity32(value uint32) uint8 {
	return uint8(bits.OnesCount32(value) & 1)
}
