// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

// request is the cursor over a received CMSIS-DAP packet. Reads past the
// end of the packet return zero and mark the request as short.
type request struct {
	command command
	data    []byte
	idx     int
	short   bool
}

func newRequest(report []byte) (*request, bool) {
	if len(report) == 0 {
		return nil, false
	}

	return &request{command: command(report[0]), data: report[1:]}, true
}

func (r *request) remaining() int {
	return len(r.data) - r.idx
}

func (r *request) take(n int) []byte {
	if r.remaining() < n {
		r.short = true
		r.idx = len(r.data)
		return nil
	}

	b := r.data[r.idx : r.idx+n]
	r.idx += n

	return b
}

func (r *request) nextUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

func (r *request) nextUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}

	return leToUint16(b)
}

func (r *request) nextUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}

	return leToUint32(b)
}

func (r *request) rest() []byte {
	b := r.data[r.idx:]
	r.idx = len(r.data)

	return b
}

// responseWriter builds a response in a caller supplied buffer. Byte 0
// echoes the command id. Writes beyond the capacity are dropped and
// flagged, never performed.
type responseWriter struct {
	buf      []byte
	idx      int
	overflow bool
}

func newResponseWriter(cmd command, buf []byte) *responseWriter {
	w := &responseWriter{buf: buf}
	w.writeUint8(uint8(cmd))

	return w
}

func (w *responseWriter) remaining() int {
	return len(w.buf) - w.idx
}

func (w *responseWriter) writeUint8(value uint8) {
	if w.remaining() < 1 {
		w.overflow = true
		return
	}

	w.buf[w.idx] = value
	w.idx++
}

func (w *responseWriter) writeUint16LE(value uint16) {
	if w.remaining() < 2 {
		w.overflow = true
		return
	}

	uint16ToLittleEndian(w.buf[w.idx:], value)
	w.idx += 2
}

func (w *responseWriter) writeUint32LE(value uint32) {
	if w.remaining() < 4 {
		w.overflow = true
		return
	}

	uint32ToLittleEndian(w.buf[w.idx:], value)
	w.idx += 4
}

func (w *responseWriter) writeBytes(data []byte) {
	if w.remaining() < len(data) {
		w.overflow = true
		return
	}

	w.idx += copy(w.buf[w.idx:], data)
}

func (w *responseWriter) writeOk() {
	w.writeUint8(dapOk)
}

func (w *responseWriter) writeErr() {
	w.writeUint8(dapError)
}

// patch helpers for fields reserved ahead of variable length processing
func (w *responseWriter) writeUint8At(pos int, value uint8) {
	if pos < w.idx {
		w.buf[pos] = value
	}
}

func (w *responseWriter) readUint8At(pos int) uint8 {
	if pos < w.idx {
		return w.buf[pos]
	}

	return 0
}

func (w *responseWriter) writeUint16At(pos int, value uint16) {
	if pos+1 < w.idx {
		uint16ToLittleEndian(w.buf[pos:], value)
	}
}
