// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Flash geometry of the probe.
const (
	FlashBase       uint32 = 0x10000000
	FlashSize       uint32 = 2 * 1024 * 1024
	FlashSectorSize uint32 = 4096
	FlashPageSize   uint32 = 256

	flashErasedValue = 0xff
)

type FlashErrorCode int

const (
	FlashOutOfBounds FlashErrorCode = -1
	FlashUnaligned   FlashErrorCode = -2
	FlashIo          FlashErrorCode = -3
)

type FlashError struct {
	errorString    string
	FlashErrorCode FlashErrorCode
}

func (e *FlashError) Error() string {
	return e.errorString
}

func newFlashError(code FlashErrorCode, format string, args ...interface{}) error {
	return &FlashError{fmt.Sprintf(format, args...), code}
}

// IsFlashError reports whether the cause of err is a flash error with code.
func IsFlashError(err error, code FlashErrorCode) bool {
	flashErr, ok := errors.Cause(err).(*FlashError)
	return ok && flashErr.FlashErrorCode == code
}

/* Flash is a NOR flash device addressed by offset. Erased bytes read as
 * 0xff, writes can only clear bits.
 */
type Flash interface {
	Size() uint32
	Read(offset uint32, data []byte) error
	Write(offset uint32, data []byte) error
	// Erase erases the sector aligned range [from, to).
	Erase(from, to uint32) error
}

func checkFlashRange(size, offset uint32, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(size) {
		return newFlashError(FlashOutOfBounds, "flash access 0x%x+%d beyond size 0x%x", offset, length, size)
	}

	return nil
}

func checkFlashErase(size, from, to uint32) error {
	if from > to {
		return newFlashError(FlashOutOfBounds, "flash erase range 0x%x..0x%x reversed", from, to)
	}

	if from%FlashSectorSize != 0 || to%FlashSectorSize != 0 {
		return newFlashError(FlashUnaligned, "flash erase range 0x%x..0x%x not sector aligned", from, to)
	}

	return checkFlashRange(size, from, to-from)
}

// MemoryFlash keeps the flash contents in memory.
type MemoryFlash struct {
	data []byte
}

func NewMemoryFlash(size uint32) *MemoryFlash {
	f := &MemoryFlash{data: make([]byte, size)}
	memset(f.data, len(f.data), flashErasedValue)

	return f
}

func (f *MemoryFlash) Size() uint32 {
	return uint32(len(f.data))
}

func (f *MemoryFlash) Read(offset uint32, data []byte) error {
	if err := checkFlashRange(f.Size(), offset, uint32(len(data))); err != nil {
		return err
	}

	copy(data, f.data[offset:])

	return nil
}

func (f *MemoryFlash) Write(offset uint32, data []byte) error {
	if err := checkFlashRange(f.Size(), offset, uint32(len(data))); err != nil {
		return err
	}

	for i, b := range data {
		f.data[offset+uint32(i)] &= b
	}

	return nil
}

func (f *MemoryFlash) Erase(from, to uint32) error {
	if err := checkFlashErase(f.Size(), from, to); err != nil {
		return err
	}

	memset(f.data[from:to], int(to-from), flashErasedValue)

	return nil
}

/* FileFlash keeps the flash contents in an image file, so programmed
 * firmware survives the process.
 */
type FileFlash struct {
	file *os.File
	size uint32
}

/**
  Opens the image at path, creating it erased if it does not exist. An
  existing image shorter than size is padded with erased bytes.
*/
func OpenFileFlash(path string, size uint32) (*FileFlash, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)

	if err != nil {
		return nil, errors.Wrapf(err, "could not open flash image %s", path)
	}

	info, err := file.Stat()

	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "could not stat flash image %s", path)
	}

	f := &FileFlash{file: file, size: size}

	if info.Size() < int64(size) {
		if err := f.fill(uint32(info.Size()), size); err != nil {
			file.Close()
			return nil, err
		}

		logger.Debugf("Flash image %s padded from %d to %d bytes", path, info.Size(), size)
	}

	return f, nil
}

func (f *FileFlash) Close() error {
	return errors.Wrap(f.file.Close(), "could not close flash image")
}

func (f *FileFlash) Size() uint32 {
	return f.size
}

func (f *FileFlash) Read(offset uint32, data []byte) error {
	if err := checkFlashRange(f.size, offset, uint32(len(data))); err != nil {
		return err
	}

	if _, err := f.file.ReadAt(data, int64(offset)); err != nil && err != io.EOF {
		return errors.Wrap(newFlashError(FlashIo, "read at 0x%x: %v", offset, err), "flash image")
	}

	return nil
}

func (f *FileFlash) Write(offset uint32, data []byte) error {
	current := make([]byte, len(data))

	if err := f.Read(offset, current); err != nil {
		return err
	}

	for i, b := range data {
		current[i] &= b
	}

	if _, err := f.file.WriteAt(current, int64(offset)); err != nil {
		return errors.Wrap(newFlashError(FlashIo, "write at 0x%x: %v", offset, err), "flash image")
	}

	return nil
}

func (f *FileFlash) Erase(from, to uint32) error {
	if err := checkFlashErase(f.size, from, to); err != nil {
		return err
	}

	return f.fill(from, to)
}

func (f *FileFlash) fill(from, to uint32) error {
	sector := make([]byte, FlashSectorSize)
	memset(sector, len(sector), flashErasedValue)

	for offset := from; offset < to; {
		n := FlashSectorSize - offset%FlashSectorSize
		if n > to-offset {
			n = to - offset
		}

		if _, err := f.file.WriteAt(sector[:n], int64(offset)); err != nil {
			return errors.Wrap(newFlashError(FlashIo, "erase at 0x%x: %v", offset, err), "flash image")
		}

		offset += n
	}

	return nil
}

// PartitionRange is a region of the flash, as offsets from its start.
type PartitionRange struct {
	Offset uint32
	Size   uint32
}

func (p PartitionRange) End() uint32 {
	return p.Offset + p.Size
}

func (p PartitionRange) String() string {
	return fmt.Sprintf("0x%06x..0x%06x", p.Offset, p.End())
}

/* The bootloader partitions: State holds the swap magic, Active the running
 * image and Dfu the staged update.
 */
type PartitionLayout struct {
	State  PartitionRange
	Active PartitionRange
	Dfu    PartitionRange
}

func DefaultPartitionLayout() PartitionLayout {
	return PartitionLayout{
		State:  PartitionRange{Offset: 0x6000, Size: 0x1000},
		Active: PartitionRange{Offset: 0x7000, Size: 0x80000},
		Dfu:    PartitionRange{Offset: 0x87000, Size: 0x81000},
	}
}

func (l PartitionLayout) validate(flashSize uint32) error {
	for _, p := range []PartitionRange{l.State, l.Active, l.Dfu} {
		if p.Offset%FlashSectorSize != 0 || p.Size%FlashSectorSize != 0 || p.Size == 0 {
			return newFlashError(FlashUnaligned, "partition %s not sector aligned", p)
		}

		if p.End() > flashSize {
			return newFlashError(FlashOutOfBounds, "partition %s beyond flash size 0x%x", p, flashSize)
		}
	}

	if l.Dfu.Size < l.Active.Size {
		return errors.Errorf("dfu partition %s smaller than active partition %s", l.Dfu, l.Active)
	}

	return nil
}

/**
  Translates a memory mapped flash address, as seen by the debugged core and
  the host tool, into an offset within the active image.
*/
func (l PartitionLayout) MapAddress(addr uint32) (uint32, error) {
	start := FlashBase + l.Active.Offset

	if addr < start || addr-start >= l.Active.Size {
		return 0, newFlashError(FlashOutOfBounds, "address 0x%08x outside active partition", addr)
	}

	return addr - FlashBase - l.Active.Offset, nil
}
