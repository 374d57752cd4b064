// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
)

// state partition magic values understood by the bootloader
const (
	bootMagic uint8 = 0xd0
	swapMagic uint8 = 0xf0

	stateMagicSize = 4
)

type UpdaterState uint8

const (
	// the active image is confirmed
	UpdaterStateBoot UpdaterState = 0
	// an update is pending or was just swapped in and not yet confirmed
	UpdaterStateSwap UpdaterState = 1
)

func (s UpdaterState) String() string {
	if s == UpdaterStateSwap {
		return "Swap"
	}

	return "Boot"
}

/* FirmwareUpdater stages new firmware in the DFU partition and keeps the
 * bootloader state. Sectors of the DFU partition are erased on first
 * write of a session.
 */
type FirmwareUpdater struct {
	flash  Flash
	layout PartitionLayout

	erased bitmap.Bitmap
}

func NewFirmwareUpdater(flash Flash, layout PartitionLayout) (*FirmwareUpdater, error) {
	if err := layout.validate(flash.Size()); err != nil {
		return nil, errors.Wrap(err, "invalid partition layout")
	}

	u := &FirmwareUpdater{flash: flash, layout: layout}
	u.ResetSession()

	return u, nil
}

func (u *FirmwareUpdater) Layout() PartitionLayout {
	return u.layout
}

// ResetSession forgets which DFU sectors were erased, the next write to
// any sector erases it again.
func (u *FirmwareUpdater) ResetSession() {
	u.erased = bitmap.New(int(u.layout.Dfu.Size / FlashSectorSize))
}

func (u *FirmwareUpdater) GetState() (UpdaterState, error) {
	magic := make([]byte, stateMagicSize)

	if err := u.flash.Read(u.layout.State.Offset, magic); err != nil {
		return UpdaterStateBoot, errors.Wrap(err, "could not read bootloader state")
	}

	for _, b := range magic {
		if b != swapMagic {
			return UpdaterStateBoot, nil
		}
	}

	return UpdaterStateSwap, nil
}

// MarkBooted confirms the running image, so the bootloader will not revert it.
func (u *FirmwareUpdater) MarkBooted() error {
	return u.setMagic(bootMagic)
}

// MarkUpdated requests a swap to the staged image on the next reset.
func (u *FirmwareUpdater) MarkUpdated() error {
	return u.setMagic(swapMagic)
}

func (u *FirmwareUpdater) setMagic(magic uint8) error {
	state := u.layout.State

	if err := u.flash.Erase(state.Offset, state.End()); err != nil {
		return errors.Wrap(err, "could not erase bootloader state")
	}

	buffer := make([]byte, stateMagicSize)
	memset(buffer, len(buffer), magic)

	if err := u.flash.Write(state.Offset, buffer); err != nil {
		return errors.Wrap(err, "could not write bootloader state")
	}

	logger.Debugf("Bootloader state magic set to 0x%02x", magic)

	return nil
}

/**
  Writes data at offset of the DFU partition. Sectors touched for the first
  time in this session are erased before.
*/
func (u *FirmwareUpdater) WriteFirmware(offset uint32, data []byte) error {
	dfu := u.layout.Dfu

	if uint64(offset)+uint64(len(data)) > uint64(dfu.Size) {
		return newFlashError(FlashOutOfBounds, "firmware write 0x%x+%d beyond dfu partition", offset, len(data))
	}

	if len(data) == 0 {
		return nil
	}

	first := offset / FlashSectorSize
	last := (offset + uint32(len(data)) - 1) / FlashSectorSize

	for sector := first; sector <= last; sector++ {
		if err := u.eraseSector(sector); err != nil {
			return err
		}
	}

	if err := u.flash.Write(dfu.Offset+offset, data); err != nil {
		return errors.Wrapf(err, "could not write firmware at 0x%x", offset)
	}

	return nil
}

// EraseFirmware erases the DFU sector containing offset.
func (u *FirmwareUpdater) EraseFirmware(offset uint32) error {
	if offset >= u.layout.Dfu.Size {
		return newFlashError(FlashOutOfBounds, "firmware erase 0x%x beyond dfu partition", offset)
	}

	sector := offset / FlashSectorSize
	u.erased.Set(int(sector), false)

	return u.eraseSector(sector)
}

func (u *FirmwareUpdater) eraseSector(sector uint32) error {
	if u.erased.Get(int(sector)) {
		return nil
	}

	from := u.layout.Dfu.Offset + sector*FlashSectorSize

	if err := u.flash.Erase(from, from+FlashSectorSize); err != nil {
		return errors.Wrapf(err, "could not erase dfu sector %d", sector)
	}

	u.erased.Set(int(sector), true)

	return nil
}

// ReadFirmware reads back staged firmware from the DFU partition.
func (u *FirmwareUpdater) ReadFirmware(offset uint32, data []byte) error {
	if uint64(offset)+uint64(len(data)) > uint64(u.layout.Dfu.Size) {
		return newFlashError(FlashOutOfBounds, "firmware read 0x%x+%d beyond dfu partition", offset, len(data))
	}

	return u.flash.Read(u.layout.Dfu.Offset+offset, data)
}
