// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"sort"
)

// BoardInfo is the memory geometry of a probe board.
type BoardInfo struct {
	RamStart  uint32
	RamSize   uint32
	FlashSize uint32
}

const DefaultBoard = "pico"

// All supported boards carry the same SRAM, the IPC record and the
// trampoline region depend on it.
var supportedBoards = map[string]BoardInfo{
	"pico":             {RamBase, RamSize, 2 * 1024 * 1024},
	"pico-w":           {RamBase, RamSize, 2 * 1024 * 1024},
	"xiao-rp2040":      {RamBase, RamSize, 2 * 1024 * 1024},
	"feather-rp2040":   {RamBase, RamSize, 8 * 1024 * 1024},
	"itsybitsy-rp2040": {RamBase, RamSize, 8 * 1024 * 1024},
	"qtpy-rp2040":      {RamBase, RamSize, 8 * 1024 * 1024},
	"rp2040-zero":      {RamBase, RamSize, 2 * 1024 * 1024},
}

func GetBoardInformation(name string) *BoardInfo {
	if val, ok := supportedBoards[name]; ok {
		return &val
	} else {
		return nil
	}
}

// SupportedBoards lists the board names in sorted order.
func SupportedBoards() []string {
	names := make([]string, 0, len(supportedBoards))

	for name := range supportedBoards {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
