// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"fmt"
)

type ConnectionMode uint8 // debug port connection modes

const (
	ModeInvalid ConnectionMode = 0
	ModeNone    ConnectionMode = 1
	ModeSwd     ConnectionMode = 2
)

func (m ConnectionMode) String() string {
	switch m {
	case ModeNone:
		return "None"
	case ModeSwd:
		return "SWD"
	default:
		return "Invalid"
	}
}

/* Connection state of the debug port. Exactly one representation of the
 * pin-control capability is held at any time: deps while idle (None), swd
 * while driving the port (Swd). ModeInvalid only exists inside replaceWith.
 */
type State struct {
	mode          ConnectionMode
	modeToRestore ConnectionMode
	deps          Dependencies
	swd           SwdTransport
}

func NewState(deps Dependencies) *State {
	return &State{
		mode:          ModeNone,
		modeToRestore: ModeNone,
		deps:          deps,
	}
}

func (s *State) Mode() ConnectionMode {
	return s.mode
}

// Dependencies returns the idle capability, or nil when not in None mode.
func (s *State) Dependencies() Dependencies {
	if s.mode != ModeNone {
		return nil
	}

	return s.deps
}

// Swd returns the active transport, or nil when not in SWD mode.
func (s *State) Swd() SwdTransport {
	if s.mode != ModeSwd {
		return nil
	}

	return s.swd
}

// SetClock dispatches to whichever representation is active.
func (s *State) SetClock(maxFrequency uint32) bool {
	switch s.mode {
	case ModeNone:
		return s.deps.ProcessSwjClock(maxFrequency)
	case ModeSwd:
		return s.swd.SetClock(maxFrequency)
	default:
		panic("state: set clock in invalid state")
	}
}

/**
  Forces the transition to None, remembering SWD as the mode to restore.
  Used by commands relying on direct pin control.
*/
func (s *State) ToNone() {
	switch s.mode {
	case ModeNone:
	case ModeSwd:
		s.replaceWith(func(swd SwdTransport, _ Dependencies) {
			s.deps = swd.IntoDependencies()
			s.modeToRestore = ModeSwd
			s.mode = ModeNone
		})
	default:
		panic("state: transition from invalid state")
	}
}

/**
  Forces the transition to the last active mode. Used by commands that
  transfer data in SWD mode.
*/
func (s *State) ToLastMode() {
	switch s.mode {
	case ModeSwd:
	case ModeNone:
		if s.modeToRestore != ModeSwd {
			return
		}

		s.replaceWith(func(_ SwdTransport, deps Dependencies) {
			s.swd = deps.IntoSwd()
			s.mode = ModeSwd
		})
	default:
		panic("state: transition from invalid state")
	}
}

// ToSwd forces the transition to SWD.
func (s *State) ToSwd() {
	switch s.mode {
	case ModeSwd:
	case ModeNone:
		s.replaceWith(func(_ SwdTransport, deps Dependencies) {
			s.swd = deps.IntoSwd()
			s.mode = ModeSwd
		})
	default:
		panic("state: transition from invalid state")
	}
}

// ForgetLastMode makes ToLastMode a no-op until the next SWD connection.
func (s *State) ForgetLastMode() {
	s.modeToRestore = ModeNone
}

/**
  Takes both representations out of the state, marks it invalid and lets f
  rebuild it. Panics if f left the state invalid or holding both forms.
*/
func (s *State) replaceWith(f func(swd SwdTransport, deps Dependencies)) {
	from := s.mode
	swd, deps := s.swd, s.deps

	s.mode = ModeInvalid
	s.swd, s.deps = nil, nil

	f(swd, deps)

	switch {
	case s.mode == ModeNone && s.deps != nil && s.swd == nil:
	case s.mode == ModeSwd && s.swd != nil && s.deps == nil:
	default:
		panic(fmt.Sprintf("state: transition from %s left state %s", from, s.mode))
	}

	logger.Tracef("Connection state %s -> %s", from, s.mode)
}
