// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"sync"
)

// DebugStatus tracks the host status for display, in place of LEDs.
type DebugStatus struct {
	mutex sync.Mutex

	connected    bool
	running      bool
	wasConnected bool
}

func (s *DebugStatus) ReactToHostStatus(status HostStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch status.Kind {
	case HostConnected:
		if s.connected && !status.Value {
			s.wasConnected = true
		}

		s.connected = status.Value

		if !status.Value {
			s.running = false
		}
	case HostRunning:
		s.running = status.Value
	}
}

func (s *DebugStatus) Connected() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.connected
}

func (s *DebugStatus) Running() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.running
}

// Disconnected reports whether a host was connected and has gone since.
func (s *DebugStatus) Disconnected() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.wasConnected && !s.connected
}

// LoggingStatus logs every host status change.
type LoggingStatus struct{}

func (LoggingStatus) ReactToHostStatus(status HostStatus) {
	logger.Infof("Debug host status: %s", status)
}
