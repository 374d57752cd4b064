// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"context"
	"sync"
)

// BootSuccessSignaler signals once the first debug host has connected,
// which proves the running image works well enough to be kept.
type BootSuccessSignaler struct {
	once   sync.Once
	signal chan struct{}
}

func NewBootSuccessSignaler() *BootSuccessSignaler {
	return &BootSuccessSignaler{signal: make(chan struct{})}
}

func (s *BootSuccessSignaler) ReactToHostStatus(status HostStatus) {
	if status.Kind == HostConnected && status.Value {
		s.once.Do(func() {
			logger.Debug("Boot success signaled")
			close(s.signal)
		})
	}
}

// Done is closed once boot success was signaled.
func (s *BootSuccessSignaler) Done() <-chan struct{} {
	return s.signal
}

/* BootSuccessMarker confirms a freshly swapped image once boot success is
 * signaled.
 */
type BootSuccessMarker struct {
	signaler *BootSuccessSignaler
	updater  *FirmwareUpdater
	lock     *Spinlock
}

func NewBootSuccessMarker(signaler *BootSuccessSignaler, updater *FirmwareUpdater, lock *Spinlock) *BootSuccessMarker {
	return &BootSuccessMarker{signaler: signaler, updater: updater, lock: lock}
}

/**
  Waits for the signal and marks the image booted if the bootloader state
  is Swap. Returns early with the context error if ctx is done first.
*/
func (m *BootSuccessMarker) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.signaler.Done():
	}

	guard, err := m.lock.ClaimContext(ctx)

	if err != nil {
		return err
	}

	defer guard.Release()

	state, err := m.updater.GetState()

	if err != nil {
		return err
	}

	if state != UpdaterStateSwap {
		logger.Debugf("Bootloader state %s, nothing to confirm", state)
		return nil
	}

	if err := m.updater.MarkBooted(); err != nil {
		return err
	}

	logger.Info("Marked running firmware as booted")

	return nil
}
