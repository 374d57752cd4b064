// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
)

const (
	SpinlockCount = 32

	// FlashSpinlockNumber serializes flash operations against debug port
	// activity of the other core.
	FlashSpinlockNumber = 30

	// used by the platform flash driver to pause the other core
	platformSpinlockNumber = 31
)

/* Emulation of the SIO spinlock registers shared by both cores. Reading a
 * lock register claims it if it was free, writing any value releases it.
 * Every access is a sequentially consistent atomic, so claim and release
 * double as full fences around the guarded section.
 */
type SpinlockBank struct {
	locks    [SpinlockCount]atomic.Uint32
	reserved bitmap.Bitmap
}

// NewSpinlockBank creates a bank in which the given lock numbers cannot be
// handed out.
func NewSpinlockBank(reserved ...int) *SpinlockBank {
	b := &SpinlockBank{reserved: bitmap.New(SpinlockCount)}

	for _, num := range reserved {
		if num >= 0 && num < SpinlockCount {
			b.reserved.Set(num, true)
		}
	}

	return b
}

// DefaultSpinlockBank is the bank shared by both cores of the probe.
var DefaultSpinlockBank = NewSpinlockBank(platformSpinlockNumber)

// Spinlock is one numbered lock of a bank.
type Spinlock struct {
	bank *SpinlockBank
	num  int
}

func NewSpinlock(bank *SpinlockBank, num int) (*Spinlock, error) {
	if num < 0 || num >= SpinlockCount {
		return nil, errors.Errorf("spinlock %d out of range", num)
	}

	if bank.reserved.Get(num) {
		return nil, errors.Errorf("spinlock %d is reserved by the platform", num)
	}

	return &Spinlock{bank: bank, num: num}, nil
}

// FlashSpinlock returns the flash lock of the default bank.
func FlashSpinlock() *Spinlock {
	lock, err := NewSpinlock(DefaultSpinlockBank, FlashSpinlockNumber)

	if err != nil {
		panic(err)
	}

	return lock
}

func (l *Spinlock) Number() int {
	return l.num
}

// Locked reports whether any holder currently owns the lock.
func (l *Spinlock) Locked() bool {
	return l.bank.locks[l.num].Load() != 0
}

// SpinlockGuard represents ownership of a claimed lock until Release.
type SpinlockGuard struct {
	lock     *Spinlock
	released bool
}

/**
  Claims the lock if it is free. The returned guard must be released by the
  caller.
*/
func (l *Spinlock) TryClaim() (*SpinlockGuard, bool) {
	if !l.bank.locks[l.num].CompareAndSwap(0, 1) {
		return nil, false
	}

	return &SpinlockGuard{lock: l}, true
}

// Claim polls until the lock is claimed, yielding to other goroutines
// between attempts.
func (l *Spinlock) Claim() *SpinlockGuard {
	for {
		if guard, ok := l.TryClaim(); ok {
			return guard
		}

		runtime.Gosched()
	}
}

/**
  Polls like Claim but gives up when ctx is done.
*/
func (l *Spinlock) ClaimContext(ctx context.Context) (*SpinlockGuard, error) {
	for {
		if guard, ok := l.TryClaim(); ok {
			return guard, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			runtime.Gosched()
		}
	}
}

func (g *SpinlockGuard) Release() {
	if g.released {
		panic("spinlock: guard released twice")
	}

	g.released = true
	g.lock.bank.locks[g.lock.num].Store(0)
}

// WithSpinlock runs fn while holding lock.
func WithSpinlock[R any](lock *Spinlock, fn func() R) R {
	guard := lock.Claim()
	defer guard.Release()

	return fn()
}
