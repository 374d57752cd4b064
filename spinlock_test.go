// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewSpinlock(t *testing.T) {
	bank := NewSpinlockBank(platformSpinlockNumber)

	tests := []struct {
		num     int
		wantErr bool
	}{
		{0, false},
		{FlashSpinlockNumber, false},
		{platformSpinlockNumber, true},
		{-1, true},
		{SpinlockCount, true},
	}

	for _, tt := range tests {
		lock, err := NewSpinlock(bank, tt.num)

		if (err != nil) != tt.wantErr {
			t.Errorf("NewSpinlock(%d) error = %v, wantErr %t", tt.num, err, tt.wantErr)
			continue
		}

		if err == nil && lock.Number() != tt.num {
			t.Errorf("Number() = %d, want %d", lock.Number(), tt.num)
		}
	}

	if FlashSpinlock().Number() != FlashSpinlockNumber {
		t.Errorf("FlashSpinlock() number = %d", FlashSpinlock().Number())
	}
}

func TestSpinlockTryClaim(t *testing.T) {
	bank := NewSpinlockBank()
	lock, _ := NewSpinlock(bank, 3)
	other, _ := NewSpinlock(bank, 4)
	alias, _ := NewSpinlock(bank, 3)

	guard, ok := lock.TryClaim()

	if !ok || !lock.Locked() {
		t.Fatal("TryClaim() on a free lock failed")
	}

	if _, ok := alias.TryClaim(); ok {
		t.Error("TryClaim() through a second handle succeeded while held")
	}

	if otherGuard, ok := other.TryClaim(); !ok {
		t.Error("locks of one bank are not independent")
	} else {
		otherGuard.Release()
	}

	guard.Release()

	if lock.Locked() {
		t.Error("lock still held after Release()")
	}

	if guard, ok := alias.TryClaim(); !ok {
		t.Error("TryClaim() after release failed")
	} else {
		guard.Release()
	}
}

func TestSpinlockDoubleRelease(t *testing.T) {
	lock, _ := NewSpinlock(NewSpinlockBank(), 0)
	guard := lock.Claim()
	guard.Release()

	defer func() {
		if recover() == nil {
			t.Error("second Release() did not panic")
		}
	}()

	guard.Release()
}

func TestSpinlockMutualExclusion(t *testing.T) {
	lock, _ := NewSpinlock(NewSpinlockBank(), FlashSpinlockNumber)

	const workers = 8
	const rounds = 1000

	counter := 0
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func(w int) {
			defer wg.Done()

			for i := 0; i < rounds; i++ {
				if w%2 == 0 {
					WithSpinlock(lock, func() struct{} {
						counter++
						return struct{}{}
					})
				} else {
					guard := lock.Claim()
					counter++
					guard.Release()
				}
			}
		}(w)
	}

	wg.Wait()

	if counter != workers*rounds {
		t.Errorf("counter = %d, want %d", counter, workers*rounds)
	}
}

func TestWithSpinlockReleases(t *testing.T) {
	lock, _ := NewSpinlock(NewSpinlockBank(), 1)

	value := WithSpinlock(lock, func() int {
		if !lock.Locked() {
			t.Error("lock not held inside WithSpinlock")
		}

		return 42
	})

	if value != 42 || lock.Locked() {
		t.Errorf("WithSpinlock() = %d, locked after return %t", value, lock.Locked())
	}
}

func TestSpinlockClaimContext(t *testing.T) {
	lock, _ := NewSpinlock(NewSpinlockBank(), 2)
	guard := lock.Claim()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := lock.ClaimContext(ctx); err != context.DeadlineExceeded {
		t.Fatalf("ClaimContext() on held lock error = %v", err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		guard.Release()
	}()

	claimed, err := lock.ClaimContext(context.Background())

	if err != nil {
		t.Fatalf("ClaimContext() error = %v", err)
	}

	claimed.Release()
}
