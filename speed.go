// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

// DefaultSwdFrequency is used until the host negotiates a clock with
// DAP_SWJ_Clock.
const DefaultSwdFrequency = 100 * physic.KiloHertz

/* SWD clock generation. Each bit is one low and one high half period of
 * SWCLK, the half period is busy waited since the scheduler granularity is
 * far too coarse for it.
 */
type swdClock struct {
	coreFrequency physic.Frequency
	maxFrequency  physic.Frequency
	halfPeriod    time.Duration
}

/**
  Creates a clock bounded by coreFrequency, the fastest rate the pins can be
  toggled at. A coreFrequency of zero disables the half period delay, which
  is what simulated pins want.
*/
func newSwdClock(coreFrequency physic.Frequency) *swdClock {
	c := &swdClock{coreFrequency: coreFrequency}

	if coreFrequency == 0 {
		c.maxFrequency = DefaultSwdFrequency
		return c
	}

	if DefaultSwdFrequency < coreFrequency {
		c.apply(DefaultSwdFrequency)
	} else {
		c.apply(coreFrequency / 2)
	}

	return c
}

func (c *swdClock) apply(f physic.Frequency) {
	c.maxFrequency = f

	if c.coreFrequency != 0 {
		c.halfPeriod = f.Period() / 2
	}
}

/**
  Accepts any frequency the implementation can still honor, i.e. anything
  below the core frequency, and reprograms the half period delay.
*/
func (c *swdClock) set(maxHz uint32) bool {
	f := physic.Frequency(maxHz) * physic.Hertz

	if f <= 0 {
		logger.Debugf("SWD clock %d Hz rejected", maxHz)
		return false
	}

	if c.coreFrequency != 0 && f >= c.coreFrequency {
		logger.Debugf("SWD clock %s rejected, core runs at %s", f, c.coreFrequency)
		return false
	}

	c.apply(f)
	logger.Tracef("SWD clock set to %s (half period %s)", f, c.halfPeriod)

	return true
}

func (c *swdClock) delayHalfPeriod() {
	if c.halfPeriod <= 0 {
		return
	}

	for start := time.Now(); time.Since(start) < c.halfPeriod; {
	}
}
