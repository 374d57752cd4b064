// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package godap

import (
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// PinDriver is the raw debug port pin control. SWDIO is bidirectional:
// SetSwdio drives it, Swdio samples what the target drives.
type PinDriver interface {
	SetSwclk(high bool)
	SetSwdio(high bool)
	Swdio() bool
	SetNReset(high bool)
	NReset() bool
	// SetAttached(false) puts every line into high impedance.
	SetAttached(attached bool)
}

// GpioPins drives the debug port through periph.io GPIO lines.
type GpioPins struct {
	swclk  gpio.PinIO
	swdio  gpio.PinIO
	nreset gpio.PinIO

	swdioOutput bool
}

/**
  Looks up the SWCLK, SWDIO and (optional) nRESET lines by their periph.io
  names. host.Init() must have been called before.
*/
func NewGpioPins(swclkName, swdioName, nresetName string) (*GpioPins, error) {
	p := &GpioPins{}

	if p.swclk = gpioreg.ByName(swclkName); p.swclk == nil {
		return nil, errors.Errorf("could not find SWCLK pin %q", swclkName)
	}

	if p.swdio = gpioreg.ByName(swdioName); p.swdio == nil {
		return nil, errors.Errorf("could not find SWDIO pin %q", swdioName)
	}

	if nresetName != "" {
		if p.nreset = gpioreg.ByName(nresetName); p.nreset == nil {
			return nil, errors.Errorf("could not find nRESET pin %q", nresetName)
		}
	}

	logger.Debugf("Using SWCLK %s, SWDIO %s, nRESET %v", p.swclk, p.swdio, p.nreset)

	return p, nil
}

func (p *GpioPins) SetSwclk(high bool) {
	p.out(p.swclk, high)
}

func (p *GpioPins) SetSwdio(high bool) {
	p.swdioOutput = true
	p.out(p.swdio, high)
}

func (p *GpioPins) Swdio() bool {
	if p.swdioOutput {
		if err := p.swdio.In(gpio.PullUp, gpio.NoEdge); err != nil {
			logger.Errorf("could not switch SWDIO to input: %v", err)
		}
		p.swdioOutput = false
	}

	return p.swdio.Read() == gpio.High
}

func (p *GpioPins) SetNReset(high bool) {
	if p.nreset != nil {
		p.out(p.nreset, high)
	}
}

func (p *GpioPins) NReset() bool {
	if p.nreset == nil {
		return true
	}

	return p.nreset.Read() == gpio.High
}

func (p *GpioPins) SetAttached(attached bool) {
	if attached {
		p.out(p.swclk, true)
		p.SetSwdio(true)
		return
	}

	for _, pin := range []gpio.PinIO{p.swclk, p.swdio, p.nreset} {
		if pin == nil {
			continue
		}

		if err := pin.In(gpio.Float, gpio.NoEdge); err != nil {
			logger.Errorf("could not release %s: %v", pin, err)
		}
	}

	p.swdioOutput = false
}

func (p *GpioPins) out(pin gpio.PinIO, high bool) {
	level := gpio.Low
	if high {
		level = gpio.High
	}

	if err := pin.Out(level); err != nil {
		logger.Errorf("could not drive %s: %v", pin, err)
	}
}
