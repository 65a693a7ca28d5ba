package qflash

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

// BitBang is a software QSPI master over plain GPIO lines, SPI mode 0, MSB
// first. SIO[0] is MOSI and SIO[1] is MISO in single-lane mode. Leave SIO[2]
// and SIO[3] nil for a two-lane bus.
type BitBang struct {
	SCK gpio.PinOut
	CS  gpio.PinOut
	SIO [4]gpio.PinIO

	dir laneDir
}

type laneDir int

const (
	dirUnset laneDir = iota
	dirSingle
	dirIn
	dirOut
)

var _ QuadTransport = (*BitBang)(nil)

func (b *BitBang) Lanes() int {
	if b.SIO[2] == nil || b.SIO[3] == nil {
		return 2
	}
	return 4
}

func (b *BitBang) Select(active bool) error {
	if active {
		if err := b.SCK.Out(gpio.Low); err != nil {
			return err
		}
		return b.CS.Out(gpio.Low)
	}
	return b.CS.Out(gpio.High)
}

func (b *BitBang) Transfer(w, r []byte) error {
	if err := b.setDir(dirSingle); err != nil {
		return err
	}
	n := max(len(w), len(r))
	for i := 0; i < n; i++ {
		out := byte(0xFF)
		if w != nil {
			out = w[i]
		}
		var in byte
		for bit := 7; bit >= 0; bit-- {
			if err := b.SIO[0].Out(out&(1<<bit) != 0); err != nil {
				return err
			}
			if err := b.SCK.Out(gpio.High); err != nil {
				return err
			}
			in <<= 1
			if b.SIO[1].Read() {
				in |= 1
			}
			if err := b.SCK.Out(gpio.Low); err != nil {
				return err
			}
		}
		if r != nil {
			r[i] = in
		}
	}
	return nil
}

// DRead clocks r in on SIO0 and SIO1, two bits per clock. SIO1 carries the
// more significant bit.
func (b *BitBang) DRead(r []byte) error {
	return b.readLanes(r, 2)
}

// QRead clocks r in on all four lanes, high nibble first.
func (b *BitBang) QRead(r []byte) error {
	if b.Lanes() < 4 {
		return fmt.Errorf("quad read: %w", ErrUnsupported)
	}
	return b.readLanes(r, 4)
}

// QWrite clocks w out on all four lanes, high nibble first.
func (b *BitBang) QWrite(w []byte) error {
	if b.Lanes() < 4 {
		return fmt.Errorf("quad write: %w", ErrUnsupported)
	}
	if err := b.setDir(dirOut); err != nil {
		return err
	}
	for _, v := range w {
		for _, nib := range [2]byte{v >> 4, v & 0x0F} {
			for i := 0; i < 4; i++ {
				if err := b.SIO[i].Out(nib&(1<<i) != 0); err != nil {
					return err
				}
			}
			if err := b.SCK.Out(gpio.High); err != nil {
				return err
			}
			if err := b.SCK.Out(gpio.Low); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *BitBang) readLanes(r []byte, lanes int) error {
	if err := b.setDir(dirIn); err != nil {
		return err
	}
	clocks := 8 / lanes
	for i := range r {
		var v byte
		for c := 0; c < clocks; c++ {
			if err := b.SCK.Out(gpio.High); err != nil {
				return err
			}
			v <<= lanes
			for l := 0; l < lanes; l++ {
				if b.SIO[l].Read() {
					v |= 1 << l
				}
			}
			if err := b.SCK.Out(gpio.Low); err != nil {
				return err
			}
		}
		r[i] = v
	}
	return nil
}

// setDir switches the data lanes between single-lane, all-input and
// all-output use. Lanes are only reconfigured on a change.
func (b *BitBang) setDir(d laneDir) error {
	if b.dir == d {
		return nil
	}
	lanes := b.SIO[:b.Lanes()]
	switch d {
	case dirSingle:
		if err := b.SIO[0].Out(gpio.High); err != nil {
			return err
		}
		if err := b.SIO[1].In(gpio.Float, gpio.NoEdge); err != nil {
			return err
		}
		// Hold WP# and HOLD# high.
		for _, p := range lanes[2:] {
			if err := p.Out(gpio.High); err != nil {
				return err
			}
		}
	case dirIn:
		for _, p := range lanes {
			if err := p.In(gpio.Float, gpio.NoEdge); err != nil {
				return err
			}
		}
	case dirOut:
		for _, p := range lanes {
			if err := p.Out(gpio.High); err != nil {
				return err
			}
		}
	}
	b.dir = d
	return nil
}
