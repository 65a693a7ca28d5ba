package qflash

import (
	"fmt"
	"strings"
)

// Mode selects how many data lanes the chip is driven with.
type Mode int

const (
	// ModeAuto picks the widest mode supported by both the transport and
	// the probed chip.
	ModeAuto Mode = iota
	ModeSingle
	ModeDual
	ModeQuad
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeSingle:
		return "single"
	case ModeDual:
		return "dual"
	case ModeQuad:
		return "quad"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ModeAuto, nil
	case "single", "spi", "1":
		return ModeSingle, nil
	case "dual", "2":
		return ModeDual, nil
	case "quad", "qspi", "4":
		return ModeQuad, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// lane is the command encoding of one Mode. Register access always happens
// on the single lane.
type lane interface {
	mode() Mode
	read(c *Chip, addr uint32, dest []byte) error
	program(c *Chip, addr uint32, page []byte) error
	readStatus(c *Chip) (StatusRegister, error)
	writeStatus(c *Chip, regs []byte) error
}

// spiRegs implements the register half of lane on one lane.
type spiRegs struct{}

func (spiRegs) readStatus(c *Chip) (StatusRegister, error) {
	b, err := c.readReg(cmdReadStatus)
	return StatusRegister(b), err
}

func (spiRegs) writeStatus(c *Chip, regs []byte) error {
	return c.tx(func() error {
		return c.t.Transfer(append([]byte{cmdWriteStatus}, regs...), nil)
	})
}

type singleLane struct{ spiRegs }

func (singleLane) mode() Mode { return ModeSingle }

func (singleLane) read(c *Chip, addr uint32, dest []byte) error {
	return c.tx(func() error {
		if err := c.t.Transfer(cmdAddr(cmdRead, addr), nil); err != nil {
			return err
		}
		return c.t.Transfer(nil, dest)
	})
}

func (singleLane) program(c *Chip, addr uint32, page []byte) error {
	return c.tx(func() error {
		if err := c.t.Transfer(cmdAddr(cmdPageProgram, addr), nil); err != nil {
			return err
		}
		return c.t.Transfer(page, nil)
	})
}

// dualLane reads with 0x3B (dual output fast read) and programs on one lane.
type dualLane struct {
	spiRegs
	q QuadTransport
}

func (dualLane) mode() Mode { return ModeDual }

func (l dualLane) read(c *Chip, addr uint32, dest []byte) error {
	return c.tx(func() error {
		// 8 dummy clocks
		if err := c.t.Transfer(append(cmdAddr(cmdDualRead, addr), 0xFF), nil); err != nil {
			return err
		}
		return l.q.DRead(dest)
	})
}

func (dualLane) program(c *Chip, addr uint32, page []byte) error {
	return singleLane{}.program(c, addr, page)
}

// quadLane reads with 0x6B (quad output fast read) and programs with 0x32.
// Command and address go out on one lane in both cases.
type quadLane struct {
	spiRegs
	q QuadTransport
}

func (quadLane) mode() Mode { return ModeQuad }

func (l quadLane) read(c *Chip, addr uint32, dest []byte) error {
	return c.tx(func() error {
		if err := c.t.Transfer(cmdAddr(cmdQuadRead, addr), nil); err != nil {
			return err
		}
		// two dummy clocks per byte while the lanes float
		if err := l.q.QRead(make([]byte, c.dummy/2)); err != nil {
			return err
		}
		return l.q.QRead(dest)
	})
}

func (l quadLane) program(c *Chip, addr uint32, page []byte) error {
	return c.tx(func() error {
		if err := c.t.Transfer(cmdAddr(cmdQuadPageProgram, addr), nil); err != nil {
			return err
		}
		return l.q.QWrite(page)
	})
}

func cmdAddr(cmd byte, addr uint32) []byte {
	return []byte{cmd, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}
