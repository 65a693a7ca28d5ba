package qflash

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
)

// DefaultPollLimit bounds every status register poll loop.
const DefaultPollLimit = 1_000_000

// Config controls how a chip is probed and how the cache writes it back.
// The zero value is usable; DefaultConfig spells out the defaults.
type Config struct {
	// Mode requests a lane mode. ModeAuto picks the widest available.
	Mode Mode

	// Policy decides when staged writes reach the chip. Nil means WriteBack.
	Policy WritePolicy

	// Lock serializes access to the bus. Nil means a SpinLock without
	// priority elevation.
	Lock BusLock

	// Clock bounds status polls in time. Nil means the real clock.
	Clock clockwork.Clock

	// Logger receives diagnostics. Nil means the package logger.
	Logger *slog.Logger

	// PollLimit bounds status polls in iterations. Zero means
	// DefaultPollLimit.
	PollLimit int

	// Verify reads every flushed sector back and compares it.
	Verify bool

	// DirtyLED, when set, is driven high while the cache holds unflushed
	// data.
	DirtyLED gpio.PinOut

	// SetConfig makes Init write ConfigRegister to chips that have a
	// configuration register.
	SetConfig      bool
	ConfigRegister ConfigRegister

	// Size is the density to assume when neither the ID table nor SFDP
	// tells it.
	Size uint32
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Mode:      ModeAuto,
		Policy:    WriteBack{},
		Lock:      NewSpinLock(nil),
		Clock:     clockwork.NewRealClock(),
		PollLimit: DefaultPollLimit,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Policy == nil {
		c.Policy = d.Policy
	}
	if c.Lock == nil {
		c.Lock = d.Lock
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.PollLimit <= 0 {
		c.PollLimit = d.PollLimit
	}
	return c
}

// Open probes the chip behind t and returns a cached device over it.
func Open(t Transport, cfg Config) (*Device, error) {
	chip := NewChip(t, cfg)
	if err := chip.Init(); err != nil {
		return nil, err
	}
	return NewDevice(chip, cfg), nil
}
