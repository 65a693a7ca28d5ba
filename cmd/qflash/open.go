package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/gentam/qflash"
	"github.com/gentam/qflash/flashtest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// busFlags selects and configures the flash bus of a command.
type busFlags struct {
	spiName string
	csName  string
	sim     string
	simChip string
	mode    string
	policy  string
	verify  bool
	clock   physic.Frequency
	verbose bool
}

func (b *busFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.spiName, "spi", "", "host SPI port instead of FTDI (e.g. /dev/spidev0.0)")
	fs.StringVar(&b.csName, "cs", "", "GPIO used as chip select with -spi")
	fs.StringVar(&b.sim, "sim", "", "emulate the chip, persisting its contents in this image file")
	fs.StringVar(&b.simChip, "chip", "w25q128", "emulated chip with -sim: n25q032, w25q128, mx25l3233f, sst26vf016b")
	fs.StringVar(&b.mode, "mode", "auto", "lane mode: auto, single, dual, quad")
	fs.StringVar(&b.policy, "policy", "writeback", "write policy: writeback, immediate")
	fs.BoolVar(&b.verify, "verify", false, "read back and compare every programmed sector")
	fs.Var(&b.clock, "clock", "SPI clock (default 30MHz on FTDI, 10MHz on -spi)")
	fs.BoolVar(&b.verbose, "v", false, "verbose logging")
}

// session is an open flash device and whatever has to be released with it.
type session struct {
	dev   *qflash.Device
	chip  *qflash.Chip
	board *qflash.Board // nil unless on FTDI
	sim   *flashtest.Chip

	image string
	port  spi.PortCloser
}

func (b *busFlags) open() (*session, error) {
	if b.verbose {
		qflash.SetLogLevel(slog.LevelDebug)
	}
	mode, err := qflash.ParseMode(b.mode)
	if err != nil {
		return nil, err
	}
	policy, err := qflash.ParsePolicy(b.policy)
	if err != nil {
		return nil, err
	}
	cfg := qflash.DefaultConfig()
	cfg.Mode = mode
	cfg.Policy = policy
	cfg.Verify = b.verify

	s := &session{}
	var t qflash.Transport
	switch {
	case b.sim != "":
		p, err := simParams(b.simChip)
		if err != nil {
			return nil, err
		}
		s.sim = flashtest.New(p)
		s.image = b.sim
		if err := s.loadImage(); err != nil {
			return nil, err
		}
		t = s.sim
	case b.spiName != "":
		if b.csName == "" {
			return nil, errors.New("-spi needs -cs")
		}
		st, port, err := qflash.OpenSPI(b.spiName, b.csName, b.clock)
		if err != nil {
			return nil, err
		}
		s.port = port
		t = st
	default:
		board, err := qflash.OpenFTDI(b.clock)
		if err != nil {
			return nil, fmt.Errorf("failed to open FTDI adapter: %w", err)
		}
		s.board = board
		// keep the FPGA off the bus while we use it
		if err := board.HoldReset(); err != nil {
			board.Close()
			return nil, err
		}
		t = board.Transport()
	}

	s.chip = qflash.NewChip(t, cfg)
	if err := s.chip.PowerUp(); err != nil {
		s.release()
		return nil, fmt.Errorf("flash power up failed: %w", err)
	}
	if err := s.chip.Init(); err != nil {
		s.release()
		return nil, err
	}
	s.dev = qflash.NewDevice(s.chip, cfg)
	return s, nil
}

func simParams(name string) (flashtest.Params, error) {
	switch strings.ToLower(name) {
	case "n25q032", "n25q32":
		return flashtest.N25Q032, nil
	case "w25q128":
		return flashtest.W25Q128, nil
	case "mx25l3233f":
		return flashtest.MX25L3233F, nil
	case "sst26vf016b":
		return flashtest.SST26VF016B, nil
	}
	return flashtest.Params{}, fmt.Errorf("unknown chip %q", name)
}

func (s *session) loadImage() error {
	f, err := os.Open(s.image)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return s.sim.Load(f)
}

func (s *session) saveImage() error {
	f, err := os.Create(s.image)
	if err != nil {
		return err
	}
	if err := s.sim.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Close flushes the cache and releases the bus.
func (s *session) Close() error {
	err := s.dev.Close()
	if pdErr := s.chip.PowerDown(); err == nil {
		err = pdErr
	}
	if s.sim != nil {
		if saveErr := s.saveImage(); err == nil {
			err = saveErr
		}
	}
	if relErr := s.release(); err == nil {
		err = relErr
	}
	return err
}

func (s *session) release() error {
	var err error
	if s.board != nil {
		err = errors.Join(s.board.ReleaseReset(), s.board.Close())
	}
	if s.port != nil {
		err = errors.Join(err, s.port.Close())
	}
	return err
}

// closeInto closes s and joins a close failure into *err.
func (s *session) closeInto(err *error) {
	if cerr := s.Close(); cerr != nil {
		*err = errors.Join(*err, fmt.Errorf("close: %w", cerr))
	}
}
