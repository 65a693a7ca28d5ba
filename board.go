package qflash

import (
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

// Board is an FTDI FT2232H/FT232H adapter wired to a flash chip, as found on
// iCE40 development boards where an FPGA shares the bus.
type Board struct {
	FTDI *ftdi.FT232H

	cs    gpio.PinIO // ADBUS4 Chip Select
	reset gpio.PinIO // ADBUS7 FPGA Reset
	cdone gpio.PinIO // ADBUS6 FPGA Done

	clock physic.Frequency
	port  spi.PortCloser
	conn  spi.Conn
}

var hostInitialized atomic.Bool

func initHost() error {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			hostInitialized.Store(false)
			return fmt.Errorf("host initialization failed: %w", err)
		}
	}
	return nil
}

// OpenFTDI finds the FTDI adapter and opens its MPSSE SPI port at clock. A
// zero clock selects 30MHz.
func OpenFTDI(clock physic.Frequency) (*Board, error) {
	if err := initHost(); err != nil {
		return nil, err
	}
	if clock == 0 {
		clock = 30 * physic.MegaHertz // [AN_135 3.2.1 Divisors]
	}

	b := &Board{clock: clock}
	if err := b.findFT2232H(); err != nil {
		return nil, err
	}

	// [EB82|Appendix A. Sheet 2 of 5 (USB to SPI/RS232)] / [icebreaker-sch.pdf]
	// ADBUS0 | iCE_SCK
	// ADBUS1 | iCE_MOSI / FLASH_MOSI
	// ADBUS2 | iCE_MISO / FLASH_MISO
	// ADBUS4 | iCE_SS_B
	// ADBUS6 | iCE_CDONE
	// ADBUS7 | iCE_CRESET / iCE_RESET
	b.cs = b.FTDI.D4
	b.reset = b.FTDI.D7
	b.cdone = b.FTDI.D6

	if err := b.connectSPI(); err != nil {
		return nil, err
	}
	return b, nil
}

// Transport returns the single-lane flash transport of the board.
func (b *Board) Transport() *SPITransport {
	return NewSPITransport(b.conn, b.cs)
}

// HoldReset keeps the FPGA in reset so it does not drive the flash bus.
func (b *Board) HoldReset() error {
	return b.reset.Out(gpio.Low)
}

// ReleaseReset lets the FPGA boot from flash again.
func (b *Board) ReleaseReset() error {
	return b.reset.Out(gpio.High)
}

// Configured reports the FPGA CDONE line.
func (b *Board) Configured() bool {
	return bool(b.cdone.Read())
}

func (b *Board) Close() error {
	if b.port == nil {
		return nil
	}
	return b.port.Close()
}

func (b *Board) findFT2232H() error {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			b.FTDI = ft
			return nil
		}
	}
	return fmt.Errorf("FT2232H: %w", ErrNoChip)
}

func (b *Board) connectSPI() (err error) {
	if b.FTDI == nil {
		return errors.New("FT2232H device not found")
	}

	b.port, err = b.FTDI.SPI()
	if err != nil {
		return fmt.Errorf("failed to get SPI port: %w", err)
	}

	// [FTDI AN_114|1.2]> FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	// [n25q_32mb_3v_65nm.pdf|Table 7: SPI Modes] mode 0 and mode 3 are supported
	mode := spi.Mode0
	b.conn, err = b.port.Connect(b.clock, mode, 8)
	return err
}

// OpenSPI opens a host SPI port by name (for example "/dev/spidev0.0" or
// "SPI0.0") and uses csName as a GPIO chip select. The port's own chip
// select is disabled since one flash command spans several transfers.
func OpenSPI(name, csName string, clock physic.Frequency) (*SPITransport, spi.PortCloser, error) {
	if err := initHost(); err != nil {
		return nil, nil, err
	}
	cs := gpioreg.ByName(csName)
	if cs == nil {
		return nil, nil, fmt.Errorf("chip select pin %q not found", csName)
	}
	port, err := spireg.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open SPI port %q: %w", name, err)
	}
	if clock == 0 {
		clock = 10 * physic.MegaHertz
	}
	c, err := port.Connect(clock, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		port.Close()
		return nil, nil, fmt.Errorf("failed to connect SPI port %q: %w", name, err)
	}
	if err := cs.Out(gpio.High); err != nil {
		port.Close()
		return nil, nil, err
	}
	return NewSPITransport(c, cs), port, nil
}
