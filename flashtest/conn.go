package flashtest

import (
	"errors"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"
)

// SingleLane hides the dual and quad methods of a Chip, like a plain SPI
// bus would.
type SingleLane struct {
	C *Chip
}

func (s SingleLane) Select(active bool) error   { return s.C.Select(active) }
func (s SingleLane) Transfer(w, r []byte) error { return s.C.Transfer(w, r) }

// Conn exposes a Chip as a periph.io SPI connection with a separate GPIO
// chip select, the way the chip sits behind an FTDI adapter.
type Conn struct {
	c     *Chip
	cs    *CSPin
	limit int
}

var (
	_ spi.Conn    = (*Conn)(nil)
	_ conn.Limits = (*Conn)(nil)
)

// NewConn returns a connection to c. A positive maxTx limits the size of
// one Tx.
func NewConn(c *Chip, maxTx int) *Conn {
	return &Conn{
		c:     c,
		cs:    &CSPin{Pin: &gpiotest.Pin{N: "CS", L: gpio.High}, c: c},
		limit: maxTx,
	}
}

// CS returns the chip select line. Driving it low starts a command.
func (s *Conn) CS() *CSPin { return s.cs }

func (s *Conn) String() string { return "flashtest:" + s.c.p.Name }

func (s *Conn) Duplex() conn.Duplex { return conn.Full }

func (s *Conn) MaxTxSize() int { return s.limit }

func (s *Conn) Tx(w, r []byte) error {
	if s.limit > 0 && max(len(w), len(r)) > s.limit {
		return errors.New("flashtest: Tx larger than MaxTxSize")
	}
	return s.c.Transfer(w, r)
}

func (s *Conn) TxPackets(p []spi.Packet) error {
	for _, pk := range p {
		if err := s.Tx(pk.W, pk.R); err != nil {
			return err
		}
	}
	return nil
}

// CSPin is an active low chip select wired to a Chip.
type CSPin struct {
	*gpiotest.Pin
	c *Chip
}

func (p *CSPin) Out(l gpio.Level) error {
	if err := p.Pin.Out(l); err != nil {
		return err
	}
	return p.c.Select(l == gpio.Low)
}
