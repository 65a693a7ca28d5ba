package qflash

import (
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Transport moves raw bytes between the host and the flash chip.
//
// Select(true) asserts chip select and starts a command; Select(false) ends
// it. Every call to Transfer in between belongs to the same command.
//
// Transfer clocks len(w) or len(r) bytes on the single-lane bus. A nil w
// clocks out 0xFF, a nil r discards what was received. When both are
// non-nil they must have the same length.
type Transport interface {
	Select(active bool) error
	Transfer(w, r []byte) error
}

// QuadTransport is a Transport that can also clock data on two or four
// lanes. Lanes reports how many data lanes are wired (2 or 4); QRead and
// QWrite return ErrUnsupported on a two-lane bus.
type QuadTransport interface {
	Transport
	Lanes() int
	DRead(r []byte) error
	QRead(r []byte) error
	QWrite(w []byte) error
}

// [FTDI AN_108] MPSSE commands carry at most 65536 bytes.
const defaultMaxTx = 65536

// SPITransport is a single-lane Transport over a periph.io SPI connection
// with a GPIO driven chip select (active low).
type SPITransport struct {
	conn  spi.Conn
	cs    gpio.PinOut
	maxTx int
}

// NewSPITransport wraps c. The chip select must be a separate pin since a
// flash command spans several Tx calls.
func NewSPITransport(c spi.Conn, cs gpio.PinOut) *SPITransport {
	t := &SPITransport{conn: c, cs: cs, maxTx: defaultMaxTx}
	if l, ok := c.(conn.Limits); ok {
		if n := l.MaxTxSize(); n > 0 {
			t.maxTx = n
		}
	}
	return t
}

func (t *SPITransport) Select(active bool) error {
	if active {
		return t.cs.Out(gpio.Low)
	}
	return t.cs.Out(gpio.High)
}

func (t *SPITransport) Transfer(w, r []byte) error {
	n := max(len(w), len(r))
	for off := 0; off < n; {
		chunk := min(n-off, t.maxTx)
		var wb, rb []byte
		if w != nil {
			wb = w[off : off+chunk]
		} else {
			wb = make([]byte, chunk)
			for i := range wb {
				wb[i] = 0xFF
			}
		}
		if r != nil {
			rb = r[off : off+chunk]
		} else {
			rb = make([]byte, chunk)
		}
		if err := t.conn.Tx(wb, rb); err != nil {
			return err
		}
		off += chunk
	}
	return nil
}

// session runs fn with chip select asserted and always deasserts it.
func session(t Transport, fn func() error) (err error) {
	if err = t.Select(true); err != nil {
		return err
	}
	defer func() {
		if csErr := t.Select(false); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return fn()
}
