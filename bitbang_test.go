package qflash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func newBitBang(lanes int) (*BitBang, []*gpiotest.Pin) {
	pins := make([]*gpiotest.Pin, lanes)
	b := &BitBang{
		SCK: &gpiotest.Pin{N: "SCK"},
		CS:  &gpiotest.Pin{N: "CS", L: gpio.High},
	}
	for i := range pins {
		pins[i] = &gpiotest.Pin{N: "SIO", Num: i}
		b.SIO[i] = pins[i]
	}
	return b, pins
}

func TestBitBangLoopback(t *testing.T) {
	b, _ := newBitBang(4)
	// MISO reads back whatever MOSI drives
	b.SIO[1] = b.SIO[0]

	require.NoError(t, b.Select(true))
	assert.Equal(t, gpio.Low, b.CS.(*gpiotest.Pin).Read())

	w := []byte{0x00, 0xA5, 0x3C, 0xFF}
	r := make([]byte, len(w))
	require.NoError(t, b.Transfer(w, r))
	assert.Equal(t, w, r)

	require.NoError(t, b.Select(false))
	assert.Equal(t, gpio.High, b.CS.(*gpiotest.Pin).Read())
}

func TestBitBangLaneReads(t *testing.T) {
	b, pins := newBitBang(4)
	// a pin keeps its level in input mode
	pins[0].L = gpio.High
	pins[3].L = gpio.High

	r := make([]byte, 2)
	require.NoError(t, b.QRead(r))
	assert.Equal(t, []byte{0x99, 0x99}, r)

	require.NoError(t, b.DRead(r))
	assert.Equal(t, []byte{0x55, 0x55}, r)
}

func TestBitBangQWrite(t *testing.T) {
	b, pins := newBitBang(4)
	require.NoError(t, b.QWrite([]byte{0x3A}))
	// the low nibble is on the lanes last
	for i, want := range []gpio.Level{gpio.Low, gpio.High, gpio.Low, gpio.High} {
		assert.Equal(t, want, pins[i].Read(), "SIO%d", i)
	}
}

func TestBitBangTwoLanes(t *testing.T) {
	b, _ := newBitBang(2)
	assert.Equal(t, 2, b.Lanes())
	assert.ErrorIs(t, b.QRead(make([]byte, 1)), ErrUnsupported)
	assert.ErrorIs(t, b.QWrite([]byte{1}), ErrUnsupported)
	assert.NoError(t, b.DRead(make([]byte, 1)))
}
