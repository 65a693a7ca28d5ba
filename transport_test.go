package qflash

import (
	"bytes"
	"testing"

	"github.com/gentam/qflash/flashtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

func TestSPITransportReadID(t *testing.T) {
	port := &spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				{W: []byte{cmdReadID}, R: []byte{0}},
				{W: []byte{0xFF, 0xFF, 0xFF}, R: []byte{0xEF, 0x70, 0x18}},
			},
			DontPanic: true,
		},
	}
	c, err := port.Connect(physic.MegaHertz, spi.Mode0, 8)
	require.NoError(t, err)
	cs := &gpiotest.Pin{N: "CS", L: gpio.High}

	chip := NewChip(NewSPITransport(c, cs), Config{})
	id, name, err := chip.ReadID()
	require.NoError(t, err)
	assert.Equal(t, [3]byte{0xEF, 0x70, 0x18}, id)
	assert.Equal(t, "Winbond W25Q 128Mb", name)
	assert.Equal(t, gpio.High, cs.Read())
	assert.NoError(t, port.Close())
}

func TestSPITransportError(t *testing.T) {
	port := &spitest.Playback{Playback: conntest.Playback{DontPanic: true}}
	c, err := port.Connect(physic.MegaHertz, spi.Mode0, 8)
	require.NoError(t, err)
	cs := &gpiotest.Pin{N: "CS", L: gpio.High}

	chip := NewChip(NewSPITransport(c, cs), Config{})
	_, _, err = chip.ReadID()
	assert.ErrorIs(t, err, ErrIO)
	// chip select is released even when the transfer failed
	assert.Equal(t, gpio.High, cs.Read())
}

func TestSPITransportChunks(t *testing.T) {
	sim := flashtest.New(flashtest.N25Q032)
	conn := flashtest.NewConn(sim, 64)
	tr := NewSPITransport(conn, conn.CS())

	chip := NewChip(tr, Config{})
	require.NoError(t, chip.Init())
	assert.Equal(t, ModeSingle, chip.Mode())

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i * 3)
	}
	sim.Poke(0x2000, data)
	got := make([]byte, len(data))
	require.NoError(t, chip.ReadRaw(0x2000, got))
	assert.Equal(t, data, got)

	page := bytes.Repeat([]byte{0x3C}, PageSize)
	require.NoError(t, chip.EraseSector(0x8000))
	require.NoError(t, chip.WritePage(0x8000, page))
	assert.Equal(t, page, sim.Peek(0x8000, PageSize))
}

func TestSessionReleasesOnError(t *testing.T) {
	sim := flashtest.New(flashtest.N25Q032)
	err := session(sim, func() error { return ErrUnsupported })
	assert.ErrorIs(t, err, ErrUnsupported)

	// the chip is deselected again: a new command works
	chip := NewChip(sim, Config{})
	_, _, err = chip.ReadID()
	assert.NoError(t, err)
}
