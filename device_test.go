package qflash

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/gentam/qflash/flashtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

var errInjected = errors.New("injected fault")

func openSim(t *testing.T, p flashtest.Params, cfg Config) (*Device, *Chip, *flashtest.Chip) {
	t.Helper()
	sim := flashtest.New(p)
	chip := NewChip(sim, cfg)
	require.NoError(t, chip.Init())
	sim.ResetCounters()
	return NewDevice(chip, cfg), chip, sim
}

func TestDeviceWriteBackScenario(t *testing.T) {
	dev, _, sim := openSim(t, flashtest.N25Q032, Config{})

	require.NoError(t, dev.Write(0x1000, []byte("ABCDEFGHIJ")))
	sector, ok := dev.CachedSector()
	assert.True(t, ok)
	assert.Equal(t, uint32(1), sector)
	assert.True(t, dev.Dirty())
	assert.Equal(t, 0, sim.Counters().Erases)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 10), sim.Peek(0x1000, 10))

	got := make([]byte, 10)
	require.NoError(t, dev.Read(0x1000, got))
	assert.Equal(t, []byte("ABCDEFGHIJ"), got)

	// a write to sector 3 evicts sector 1
	require.NoError(t, dev.Write(0x3000, []byte("xyz")))
	assert.Equal(t, []byte("ABCDEFGHIJ"), sim.Peek(0x1000, 10))
	assert.Equal(t, []uint32{0x1000}, sim.EraseLog())
	assert.Len(t, sim.ProgramLog(), pagesPerSector)
	sector, _ = dev.CachedSector()
	assert.Equal(t, uint32(3), sector)
	assert.True(t, dev.Dirty())

	s := dev.Stats()
	assert.Equal(t, uint64(1), s.Flushes)
	assert.Equal(t, uint64(1), s.Evictions)
	assert.Equal(t, uint32(1), s.Erases[1])

	require.NoError(t, dev.Flush())
	assert.False(t, dev.Dirty())
	assert.Equal(t, []byte("xyz"), sim.Peek(0x3000, 3))

	// flushing a clean cache touches nothing
	sim.ResetCounters()
	require.NoError(t, dev.Flush())
	assert.Equal(t, 0, sim.Counters().Erases)
}

func TestDeviceFlushProgramsPagesInOrder(t *testing.T) {
	dev, _, sim := openSim(t, flashtest.N25Q032, Config{})

	require.NoError(t, dev.Write(0x2010, []byte{1, 2, 3}))
	require.NoError(t, dev.Flush())

	want := make([]uint32, pagesPerSector)
	for i := range want {
		want[i] = 0x2000 + uint32(i*PageSize)
	}
	assert.Equal(t, want, sim.ProgramLog())
	assert.Equal(t, []uint32{0x2000}, sim.EraseLog())
}

func TestDeviceReadMergesCache(t *testing.T) {
	dev, _, sim := openSim(t, flashtest.N25Q032, Config{})
	sim.Poke(0x0FF0, bytes.Repeat([]byte{0x11}, 16))
	sim.Poke(0x2000, bytes.Repeat([]byte{0x22}, 16))

	require.NoError(t, dev.Write(0x1000, bytes.Repeat([]byte{0xAA}, SectorSize)))

	got := make([]byte, SectorSize+32)
	require.NoError(t, dev.Read(0x0FF0, got))
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 16), got[:16])
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, SectorSize), got[16:16+SectorSize])
	assert.Equal(t, bytes.Repeat([]byte{0x22}, 16), got[16+SectorSize:])

	// nothing reached the chip yet
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 4), sim.Peek(0x1000, 4))
}

func TestDeviceWriteSpanningSectors(t *testing.T) {
	dev, _, sim := openSim(t, flashtest.N25Q032, Config{})

	src := make([]byte, 2*SectorSize+100)
	for i := range src {
		src[i] = byte(i * 7)
	}
	require.NoError(t, dev.Write(0x0F80, src))
	require.NoError(t, dev.Flush())
	assert.Equal(t, src, sim.Peek(0x0F80, len(src)))
	assert.Equal(t, []uint32{0x0000, 0x1000, 0x2000}, sim.EraseLog())

	got := make([]byte, len(src))
	require.NoError(t, dev.Read(0x0F80, got))
	assert.Equal(t, src, got)
}

func TestDeviceWriteAroundCachedSector(t *testing.T) {
	dev, _, sim := openSim(t, flashtest.N25Q032, Config{})

	require.NoError(t, dev.Write(0x1800, []byte{0x42}))
	sim.ResetCounters()

	// covers sector 0 tail, all of cached sector 1 and sector 2 head
	src := bytes.Repeat([]byte{0x5A}, SectorSize+0x200)
	require.NoError(t, dev.Write(0x0F00, src))
	require.NoError(t, dev.Flush())

	assert.Equal(t, src, sim.Peek(0x0F00, len(src)))
	// the cached sector goes back first, then its neighbours in order
	assert.Equal(t, []uint32{0x1000, 0x0000, 0x2000}, sim.EraseLog())
}

func TestDeviceRange(t *testing.T) {
	dev, _, _ := openSim(t, flashtest.N25Q032, Config{})

	assert.ErrorIs(t, dev.Write(dev.Size()-1, []byte{1, 2}), ErrOutOfRange)
	assert.ErrorIs(t, dev.Read(dev.Size(), make([]byte, 1)), ErrOutOfRange)
	assert.NoError(t, dev.Write(dev.Size()-1, []byte{1}))
	assert.NoError(t, dev.Read(0, nil))
	assert.NoError(t, dev.Write(0, nil))
}

func TestDeviceFlushFailureKeepsDirty(t *testing.T) {
	dev, _, sim := openSim(t, flashtest.N25Q032, Config{})
	require.NoError(t, dev.Write(0x1000, []byte("keep")))

	sim.Fault = func(op byte, addr uint32) error {
		if op == cmdEraseSector {
			return errInjected
		}
		return nil
	}
	err := dev.Flush()
	assert.ErrorIs(t, err, errInjected)
	assert.ErrorIs(t, err, ErrIO)
	assert.True(t, dev.Dirty())

	// a write to another sector cannot evict it either
	err = dev.Write(0x5000, []byte{1})
	assert.ErrorIs(t, err, errInjected)
	sector, _ := dev.CachedSector()
	assert.Equal(t, uint32(1), sector)
	assert.Zero(t, dev.Stats().Evictions)

	got := make([]byte, 4)
	require.NoError(t, dev.Read(0x1000, got))
	assert.Equal(t, []byte("keep"), got)

	sim.Fault = nil
	require.NoError(t, dev.Write(0x5000, []byte{1}))
	assert.Equal(t, uint64(1), dev.Stats().Evictions)
	assert.Equal(t, []byte("keep"), sim.Peek(0x1000, 4))
	require.NoError(t, dev.Flush())
	assert.False(t, dev.Dirty())
}

func TestDeviceProgramFailureKeepsDirty(t *testing.T) {
	dev, _, sim := openSim(t, flashtest.N25Q032, Config{})
	require.NoError(t, dev.Write(0x1000, []byte("data")))

	programs := 0
	sim.Fault = func(op byte, addr uint32) error {
		if op == cmdPageProgram || op == cmdQuadPageProgram {
			programs++
			if programs == 3 {
				return errInjected
			}
		}
		return nil
	}
	assert.ErrorIs(t, dev.Flush(), errInjected)
	assert.True(t, dev.Dirty())
	assert.Len(t, sim.ProgramLog(), 2)
}

// corruptMedium flips a bit of every page it programs.
type corruptMedium struct {
	*Chip
	on bool
}

func (m *corruptMedium) WritePage(addr uint32, page []byte) error {
	if m.on {
		page = append([]byte(nil), page...)
		page[0] &^= 0x80
	}
	return m.Chip.WritePage(addr, page)
}

func TestDeviceVerify(t *testing.T) {
	_, chip, _ := openSim(t, flashtest.N25Q032, Config{})
	m := &corruptMedium{Chip: chip, on: true}
	dev := NewDevice(m, Config{Verify: true})

	require.NoError(t, dev.Write(0x1000, []byte{0xF0}))
	err := dev.Flush()
	assert.ErrorIs(t, err, ErrVerify)
	assert.ErrorIs(t, err, ErrIO)
	assert.True(t, dev.Dirty())
	assert.Zero(t, dev.Stats().Flushes)

	m.on = false
	require.NoError(t, dev.Flush())
	assert.False(t, dev.Dirty())
}

func TestDeviceEraseDropsCache(t *testing.T) {
	dev, _, sim := openSim(t, flashtest.N25Q032, Config{})
	sim.Poke(0x1000, []byte{0x00})

	require.NoError(t, dev.Write(0x1001, []byte{0x33}))
	require.NoError(t, dev.EraseSector(0x1234))
	_, ok := dev.CachedSector()
	assert.False(t, ok)
	assert.False(t, dev.Dirty())
	assert.Equal(t, []byte{0xFF, 0xFF}, sim.Peek(0x1000, 2))

	require.NoError(t, dev.Write(0x2000, []byte{0x44}))
	require.NoError(t, dev.EraseChip())
	assert.False(t, dev.Dirty())
	assert.Equal(t, 1, sim.Counters().ChipErases)
}

func TestDeviceImmediateDiff(t *testing.T) {
	dev, _, sim := openSim(t, flashtest.N25Q032, Config{Policy: ImmediateDiff{}})

	// blank target: program only the touched pages, no erase
	require.NoError(t, dev.Write(0x10F0, bytes.Repeat([]byte{0x12}, 0x20)))
	assert.Empty(t, sim.EraseLog())
	assert.Equal(t, []uint32{0x1000, 0x1100}, sim.ProgramLog())
	assert.Equal(t, bytes.Repeat([]byte{0x12}, 0x20), sim.Peek(0x10F0, 0x20))
	assert.False(t, dev.Dirty())

	// same data again: nothing to do
	sim.ResetCounters()
	require.NoError(t, dev.Write(0x10F0, bytes.Repeat([]byte{0x12}, 0x20)))
	assert.Empty(t, sim.EraseLog())
	assert.Empty(t, sim.ProgramLog())

	// overwriting programmed bytes needs an erase and a full rewrite
	sim.ResetCounters()
	require.NoError(t, dev.Write(0x10F0, []byte{0x34}))
	assert.Equal(t, []uint32{0x1000}, sim.EraseLog())
	assert.Len(t, sim.ProgramLog(), pagesPerSector)
	assert.Equal(t, []byte{0x34, 0x12}, sim.Peek(0x10F0, 2))
	assert.False(t, dev.Dirty())

	require.NoError(t, dev.Flush())
	assert.Equal(t, uint64(0), dev.Stats().Flushes)
}

func TestDeviceImmediateDiffFailureInvalidates(t *testing.T) {
	dev, _, sim := openSim(t, flashtest.N25Q032, Config{Policy: ImmediateDiff{}})
	require.NoError(t, dev.Write(0x1000, []byte{0x01}))

	sim.Fault = func(op byte, addr uint32) error {
		if op == cmdEraseSector {
			return errInjected
		}
		return nil
	}
	assert.ErrorIs(t, dev.Write(0x1000, []byte{0x02}), errInjected)
	_, ok := dev.CachedSector()
	assert.False(t, ok)
	assert.False(t, dev.Dirty())
}

func TestWritePartTooLarge(t *testing.T) {
	dev, _, sim := openSim(t, flashtest.N25Q032, Config{})

	err := dev.writePart(0x1F00, make([]byte, 0x200))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.ErrorIs(t, err, ErrIO)
	_, ok := dev.CachedSector()
	assert.False(t, ok)
	assert.Zero(t, sim.Counters().Reads)
}

func TestDeviceReaderWriterAt(t *testing.T) {
	dev, _, _ := openSim(t, flashtest.Generic(64<<10), Config{})
	size := int64(dev.Size())

	n, err := dev.WriteAt([]byte("tail"), size-4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 8)
	n, err = dev.ReadAt(buf, size-4)
	assert.Equal(t, 4, n)
	assert.Equal(t, "tail", string(buf[:4]))
	assert.Equal(t, io.EOF, err)

	_, err = dev.ReadAt(buf, size)
	assert.Equal(t, io.EOF, err)

	_, err = dev.WriteAt(buf, size-4)
	assert.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, dev.Close())
	assert.False(t, dev.Dirty())
}

func TestDeviceDirtyLED(t *testing.T) {
	led := &gpiotest.Pin{N: "LED", L: gpio.High}
	dev, _, _ := openSim(t, flashtest.N25Q032, Config{DirtyLED: led})
	assert.Equal(t, gpio.Low, led.Read())

	require.NoError(t, dev.Write(0, []byte{0}))
	assert.Equal(t, gpio.High, led.Read())
	require.NoError(t, dev.Flush())
	assert.Equal(t, gpio.Low, led.Read())
}

func TestDeviceConcurrentAccess(t *testing.T) {
	lock := NewSpinLock(nil)
	dev, _, _ := openSim(t, flashtest.Generic(256<<10), Config{Lock: lock})

	const writers = 4
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// each writer owns one record that straddles a sector boundary
			addr := uint32(w+1)*SectorSize - 8
			for i := 0; i < 20; i++ {
				rec := bytes.Repeat([]byte{byte(w<<4 | i&0xF)}, 16)
				assert.NoError(t, dev.Write(addr, rec))

				got := make([]byte, 16)
				assert.NoError(t, dev.Read(addr, got))
				assert.Equal(t, rec, got)
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, dev.Flush())

	for w := 0; w < writers; w++ {
		got := make([]byte, 16)
		require.NoError(t, dev.Read(uint32(w+1)*SectorSize-8, got))
		assert.Equal(t, bytes.Repeat([]byte{byte(w<<4 | 19&0xF)}, 16), got)
	}
}
