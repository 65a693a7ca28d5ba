package msc

import (
	"bytes"
	"io"
	"testing"

	"github.com/gentam/qflash"
	"github.com/gentam/qflash/flashtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) (*Storage, *flashtest.Chip) {
	t.Helper()
	sim := flashtest.New(flashtest.W25Q128)
	dev, err := qflash.Open(sim, qflash.Config{})
	require.NoError(t, err)
	return New(dev), sim
}

func TestStorageReadWrite(t *testing.T) {
	s, sim := newStorage(t)
	assert.Equal(t, uint32(512), s.BlockSize())
	assert.Equal(t, uint64(32768), s.BlockCount())

	buf := bytes.Repeat([]byte{0xC3}, 3*512)
	n, err := s.Write(10, 3, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)

	got := make([]byte, 3*512)
	n, err = s.Read(10, 3, got)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)
	assert.Equal(t, buf, got)

	require.NoError(t, s.Sync())
	assert.Equal(t, buf, sim.Peek(10*512, len(buf)))
}

func TestStorageBounds(t *testing.T) {
	s, _ := newStorage(t)

	_, err := s.Read(s.BlockCount()-1, 2, make([]byte, 1024))
	assert.ErrorIs(t, err, io.EOF)
	_, err = s.Write(0, 2, make([]byte, 512))
	assert.ErrorIs(t, err, io.ErrShortBuffer)
}

func TestStorageReadOnly(t *testing.T) {
	s, _ := newStorage(t)
	s.SetReadOnly(true)
	assert.True(t, s.IsReadOnly())

	_, err := s.Write(0, 1, make([]byte, 512))
	assert.ErrorIs(t, err, qflash.ErrReadOnly)
	_, err = s.Read(0, 1, make([]byte, 512))
	assert.NoError(t, err)
}

func TestStorageEject(t *testing.T) {
	s, sim := newStorage(t)
	assert.True(t, s.IsRemovable())

	_, err := s.Write(0, 1, bytes.Repeat([]byte{0x01}, 512))
	require.NoError(t, err)

	require.NoError(t, s.PreventAllowMediumRemoval(true))
	assert.Error(t, s.StartStopUnit(false, true))
	assert.True(t, s.IsPresent())

	// allowing removal writes the cache back
	require.NoError(t, s.PreventAllowMediumRemoval(false))
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 512), sim.Peek(0, 512))

	require.NoError(t, s.StartStopUnit(false, true))
	assert.False(t, s.IsPresent())
	_, err = s.Read(0, 1, make([]byte, 512))
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, s.StartStopUnit(true, true))
	assert.True(t, s.IsPresent())
}

func TestInquiry(t *testing.T) {
	s, _ := newStorage(t)
	b := s.Inquiry("QFLASH", "NOR Flash Disk", "1.0")
	require.Len(t, b, 36)
	assert.Equal(t, byte(0x80), b[1])
	assert.Equal(t, "QFLASH  ", string(b[8:16]))
	assert.Equal(t, "NOR Flash Disk  ", string(b[16:32]))
	assert.Equal(t, "1.0 ", string(b[32:36]))
}
