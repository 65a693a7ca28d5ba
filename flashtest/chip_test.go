package flashtest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cmd(t *testing.T, c *Chip, w []byte, n int) []byte {
	t.Helper()
	require.NoError(t, c.Select(true))
	require.NoError(t, c.Transfer(w, nil))
	r := make([]byte, n)
	if n > 0 {
		require.NoError(t, c.Transfer(nil, r))
	}
	require.NoError(t, c.Select(false))
	return r
}

func TestChipID(t *testing.T) {
	c := New(W25Q128)
	assert.Equal(t, []byte{0xEF, 0x70, 0x18}, cmd(t, c, []byte{0x9F}, 3))
}

func TestChipProgramNeedsWriteEnable(t *testing.T) {
	c := New(N25Q032)

	cmd(t, c, []byte{0x02, 0x00, 0x01, 0x00, 0x12, 0x34}, 0)
	assert.Equal(t, []byte{0xFF, 0xFF}, c.Peek(0x100, 2))

	cmd(t, c, []byte{0x06}, 0)
	assert.Equal(t, byte(0x02), cmd(t, c, []byte{0x05}, 1)[0])
	cmd(t, c, []byte{0x02, 0x00, 0x01, 0x00, 0x12, 0x34}, 0)
	assert.Equal(t, []byte{0x12, 0x34}, c.Peek(0x100, 2))
	assert.Equal(t, []uint32{0x100}, c.ProgramLog())

	// programming only clears bits
	cmd(t, c, []byte{0x06}, 0)
	cmd(t, c, []byte{0x02, 0x00, 0x01, 0x00, 0xF0}, 0)
	assert.Equal(t, byte(0x10), c.Peek(0x100, 1)[0])
}

func TestChipPageWrap(t *testing.T) {
	c := New(N25Q032)
	cmd(t, c, []byte{0x06}, 0)
	cmd(t, c, []byte{0x02, 0x00, 0x00, 0xFF, 0xAA, 0xBB}, 0)
	assert.Equal(t, byte(0xAA), c.Peek(0xFF, 1)[0])
	assert.Equal(t, byte(0xBB), c.Peek(0x00, 1)[0])
	assert.Equal(t, byte(0xFF), c.Peek(0x100, 1)[0])
}

func TestChipBusy(t *testing.T) {
	c := New(N25Q032)
	c.BusyPolls = 2
	c.Poke(0, []byte{0})

	cmd(t, c, []byte{0x06}, 0)
	cmd(t, c, []byte{0x20, 0, 0, 0}, 0)
	assert.Equal(t, []uint32{0}, c.EraseLog())

	// reads are ignored while busy
	assert.Equal(t, []byte{0xFF}, cmd(t, c, []byte{0x9F}, 1))
	st := cmd(t, c, []byte{0x05}, 3)
	assert.Equal(t, []byte{0x01, 0x01, 0x00}, st)
	assert.Equal(t, 1, c.EraseCount(0))
}

func TestChipBlockLock(t *testing.T) {
	c := New(SST26VF016B)
	require.True(t, c.Locked())

	cmd(t, c, []byte{0x06}, 0)
	cmd(t, c, []byte{0x20, 0, 0x10, 0}, 0)
	assert.Empty(t, c.EraseLog())

	cmd(t, c, []byte{0x06}, 0)
	cmd(t, c, []byte{0x98}, 0)
	assert.False(t, c.Locked())
}

func TestChipDualRead(t *testing.T) {
	c := New(N25Q032)
	c.Poke(0x40, []byte{0xDE, 0xAD})

	require.NoError(t, c.Select(true))
	require.NoError(t, c.Transfer([]byte{0x3B, 0, 0, 0x40, 0xFF}, nil))
	r := make([]byte, 2)
	require.NoError(t, c.DRead(r))
	require.NoError(t, c.Select(false))
	assert.Equal(t, []byte{0xDE, 0xAD}, r)

	// the single-lane read command ignores dual clocks
	require.NoError(t, c.Select(true))
	require.NoError(t, c.Transfer([]byte{0x03, 0, 0, 0x40}, nil))
	require.NoError(t, c.DRead(r))
	require.NoError(t, c.Select(false))
	assert.Equal(t, []byte{0xFF, 0xFF}, r)
}

func TestChipQuadNeedsEnable(t *testing.T) {
	c := New(W25Q128)
	c.Poke(0, []byte{0x42})

	quadRead := func() byte {
		require.NoError(t, c.Select(true))
		require.NoError(t, c.Transfer([]byte{0x6B, 0, 0, 0}, nil))
		r := make([]byte, 5) // 8 dummy clocks, then data
		require.NoError(t, c.QRead(r))
		require.NoError(t, c.Select(false))
		return r[4]
	}
	assert.Equal(t, byte(0xFF), quadRead())

	c.SetRegisters(0, 0x02)
	assert.Equal(t, byte(0x42), quadRead())

	c.LaneCount = 2
	assert.ErrorIs(t, c.QRead(nil), ErrUnsupported)
}

func TestChipLoadSave(t *testing.T) {
	c := New(Generic(8192))
	require.NoError(t, c.Load(bytes.NewReader([]byte("image"))))
	assert.Equal(t, []byte("image\xff"), c.Peek(0, 6))

	var out bytes.Buffer
	require.NoError(t, c.Save(&out))
	assert.Equal(t, 8192, out.Len())
	assert.Equal(t, "image", out.String()[:5])
}
