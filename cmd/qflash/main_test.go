package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gentam/qflash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadImage(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "flash.img")
	in := filepath.Join(dir, "in.bin")
	out := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(in, []byte("bitstream"), 0644))

	require.NoError(t, writeCommand([]string{"-sim", img, "-chip", "n25q032", "-f", in, "-a", "0x1000"}))
	require.NoError(t, readCommand([]string{"-sim", img, "-chip", "n25q032", "-a", "0x1000", "-n", "9", "-o", out}))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("bitstream"), got)

	require.NoError(t, eraseCommand([]string{"-sim", img, "-chip", "n25q032", "-a", "0x1004"}))
	require.NoError(t, readCommand([]string{"-sim", img, "-chip", "n25q032", "-a", "0x1000", "-n", "4", "-o", out}))
	got, err = os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, got)
}

func TestFailedCommandSavesImage(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "flash.img")
	in := filepath.Join(dir, "in.bin")
	require.NoError(t, os.WriteFile(in, []byte("tail"), 0644))

	// the chip erase runs, then the write past the end fails
	err := writeCommand([]string{"-sim", img, "-chip", "n25q032", "-e", "-f", in, "-a", "0x3FFFFE"})
	assert.ErrorIs(t, err, qflash.ErrOutOfRange)

	fi, err := os.Stat(img)
	require.NoError(t, err)
	assert.Equal(t, int64(4<<20), fi.Size())
}

func TestUsageErrors(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "flash.img")

	for _, tt := range []struct {
		name string
		run  func([]string) error
		args []string
	}{
		{"read negative length", readCommand, []string{"-n", "-1"}},
		{"read wide address", readCommand, []string{"-a", "0x100000000"}},
		{"write wide address", writeCommand, []string{"-e", "-a", "0x100001000"}},
		{"write without file", writeCommand, nil},
		{"erase negative count", eraseCommand, []string{"-n", "-2"}},
		{"erase wide address", eraseCommand, []string{"-a", "0x1FFFFFFFF"}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(append([]string{"-sim", img}, tt.args...))
			var uerr usageError
			assert.True(t, errors.As(err, &uerr), "got %v", err)
		})
	}

	// rejected before the bus is opened
	assert.NoFileExists(t, img)
}
