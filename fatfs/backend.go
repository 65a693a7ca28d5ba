// Package fatfs puts a FAT filesystem on a flash Device, the same layout a
// USB host sees through the mass storage adapter.
package fatfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/diskfs/go-diskfs/backend"
	"github.com/gentam/qflash"
)

// Backend exposes a qflash.Device as go-diskfs storage: a regular file of
// the device's size.
type Backend struct {
	dev  *qflash.Device
	name string

	mu     sync.Mutex
	offset int64
	closed bool
}

var (
	_ backend.Storage      = (*Backend)(nil)
	_ backend.WritableFile = (*Backend)(nil)
)

// NewBackend wraps dev. name only shows up in Stat.
func NewBackend(dev *qflash.Device, name string) *Backend {
	return &Backend{dev: dev, name: name}
}

func (b *Backend) Stat() (fs.FileInfo, error) {
	return fileInfo{name: b.name, size: int64(b.dev.Size())}, nil
}

func (b *Backend) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fs.ErrClosed
	}
	n, err := b.dev.ReadAt(p, b.offset)
	b.offset += int64(n)
	return n, err
}

func (b *Backend) ReadAt(p []byte, off int64) (int, error) {
	return b.dev.ReadAt(p, off)
}

func (b *Backend) WriteAt(p []byte, off int64) (int, error) {
	return b.dev.WriteAt(p, off)
}

func (b *Backend) Seek(offset int64, whence int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.offset + offset
	case io.SeekEnd:
		abs = int64(b.dev.Size()) + offset
	default:
		return 0, fmt.Errorf("fatfs: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("fatfs: negative position")
	}
	b.offset = abs
	return abs, nil
}

// Close flushes the device cache. The device itself stays open.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.dev.Flush()
}

// Sys reports that there is no OS file behind the device.
func (b *Backend) Sys() (*os.File, error) {
	return nil, backend.ErrNotSuitable
}

func (b *Backend) Writable() (backend.WritableFile, error) {
	return b, nil
}

type fileInfo struct {
	name string
	size int64
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return 0o644 }
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return false }
func (fi fileInfo) Sys() any           { return nil }
