// Package msc adapts a flash Device to the block storage interface of a
// USB mass storage class handler. The handler is the competing consumer
// that shares the device's bus lock with foreground code.
package msc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gentam/qflash"
)

// ErrNotReady is returned while the medium is ejected.
var ErrNotReady = errors.New("msc: medium not present")

// Storage is a mass storage backend over a qflash.Device.
type Storage struct {
	dev *qflash.Device

	mutex     sync.RWMutex
	readOnly  bool
	present   bool
	preventRm bool
}

// New returns a present, writable, removable storage over dev.
func New(dev *qflash.Device) *Storage {
	return &Storage{dev: dev, present: true}
}

// BlockSize returns the block size.
func (s *Storage) BlockSize() uint32 {
	return qflash.BlockSize
}

// BlockCount returns the number of blocks.
func (s *Storage) BlockCount() uint64 {
	return uint64(s.dev.Size()) / qflash.BlockSize
}

func (s *Storage) span(lba uint64, blocks uint32, buf []byte) (addr uint32, n int, err error) {
	length := uint64(blocks) * qflash.BlockSize
	if lba+uint64(blocks) > s.BlockCount() {
		return 0, 0, io.EOF
	}
	if uint64(len(buf)) < length {
		return 0, 0, io.ErrShortBuffer
	}
	return uint32(lba * qflash.BlockSize), int(length), nil
}

// Read reads blocks starting at lba into buf.
func (s *Storage) Read(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !s.present {
		return 0, ErrNotReady
	}
	addr, n, err := s.span(lba, blocks, buf)
	if err != nil {
		return 0, err
	}
	if err := s.dev.Read(addr, buf[:n]); err != nil {
		return 0, fmt.Errorf("msc: read lba %d: %w", lba, err)
	}
	return blocks, nil
}

// Write writes blocks from buf starting at lba.
func (s *Storage) Write(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if !s.present {
		return 0, ErrNotReady
	}
	if s.readOnly {
		return 0, qflash.ErrReadOnly
	}
	addr, n, err := s.span(lba, blocks, buf)
	if err != nil {
		return 0, err
	}
	if err := s.dev.Write(addr, buf[:n]); err != nil {
		return 0, fmt.Errorf("msc: write lba %d: %w", lba, err)
	}
	return blocks, nil
}

// Sync flushes the sector cache.
func (s *Storage) Sync() error {
	return s.dev.Flush()
}

// IsReadOnly returns true if storage is read-only.
func (s *Storage) IsReadOnly() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.readOnly
}

// SetReadOnly makes the host see a write-protected medium.
func (s *Storage) SetReadOnly(ro bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.readOnly = ro
}

// IsRemovable returns true; the host may eject the flash drive.
func (s *Storage) IsRemovable() bool {
	return true
}

// IsPresent returns true until the medium is ejected.
func (s *Storage) IsPresent() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.present
}

// Eject flushes the cache and reports the medium as absent. It fails while
// removal is prevented.
func (s *Storage) Eject() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.preventRm {
		return errors.New("msc: medium removal prevented")
	}
	if err := s.dev.Flush(); err != nil {
		return err
	}
	s.present = false
	return nil
}

// StartStopUnit handles the SCSI START STOP UNIT command. Stopping with
// loadEject set ejects the medium, starting with it loads it again.
func (s *Storage) StartStopUnit(start, loadEject bool) error {
	if !loadEject {
		if !start {
			return s.dev.Flush()
		}
		return nil
	}
	if !start {
		return s.Eject()
	}
	s.mutex.Lock()
	s.present = true
	s.mutex.Unlock()
	return nil
}

// PreventAllowMediumRemoval handles the SCSI command of the same name.
// Allowing removal flushes the cache so the host can pull the drive.
func (s *Storage) PreventAllowMediumRemoval(prevent bool) error {
	s.mutex.Lock()
	s.preventRm = prevent
	s.mutex.Unlock()
	if prevent {
		return nil
	}
	return s.dev.Flush()
}

// Inquiry returns the 36 byte standard INQUIRY data of a removable direct
// access device.
func (s *Storage) Inquiry(vendor, product, revision string) []byte {
	b := make([]byte, 36)
	b[0] = 0x00 // direct access block device
	b[1] = 0x80 // removable
	b[2] = 0x04 // SPC-2
	b[3] = 0x02 // response data format
	b[4] = 36 - 5
	pad(b[8:16], vendor)
	pad(b[16:32], product)
	pad(b[32:36], revision)
	return b
}

func pad(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}
