package qflash

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
)

// noSector marks an empty sector cache.
const noSector = 0xFFFFFFFF

// Medium is the physical flash underneath a Device. Chip implements it.
type Medium interface {
	Size() uint32
	ReadRaw(addr uint32, dest []byte) error
	EraseSector(addr uint32) error
	WritePage(addr uint32, page []byte) error
	EraseChip() error
}

// Device presents a byte addressable read/write view of a NOR flash chip
// that can only program pages and erase whole sectors. It keeps exactly one
// sector in RAM; with the WriteBack policy that sector is written back on
// Flush or when a write needs a different sector.
//
// Every method takes the bus lock, so a Device can be shared with a
// competing consumer that uses the same lock.
type Device struct {
	media  Medium
	lock   BusLock
	policy WritePolicy
	verify bool
	led    gpio.PinOut
	log    *slog.Logger

	cache  [SectorSize]byte
	cached uint32 // sector index held in cache, or noSector
	dirty  bool   // cache differs from flash; implies cached != noSector

	flushes   uint64
	evictions uint64
}

// NewDevice returns a Device over m with an empty cache.
func NewDevice(m Medium, cfg Config) *Device {
	cfg = cfg.withDefaults()
	d := &Device{
		media:  m,
		lock:   cfg.Lock,
		policy: cfg.Policy,
		verify: cfg.Verify,
		led:    cfg.DirtyLED,
		log:    loggerFor(cfg.Logger, ComponentCache),
		cached: noSector,
	}
	// indicate a clean cache with LED off
	d.setDirty(false)
	return d
}

// Size returns the capacity in bytes.
func (d *Device) Size() uint32 { return d.media.Size() }

// Policy returns the write policy selected at construction.
func (d *Device) Policy() WritePolicy { return d.policy }

// Medium returns the flash underneath d.
func (d *Device) Medium() Medium { return d.media }

func (d *Device) checkRange(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(d.media.Size()) {
		return fmt.Errorf("%w: %#x+%d beyond %#x", ErrOutOfRange, addr, n, d.media.Size())
	}
	return nil
}

// Read fills dest with the logical content at addr: cached bytes where the
// cached sector overlaps, flash contents elsewhere. Segments that fail to
// read are reported but the others are still filled.
func (d *Device) Read(addr uint32, dest []byte) error {
	if len(dest) == 0 {
		return nil
	}
	if err := d.checkRange(addr, len(dest)); err != nil {
		return err
	}
	d.lock.Acquire()
	defer d.lock.Release()
	return d.read(addr, dest)
}

func (d *Device) read(addr uint32, dest []byte) error {
	if d.cached == noSector {
		return d.media.ReadRaw(addr, dest)
	}
	lo := d.cached << sectorShift
	hi := lo + SectorSize
	end := addr + uint32(len(dest))

	var prefixErr, suffixErr error
	if addr < lo {
		n := min(end, lo) - addr
		prefixErr = d.media.ReadRaw(addr, dest[:n])
	}
	if s, e := max(addr, lo), min(end, hi); s < e {
		copy(dest[s-addr:e-addr], d.cache[s-lo:e-lo])
	}
	if end > hi {
		s := max(addr, hi)
		suffixErr = d.media.ReadRaw(s, dest[s-addr:])
	}
	return errors.Join(prefixErr, suffixErr)
}

// Write makes src the logical content at addr. It is visible to Read at
// once and durable after the next successful Flush. The first failure
// aborts the write and is returned; chunks before it stay applied.
func (d *Device) Write(addr uint32, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := d.checkRange(addr, len(src)); err != nil {
		return err
	}
	d.lock.Acquire()
	defer d.lock.Release()
	return d.write(addr, src)
}

func (d *Device) write(addr uint32, src []byte) error {
	end := addr + uint32(len(src))
	first, last := addr>>sectorShift, (end-1)>>sectorShift

	if !d.policy.deferred() || d.cached == noSector || d.cached < first || d.cached > last {
		return d.writeChunks(addr, src)
	}

	// The cached sector is inside the request: update it in place and
	// send only what lies before and after through writePart.
	lo := d.cached << sectorShift
	hi := lo + SectorSize
	s, e := max(addr, lo), min(end, hi)
	copy(d.cache[s-lo:e-lo], src[s-addr:e-addr])
	d.setDirty(true)

	if addr < lo {
		if err := d.writeChunks(addr, src[:lo-addr]); err != nil {
			return err
		}
	}
	if end > hi {
		if err := d.writeChunks(hi, src[hi-addr:]); err != nil {
			return err
		}
	}
	return nil
}

// writeChunks splits src at sector boundaries and stages each piece in
// ascending address order.
func (d *Device) writeChunks(addr uint32, src []byte) error {
	for len(src) > 0 {
		n := min(uint32(len(src)), SectorSize-addr%SectorSize)
		if err := d.writePart(addr, src[:n]); err != nil {
			return err
		}
		addr += n
		src = src[n:]
	}
	return nil
}

// writePart stages src for the single sector containing addr. It refuses
// requests that cross into the next sector and leaves the cache untouched.
func (d *Device) writePart(addr uint32, src []byte) error {
	offset := addr & (SectorSize - 1)
	if int(offset)+len(src) > SectorSize {
		d.log.Error("write part too large", "addr", fmt.Sprintf("%#x", addr), "len", len(src))
		return fmt.Errorf("%w: %d bytes at sector offset %d", ErrTooLarge, len(src), offset)
	}
	return d.policy.stage(d, addr>>sectorShift, offset, src)
}

// load reads sector into the cache. The cache is empty if it fails.
func (d *Device) load(sector uint32) error {
	if err := d.media.ReadRaw(sector<<sectorShift, d.cache[:]); err != nil {
		d.cached = noSector
		return err
	}
	d.cached = sector
	return nil
}

// Flush writes the cached sector back if it is dirty. On failure the cache
// stays dirty and nothing is retried.
func (d *Device) Flush() error {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.flush()
}

func (d *Device) flush() error {
	if !d.dirty {
		return nil
	}
	sector := d.cached
	base := sector << sectorShift

	if err := d.media.EraseSector(base); err != nil {
		d.log.Warn("flush: erase failed", "sector", sector, "err", err)
		return fmt.Errorf("flush sector %d: %w", sector, err)
	}
	for i := 0; i < pagesPerSector; i++ {
		off := i * PageSize
		if err := d.media.WritePage(base+uint32(off), d.cache[off:off+PageSize]); err != nil {
			d.log.Warn("flush: program failed", "sector", sector, "page", i, "err", err)
			return fmt.Errorf("flush sector %d page %d: %w", sector, i, err)
		}
	}
	if d.verify {
		if err := d.verifyRange(base, d.cache[:]); err != nil {
			return fmt.Errorf("flush sector %d: %w", sector, err)
		}
	}

	d.flushes++
	d.setDirty(false)
	d.log.Debug("flushed", "sector", sector)
	return nil
}

func (d *Device) verifyRange(addr uint32, want []byte) error {
	got := make([]byte, len(want))
	if err := d.media.ReadRaw(addr, got); err != nil {
		return err
	}
	if i := mismatch(got, want); i >= 0 {
		d.log.Warn("verify mismatch", "addr", fmt.Sprintf("%#x", addr+uint32(i)))
		return fmt.Errorf("%w at %#x", ErrVerify, addr+uint32(i))
	}
	return nil
}

func mismatch(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return len(a)
}

func (d *Device) setDirty(v bool) {
	d.dirty = v
	if d.led == nil {
		return
	}
	if err := d.led.Out(gpio.Level(v)); err != nil {
		d.log.Debug("dirty LED", "err", err)
	}
}

// EraseSector erases the sector containing addr, dropping it from the
// cache first. Unflushed data of that sector is discarded.
func (d *Device) EraseSector(addr uint32) error {
	if err := d.checkRange(addr, 1); err != nil {
		return err
	}
	d.lock.Acquire()
	defer d.lock.Release()
	if d.cached == addr>>sectorShift {
		d.cached = noSector
		d.setDirty(false)
	}
	return d.media.EraseSector(addr &^ (SectorSize - 1))
}

// EraseChip erases everything, including unflushed data in the cache.
func (d *Device) EraseChip() error {
	d.lock.Acquire()
	defer d.lock.Release()
	d.cached = noSector
	d.setDirty(false)
	return d.media.EraseChip()
}

// ReadAt implements io.ReaderAt.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	size := int64(d.Size())
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", ErrOutOfRange)
	}
	if off >= size {
		return 0, io.EOF
	}
	n := int(min(int64(len(p)), size-off))
	if err := d.Read(uint32(off), p[:n]); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes past the end fail without
// writing anything.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(d.Size()) {
		return 0, fmt.Errorf("%w: %d bytes at %d", ErrOutOfRange, len(p), off)
	}
	if err := d.Write(uint32(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close flushes the cache.
func (d *Device) Close() error {
	return d.Flush()
}

// Dirty reports whether the cache holds unflushed data.
func (d *Device) Dirty() bool {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.dirty
}

// CachedSector returns the sector held in the cache.
func (d *Device) CachedSector() (sector uint32, ok bool) {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.cached, d.cached != noSector
}

// Stats is a snapshot of Device counters.
type Stats struct {
	Flushes    uint64   // successful write-backs
	Evictions  uint64   // write-backs forced by a write to another sector
	Contention uint32   // contended bus lock acquisitions, if the lock counts them
	Erases     []uint32 // erase count per sector, if the medium keeps one
}

type eraseHistogram interface {
	EraseHistogram() []uint32
}

func (d *Device) Stats() Stats {
	d.lock.Acquire()
	s := Stats{Flushes: d.flushes, Evictions: d.evictions}
	d.lock.Release()
	if c, ok := d.lock.(contentionCounter); ok {
		s.Contention = c.Contention()
	}
	if h, ok := d.media.(eraseHistogram); ok {
		s.Erases = h.EraseHistogram()
	}
	return s
}
