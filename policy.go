package qflash

import (
	"fmt"
	"strings"
)

// WritePolicy decides what Device.Write does with a sector-clipped chunk.
//
// WriteBack stages it in the sector cache and writes the sector back on
// Flush or when another sector is needed. ImmediateDiff programs it right
// away, erasing only when a changed byte is not blank.
type WritePolicy interface {
	fmt.Stringer

	// stage applies src at offset of sector. The caller holds the bus lock
	// and guarantees offset+len(src) <= SectorSize.
	stage(d *Device, sector, offset uint32, src []byte) error

	// deferred reports whether the cache may hold unflushed data.
	deferred() bool
}

// WriteBack is the default WritePolicy.
type WriteBack struct{}

func (WriteBack) String() string { return "writeback" }
func (WriteBack) deferred() bool { return true }

func (WriteBack) stage(d *Device, sector, offset uint32, src []byte) error {
	if sector != d.cached {
		if d.cached != noSector {
			dirty := d.dirty
			if err := d.flush(); err != nil {
				return err
			}
			if dirty {
				d.evictions++
			}
		}
		if err := d.load(sector); err != nil {
			return err
		}
	}
	copy(d.cache[offset:], src)
	d.cached = sector
	d.setDirty(true)
	return nil
}

// ImmediateDiff keeps the cache as a clean copy of the last sector touched
// and programs only the pages whose bytes changed.
type ImmediateDiff struct{}

func (ImmediateDiff) String() string { return "immediate" }
func (ImmediateDiff) deferred() bool { return false }

func (ImmediateDiff) stage(d *Device, sector, offset uint32, src []byte) error {
	if sector != d.cached {
		if err := d.load(sector); err != nil {
			return err
		}
	}

	base := sector << sectorShift
	var pages uint16 // bit i set: page i needs programming
	for i, b := range src {
		old := d.cache[int(offset)+i]
		if old == b {
			continue
		}
		if old != 0xFF {
			if err := d.media.EraseSector(base); err != nil {
				d.cached = noSector
				d.log.Warn("erase failed", "sector", sector, "err", err)
				return err
			}
			pages = 0xFFFF
			break
		}
		pages |= 1 << ((int(offset) + i) / PageSize)
	}

	copy(d.cache[offset:], src)
	for i := 0; i < pagesPerSector; i++ {
		if pages&(1<<i) == 0 {
			continue
		}
		off := i * PageSize
		if err := d.media.WritePage(base+uint32(off), d.cache[off:off+PageSize]); err != nil {
			d.cached = noSector
			return err
		}
	}
	if pages != 0 && d.verify {
		if err := d.verifyRange(base+offset, src); err != nil {
			d.cached = noSector
			return err
		}
	}
	return nil
}

// ParsePolicy parses the names returned by WritePolicy.String.
func ParsePolicy(s string) (WritePolicy, error) {
	switch strings.ToLower(s) {
	case "", "writeback", "deferred":
		return WriteBack{}, nil
	case "immediate", "immediatediff":
		return ImmediateDiff{}, nil
	}
	return nil, fmt.Errorf("unknown write policy %q", s)
}
