package qflash

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gentam/qflash/sfdp"
	"github.com/jonboulle/clockwork"
)

const (
	SectorSize = 4096 // smallest erasable unit
	PageSize   = 256  // largest programmable unit

	sectorShift    = 12
	pagesPerSector = SectorSize / PageSize
)

// Flash commands:
//   - [N25Q32|Table 16: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
//   - [MX25L3233F|Table 6. Command Set]
//   - [SST26VF016B|Table 5-1: Device Operation Instructions]
const (
	cmdPowerUp         = 0xAB // Release Power Down
	cmdPowerDown       = 0xB9
	cmdReadID          = 0x9F
	cmdReadSFDP        = 0x5A
	cmdRead            = 0x03
	cmdDualRead        = 0x3B // Dual Output Fast Read
	cmdQuadRead        = 0x6B // Quad Output Fast Read
	cmdWriteEnable     = 0x06
	cmdPageProgram     = 0x02
	cmdQuadPageProgram = 0x32
	cmdEraseSector     = 0x20 // Subsector Erase / Sector Erase (4KB)
	cmdEraseChip       = 0xC7 // Bulk Erase / Chip Erase
	cmdReadStatus      = 0x05
	cmdWriteStatus     = 0x01
	cmdReadConfig35    = 0x35 // Winbond Status Register-2, SST26 Configuration Register
	cmdReadConfig15    = 0x15 // Macronix Configuration Register
	cmdReadBPR         = 0x72
	cmdWriteBPR        = 0x42
	cmdGlobalUnlock    = 0x98 // ULBPR
	cmdReadSecurityID  = 0x88
)

const (
	bprSize            = 6  // SST26VF016B block protection register bytes
	securityIDSize     = 16 // bytes returned by ReadSecurityID
	defaultDummyClocks = 8

	writeEnableTimeout  = 10 * time.Millisecond
	statusWriteDuration = 15 * time.Millisecond
)

// Chip drives a serial NOR flash chip over a Transport. Its methods are not
// safe for concurrent use; Device serializes them with a BusLock.
type Chip struct {
	t    Transport
	q    QuadTransport // nil when t has a single lane
	lane lane
	want Mode

	id    [3]byte
	pr    *chipParams
	size  uint32
	dummy int

	setCR bool
	cr    ConfigRegister

	pollLimit int
	clock     clockwork.Clock
	log       *slog.Logger
	probeLog  *slog.Logger

	mu     sync.Mutex
	erases []uint32 // erase count per sector
}

// NewChip returns a chip on t. It must be probed with Init before use.
func NewChip(t Transport, cfg Config) *Chip {
	cfg = cfg.withDefaults()
	c := &Chip{
		t:         t,
		lane:      singleLane{},
		want:      cfg.Mode,
		size:      cfg.Size,
		dummy:     defaultDummyClocks,
		setCR:     cfg.SetConfig,
		cr:        cfg.ConfigRegister,
		pollLimit: cfg.PollLimit,
		clock:     cfg.Clock,
		log:       loggerFor(cfg.Logger, ComponentChip),
		probeLog:  loggerFor(cfg.Logger, ComponentProbe),
	}
	if q, ok := t.(QuadTransport); ok {
		c.q = q
	}
	return c
}

// tx runs fn as one chip-select framed command. Transport failures are
// reported as ErrIO.
func (c *Chip) tx(fn func() error) error {
	err := session(c.t, fn)
	if err == nil || errors.Is(err, ErrIO) || errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

func (c *Chip) command(buf ...byte) error {
	return c.tx(func() error {
		return c.t.Transfer(buf, nil)
	})
}

func (c *Chip) readReg(cmd byte) (byte, error) {
	var b [1]byte
	err := c.tx(func() error {
		if err := c.t.Transfer([]byte{cmd}, nil); err != nil {
			return err
		}
		return c.t.Transfer(nil, b[:])
	})
	return b[0], err
}

// Init identifies the chip, sizes it, unlocks it if it powers up
// write-protected and selects the lane mode.
func (c *Chip) Init() error {
	log := c.probeLog
	id, name, err := c.ReadID()
	if err != nil {
		return err
	}
	if id == [3]byte{} || id == [3]byte{0xFF, 0xFF, 0xFF} {
		return fmt.Errorf("%w: JEDEC ID %X", ErrNoChip, id)
	}
	if name == "" {
		log.Warn("unknown flash ID", "id", fmt.Sprintf("%X", id))
	}

	tbl, err := sfdp.Parse(c)
	if err != nil {
		log.Debug("no usable SFDP", "err", err)
		tbl = nil
	} else if n, err := tbl.Size(); err == nil && n > 0 && n <= 1<<24 {
		c.size = uint32(n)
	}
	if c.size == 0 && c.pr != nil {
		c.size = c.pr.size
	}
	if c.size == 0 {
		return fmt.Errorf("%w: unknown density of chip %X", ErrUnsupported, id)
	}
	c.erases = make([]uint32, c.size/SectorSize)

	if c.pr != nil && c.pr.blockLocked {
		if err := c.UnlockBlockProtection(); err != nil {
			return fmt.Errorf("block protection unlock: %w", err)
		}
	}

	if err := c.setDummy(tbl); err != nil {
		return err
	}
	if c.setCR && c.hasConfig() {
		if err := c.WriteConfig(c.cr); err != nil {
			return fmt.Errorf("write config register: %w", err)
		}
	}

	mode, err := c.selectMode(tbl)
	if err != nil {
		return err
	}
	if mode == ModeQuad {
		if err := c.EnableQuad(); err != nil {
			return fmt.Errorf("quad enable: %w", err)
		}
	}

	switch mode {
	case ModeQuad:
		c.lane = quadLane{q: c.q}
	case ModeDual:
		c.lane = dualLane{q: c.q}
	default:
		c.lane = singleLane{}
	}

	attrs := []any{
		"id", fmt.Sprintf("%X", id),
		"name", name,
		"size", c.size,
		"mode", mode,
		"dummy", c.dummy,
	}
	if sr, err := c.ReadStatus(); err != nil {
		attrs = append(attrs, "sr_err", err)
	} else {
		attrs = append(attrs, "sr", sr)
	}
	log.Info("flash found", attrs...)
	return nil
}

func (c *Chip) selectMode(tbl *sfdp.SFDP) (Mode, error) {
	lanes := 1
	if c.q != nil {
		lanes = c.q.Lanes()
	}
	quadOK := c.pr != nil
	dualOK := c.pr != nil
	if tbl != nil {
		_, q := tbl.QuadOutputRead()
		_, d := tbl.DualOutputRead()
		quadOK = quadOK || q
		dualOK = dualOK || d
	}
	// quad dummy bytes carry two clocks each
	if quadOK && c.dummy%2 != 0 {
		c.probeLog.Warn("quad read disabled: odd dummy clocks", "dummy", c.dummy)
		quadOK = false
	}

	switch c.want {
	case ModeAuto:
		switch {
		case lanes >= 4 && quadOK:
			return ModeQuad, nil
		case lanes >= 2 && dualOK:
			return ModeDual, nil
		}
		return ModeSingle, nil
	case ModeSingle:
		return ModeSingle, nil
	case ModeDual:
		if lanes < 2 || !dualOK {
			return 0, fmt.Errorf("dual mode: %w", ErrUnsupported)
		}
		return ModeDual, nil
	case ModeQuad:
		if lanes < 4 || !quadOK {
			return 0, fmt.Errorf("quad mode: %w", ErrUnsupported)
		}
		return ModeQuad, nil
	}
	return 0, fmt.Errorf("mode %v: %w", c.want, ErrUnsupported)
}

// setDummy decides the dummy clocks of the quad output fast read.
func (c *Chip) setDummy(tbl *sfdp.SFDP) error {
	switch {
	case c.pr != nil && c.pr.dummyFromCR:
		cr, err := c.ReadConfig()
		if err != nil {
			return err
		}
		c.dummy = cr.DummyCycles()
	case tbl != nil:
		if f, ok := tbl.QuadOutputRead(); ok && f.DummyClocks+f.ModeClocks > 0 {
			c.dummy = f.DummyClocks + f.ModeClocks
		}
	}
	return nil
}

// Mode returns the lane mode selected by Init.
func (c *Chip) Mode() Mode { return c.lane.mode() }

// Size returns the chip density in bytes.
func (c *Chip) Size() uint32 { return c.size }

// ID returns the JEDEC ID read by Init.
func (c *Chip) ID() [3]byte { return c.id }

// DummyClocks returns the dummy clocks used by quad reads.
func (c *Chip) DummyClocks() int { return c.dummy }

func (c *Chip) PowerUp() error {
	if err := c.command(cmdPowerUp); err != nil {
		return err
	}
	c.clock.Sleep(c.tRES1())
	return nil
}

func (c *Chip) PowerDown() error {
	if err := c.command(cmdPowerDown); err != nil {
		return err
	}
	c.clock.Sleep(c.tDP())
	return nil
}

// ReadID returns the JEDEC ID of the flash chip and configures its parameters.
// It returns a non-empty name for known IDs. The extended device string is ignored.
func (c *Chip) ReadID() (id [3]byte, name string, err error) {
	err = c.tx(func() error {
		if err := c.t.Transfer([]byte{cmdReadID}, nil); err != nil {
			return err
		}
		return c.t.Transfer(nil, id[:])
	})
	if err != nil {
		return
	}

	c.id = id
	c.pr = nil
	if params, ok := knownChips[id]; ok {
		c.pr = &params
		name = params.name
	}
	return id, name, nil
}

// SFDPReadAt implements sfdp.ReaderAt.
func (c *Chip) SFDPReadAt(offset uint32, out []byte) error {
	return c.tx(func() error {
		// 8 dummy clocks
		if err := c.t.Transfer(append(cmdAddr(cmdReadSFDP, offset), 0xFF), nil); err != nil {
			return err
		}
		return c.t.Transfer(nil, out)
	})
}

// ReadSFDP reads and parses the SFDP tables.
func (c *Chip) ReadSFDP() (*sfdp.SFDP, error) {
	return sfdp.Parse(c)
}

func (c *Chip) ReadStatus() (StatusRegister, error) {
	return c.lane.readStatus(c)
}

func (c *Chip) hasConfig() bool {
	return c.pr != nil && c.pr.cmdReadCfg != 0
}

// ReadConfig reads the second status byte with the opcode of the probed chip.
func (c *Chip) ReadConfig() (ConfigRegister, error) {
	if !c.hasConfig() {
		return 0, fmt.Errorf("config register: %w", ErrUnsupported)
	}
	b, err := c.readReg(c.pr.cmdReadCfg)
	return ConfigRegister(b), err
}

// WriteStatus writes the status register and, on chips that have one, the
// configuration register in the same command.
func (c *Chip) WriteStatus(sr StatusRegister, cr ConfigRegister) error {
	regs := []byte{byte(sr)}
	if c.hasConfig() {
		regs = append(regs, byte(cr))
	}
	if err := c.writeEnable(); err != nil {
		return err
	}
	if err := c.lane.writeStatus(c, regs); err != nil {
		return err
	}
	return c.waitReady(statusWriteDuration)
}

// WriteConfig replaces the configuration register, keeping the status
// register.
func (c *Chip) WriteConfig(cr ConfigRegister) error {
	if !c.hasConfig() {
		return fmt.Errorf("config register: %w", ErrUnsupported)
	}
	sr, err := c.ReadStatus()
	if err != nil {
		return err
	}
	if err := c.WriteStatus(sr&^(StatusBusy|StatusWriteEnabled), cr); err != nil {
		return err
	}
	if c.pr.dummyFromCR {
		c.dummy = cr.DummyCycles()
	}
	return nil
}

// EnableQuad sets the QE bit where the chip keeps one.
func (c *Chip) EnableQuad() error {
	if c.pr == nil || c.pr.qe == qeNone {
		return nil
	}
	sr, err := c.ReadStatus()
	if err != nil {
		return err
	}
	sr &^= StatusBusy | StatusWriteEnabled
	var cr ConfigRegister
	if c.hasConfig() {
		if cr, err = c.ReadConfig(); err != nil {
			return err
		}
	}

	switch c.pr.qe {
	case qeStatus6:
		if sr&(1<<6) != 0 {
			return nil
		}
		sr |= 1 << 6
	case qeConfig1:
		if cr&(1<<1) != 0 {
			return nil
		}
		cr |= 1 << 1
	}
	if err := c.WriteStatus(sr, cr); err != nil {
		return err
	}
	if ok, err := c.QuadEnabled(); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: QE bit did not stick", ErrIO)
	}
	return nil
}

// QuadEnabled reports whether the QE bit is set. Known chips without one
// always report true, unknown chips false.
func (c *Chip) QuadEnabled() (bool, error) {
	if c.pr == nil {
		return false, nil
	}
	switch c.pr.qe {
	case qeStatus6:
		sr, err := c.ReadStatus()
		return sr&(1<<6) != 0, err
	case qeConfig1:
		cr, err := c.ReadConfig()
		return cr&(1<<1) != 0, err
	}
	return true, nil
}

// ReadBlockProtection returns the block protection register of SST26 parts.
func (c *Chip) ReadBlockProtection() ([]byte, error) {
	bpr := make([]byte, bprSize)
	err := c.tx(func() error {
		if err := c.t.Transfer([]byte{cmdReadBPR}, nil); err != nil {
			return err
		}
		return c.t.Transfer(nil, bpr)
	})
	return bpr, err
}

// UnlockBlockProtection clears every bit of the block protection register.
func (c *Chip) UnlockBlockProtection() error {
	before, err := c.ReadBlockProtection()
	if err != nil {
		return err
	}
	if err := c.writeEnable(); err != nil {
		return err
	}
	if err := c.command(append([]byte{cmdWriteBPR}, make([]byte, bprSize)...)...); err != nil {
		return err
	}
	if err := c.waitReady(statusWriteDuration); err != nil {
		return err
	}
	after, err := c.ReadBlockProtection()
	if err != nil {
		return err
	}
	c.log.Debug("block protection", "before", fmt.Sprintf("% x", before), "after", fmt.Sprintf("% x", after))
	if !bytes.Equal(after, make([]byte, bprSize)) {
		return fmt.Errorf("%w: block protection still set (% x)", ErrIO, after)
	}
	return nil
}

// GlobalUnlock issues ULBPR, clearing all block protection at once.
func (c *Chip) GlobalUnlock() error {
	if err := c.writeEnable(); err != nil {
		return err
	}
	if err := c.command(cmdGlobalUnlock); err != nil {
		return err
	}
	return c.waitReady(statusWriteDuration)
}

// ReadSecurityID returns the factory programmed unique ID.
func (c *Chip) ReadSecurityID() ([]byte, error) {
	id := make([]byte, securityIDSize)
	err := c.tx(func() error {
		// 16-bit address, 8 dummy clocks
		if err := c.t.Transfer([]byte{cmdReadSecurityID, 0, 0, 0xFF}, nil); err != nil {
			return err
		}
		return c.t.Transfer(nil, id)
	})
	return id, err
}

func (c *Chip) checkRange(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(c.size) {
		return fmt.Errorf("%w: %#x+%d beyond %#x", ErrOutOfRange, addr, n, c.size)
	}
	return nil
}

// ReadRaw reads flash contents without going through any cache.
func (c *Chip) ReadRaw(addr uint32, dest []byte) error {
	if len(dest) == 0 {
		return nil
	}
	if err := c.checkRange(addr, len(dest)); err != nil {
		return err
	}
	return c.lane.read(c, addr, dest)
}

func (c *Chip) writeEnable() error {
	if err := c.command(cmdWriteEnable); err != nil {
		return err
	}
	return c.waitStatus(StatusWriteEnabled, StatusWriteEnabled, writeEnableTimeout)
}

func (c *Chip) waitReady(timeout time.Duration) error {
	return c.waitStatus(StatusBusy, 0, timeout)
}

// waitStatus polls the status register within one command until the bits in
// mask equal want. It gives up after the poll limit or after timeout on the
// chip clock, whichever comes first.
func (c *Chip) waitStatus(mask, want StatusRegister, timeout time.Duration) error {
	deadline := c.clock.Now().Add(timeout)
	var b [1]byte
	return c.tx(func() error {
		if err := c.t.Transfer([]byte{cmdReadStatus}, nil); err != nil {
			return err
		}
		for i := 0; i < c.pollLimit; i++ {
			if err := c.t.Transfer(nil, b[:]); err != nil {
				return err
			}
			if StatusRegister(b[0])&mask == want {
				return nil
			}
			if c.clock.Now().After(deadline) {
				return fmt.Errorf("%w: status %s after %v", ErrTimeout, StatusRegister(b[0]), timeout)
			}
		}
		return fmt.Errorf("%w: status %s after %d polls", ErrTimeout, StatusRegister(b[0]), c.pollLimit)
	})
}

// EraseSector erases the 4KB sector containing addr.
func (c *Chip) EraseSector(addr uint32) error {
	addr &^= SectorSize - 1
	if err := c.checkRange(addr, SectorSize); err != nil {
		return err
	}
	if err := c.writeEnable(); err != nil {
		c.log.Warn("erase: write enable failed", "addr", fmt.Sprintf("%#x", addr), "err", err)
		return err
	}

	c.mu.Lock()
	c.erases[addr>>sectorShift]++
	c.mu.Unlock()

	if err := c.command(cmdAddr(cmdEraseSector, addr)...); err != nil {
		return err
	}
	return c.waitReady(c.tErase4KB())
}

// WritePage programs one page. len(page) must be PageSize and addr page
// aligned.
func (c *Chip) WritePage(addr uint32, page []byte) error {
	if len(page) != PageSize || addr%PageSize != 0 {
		return fmt.Errorf("%w: page write of %d bytes at %#x", ErrIO, len(page), addr)
	}
	if err := c.checkRange(addr, PageSize); err != nil {
		return err
	}
	if err := c.writeEnable(); err != nil {
		return err
	}
	if err := c.lane.program(c, addr, page); err != nil {
		return err
	}
	return c.waitReady(c.tPP())
}

// EraseChip bulk erases the entire chip.
func (c *Chip) EraseChip() error {
	if err := c.writeEnable(); err != nil {
		return err
	}
	if err := c.command(cmdEraseChip); err != nil {
		return err
	}
	return c.waitReady(c.tEraseChip())
}

// EraseHistogram returns a copy of the per-sector erase counters.
func (c *Chip) EraseHistogram() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.erases...)
}

// EraseCount returns how often sector has been erased.
func (c *Chip) EraseCount(sector uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(sector) >= len(c.erases) {
		return 0
	}
	return c.erases[sector]
}
