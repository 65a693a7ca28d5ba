// Package flashtest emulates serial NOR flash chips at the command level,
// for tests and for running the tools without hardware.
//
// A Chip accepts the same byte streams a real chip sees on its data lanes,
// framed by chip select. Commands take effect when chip select is released.
package flashtest

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	sectorSize = 4096
	pageSize   = 256
	bprSize    = 6
)

// ErrUnsupported is returned by quad transfers on a chip emulated with
// fewer than four lanes.
var ErrUnsupported = errors.New("flashtest: not supported")

type phase int

const (
	phaseIdle phase = iota
	phaseCmd
	phaseAddr
	phaseDummy
	phaseData
)

// Counters counts completed operations.
type Counters struct {
	Erases      int
	Programs    int
	ChipErases  int
	Reads       int
	StatusReads int
	Sessions    int
}

// Chip is an emulated NOR flash chip. It implements the Select, Transfer,
// Lanes, DRead, QRead and QWrite methods of a quad transport.
type Chip struct {
	// BusyPolls is how many status reads report WIP after an erase,
	// program or register write.
	BusyPolls int
	// StuckBusy makes WIP stay set forever once an operation started.
	StuckBusy bool
	// LaneCount is the number of wired data lanes; 0 means 4.
	LaneCount int
	// Fault, when set, is called as each command completes. A non-nil
	// error aborts the command and is returned from Select(false).
	Fault func(op byte, addr uint32) error
	// OnStatusRead is called for every status byte clocked out. It must not
	// call back into the Chip.
	OnStatusRead func(status byte)

	mu    sync.Mutex
	p     Params
	mem   []byte
	sfdp  []byte
	secID [16]byte

	sr, cr     byte
	bpr        [bprSize]byte
	wel        bool
	busy       int // status reads until WIP clears; -1 never
	asleep     bool
	erased     []int // erase count per sector
	eraseLog   []uint32
	programLog []uint32
	counters   Counters

	// current command
	selected bool
	ph       phase
	op       byte
	addrLen  int
	addrBuf  []byte
	addr     uint32
	dummy    int // dummy clocks still to come
	pos      int // data bytes exchanged
	in       []byte
}

// New returns an erased chip.
func New(p Params) *Chip {
	c := &Chip{
		p:      p,
		mem:    make([]byte, p.Size),
		sr:     p.Status &^ 0x03,
		cr:     p.Config,
		erased: make([]int, p.Size/sectorSize),
	}
	for i := range c.mem {
		c.mem[i] = 0xFF
	}
	if p.BlockLocked {
		for i := range c.bpr {
			c.bpr[i] = 0xFF
		}
	}
	for i := range c.secID {
		c.secID[i] = byte(i*17) ^ p.ID[2]
	}
	if !p.NoSFDP {
		c.sfdp = buildSFDP(p)
	}
	return c
}

// Params returns the parameters the chip was created with.
func (c *Chip) Params() Params { return c.p }

func (c *Chip) Lanes() int {
	if c.LaneCount == 0 {
		return 4
	}
	return c.LaneCount
}

func (c *Chip) Select(active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if active {
		c.selected = true
		c.ph = phaseCmd
		c.in = c.in[:0]
		c.addrBuf = c.addrBuf[:0]
		c.pos = 0
		c.counters.Sessions++
		return nil
	}
	if !c.selected {
		return nil
	}
	c.selected = false
	err := c.complete()
	c.ph = phaseIdle
	return err
}

// Transfer exchanges bytes on the single lane.
func (c *Chip) Transfer(w, r []byte) error {
	if w != nil && r != nil && len(w) != len(r) {
		return fmt.Errorf("flashtest: transfer length mismatch %d != %d", len(w), len(r))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return errors.New("flashtest: transfer without chip select")
	}
	n := max(len(w), len(r))
	for i := 0; i < n; i++ {
		b := byte(0xFF)
		if w != nil {
			b = w[i]
		}
		out := c.clockByte(b, 8, 1)
		if r != nil {
			r[i] = out
		}
	}
	return nil
}

// DRead clocks data out on two lanes.
func (c *Chip) DRead(r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return errors.New("flashtest: transfer without chip select")
	}
	for i := range r {
		r[i] = c.clockByte(0xFF, 4, 2)
	}
	return nil
}

// QRead clocks data out on four lanes.
func (c *Chip) QRead(r []byte) error {
	if c.Lanes() < 4 {
		return ErrUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return errors.New("flashtest: transfer without chip select")
	}
	for i := range r {
		r[i] = c.clockByte(0xFF, 2, 4)
	}
	return nil
}

// QWrite clocks data in on four lanes.
func (c *Chip) QWrite(w []byte) error {
	if c.Lanes() < 4 {
		return ErrUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return errors.New("flashtest: transfer without chip select")
	}
	for _, b := range w {
		c.clockByte(b, 2, 4)
	}
	return nil
}

// clockByte feeds one byte worth of clocks on the given number of lanes and
// returns what the chip drove.
func (c *Chip) clockByte(b byte, clocks, lanes int) byte {
	switch c.ph {
	case phaseCmd:
		c.start(b)
		return 0xFF
	case phaseAddr:
		c.addrBuf = append(c.addrBuf, b)
		if len(c.addrBuf) == c.addrLen {
			c.addr = 0
			for _, a := range c.addrBuf {
				c.addr = c.addr<<8 | uint32(a)
			}
			c.afterAddr()
		}
		return 0xFF
	case phaseDummy:
		c.dummy -= clocks
		if c.dummy <= 0 {
			// Extra dummy clocks eat into the data.
			c.ph = phaseData
			c.pos += -c.dummy / dataClocks(c.op)
		}
		return 0xFF
	case phaseData:
		return c.data(b, lanes)
	}
	return 0xFF
}

func (c *Chip) start(op byte) {
	c.op = op
	c.ph = phaseData
	if c.asleep && op != 0xAB {
		c.ph = phaseIdle
		return
	}
	if c.busy != 0 {
		// only status reads while an operation runs
		if op != 0x05 {
			c.ph = phaseIdle
		}
		return
	}
	switch op {
	case 0x03, 0x3B, 0x6B, 0x02, 0x32, 0x20, 0x5A:
		c.addrLen = 3
		c.ph = phaseAddr
	case 0x88:
		c.addrLen = 2
		c.ph = phaseAddr
	}
}

func (c *Chip) afterAddr() {
	c.ph = phaseData
	switch c.op {
	case 0x3B, 0x5A, 0x88:
		c.dummy = 8
	case 0x6B:
		c.dummy = c.quadDummy()
	default:
		return
	}
	c.ph = phaseDummy
}

// dataClocks returns the clocks per data byte of a read command.
func dataClocks(op byte) int {
	switch op {
	case 0x6B:
		return 2
	case 0x3B:
		return 4
	}
	return 8
}

func (c *Chip) quadDummy() int {
	if c.p.DummyFromCR {
		return 6 + int((c.cr>>5)&2)
	}
	return c.p.quadDummy()
}

func (c *Chip) quadEnabled() bool {
	switch c.p.QE {
	case QEConfig1:
		return c.cr&0x02 != 0
	case QEStatus6:
		return c.sr&0x40 != 0
	}
	return true
}

func (c *Chip) status() byte {
	s := c.sr
	if c.wel {
		s |= 0x02
	}
	if c.busy != 0 {
		s |= 0x01
	}
	return s
}

// data handles one byte of the data phase.
func (c *Chip) data(b byte, lanes int) byte {
	defer func() { c.pos++ }()
	switch c.op {
	case 0x05:
		s := c.status()
		c.counters.StatusReads++
		if c.busy > 0 {
			c.busy--
		}
		if c.OnStatusRead != nil {
			c.OnStatusRead(s)
		}
		return s
	case 0x9F:
		if c.pos < 3 {
			return c.p.ID[c.pos]
		}
		return 0x00
	case 0x5A:
		a := int(c.addr) + c.pos
		if a < len(c.sfdp) {
			return c.sfdp[a]
		}
		return 0xFF
	case 0x72:
		if c.pos < bprSize {
			return c.bpr[c.pos]
		}
		return 0xFF
	case 0x88:
		return c.secID[(int(c.addr)+c.pos)%len(c.secID)]
	case 0x03:
		if lanes != 1 {
			return 0xFF
		}
		return c.readMem()
	case 0x3B:
		if lanes != 2 {
			return 0xFF
		}
		return c.readMem()
	case 0x6B:
		if lanes != 4 || !c.quadEnabled() {
			return 0xFF
		}
		return c.readMem()
	case 0x32:
		if lanes != 4 || !c.quadEnabled() {
			return 0xFF
		}
		c.in = append(c.in, b)
	case 0x02:
		if lanes != 1 {
			return 0xFF
		}
		c.in = append(c.in, b)
	case 0x01, 0x42:
		c.in = append(c.in, b)
	default:
		if c.p.ConfigOpcode != 0 && c.op == c.p.ConfigOpcode {
			return c.cr
		}
	}
	return 0xFF
}

func (c *Chip) readMem() byte {
	if c.pos == 0 {
		c.counters.Reads++
	}
	return c.mem[(int(c.addr)+c.pos)%len(c.mem)]
}

func (c *Chip) locked() bool {
	for _, b := range c.bpr {
		if b != 0 {
			return true
		}
	}
	return false
}

// complete runs the command framed by the chip select that just ended.
func (c *Chip) complete() error {
	if c.ph == phaseIdle || c.ph == phaseCmd {
		return nil
	}
	if c.ph == phaseAddr {
		return nil
	}
	if c.Fault != nil {
		if err := c.Fault(c.op, c.addr); err != nil {
			if c.op == 0x20 || c.op == 0x02 || c.op == 0x32 || c.op == 0xC7 {
				c.wel = false
			}
			return err
		}
	}

	switch c.op {
	case 0xAB:
		c.asleep = false
	case 0xB9:
		c.asleep = true
	case 0x06:
		c.wel = true
	case 0x04:
		c.wel = false
	case 0x20:
		if !c.wel {
			return nil
		}
		c.wel = false
		if !c.locked() && c.addr < uint32(len(c.mem)) {
			base := c.addr &^ (sectorSize - 1)
			for i := base; i < base+sectorSize; i++ {
				c.mem[i] = 0xFF
			}
			c.erased[base/sectorSize]++
			c.eraseLog = append(c.eraseLog, base)
			c.counters.Erases++
		}
		c.startBusy()
	case 0x02, 0x32:
		if !c.wel {
			return nil
		}
		c.wel = false
		if !c.locked() && c.addr < uint32(len(c.mem)) {
			base := c.addr &^ (pageSize - 1)
			off := c.addr % pageSize
			for i, b := range c.in {
				a := base + (off+uint32(i))%pageSize
				c.mem[a] &= b
			}
			c.programLog = append(c.programLog, c.addr)
			c.counters.Programs++
		}
		c.startBusy()
	case 0xC7, 0x60:
		if !c.wel {
			return nil
		}
		c.wel = false
		if !c.locked() {
			for i := range c.mem {
				c.mem[i] = 0xFF
			}
			for i := range c.erased {
				c.erased[i]++
			}
			c.counters.ChipErases++
		}
		c.startBusy()
	case 0x01:
		if !c.wel || len(c.in) == 0 {
			return nil
		}
		c.wel = false
		c.sr = c.in[0] &^ 0x03
		if len(c.in) > 1 && c.p.ConfigOpcode != 0 {
			c.cr = c.in[1]
		}
		c.startBusy()
	case 0x42:
		if !c.wel {
			return nil
		}
		c.wel = false
		for i := range c.bpr {
			c.bpr[i] = 0
			if i < len(c.in) {
				c.bpr[i] = c.in[i]
			}
		}
		c.startBusy()
	case 0x98:
		if !c.wel {
			return nil
		}
		c.wel = false
		c.bpr = [bprSize]byte{}
		c.startBusy()
	}
	return nil
}

func (c *Chip) startBusy() {
	if c.StuckBusy {
		c.busy = -1
		return
	}
	c.busy = c.BusyPolls
}

// Peek returns a copy of n bytes of flash contents at addr.
func (c *Chip) Peek(addr uint32, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.mem[addr:int(addr)+n]...)
}

// Poke overwrites flash contents without erase semantics.
func (c *Chip) Poke(addr uint32, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.mem[addr:], b)
}

// Counters returns a snapshot of the operation counters.
func (c *Chip) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// EraseLog returns the base address of every sector erase, in order.
func (c *Chip) EraseLog() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.eraseLog...)
}

// ProgramLog returns the address of every page program, in order.
func (c *Chip) ProgramLog() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.programLog...)
}

// EraseCount returns how often sector has been erased.
func (c *Chip) EraseCount(sector int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.erased[sector]
}

// ResetCounters clears counters and logs.
func (c *Chip) ResetCounters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = Counters{}
	c.eraseLog = nil
	c.programLog = nil
}

// Registers returns the status and configuration registers.
func (c *Chip) Registers() (sr, cr byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status(), c.cr
}

// SetRegisters overwrites the status and configuration registers.
func (c *Chip) SetRegisters(sr, cr byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sr = sr &^ 0x03
	c.cr = cr
}

// Locked reports whether any block is write-protected.
func (c *Chip) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked()
}

// Load replaces the flash contents with what r yields. Bytes past the end of
// r are left erased.
func (c *Chip) Load(r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.mem {
		c.mem[i] = 0xFF
	}
	_, err := io.ReadFull(r, c.mem)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Save writes the flash contents to w.
func (c *Chip) Save(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := w.Write(c.mem)
	return err
}
