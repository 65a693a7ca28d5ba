package qflash

import "time"

// quadEnable tells where a chip keeps its QE bit.
type quadEnable int

const (
	qeNone     quadEnable = iota // quad I/O always available, or not at all
	qeConfig1                    // bit 1 of the second status byte (Winbond SR2, SST26 CR)
	qeStatus6                    // bit 6 of the status register (Macronix)
)

type chipParams struct {
	name string
	size uint32

	qe          quadEnable
	cmdReadCfg  byte // 0 when the chip has no second status byte
	dummyFromCR bool // fast read dummy clocks are encoded in CR[7:6]
	blockLocked bool // powers up with every block write-protected

	tRES1      time.Duration
	tDP        time.Duration
	tPP        time.Duration
	tErase4KB  time.Duration
	tEraseChip time.Duration
}

var (
	chipIDMicronN25Q32     = [3]byte{0x20, 0xBA, 0x16}
	chipIDWinbondW25Q128   = [3]byte{0xEF, 0x70, 0x18}
	chipIDMacronixMX25L32  = [3]byte{0xC2, 0x20, 0x16}
	chipIDMicrochipSST26VF = [3]byte{0xBF, 0x26, 0x41}
)

var knownChips = map[[3]byte]chipParams{
	chipIDMicronN25Q32: {
		name: "Micron N25Q 32Mb",
		size: 4 << 20,

		// [N25Q32|Table 38: AC Characteristics and Operating Conditions]
		// tPP: PAGE PROGRAM cycle time (256 bytes)
		tPP: 5 * time.Millisecond,
		// tSSE: Subsector ERASE cycle time
		tErase4KB: 800 * time.Millisecond,
		// tBE: Bulk ERASE cycle time
		tEraseChip: 60 * time.Second,
	},

	chipIDWinbondW25Q128: {
		name:       "Winbond W25Q 128Mb",
		size:       16 << 20,
		qe:         qeConfig1,
		cmdReadCfg: cmdReadConfig35,

		// [W25Q128|9.6 AC Electrical Characteristics]:
		// tRES1: /CS High to Standby Mode without ID Read
		tRES1: 3 * time.Microsecond,
		// tDP: /CS High to Power-down Mode
		tDP: 3 * time.Microsecond,
		// tPP: Page Program Time
		tPP: 3 * time.Millisecond,
		// tSE: Sector Erase Time (4KB)
		tErase4KB: 400 * time.Millisecond,
		// tCE: Chip Erase Time
		tEraseChip: 200 * time.Second,
	},

	chipIDMacronixMX25L32: {
		name:        "Macronix MX25L3233F",
		size:        4 << 20,
		qe:          qeStatus6,
		cmdReadCfg:  cmdReadConfig15,
		dummyFromCR: true,

		// [MX25L3233F|Table 18. AC Characteristics]
		tRES1:      8800 * time.Nanosecond,
		tDP:        10 * time.Microsecond,
		tPP:        1500 * time.Microsecond,
		tErase4KB:  240 * time.Millisecond,
		tEraseChip: 50 * time.Second,
	},

	chipIDMicrochipSST26VF: {
		name:        "Microchip SST26VF016B",
		size:        2 << 20,
		qe:          qeConfig1,
		cmdReadCfg:  cmdReadConfig35,
		blockLocked: true,

		// [SST26VF016B|Table 5-6: AC Operating Characteristics]
		tPP:        1500 * time.Microsecond,
		tErase4KB:  25 * time.Millisecond,
		tEraseChip: 50 * time.Millisecond,
	},
}

// ChipName returns the name of a known JEDEC ID, or "".
func ChipName(id [3]byte) string {
	return knownChips[id].name
}

func (c *Chip) paramOrMax(get func(*chipParams) time.Duration) time.Duration {
	// get parameter if configured
	if c.pr != nil {
		if d := get(c.pr); d > 0 {
			return d
		}
	}

	// fall back to maximum duration from all known chip parameters
	var tmax time.Duration
	for _, param := range knownChips {
		tmax = max(tmax, get(&param))
	}
	return tmax
}

func (c *Chip) tPP() time.Duration {
	return c.paramOrMax(func(p *chipParams) time.Duration { return p.tPP })
}
func (c *Chip) tErase4KB() time.Duration {
	return c.paramOrMax(func(p *chipParams) time.Duration { return p.tErase4KB })
}
func (c *Chip) tEraseChip() time.Duration {
	return c.paramOrMax(func(p *chipParams) time.Duration { return p.tEraseChip })
}
func (c *Chip) tRES1() time.Duration {
	return c.paramOrMax(func(p *chipParams) time.Duration { return p.tRES1 })
}
func (c *Chip) tDP() time.Duration {
	return c.paramOrMax(func(p *chipParams) time.Duration { return p.tDP })
}
