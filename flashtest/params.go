package flashtest

// QE tells where an emulated chip keeps its quad enable bit.
type QE int

const (
	QENone    QE = iota // quad I/O needs no enable bit
	QEConfig1           // bit 1 of the configuration register
	QEStatus6           // bit 6 of the status register
)

// Params describes an emulated chip.
type Params struct {
	Name string
	ID   [3]byte
	Size uint32

	QE           QE
	ConfigOpcode byte // 0: the chip has no configuration register
	DummyFromCR  bool // quad read dummy clocks are 6 + ((CR>>5)&2)
	QuadDummy    int  // quad read dummy clocks otherwise; 0 means 8
	BlockLocked  bool // powers up with all blocks write-protected

	Status byte // initial status register
	Config byte // initial configuration register
	NoSFDP bool
}

var (
	N25Q032 = Params{
		Name: "Micron N25Q 32Mb",
		ID:   [3]byte{0x20, 0xBA, 0x16},
		Size: 4 << 20,
	}

	W25Q128 = Params{
		Name:         "Winbond W25Q 128Mb",
		ID:           [3]byte{0xEF, 0x70, 0x18},
		Size:         16 << 20,
		QE:           QEConfig1,
		ConfigOpcode: 0x35,
	}

	MX25L3233F = Params{
		Name:         "Macronix MX25L3233F",
		ID:           [3]byte{0xC2, 0x20, 0x16},
		Size:         4 << 20,
		QE:           QEStatus6,
		ConfigOpcode: 0x15,
		DummyFromCR:  true,
	}

	SST26VF016B = Params{
		Name:         "Microchip SST26VF016B",
		ID:           [3]byte{0xBF, 0x26, 0x41},
		Size:         2 << 20,
		QE:           QEConfig1,
		ConfigOpcode: 0x35,
		BlockLocked:  true,
	}
)

// Generic is an unknown chip that only describes itself through SFDP.
func Generic(size uint32) Params {
	return Params{
		Name: "generic",
		ID:   [3]byte{0x5A, 0x40, 0x15},
		Size: size,
	}
}

func (p Params) quadDummy() int {
	if p.QuadDummy > 0 {
		return p.QuadDummy
	}
	return 8
}
