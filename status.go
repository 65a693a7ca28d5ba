package qflash

import (
	"fmt"
	"strings"
)

// StatusRegister represents the status register of the flash chip.
//
//	Bits| [N25Q32|Table 9]                     | [W25Q128|7.1 Status Registers] | [MX25L3233F]
//	----+--------------------------------------+--------------------------------+-------------
//	7   | Status register write enable/disable | SRP: Status Register Protect   | SRWD
//	6   | Reserved                             | SEC: Sector protect            | QE
//	5   | Top/bottom                           | TB: Top/Bottom protect         | BP3
//	4:2 | Block protect 2-0                    | BP2-0: Block Protect bit 2-0   | BP2-0
//	1   | Write enable latch                   | WEL: Write Enable Latch        | WEL
//	0   | Write in progress                    | BUSY: Erase/Write in progress  | WIP
type StatusRegister byte

const (
	StatusBusy         StatusRegister = 1 << 0 // WIP
	StatusWriteEnabled StatusRegister = 1 << 1 // WEL
)

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) Bit6() bool                  { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool             { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect2() bool         { return sr&(1<<4) != 0 }
func (sr StatusRegister) BlockProtect1() bool         { return sr&(1<<3) != 0 }
func (sr StatusRegister) BlockProtect0() bool         { return sr&(1<<2) != 0 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&StatusWriteEnabled != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&StatusBusy != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	s := []string{}
	if sr.StatusRegisterProtect() {
		s = append(s, "SRP")
	}
	if sr.Bit6() {
		s = append(s, "B6")
	}
	if sr.TopBottom() {
		s = append(s, "TB")
	}
	if sr.BlockProtect2() {
		s = append(s, "BP2")
	}
	if sr.BlockProtect1() {
		s = append(s, "BP1")
	}
	if sr.BlockProtect0() {
		s = append(s, "BP0")
	}
	if sr.WriteEnabled() {
		s = append(s, "WEL")
	}
	if sr.Busy() {
		s = append(s, "BUSY")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

// ConfigRegister is the second status byte (Winbond SR2, SST26 CR, Macronix CR).
type ConfigRegister byte

// DummyCycles returns the number of dummy clocks a fast read needs when the
// chip encodes them in bits 7:6 of the configuration register.
func (cr ConfigRegister) DummyCycles() int {
	return 6 + int((cr>>5)&2)
}

func (cr ConfigRegister) String() string {
	return fmt.Sprintf("%08b", byte(cr))
}
