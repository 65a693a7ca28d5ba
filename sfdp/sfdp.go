// Package sfdp parses the Serial Flash Discoverable Parameters (JESD216)
// that a NOR flash chip returns for command 0x5A.
//
// Useful references:
//   - JESD216 Serial Flash Discoverable Parameters
//   - [W25Q128|8.2.32 Read SFDP Register (5Ah)]
package sfdp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Signature is "SFDP" read as a little endian dword.
	Signature = 0x50444653

	// BasicTableID is the parameter ID of the JEDEC basic flash parameter
	// table (MSB 0xFF, LSB 0x00).
	BasicTableID = 0xFF00

	BasicTableEraseDword    = 0
	BasicTableDensityDword  = 1
	BasicTableQuadReadDword = 2
	BasicTableDualReadDword = 3

	parameterPointerAddrMask = 0x00FFFFFF
)

var (
	ErrNoSFDP     = errors.New("chip does not support SFDP")
	ErrNoTable    = errors.New("parameter table not found")
	ErrOutOfRange = errors.New("dword out of range")
)

type SFDP struct {
	Header
	Parameters []Parameter
}

type Header struct {
	// Signature is 0x50444653 ("SFDP") if the chip supports SFDP.
	Signature uint32
	MinorRev  uint8
	MajorRev  uint8
	// NPH is the number of parameter headers minus one.
	NPH uint8
	_   uint8
}

type Parameter struct {
	ParameterHeader
	// ID is IDMSB:IDLSB.
	ID    uint16
	Table []uint32
}

type ParameterHeader struct {
	IDLSB    uint8
	MinorRev uint8
	MajorRev uint8
	// Length is in dwords.
	Length uint8
	// Pointer holds the table address in its low 24 bits and the MSB of
	// the ID in its top byte.
	Pointer uint32
}

// Address returns the SFDP address of the parameter table.
func (h ParameterHeader) Address() uint32 {
	return h.Pointer & parameterPointerAddrMask
}

type ReaderAt interface {
	SFDPReadAt(offset uint32, out []byte) error
}

// Buffer for holding an SFDP to be parsed. Primarily used for testing.
type Buffer []byte

// SFDPReadAt implements sfdp.ReaderAt for Buffer.
func (b Buffer) SFDPReadAt(offset uint32, out []byte) error {
	offset = offset & parameterPointerAddrMask
	if int(offset)+len(out) > len(b) {
		return fmt.Errorf("invalid offset %#x", offset)
	}
	copy(out, b[offset:])
	return nil
}

// Parse reads the SFDP header, every parameter header and every parameter
// table through r.
func Parse(r ReaderAt) (*SFDP, error) {
	headerBuf := make([]byte, binary.Size(Header{}))
	if err := r.SFDPReadAt(0, headerBuf); err != nil {
		return nil, err
	}
	if string(headerBuf[:4]) != "SFDP" {
		return nil, ErrNoSFDP
	}
	var header Header
	if err := binary.Read(bytes.NewReader(headerBuf), binary.LittleEndian, &header); err != nil {
		return nil, err
	}

	n := int(header.NPH) + 1
	phSize := binary.Size(ParameterHeader{})
	parametersBuf := make([]byte, phSize*n)
	if err := r.SFDPReadAt(uint32(len(headerBuf)), parametersBuf); err != nil {
		return nil, err
	}
	sfdp := &SFDP{
		Header:     header,
		Parameters: make([]Parameter, n),
	}
	for i := range sfdp.Parameters {
		p := &sfdp.Parameters[i]
		if err := binary.Read(bytes.NewReader(parametersBuf[i*phSize:]), binary.LittleEndian, &p.ParameterHeader); err != nil {
			return nil, err
		}
		p.ID = uint16(p.Pointer>>24)<<8 | uint16(p.IDLSB)
		tableBuf := make([]byte, int(p.Length)*4)
		if err := r.SFDPReadAt(p.Address(), tableBuf); err != nil {
			return nil, fmt.Errorf("parameter %#04x: %w", p.ID, err)
		}
		p.Table = make([]uint32, p.Length)
		if err := binary.Read(bytes.NewReader(tableBuf), binary.LittleEndian, p.Table); err != nil {
			return nil, err
		}
	}
	return sfdp, nil
}

// TableDword reads a dword from the SFDP table with the given id.
func (s *SFDP) TableDword(id uint16, dword int) (uint32, error) {
	for _, p := range s.Parameters {
		if p.ID == id {
			if dword < 0 || dword >= len(p.Table) {
				return 0, fmt.Errorf("table %#04x dword %d: %w", id, dword, ErrOutOfRange)
			}
			return p.Table[dword], nil
		}
	}
	return 0, fmt.Errorf("table %#04x: %w", id, ErrNoTable)
}

// Size returns the flash density in bytes.
func (s *SFDP) Size() (int64, error) {
	d, err := s.TableDword(BasicTableID, BasicTableDensityDword)
	if err != nil {
		return -1, err
	}
	if d&0x80000000 != 0 {
		n := d & 0x7FFFFFFF
		if n < 3 || n > 62 {
			return -1, fmt.Errorf("density 2^%d bits not supported", n)
		}
		return 1 << (n - 3), nil
	}
	return (int64(d) + 1) / 8, nil
}

func (s *SFDP) Erase4KiBOpcode() (uint8, error) {
	dword, err := s.TableDword(BasicTableID, BasicTableEraseDword)
	if err != nil {
		return 0xff, err
	}
	opcode := uint8((dword >> 8) & 0xff)
	if opcode == 0xff {
		return 0xff, errors.New("no erase opcode")
	}
	return opcode, nil
}

// FastRead describes one fast read instruction of the basic table.
type FastRead struct {
	Opcode      uint8
	ModeClocks  int
	DummyClocks int
}

// QuadOutputRead returns the 1-1-4 fast read parameters, if supported.
func (s *SFDP) QuadOutputRead() (FastRead, bool) {
	return s.fastRead(22, BasicTableQuadReadDword, 16)
}

// DualOutputRead returns the 1-1-2 fast read parameters, if supported.
func (s *SFDP) DualOutputRead() (FastRead, bool) {
	return s.fastRead(16, BasicTableDualReadDword, 0)
}

func (s *SFDP) fastRead(supportBit uint, dword int, shift uint) (FastRead, bool) {
	d0, err := s.TableDword(BasicTableID, BasicTableEraseDword)
	if err != nil || d0&(1<<supportBit) == 0 {
		return FastRead{}, false
	}
	d, err := s.TableDword(BasicTableID, dword)
	if err != nil {
		return FastRead{}, false
	}
	f := d >> shift
	return FastRead{
		Opcode:      uint8(f >> 8),
		ModeClocks:  int(f>>5) & 0x7,
		DummyClocks: int(f) & 0x1F,
	}, true
}
