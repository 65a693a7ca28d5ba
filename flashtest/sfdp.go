package flashtest

import "encoding/binary"

// basicTableAddr is where the JEDEC basic parameter table is placed.
const basicTableAddr = 0x30

// buildSFDP returns a JESD216 rev 1.6 image with only the basic flash
// parameter table.
func buildSFDP(p Params) []byte {
	const dwords = 9
	b := make([]byte, basicTableAddr+dwords*4)
	for i := range b {
		b[i] = 0xFF
	}

	// SFDP header: signature, minor rev, major rev, NPH (one header), 0xFF
	copy(b[0:], "SFDP")
	b[4], b[5], b[6], b[7] = 0x06, 0x01, 0x00, 0xFF

	// Parameter header 0: ID LSB, minor, major, length, pointer[23:0], ID MSB
	b[8], b[9], b[10], b[11] = 0x00, 0x06, 0x01, dwords
	binary.LittleEndian.PutUint32(b[12:], basicTableAddr|0xFF<<24)

	t := make([]uint32, dwords)
	// 4KB erase supported with opcode 0x20, 1-1-2 and 1-1-4 fast reads
	t[0] = 0xFFF0_20E5 | 1<<16 | 1<<22
	t[1] = p.Size*8 - 1
	// 1-1-4: 0x6B with quadDummy wait states; 1-4-4: 0xEB with 2 mode and 4 wait
	t[2] = 0x6B<<24 | 0<<21 | uint32(p.quadDummy())<<16 | 0xEB<<8 | 2<<5 | 4
	// 1-2-2: 0xBB with 2 mode; 1-1-2: 0x3B with 8 wait states
	t[3] = 0xBB<<24 | 2<<21 | 0<<16 | 0x3B<<8 | 8
	t[4] = 0xFFFF_FFEE
	t[5] = 0xFFFF_FFFF
	t[6] = 0xFFFF_FFFF
	t[7] = 0xD810_200C // 4KB erase 0x20, 64KB erase 0xD8
	t[8] = 0x0000_0000
	for i, v := range t {
		binary.LittleEndian.PutUint32(b[basicTableAddr+i*4:], v)
	}
	return b
}
