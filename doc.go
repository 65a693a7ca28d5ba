// Package qflash presents a serial NOR flash chip as a linear, byte-addressable
// block device.
//
// NOR flash reads are byte granular, programming can only clear bits and is
// limited to one page, and setting bits back to one requires erasing a whole
// sector. Device hides those constraints behind Read, Write and Flush using a
// single sector-sized write-back buffer: writes are staged in RAM and the
// erase+program cycle is deferred until the cached sector is evicted or
// flushed. The ImmediateDiff policy trades the buffering for immediate
// durability.
//
// Chip speaks the NOR command set over a Transport. SPITransport wraps a
// periph.io spi.Conn with a GPIO chip select, BitBang drives the single, dual
// and quad data lanes from plain GPIO pins.
//
// # References:
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_108]: Command Processor for MPSSE and MCU Host Bus Emulation Modes (https://ftdichip.com/wp-content/uploads/2020/08/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - [FTDI-AN_135]: FTDI MPSSE Basics (https://ftdichip.com/wp-content/uploads/2020/08/AN_135_MPSSE_Basics.pdf)
//
// SPI Flash
//   - [JESD216]: Serial Flash Discoverable Parameters (SFDP)
//   - [N25Q32]: N25Q032A Micron Serial NOR Flash Memory datasheet
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
//   - [MX25L3233F]: Macronix MX25L3233F 3V 32Mb Serial NOR Flash datasheet
//   - [SST26VF016B]: Microchip SST26VF016B 2.5V/3.0V 16 Mbit Serial Quad I/O (SQI) Flash datasheet
package qflash
