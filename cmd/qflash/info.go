package main

import (
	"flag"
	"fmt"

	"github.com/gentam/qflash"
	"periph.io/x/host/v3/ftdi"
)

func infoCommand(args []string) (err error) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	var bus busFlags
	bus.register(fs)
	var showFTDI bool
	fs.BoolVar(&showFTDI, "ftdi", false, "also print FTDI adapter details")
	fs.Parse(args)

	s, err := bus.open()
	if err != nil {
		return err
	}
	defer s.closeInto(&err)
	chip := s.chip

	id := chip.ID()
	name := qflash.ChipName(id)
	if name == "" {
		name = "unknown"
	}
	fmt.Printf("JEDEC ID:        %X (%s)\n", id, name)
	fmt.Printf("Size:            %d bytes\n", chip.Size())
	fmt.Printf("Mode:            %s\n", chip.Mode())
	fmt.Printf("Dummy clocks:    %d\n", chip.DummyClocks())

	if sr, err := chip.ReadStatus(); err == nil {
		fmt.Printf("Status:          %s\n", sr)
	}
	if cr, err := chip.ReadConfig(); err == nil {
		fmt.Printf("Config:          %s\n", cr)
	}
	if sid, err := chip.ReadSecurityID(); err == nil {
		fmt.Printf("Security ID:     %X\n", sid)
	}

	if tbl, err := chip.ReadSFDP(); err == nil {
		fmt.Printf("SFDP:            rev %d.%d, %d parameter table(s)\n", tbl.MajorRev, tbl.MinorRev, len(tbl.Parameters))
		for _, p := range tbl.Parameters {
			fmt.Printf("  %#04x rev %d.%d at %#06x, %d dwords\n", p.ID, p.MajorRev, p.MinorRev, p.Address(), p.Length)
		}
		if f, ok := tbl.QuadOutputRead(); ok {
			fmt.Printf("  1-1-4 read:    %#02x, %d mode + %d dummy clocks\n", f.Opcode, f.ModeClocks, f.DummyClocks)
		}
		if f, ok := tbl.DualOutputRead(); ok {
			fmt.Printf("  1-1-2 read:    %#02x, %d mode + %d dummy clocks\n", f.Opcode, f.ModeClocks, f.DummyClocks)
		}
	} else {
		fmt.Printf("SFDP:            %v\n", err)
	}

	if showFTDI && s.board != nil {
		return printFTDI(s.board.FTDI)
	}
	return nil
}

func printFTDI(ft *ftdi.FT232H) error {
	// Reference: https://github.com/periph/cmd/tree/main/ftdi-list
	i := ftdi.Info{}
	ft.Info(&i)
	fmt.Printf("Type:            %s\n", i.Type)
	fmt.Printf("Vendor ID:       %#04x\n", i.VenID)
	fmt.Printf("Device ID:       %#04x\n", i.DevID)

	ee := ftdi.EEPROM{}
	if err := ft.EEPROM(&ee); err != nil {
		return fmt.Errorf("failed to read EEPROM: %w", err)
	}
	fmt.Printf("Manufacturer:    %s\n", ee.Manufacturer)
	fmt.Printf("Desc:            %s\n", ee.Desc)
	fmt.Printf("Serial:          %s\n", ee.Serial)

	for _, p := range ft.Header() {
		fmt.Printf("%s: %s\n", p, p.Function())
	}
	return nil
}
