package main

import (
	"flag"
	"fmt"

	"github.com/gentam/qflash"
)

func eraseCommand(args []string) (err error) {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	var bus busFlags
	bus.register(fs)
	var (
		addr  uint64
		count int
		chip  bool
	)
	fs.Uint64Var(&addr, "a", 0, "address inside the first sector to erase")
	fs.IntVar(&count, "n", 1, "number of sectors")
	fs.BoolVar(&chip, "all", false, "erase the whole chip")
	fs.Parse(args)

	if err := checkSpan(addr, count); err != nil {
		return err
	}

	s, err := bus.open()
	if err != nil {
		return err
	}
	defer s.closeInto(&err)

	if chip {
		if err := s.dev.EraseChip(); err != nil {
			return fmt.Errorf("chip erase failed: %w", err)
		}
		return nil
	}
	for i := 0; i < count; i++ {
		a := addr + uint64(i)*qflash.SectorSize
		if a >= uint64(s.dev.Size()) {
			return fmt.Errorf("erase %#x: %w", a, qflash.ErrOutOfRange)
		}
		if err := s.dev.EraseSector(uint32(a)); err != nil {
			return fmt.Errorf("erase %#x failed: %w", a, err)
		}
	}
	fmt.Printf("erased %d sector(s) from %#x\n", count, addr&^(qflash.SectorSize-1))
	return nil
}
