package main

import (
	"flag"
	"fmt"
	"os"
)

func writeCommand(args []string) (err error) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	var bus busFlags
	bus.register(fs)
	var (
		filename string
		addr     uint64
		erase    bool
	)
	fs.StringVar(&filename, "f", "", "input file")
	fs.Uint64Var(&addr, "a", 0, "start address")
	fs.BoolVar(&erase, "e", false, "bulk erase entire flash first")
	fs.Parse(args)

	if filename == "" && !erase {
		return usagef("input file is required")
	}
	if err := checkSpan(addr, 0); err != nil {
		return err
	}

	var data []byte
	if filename != "" {
		if data, err = os.ReadFile(filename); err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
	}

	s, err := bus.open()
	if err != nil {
		return err
	}
	defer s.closeInto(&err)

	if erase {
		if err := s.dev.EraseChip(); err != nil {
			return fmt.Errorf("bulk erase flash failed: %w", err)
		}
	}
	if len(data) == 0 {
		return nil
	}
	if err := s.dev.Write(uint32(addr), data); err != nil {
		return fmt.Errorf("write flash failed: %w", err)
	}
	if err := s.dev.Flush(); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	st := s.dev.Stats()
	fmt.Printf("wrote %d bytes at %#x (%d sector write-backs)\n", len(data), addr, st.Flushes)
	return nil
}
