package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
)

func readCommand(args []string) (err error) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	var bus busFlags
	bus.register(fs)
	var (
		addr    uint64
		nread   int
		all     bool
		outFile string
	)
	fs.Uint64Var(&addr, "a", 0, "start address")
	fs.IntVar(&nread, "n", 256, "number of bytes to read")
	fs.BoolVar(&all, "all", false, "read the whole chip from -a on")
	fs.StringVar(&outFile, "o", "", "output file (default: hexdump)")
	fs.Parse(args)

	if err := checkSpan(addr, nread); err != nil {
		return err
	}

	s, err := bus.open()
	if err != nil {
		return err
	}
	defer s.closeInto(&err)

	if all {
		nread = int(uint64(s.dev.Size()) - min(addr, uint64(s.dev.Size())))
	}
	data := make([]byte, nread)
	if err := s.dev.Read(uint32(addr), data); err != nil {
		return fmt.Errorf("read flash failed: %w", err)
	}
	if outFile == "" {
		fmt.Println(hex.Dump(data))
		return nil
	}
	if err := os.WriteFile(outFile, data, 0644); err != nil {
		return fmt.Errorf("write file failed: %w", err)
	}
	return nil
}
