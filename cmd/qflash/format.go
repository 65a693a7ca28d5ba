package main

import (
	"flag"
	"fmt"

	"github.com/gentam/qflash/fatfs"
)

func formatCommand(args []string) (err error) {
	fs := flag.NewFlagSet("format", flag.ExitOnError)
	var bus busFlags
	bus.register(fs)
	var label string
	fs.StringVar(&label, "label", "QFLASH", "volume label")
	fs.Parse(args)

	s, err := bus.open()
	if err != nil {
		return err
	}
	defer s.closeInto(&err)

	if _, err := fatfs.Format(s.dev, label); err != nil {
		return err
	}
	fmt.Printf("formatted %d bytes as FAT32 %q\n", s.dev.Size(), label)
	return nil
}

func lsCommand(args []string) (err error) {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	var bus busFlags
	bus.register(fs)
	var dir string
	fs.StringVar(&dir, "d", "/", "directory")
	fs.Parse(args)

	s, err := bus.open()
	if err != nil {
		return err
	}
	defer s.closeInto(&err)

	fsys, err := fatfs.Open(s.dev)
	if err != nil {
		return err
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%10d  %s\n", e.Size(), e.Name())
	}
	return nil
}
