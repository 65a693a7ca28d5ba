package main

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
)

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func fatalUsage(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(2)
}

// usageError is a bad command line, reported with exit status 2.
type usageError string

func (e usageError) Error() string { return string(e) }

func usagef(format string, a ...any) error {
	return usageError(fmt.Sprintf(format, a...))
}

// checkSpan rejects flag values that do not fit the 32-bit address space.
func checkSpan(addr uint64, n int) error {
	if n < 0 {
		return usagef("negative length %d", n)
	}
	if addr > math.MaxUint32 {
		return usagef("address %#x beyond 32 bits", addr)
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
	qflash <command> [arguments]

Commands:
	info	 print chip ID, SFDP and registers
	read	 read flash memory
	write	 write flash memory through the sector cache
	erase	 erase sectors or the whole chip
	format	 create a FAT32 filesystem
	ls	 list the FAT32 root directory

Commands talk to the FTDI adapter unless -spi/-cs or -sim picks another bus.
`)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	var run func([]string) error
	switch cmd := flag.Arg(0); cmd {
	case "info":
		run = infoCommand
	case "read":
		run = readCommand
	case "write":
		run = writeCommand
	case "erase":
		run = eraseCommand
	case "format":
		run = formatCommand
	case "ls":
		run = lsCommand
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n", cmd)
		usage()
	}

	err := run(flag.Args()[1:])
	var uerr usageError
	switch {
	case errors.As(err, &uerr):
		fatalUsage("%v", err)
	case err != nil:
		fatalf("%v", err)
	}
}
