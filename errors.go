package qflash

import (
	"errors"
	"fmt"
)

var (
	// ErrIO is a generic I/O failure reported by the transport or the chip.
	ErrIO = errors.New("flash i/o error")

	// ErrTimeout indicates a status register poll ran out of iterations or time.
	ErrTimeout = errors.New("flash status poll timed out")

	// ErrTooLarge indicates a single-sector request that crosses a sector
	// boundary. It wraps ErrIO.
	ErrTooLarge = fmt.Errorf("%w: request does not fit in one sector", ErrIO)

	// ErrVerify indicates read-back after programming did not match.
	ErrVerify = fmt.Errorf("%w: verify mismatch", ErrIO)

	// ErrNoChip indicates no flash chip answered during probing.
	ErrNoChip = errors.New("no flash chip detected")

	// ErrOutOfRange indicates an address outside the chip.
	ErrOutOfRange = errors.New("address out of range")

	// ErrReadOnly indicates a write to read-only storage.
	ErrReadOnly = errors.New("storage is read-only")

	// ErrUnsupported indicates a transport or chip lacks a capability.
	ErrUnsupported = errors.New("not supported")
)
