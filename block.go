package qflash

import "fmt"

// BlockSize is the block size seen by filesystems and USB mass storage.
const BlockSize = 512

// Block device ioctl operations. The first five follow the block device
// protocol of embedded filesystems; the rest are flash specific.
const (
	IoctlInit     = 1
	IoctlDeinit   = 2
	IoctlSync     = 3
	IoctlSecCount = 4
	IoctlSecSize  = 5

	IoctlContention  = 0x4342 // contended bus lock acquisitions
	IoctlSetConfig   = 0x4343 // write the configuration register
	IoctlSectorErase = 0x4345 // erase the sector containing arg
	IoctlFullErase   = 0x4346
	IoctlEraseCount  = 0x4348 // erase count of sector arg
	IoctlSecurityID  = 0x4352 // log the security ID
	IoctlUnlock      = 0x4355 // global block protection unlock
	IoctlGetConfig   = 0x4363 // read the configuration register
)

// BlockDevice exposes a Device as numbered 512 byte blocks.
type BlockDevice struct {
	dev  *Device
	chip *Chip // nil when dev is not backed by a Chip
}

// NewBlockDevice wraps d.
func NewBlockDevice(d *Device) *BlockDevice {
	b := &BlockDevice{dev: d}
	if c, ok := d.Medium().(*Chip); ok {
		b.chip = c
	}
	return b
}

// Device returns the wrapped device.
func (b *BlockDevice) Device() *Device { return b.dev }

// BlockCount returns the number of blocks.
func (b *BlockDevice) BlockCount() uint32 {
	return b.dev.Size() / BlockSize
}

// ReadBlocks reads len(buf) bytes starting at block.
func (b *BlockDevice) ReadBlocks(block uint32, buf []byte) error {
	addr, err := b.addr(block, len(buf))
	if err != nil {
		return err
	}
	return b.dev.Read(addr, buf)
}

// WriteBlocks writes buf starting at block.
func (b *BlockDevice) WriteBlocks(block uint32, buf []byte) error {
	addr, err := b.addr(block, len(buf))
	if err != nil {
		return err
	}
	return b.dev.Write(addr, buf)
}

func (b *BlockDevice) addr(block uint32, n int) (uint32, error) {
	addr := uint64(block) * BlockSize
	if addr+uint64(n) > uint64(b.dev.Size()) {
		return 0, fmt.Errorf("%w: block %d+%d bytes beyond %d blocks", ErrOutOfRange, block, n, b.BlockCount())
	}
	return uint32(addr), nil
}

// Info returns the capacity, the block size and the erase granularity
// exposed to callers (0: writes need no prior erase).
func (b *BlockDevice) Info() (size uint32, blockSize uint32, eraseSize uint32) {
	return b.dev.Size(), BlockSize, 0
}

// Ioctl runs a block device control operation. Unknown operations return
// ErrUnsupported.
func (b *BlockDevice) Ioctl(op int, arg int) (int, error) {
	switch op {
	case IoctlInit, IoctlDeinit:
		return 0, nil
	case IoctlSync:
		return 0, b.dev.Flush()
	case IoctlSecCount:
		return int(b.BlockCount()), nil
	case IoctlSecSize:
		return BlockSize, nil
	case IoctlContention:
		return int(b.dev.Stats().Contention), nil
	case IoctlSectorErase:
		return 0, b.dev.EraseSector(uint32(arg))
	case IoctlFullErase:
		return 0, b.dev.EraseChip()
	case IoctlEraseCount:
		if b.chip == nil {
			break
		}
		return int(b.chip.EraseCount(uint32(arg))), nil
	case IoctlSetConfig:
		if b.chip == nil {
			break
		}
		return 0, b.locked(func() error { return b.chip.WriteConfig(ConfigRegister(arg)) })
	case IoctlGetConfig:
		if b.chip == nil {
			break
		}
		var cr ConfigRegister
		err := b.locked(func() (err error) {
			cr, err = b.chip.ReadConfig()
			return err
		})
		return int(cr), err
	case IoctlSecurityID:
		if b.chip == nil {
			break
		}
		var id []byte
		err := b.locked(func() (err error) {
			id, err = b.chip.ReadSecurityID()
			return err
		})
		if err == nil {
			Logger(ComponentBlock).Info("security ID", "id", fmt.Sprintf("% x", id))
		}
		return 0, err
	case IoctlUnlock:
		if b.chip == nil {
			break
		}
		return 0, b.locked(b.chip.GlobalUnlock)
	}
	return -1, fmt.Errorf("ioctl %#x: %w", op, ErrUnsupported)
}

// locked runs fn on the chip while holding the device's bus lock.
func (b *BlockDevice) locked(fn func() error) error {
	b.dev.lock.Acquire()
	defer b.dev.lock.Release()
	return fn()
}
