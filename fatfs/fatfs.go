package fatfs

import (
	"fmt"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/gentam/qflash"
)

// Format creates a FAT32 filesystem spanning the whole device, without a
// partition table, and flushes it.
func Format(dev *qflash.Device, label string) (filesystem.FileSystem, error) {
	d, err := diskfs.OpenBackend(NewBackend(dev, "qflash"))
	if err != nil {
		return nil, fmt.Errorf("fatfs: open: %w", err)
	}
	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: label,
	})
	if err != nil {
		return nil, fmt.Errorf("fatfs: format: %w", err)
	}
	if err := dev.Flush(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Open mounts the filesystem that Format created.
func Open(dev *qflash.Device) (filesystem.FileSystem, error) {
	d, err := diskfs.OpenBackend(NewBackend(dev, "qflash"))
	if err != nil {
		return nil, fmt.Errorf("fatfs: open: %w", err)
	}
	fs, err := d.GetFilesystem(0)
	if err != nil {
		return nil, fmt.Errorf("fatfs: mount: %w", err)
	}
	return fs, nil
}
