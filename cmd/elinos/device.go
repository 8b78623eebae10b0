package main

import (
	"fmt"
	"os"

	"github.com/elinos-project/elinos/internal/virtio"
)

// fileBlockDevice adapts an *os.File to the ext4.BlockDevice /
// virtio.Block-shaped interface (ReadBlocks/WriteBlocks/Flush over
// 512-byte sectors), used in place of a real VirtIO MMIO device on a
// hosted dev build where there is no hypervisor or QEMU behind the MMIO
// window (see DESIGN.md's "dev-host disk backing" decision). A real
// boot on RISC-V hardware hands the filesystem a *virtio.Block instead;
// both satisfy the same interface, so ext4 never needs to know which one
// it has.
type fileBlockDevice struct {
	f *os.File
}

func openFileBlockDevice(path string) (*fileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open disk image %s: %w", path, err)
	}
	return &fileBlockDevice{f: f}, nil
}

func (d *fileBlockDevice) ReadBlocks(sector uint64, count uint32, dst []byte) error {
	want := int64(count) * virtio.SectorSize
	if int64(len(dst)) < want {
		return fmt.Errorf("disk: read buffer too small: %d < %d", len(dst), want)
	}
	_, err := d.f.ReadAt(dst[:want], int64(sector)*virtio.SectorSize)
	return err
}

func (d *fileBlockDevice) WriteBlocks(sector uint64, count uint32, src []byte) error {
	want := int64(count) * virtio.SectorSize
	if int64(len(src)) < want {
		return fmt.Errorf("disk: write buffer too small: %d < %d", len(src), want)
	}
	_, err := d.f.WriteAt(src[:want], int64(sector)*virtio.SectorSize)
	return err
}

func (d *fileBlockDevice) Flush() error {
	return d.f.Sync()
}

func (d *fileBlockDevice) Close() error {
	return d.f.Close()
}
