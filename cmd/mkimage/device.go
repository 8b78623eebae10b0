package main

import (
	"fmt"
	"os"

	"github.com/elinos-project/elinos/internal/virtio"
)

// fileBlockDevice adapts an already-open *os.File to ext4.BlockDevice,
// the same shape cmd/elinos's own adapter uses (see its device.go) —
// duplicated rather than shared because the two commands are separate
// main packages and this adapter is a handful of lines.
type fileBlockDevice struct {
	f *os.File
}

func newFileBlockDevice(f *os.File) *fileBlockDevice {
	return &fileBlockDevice{f: f}
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
