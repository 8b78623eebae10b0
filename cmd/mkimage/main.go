// Command mkimage builds a fresh ext2/4-compatible disk image for
// cmd/elinos to boot from, formatting it with internal/ext4.Format and
// then populating it with a small set of test files through the normal
// Filesystem API, showing progress with schollz/progressbar/v3 the way
// the teacher's image-building tools do
// (internal/linux/kernel/alpine/main.go, internal/oci/client.go).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/elinos-project/elinos/internal/bootconfig"
	"github.com/elinos-project/elinos/internal/ext4"
	"github.com/schollz/progressbar/v3"
)

// seedFile is one file written into a freshly formatted image.
type seedFile struct {
	path string
	data []byte
}

var seedFiles = []seedFile{
	{"/README.txt", []byte("elinOS test disk image\ngenerated by mkimage\n")},
	{"/bin/.keep", nil},
	{"/etc/motd", []byte("Welcome to elinOS.\n")},
}

var seedDirs = []string{"/bin", "/etc"}

func main() {
	out := flag.String("out", "disk.img", "output disk image path")
	size := flag.String("size", "64MiB", "image size, e.g. 64MiB")
	blockSize := flag.Uint64("blocksize", ext4.BlockSize, "filesystem block size in bytes (1024, 2048, or 4096)")
	flag.Parse()

	sizeBytes, err := bootconfig.ParseSize(*size)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mkimage: -size:", err)
		os.Exit(1)
	}

	if err := buildImage(*out, sizeBytes, *blockSize); err != nil {
		fmt.Fprintln(os.Stderr, "mkimage:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (%d bytes)\n", *out, sizeBytes)
}

func buildImage(path string, size uint64, blockSize uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("truncate %s: %w", path, err)
	}

	dev := newFileBlockDevice(f)

	bar := progressbar.NewOptions(len(seedDirs)+len(seedFiles)+1,
		progressbar.OptionSetDescription("building "+path),
		progressbar.OptionShowCount(),
	)

	if err := ext4.Format(dev, size, blockSize); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	bar.Add(1)

	fs, err := ext4.Mount(dev)
	if err != nil {
		return fmt.Errorf("mount freshly formatted image: %w", err)
	}
	defer fs.Unmount()

	for _, dir := range seedDirs {
		if err := fs.CreateDirectory(dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
		bar.Add(1)
	}
	for _, sf := range seedFiles {
		if err := fs.CreateFile(sf.path); err != nil {
			return fmt.Errorf("create %s: %w", sf.path, err)
		}
		if len(sf.data) > 0 {
			if err := fs.WriteFile(sf.path, 0, sf.data); err != nil {
				return fmt.Errorf("write %s: %w", sf.path, err)
			}
		}
		bar.Add(1)
	}

	return fs.Sync()
}
