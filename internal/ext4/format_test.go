package ext4

import (
	"bytes"
	"testing"
)

func TestFormatThenMount(t *testing.T) {
	mbd := newMemBlockDevice(256)
	if err := Format(mbd, uint64(256*BlockSize), BlockSize); err != nil {
		t.Fatalf("Format: %v", err)
	}

	fs, err := Mount(mbd)
	if err != nil {
		t.Fatalf("Mount freshly formatted image: %v", err)
	}
	if !fs.IsMounted() {
		t.Fatalf("expected IsMounted() == true after Mount")
	}

	entries, err := fs.ListDirectory("/")
	if err != nil {
		t.Fatalf("ListDirectory(/): %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected only . and .. in a fresh root, got %d entries: %+v", len(entries), entries)
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			t.Fatalf("unexpected entry in fresh root: %q", e.Name)
		}
	}
}

func TestFormatRejectsImageTooSmallForMetadata(t *testing.T) {
	mbd := newMemBlockDevice(4)
	if err := Format(mbd, uint64(4*BlockSize), BlockSize); err == nil {
		t.Fatalf("expected Format to reject an image too small to hold its own metadata")
	}
}

func TestFormatClampsOversizedImage(t *testing.T) {
	const maxSingleGroupBytes = uint64(BlockSize) * uint64(BlockSize) * 8
	mbd := newMemBlockDevice(int(maxSingleGroupBytes/BlockSize) + 64)
	if err := Format(mbd, maxSingleGroupBytes+uint64(64*BlockSize), BlockSize); err != nil {
		t.Fatalf("Format: %v", err)
	}
	if _, err := Mount(mbd); err != nil {
		t.Fatalf("Mount clamped image: %v", err)
	}
}

func TestFormatThenCreateWriteReadFile(t *testing.T) {
	mbd := newMemBlockDevice(256)
	if err := Format(mbd, uint64(256*BlockSize), BlockSize); err != nil {
		t.Fatalf("Format: %v", err)
	}
	fs, err := Mount(mbd)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if err := fs.CreateDirectory("/bin"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if err := fs.CreateFile("/bin/hello"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	want := []byte("hello from a freshly formatted image\n")
	if err := fs.WriteFile("/bin/hello", 0, want); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := fs.ReadFile("/bin/hello")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadFile = %q, want %q", got, want)
	}
}
