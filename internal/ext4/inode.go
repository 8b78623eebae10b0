package ext4

import (
	"bytes"
	"encoding/binary"
)

// readInode reads the base 128-byte inode record for ino, grounded on
// the teacher's pkg/ext4/inode.go Inode struct (there written out at
// image-build time; here read back at mount time).
func readInode(d *disk, sb *Superblock, ino uint32) (*Inode, error) {
	if ino == 0 {
		return nil, newErr(CorruptedFilesystem, "inode number 0 is invalid")
	}
	group, offInGroup := inodeLocation(sb, ino)
	gd, err := readGroupDescriptor(d, sb, group)
	if err != nil {
		return nil, err
	}
	off := uint64(gd.InodeTableAddr)*d.blockSize + offInGroup
	buf := make([]byte, InodeSize)
	if err := d.readAt(off, buf); err != nil {
		return nil, wrapErr(IoError, "read inode", err)
	}
	var inode Inode
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &inode); err != nil {
		return nil, wrapErr(CorruptedFilesystem, "decode inode", err)
	}
	return &inode, nil
}

// writeInode persists inode back to ino's slot in its block group's
// inode table.
func writeInode(d *disk, sb *Superblock, ino uint32, inode *Inode) error {
	group, offInGroup := inodeLocation(sb, ino)
	gd, err := readGroupDescriptor(d, sb, group)
	if err != nil {
		return err
	}
	off := uint64(gd.InodeTableAddr)*d.blockSize + offInGroup
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, inode); err != nil {
		return wrapErr(IoError, "encode inode", err)
	}
	if err := d.writeAt(off, buf.Bytes()); err != nil {
		return wrapErr(IoError, "write inode", err)
	}
	return nil
}

// Size returns the inode's full 64-bit file size.
func (in *Inode) Size() uint64 {
	return uint64(in.SizeHigh)<<32 | uint64(in.SizeLow)
}

func (in *Inode) setSize(size uint64) {
	in.SizeLow = uint32(size)
	in.SizeHigh = uint32(size >> 32)
}

// IsDir reports whether the inode's mode bits mark it as a directory.
func (in *Inode) IsDir() bool {
	return in.Mode&inodeTypeMask == inodeTypeDirectory
}

// IsRegular reports whether the inode's mode bits mark it as a regular
// file.
func (in *Inode) IsRegular() bool {
	return in.Mode&inodeTypeMask == inodeTypeRegular
}

func (in *Inode) hasExtents() bool {
	return in.Flags&ExtentsFlag != 0
}
