package ext4

import "encoding/binary"

// DirEntry is one resolved entry returned by Filesystem.ListDirectory,
// the Go-idiomatic counterpart to original_source/src/filesystem/
// traits.rs's FileEntry.
type DirEntry struct {
	Name  string
	Inode uint32
	IsDir bool
}

// forEachDirBlock visits every data block of a directory inode in
// logical order, per the rec_len-chained layout the teacher's
// pkg/ext4/dir.go writes and d5295df2's reader reads back. fn may
// mutate block in place and returns (stop, dirty): a dirty block is
// written back to its physical location, and stop ends the scan after
// that block.
func forEachDirBlock(d *disk, sb *Superblock, inode *Inode, fn func(block []byte) (stop bool, dirty bool, err error)) error {
	bs := d.blockSize
	count := (inode.Size() + bs - 1) / bs
	for logical := uint64(0); logical < count; logical++ {
		physical, found, err := resolveBlock(d, sb, inode, logical)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		block := make([]byte, bs)
		if err := d.readBlock(physical, block); err != nil {
			return err
		}
		stop, dirty, err := fn(block)
		if err != nil {
			return err
		}
		if dirty {
			if err := d.writeBlock(physical, block); err != nil {
				return err
			}
		}
		if stop {
			return nil
		}
	}
	return nil
}

func listDirEntries(d *disk, sb *Superblock, inode *Inode) ([]DirEntry, error) {
	var out []DirEntry
	err := forEachDirBlock(d, sb, inode, func(block []byte) (bool, bool, error) {
		walkDirBlock(block, func(off int, de dirent, name string) bool {
			if de.Inode != 0 {
				out = append(out, DirEntry{
					Name:  name,
					Inode: de.Inode,
					IsDir: de.FileType == dirFTypeDir,
				})
			}
			return true
		})
		return false, false, nil
	})
	return out, err
}

// walkDirBlock iterates the rec_len chain in one directory data block,
// calling visit(offset, header, name) for every entry including freed
// (inode==0) slots, so callers can both read and mutate in place.
// Returning false from visit stops the walk early.
func walkDirBlock(block []byte, visit func(off int, de dirent, name string) bool) {
	off := 0
	for off+direntHeaderSize <= len(block) {
		de := dirent{
			Inode:    binary.LittleEndian.Uint32(block[off:]),
			RecLen:   binary.LittleEndian.Uint16(block[off+4:]),
			NameLen:  block[off+6],
			FileType: block[off+7],
		}
		if de.RecLen < direntHeaderSize {
			return
		}
		name := ""
		if int(de.NameLen) > 0 && off+direntHeaderSize+int(de.NameLen) <= len(block) {
			name = string(block[off+direntHeaderSize : off+direntHeaderSize+int(de.NameLen)])
		}
		if !visit(off, de, name) {
			return
		}
		off += int(de.RecLen)
	}
}

func putDirent(block []byte, off int, ino uint32, recLen uint16, fileType uint8, name string) {
	binary.LittleEndian.PutUint32(block[off:], ino)
	binary.LittleEndian.PutUint16(block[off+4:], recLen)
	block[off+6] = uint8(len(name))
	block[off+7] = fileType
	copy(block[off+direntHeaderSize:], name)
}

// entryFileType maps an inode's type to the dir_entry_2 file_type byte
// this driver always writes (rather than leaving it 0 for "unknown",
// as images without FEATURE_INCOMPAT_FILETYPE do).
func entryFileType(isDir bool) uint8 {
	if isDir {
		return dirFTypeDir
	}
	return dirFTypeRegular
}

// idealRecLen is the minimum 4-byte-aligned rec_len able to hold name.
func idealRecLen(name string) uint16 {
	n := direntHeaderSize + len(name)
	return uint16((n + 3) &^ 3)
}

func findDirEntry(d *disk, sb *Superblock, inode *Inode, name string) (uint32, bool, bool, error) {
	var ino uint32
	var isDir, found bool
	err := forEachDirBlock(d, sb, inode, func(block []byte) (bool, bool, error) {
		stop := false
		walkDirBlock(block, func(off int, de dirent, entryName string) bool {
			if de.Inode != 0 && entryName == name {
				ino, isDir, found = de.Inode, de.FileType == dirFTypeDir, true
				stop = true
				return false
			}
			return true
		})
		return stop, false, nil
	})
	return ino, isDir, found, err
}

// insertDirEntry adds a (name, childIno) pair to dirInode's data at the
// first entry, in any block, with room for it: a freed (inode 0) slot
// whose rec_len fits is reused whole, and a live entry whose rec_len
// leaves enough slack past its own name is split. If no entry has room,
// a fresh block is allocated and appended.
func insertDirEntry(d *disk, sb *Superblock, dirInode *Inode, name string, childIno uint32, isDir bool) error {
	want := idealRecLen(name)
	placed := false

	err := forEachDirBlock(d, sb, dirInode, func(block []byte) (bool, bool, error) {
		dirty := false
		walkDirBlock(block, func(off int, de dirent, entryName string) bool {
			used := idealRecLen(entryName)
			if de.Inode == 0 {
				used = 0
			}
			slack := de.RecLen - used
			if slack < want {
				return true
			}
			if de.Inode != 0 {
				binary.LittleEndian.PutUint16(block[off+4:], used)
				putDirent(block, off+int(used), childIno, slack, entryFileType(isDir), name)
			} else {
				putDirent(block, off, childIno, de.RecLen, entryFileType(isDir), name)
			}
			placed = true
			dirty = true
			return false
		})
		return placed, dirty, nil
	})
	if err != nil {
		return err
	}
	if placed {
		return nil
	}

	physical, err := allocateBlock(d, sb)
	if err != nil {
		return err
	}
	bs := d.blockSize
	block := make([]byte, bs)
	putDirent(block, 0, childIno, uint16(bs), entryFileType(isDir), name)
	if err := d.writeBlock(physical, block); err != nil {
		return err
	}
	logical := dirInode.Size() / bs
	if err := appendExtent(dirInode, logical, physical); err != nil {
		return err
	}
	dirInode.setSize(dirInode.Size() + bs)
	return nil
}

// removeDirEntry clears the entry named name by zeroing its inode field
// in place; rec_len is left untouched so the rec_len chain stays
// well-formed and iteration over the rest of the block still works.
func removeDirEntry(d *disk, sb *Superblock, dirInode *Inode, name string) error {
	removed := false
	err := forEachDirBlock(d, sb, dirInode, func(block []byte) (bool, bool, error) {
		found := false
		var foundOff int
		walkDirBlock(block, func(off int, de dirent, entryName string) bool {
			if de.Inode != 0 && entryName == name {
				found, foundOff = true, off
				return false
			}
			return true
		})
		if !found {
			return false, false, nil
		}
		binary.LittleEndian.PutUint32(block[foundOff:], 0)
		removed = true
		return true, true, nil
	})
	if err != nil {
		return err
	}
	if !removed {
		return newErr(FileNotFound, "directory entry not found")
	}
	return nil
}

// dirIsEmpty reports whether dirInode contains only "." and ".." (or
// nothing at all).
func dirIsEmpty(d *disk, sb *Superblock, dirInode *Inode) (bool, error) {
	entries, err := listDirEntries(d, sb, dirInode)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}
