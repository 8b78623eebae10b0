package ext4

import (
	"strings"

	gsync "gvisor.dev/gvisor/pkg/sync"
)

// Filesystem is a mounted ext2/4-compatible filesystem driving a single
// virtio.Block device, implementing the FileSystem trait's operation
// set from original_source/src/filesystem/traits.rs (list_files,
// read_file, write_file, create_file, create_directory, delete_file,
// delete_directory, truncate_file, sync, file_exists) in Go's
// accept-interfaces/return-structs idiom.
type Filesystem struct {
	mu      gsync.Mutex
	disk    *disk
	sb      *Superblock
	mounted bool
}

// FileInfo is the supplemented Stat result: traits.rs's FileEntry plus
// the file size and block count a shell-style "ls -l" needs, which the
// directory-entry-only FileEntry can't carry by itself.
type FileInfo struct {
	Name   string
	Inode  uint32
	IsDir  bool
	Size   uint64
	Blocks uint64
}

// Mount reads and validates dev's superblock and returns a ready-to-use
// Filesystem, grounded on ReadExt4SuperBlock /
// ReadExt4SuperBlockReadSeeker in
// other_examples/d5295df2_mirendev-runtime__lsvd-pkg-ext4-read.go.go.
func Mount(dev BlockDevice) (*Filesystem, error) {
	d := newDisk(dev)
	sb, err := readSuperblock(d)
	if err != nil {
		return nil, err
	}
	return &Filesystem{disk: d, sb: sb, mounted: true}, nil
}

// IsMounted reports whether Mount has succeeded and Unmount has not
// since been called.
func (fs *Filesystem) IsMounted() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mounted
}

// IsInitialized reports whether the filesystem has a valid, mounted
// superblock backing it; for this driver that is identical to
// IsMounted, since there is no separate "formatted but not mounted"
// state to model.
func (fs *Filesystem) IsInitialized() bool { return fs.IsMounted() }

// Sync flushes the superblock, every dirtied metadata block already
// written synchronously by this driver's operations, and the device's
// own write cache.
func (fs *Filesystem) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return newErr(NotMounted, "filesystem is not mounted")
	}
	if err := writeSuperblock(fs.disk, fs.sb); err != nil {
		return err
	}
	return fs.disk.sync()
}

// Unmount flushes pending state and marks the filesystem unusable for
// further operations.
func (fs *Filesystem) Unmount() error {
	if !fs.IsMounted() {
		return nil
	}
	err := fs.Sync()
	fs.mu.Lock()
	fs.mounted = false
	fs.mu.Unlock()
	return err
}

func splitPath(path string) ([]string, error) {
	parts := strings.Split(path, "/")
	var out []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if len(p) > maxPathComponent {
			return nil, newErr(FilenameTooLong, p)
		}
		out = append(out, p)
	}
	return out, nil
}

// resolve walks path from the root inode, returning the inode number
// and record of the final component.
func (fs *Filesystem) resolve(path string) (uint32, *Inode, error) {
	parts, err := splitPath(path)
	if err != nil {
		return 0, nil, err
	}
	ino := uint32(RootInode)
	inode, err := readInode(fs.disk, fs.sb, ino)
	if err != nil {
		return 0, nil, wrapErr(CorruptedFilesystem, "read root inode", err)
	}
	for i, part := range parts {
		if !inode.IsDir() {
			return 0, nil, newErr(NotADirectory, strings.Join(parts[:i], "/"))
		}
		childIno, _, found, err := findDirEntry(fs.disk, fs.sb, inode, part)
		if err != nil {
			return 0, nil, err
		}
		if !found {
			return 0, nil, newErr(FileNotFound, path)
		}
		inode, err = readInode(fs.disk, fs.sb, childIno)
		if err != nil {
			return 0, nil, err
		}
		ino = childIno
	}
	return ino, inode, nil
}

// resolveParent splits path into its parent directory (resolved) and
// final component name, failing if the parent does not exist or is not
// a directory.
func (fs *Filesystem) resolveParent(path string) (uint32, *Inode, string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return 0, nil, "", err
	}
	if len(parts) == 0 {
		return 0, nil, "", newErr(InvalidPath, path)
	}
	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	parentIno, parentInode, err := fs.resolve(parentPath)
	if err != nil {
		return 0, nil, "", err
	}
	if !parentInode.IsDir() {
		return 0, nil, "", newErr(NotADirectory, parentPath)
	}
	return parentIno, parentInode, parts[len(parts)-1], nil
}

// FileExists reports whether path names an existing file or directory.
func (fs *Filesystem) FileExists(path string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return false
	}
	_, _, err := fs.resolve(path)
	return err == nil
}

// Stat returns metadata for path.
func (fs *Filesystem) Stat(path string) (FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return FileInfo{}, newErr(NotMounted, "filesystem is not mounted")
	}
	ino, inode, err := fs.resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	blocks, err := extentBlocks(inode)
	if err != nil {
		return FileInfo{}, err
	}
	name := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		name = path[i+1:]
	}
	return FileInfo{
		Name:   name,
		Inode:  ino,
		IsDir:  inode.IsDir(),
		Size:   inode.Size(),
		Blocks: uint64(len(blocks)),
	}, nil
}

// ListDirectory returns every entry in the directory named by path.
func (fs *Filesystem) ListDirectory(path string) ([]DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return nil, newErr(NotMounted, "filesystem is not mounted")
	}
	_, inode, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if !inode.IsDir() {
		return nil, newErr(NotADirectory, path)
	}
	return listDirEntries(fs.disk, fs.sb, inode)
}

// ReadFile reads the full contents of the regular file at path.
func (fs *Filesystem) ReadFile(path string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return nil, newErr(NotMounted, "filesystem is not mounted")
	}
	_, inode, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if inode.IsDir() {
		return nil, newErr(IsADirectory, path)
	}
	size := inode.Size()
	out := make([]byte, size)
	bs := fs.disk.blockSize
	blockCount := (size + bs - 1) / bs
	for logical := uint64(0); logical < blockCount; logical++ {
		physical, found, err := resolveBlock(fs.disk, fs.sb, inode, logical)
		if err != nil {
			return nil, err
		}
		start := logical * bs
		end := start + bs
		if end > size {
			end = size
		}
		if !found {
			continue // hole: out is already zero-filled there
		}
		block := make([]byte, bs)
		if err := fs.disk.readBlock(physical, block); err != nil {
			return nil, err
		}
		copy(out[start:end], block[:end-start])
	}
	return out, nil
}

// CreateFile creates an empty regular file at path; its parent
// directory must already exist.
func (fs *Filesystem) CreateFile(path string) error {
	return fs.createEntry(path, false)
}

// CreateDirectory creates an empty directory at path, with "." and
// ".." entries populated, per the teacher's pkg/ext4/dir.go layout.
func (fs *Filesystem) CreateDirectory(path string) error {
	return fs.createEntry(path, true)
}

func (fs *Filesystem) createEntry(path string, isDir bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return newErr(NotMounted, "filesystem is not mounted")
	}
	parentIno, parentInode, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	if len(name) == 0 {
		return newErr(InvalidPath, path)
	}
	if _, _, found, err := findDirEntry(fs.disk, fs.sb, parentInode, name); err != nil {
		return err
	} else if found {
		return newErr(FileAlreadyExists, path)
	}

	ino, err := allocateInode(fs.disk, fs.sb, isDir)
	if err != nil {
		return err
	}
	var inode Inode
	if isDir {
		inode.Mode = inodeTypeDirectory | 0o755
		inode.LinksCount = 2
	} else {
		inode.Mode = inodeTypeRegular | 0o644
		inode.LinksCount = 1
	}
	resetExtents(&inode)

	if isDir {
		physical, err := allocateBlock(fs.disk, fs.sb)
		if err != nil {
			freeInode(fs.disk, fs.sb, ino, isDir)
			return err
		}
		bs := fs.disk.blockSize
		block := make([]byte, bs)
		putDirent(block, 0, ino, idealRecLen("."), entryFileType(true), ".")
		putDirent(block, int(idealRecLen(".")), parentIno, uint16(bs)-idealRecLen("."), entryFileType(true), "..")
		if err := fs.disk.writeBlock(physical, block); err != nil {
			return err
		}
		if err := appendExtent(&inode, 0, physical); err != nil {
			return err
		}
		inode.setSize(bs)
	}

	if err := writeInode(fs.disk, fs.sb, ino, &inode); err != nil {
		return err
	}
	if err := insertDirEntry(fs.disk, fs.sb, parentInode, name, ino, isDir); err != nil {
		return err
	}
	if isDir {
		parentInode.LinksCount++
	}
	return writeInode(fs.disk, fs.sb, parentIno, parentInode)
}

// WriteFile writes data into the regular file at path starting at
// byte offset, growing the file (allocating new blocks) as needed, per
// traits.rs's write_file(file, offset, data) signature.
func (fs *Filesystem) WriteFile(path string, offset uint64, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return newErr(NotMounted, "filesystem is not mounted")
	}
	ino, inode, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if inode.IsDir() {
		return newErr(IsADirectory, path)
	}
	if len(data) == 0 {
		return nil
	}

	bs := fs.disk.blockSize
	end := offset + uint64(len(data))
	firstBlock := offset / bs
	lastBlock := (end - 1) / bs
	for logical := firstBlock; logical <= lastBlock; logical++ {
		physical, found, err := resolveBlock(fs.disk, fs.sb, inode, logical)
		if err != nil {
			return err
		}
		if !found {
			physical, err = allocateBlock(fs.disk, fs.sb)
			if err != nil {
				return err
			}
			if err := fs.disk.writeBlock(physical, make([]byte, bs)); err != nil {
				return err
			}
			if err := appendExtent(inode, logical, physical); err != nil {
				return err
			}
		}

		block := make([]byte, bs)
		if err := fs.disk.readBlock(physical, block); err != nil {
			return err
		}
		blockStart := logical * bs
		srcStart := uint64(0)
		dstStart := uint64(0)
		if blockStart < offset {
			dstStart = offset - blockStart
		} else {
			srcStart = blockStart - offset
		}
		n := bs - dstStart
		if remaining := uint64(len(data)) - srcStart; remaining < n {
			n = remaining
		}
		copy(block[dstStart:dstStart+n], data[srcStart:srcStart+n])
		if err := fs.disk.writeBlock(physical, block); err != nil {
			return err
		}
	}

	if end > inode.Size() {
		inode.setSize(end)
	}
	return writeInode(fs.disk, fs.sb, ino, inode)
}

// TruncateFile resizes the regular file at path to size bytes,
// freeing any blocks beyond the new length.
func (fs *Filesystem) TruncateFile(path string, size uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return newErr(NotMounted, "filesystem is not mounted")
	}
	ino, inode, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if inode.IsDir() {
		return newErr(IsADirectory, path)
	}
	if size == 0 {
		if err := freeAllBlocks(fs.disk, fs.sb, inode); err != nil {
			return err
		}
		resetExtents(inode)
		inode.setSize(0)
		return writeInode(fs.disk, fs.sb, ino, inode)
	}
	if size >= inode.Size() {
		inode.setSize(size)
		return writeInode(fs.disk, fs.sb, ino, inode)
	}

	bs := fs.disk.blockSize
	keepBlocks := (size + bs - 1) / bs
	totalBlocks := (inode.Size() + bs - 1) / bs
	for logical := keepBlocks; logical < totalBlocks; logical++ {
		physical, found, err := resolveBlock(fs.disk, fs.sb, inode, logical)
		if err != nil {
			return err
		}
		if found {
			if err := freeBlock(fs.disk, fs.sb, physical); err != nil {
				return err
			}
		}
	}
	if inode.hasExtents() {
		if err := truncateExtents(inode, keepBlocks); err != nil {
			return err
		}
	}
	inode.setSize(size)
	return writeInode(fs.disk, fs.sb, ino, inode)
}

func freeAllBlocks(d *disk, sb *Superblock, inode *Inode) error {
	blocks, err := extentBlocks(inode)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := freeBlock(d, sb, b); err != nil {
			return err
		}
	}
	return nil
}

// DeleteFile unlinks the regular file at path and releases its inode
// and data blocks.
func (fs *Filesystem) DeleteFile(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return newErr(NotMounted, "filesystem is not mounted")
	}
	_, parentInode, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	childIno, isDir, found, err := findDirEntry(fs.disk, fs.sb, parentInode, name)
	if err != nil {
		return err
	}
	if !found {
		return newErr(FileNotFound, path)
	}
	if isDir {
		return newErr(IsADirectory, path)
	}
	inode, err := readInode(fs.disk, fs.sb, childIno)
	if err != nil {
		return err
	}
	if err := removeDirEntry(fs.disk, fs.sb, parentInode, name); err != nil {
		return err
	}
	if err := freeAllBlocks(fs.disk, fs.sb, inode); err != nil {
		return err
	}
	return freeInode(fs.disk, fs.sb, childIno, false)
}

// DeleteDirectory removes the empty directory at path.
//
// A directory whose sole remaining content is a corrupted extent
// header (bad magic) is treated as empty rather than rejected: the
// original implementation preserves such directories during cleanup
// instead of erroring, and this driver follows that precedent (see
// DESIGN.md's Open Question on delete_directory's corruption handling).
func (fs *Filesystem) DeleteDirectory(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return newErr(NotMounted, "filesystem is not mounted")
	}
	if parts, _ := splitPath(path); len(parts) == 0 {
		return newErr(InvalidPath, path)
	}
	parentIno, parentInode, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	childIno, isDir, found, err := findDirEntry(fs.disk, fs.sb, parentInode, name)
	if err != nil {
		return err
	}
	if !found {
		return newErr(DirectoryNotFound, path)
	}
	if !isDir {
		return newErr(NotADirectory, path)
	}
	inode, err := readInode(fs.disk, fs.sb, childIno)
	if err != nil {
		return err
	}
	empty, err := dirIsEmpty(fs.disk, fs.sb, inode)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Code_ == CorruptedFilesystem {
			empty = true
		} else {
			return err
		}
	}
	if !empty {
		return newErr(DirectoryNotEmpty, path)
	}
	if err := removeDirEntry(fs.disk, fs.sb, parentInode, name); err != nil {
		return err
	}
	if err := freeAllBlocks(fs.disk, fs.sb, inode); err != nil {
		return err
	}
	if err := freeInode(fs.disk, fs.sb, childIno, true); err != nil {
		return err
	}
	if parentInode.LinksCount > 0 {
		parentInode.LinksCount--
	}
	return writeInode(fs.disk, fs.sb, parentIno, parentInode)
}
