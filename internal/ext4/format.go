package ext4

import (
	"crypto/rand"
	"fmt"
)

// Format writes a fresh, single-block-group ext2/4-compatible filesystem
// to dev, sized to totalBytes with blockSizeBytes-byte blocks (1024,
// 2048, or 4096 — the same three sizes readSuperblock accepts on mount),
// with an empty root directory. It is the counterpart to the teacher's
// image-building tools (pkg/ext4's own build-time-only bitmap
// bookkeeping, per alloc.go's doc comment) rather than anything
// original_source implements — the Rust kernel always mounts an image
// prepared by an external tool, so Format has no upstream to mirror and
// is grounded on this package's own on-disk layout (layout.go,
// superblock.go) instead.
//
// Only a single block group is built (spec.md §4.3's scope, see
// DESIGN.md): totalBytes is clamped to one bitmap block's worth of data
// blocks.
const formatInodesPerGroup = 256

func Format(dev BlockDevice, totalBytes uint64, blockSizeBytes uint64) error {
	logBlockSize, err := logBlockSizeFor(blockSizeBytes)
	if err != nil {
		return err
	}

	maxSingleGroupBytes := blockSizeBytes * blockSizeBytes * 8 // one bitmap block's worth of data blocks
	if totalBytes > maxSingleGroupBytes {
		totalBytes = maxSingleGroupBytes
	}
	totalBlocks := uint32(totalBytes / blockSizeBytes)

	inodeTableBlocks := uint64((formatInodesPerGroup*uint64(InodeSize) + blockSizeBytes - 1) / blockSizeBytes)

	sb := &Superblock{
		LogBlockSize:   logBlockSize,
		LogClusterSize: logBlockSize,
	}
	// Block 0: superblock (at byte offset 1024) + reserved tail (block 1
	// too, when blockSizeBytes==1024, since the superblock's 1024 bytes
	// then span a whole block of their own). Group descriptor table,
	// block bitmap, inode bitmap, and inode table follow contiguously.
	gdtBlock := groupDescriptorTableBlock(sb)
	blockBitmapBlk := gdtBlock + 1
	inodeBitmapBlk := gdtBlock + 2
	inodeTableStart := gdtBlock + 3
	metadataBlocks := inodeTableStart + inodeTableBlocks
	rootDataBlock := metadataBlocks
	if metadataBlocks+1 >= uint64(totalBlocks) {
		return newErr(FilesystemFull, fmt.Sprintf("image too small: need >%d blocks, have %d", metadataBlocks+1, totalBlocks))
	}

	d := newDisk(dev)
	d.blockSize = blockSizeBytes

	sb.TotalInodes = formatInodesPerGroup
	sb.TotalBlocksLow = totalBlocks
	sb.UnallocatedBlocksLow = totalBlocks - uint32(metadataBlocks) - 1
	sb.UnallocatedInodes = formatInodesPerGroup - (FirstUserIno - 1)
	sb.FirstDataBlock = 0
	sb.BlocksPerGroup = totalBlocks
	sb.ClustersPerGroup = totalBlocks
	sb.InodesPerGroup = formatInodesPerGroup
	sb.MaxMountCount = 0xffff
	sb.Magic = SuperblockMagic
	sb.State = 1     // EXT2_VALID_FS
	sb.Errors = 1    // EXT2_ERRORS_CONTINUE
	sb.CreatorOS = 0 // EXT2_OS_LINUX
	sb.RevLevel = 1  // EXT2_DYNAMIC_REV: FirstIno/InodeSize fields are meaningful
	sb.FirstIno = FirstUserIno
	sb.InodeSize = InodeSize
	sb.FeatureIncompat = 0x42 // FILETYPE | EXTENTS, advisory only: this driver doesn't gate on it
	rand.Read(sb.UUID[:])
	copy(sb.VolumeName[:], "elinos")

	gd := &BlockGroupDescriptor{
		BlockBitmapAddr: uint32(blockBitmapBlk),
		InodeBitmapAddr: uint32(inodeBitmapBlk),
		InodeTableAddr:  uint32(inodeTableStart),
		FreeBlocks:      uint16(sb.UnallocatedBlocksLow),
		FreeInodes:      uint16(sb.UnallocatedInodes),
		Directories:     1,
	}

	blockBitmap := make([]byte, blockSizeBytes)
	for i := uint64(0); i <= rootDataBlock; i++ {
		setBit(blockBitmap, int(i))
	}
	inodeBitmap := make([]byte, blockSizeBytes)
	for i := uint32(0); i < FirstUserIno-1; i++ {
		setBit(inodeBitmap, int(i))
	}

	if err := writeSuperblock(d, sb); err != nil {
		return err
	}
	if err := writeGroupDescriptor(d, sb, 0, gd); err != nil {
		return err
	}
	if err := d.writeBlock(blockBitmapBlk, blockBitmap); err != nil {
		return wrapErr(IoError, "write block bitmap", err)
	}
	if err := d.writeBlock(inodeBitmapBlk, inodeBitmap); err != nil {
		return wrapErr(IoError, "write inode bitmap", err)
	}
	emptyTable := make([]byte, inodeTableBlocks*blockSizeBytes)
	for i := uint64(0); i < inodeTableBlocks; i++ {
		if err := d.writeBlock(inodeTableStart+i, emptyTable[i*blockSizeBytes:(i+1)*blockSizeBytes]); err != nil {
			return wrapErr(IoError, "write inode table", err)
		}
	}

	rootBlock := make([]byte, blockSizeBytes)
	dotLen := idealRecLen(".")
	putDirent(rootBlock, 0, RootInode, dotLen, dirFTypeDir, ".")
	putDirent(rootBlock, int(dotLen), RootInode, uint16(blockSizeBytes)-dotLen, dirFTypeDir, "..")
	if err := d.writeBlock(rootDataBlock, rootBlock); err != nil {
		return wrapErr(IoError, "write root directory block", err)
	}

	root := &Inode{
		Mode:       inodeTypeDirectory | 0o755,
		LinksCount: 2,
		Flags:      ExtentsFlag,
	}
	root.setSize(blockSizeBytes)
	if err := appendExtent(root, 0, rootDataBlock); err != nil {
		return err
	}
	if err := writeInode(d, sb, RootInode, root); err != nil {
		return err
	}

	return d.sync()
}
