package ext4

import (
	"bytes"
	"encoding/binary"
)

// resolveBlock maps a logical block index within a file to a physical
// block number, or returns (0, false, nil) for a hole. It understands
// both extent-mapped inodes (what this driver always creates) and
// classic direct/single-indirect inodes (what images from other
// writers may contain), grounded on the extent structures in the
// teacher's pkg/ext4/inode.go and the block-mapping scheme described
// in original_source/src/filesystem/ext4.rs.
func resolveBlock(d *disk, sb *Superblock, inode *Inode, logical uint64) (uint64, bool, error) {
	if inode.hasExtents() {
		return resolveExtent(d, inode.Block[:], logical)
	}
	return resolveClassic(d, inode, logical)
}

func resolveExtent(d *disk, node []byte, logical uint64) (uint64, bool, error) {
	var hdr ExtentHeader
	if err := binary.Read(bytes.NewReader(node[:12]), binary.LittleEndian, &hdr); err != nil {
		return 0, false, wrapErr(CorruptedFilesystem, "decode extent header", err)
	}
	if hdr.Magic != ExtentMagic {
		return 0, false, newErr(CorruptedFilesystem, "bad extent header magic")
	}
	if hdr.Depth == 0 {
		for i := uint16(0); i < hdr.Entries; i++ {
			off := 12 + int(i)*12
			var leaf ExtentLeaf
			if err := binary.Read(bytes.NewReader(node[off:off+12]), binary.LittleEndian, &leaf); err != nil {
				return 0, false, wrapErr(CorruptedFilesystem, "decode extent leaf", err)
			}
			if logical >= uint64(leaf.Block) && logical < uint64(leaf.Block)+uint64(leaf.Len) {
				return leaf.Start() + (logical - uint64(leaf.Block)), true, nil
			}
		}
		return 0, false, nil
	}

	for i := uint16(0); i < hdr.Entries; i++ {
		off := 12 + int(i)*12
		var idx ExtentIndex
		if err := binary.Read(bytes.NewReader(node[off:off+12]), binary.LittleEndian, &idx); err != nil {
			return 0, false, wrapErr(CorruptedFilesystem, "decode extent index", err)
		}
		next := uint32(0)
		if i+1 < hdr.Entries {
			var nidx ExtentIndex
			noff := 12 + int(i+1)*12
			if err := binary.Read(bytes.NewReader(node[noff:noff+12]), binary.LittleEndian, &nidx); err == nil {
				next = nidx.Block
			}
		}
		if logical >= uint64(idx.Block) && (i+1 == hdr.Entries || logical < uint64(next)) {
			leafBlock := make([]byte, d.blockSize)
			if err := d.readBlock(idx.Leaf(), leafBlock); err != nil {
				return 0, false, err
			}
			return resolveExtent(d, leafBlock, logical)
		}
	}
	return 0, false, nil
}

// classic direct/indirect layout: i_block[0..11] direct, i_block[12]
// single indirect. Double/triple indirect are not supported; a file
// needing them reads back as FilesystemFull, matching the documented
// scope of this driver (DESIGN.md).
func resolveClassic(d *disk, inode *Inode, logical uint64) (uint64, bool, error) {
	var ptrs [15]uint32
	if err := binary.Read(bytes.NewReader(inode.Block[:]), binary.LittleEndian, &ptrs); err != nil {
		return 0, false, wrapErr(CorruptedFilesystem, "decode block pointers", err)
	}
	if logical < 12 {
		if ptrs[logical] == 0 {
			return 0, false, nil
		}
		return uint64(ptrs[logical]), true, nil
	}
	logical -= 12
	ptrsPerBlock := d.blockSize / 4
	if logical >= ptrsPerBlock {
		return 0, false, newErr(FilesystemFull, "double/triple indirect blocks are not supported")
	}
	if ptrs[12] == 0 {
		return 0, false, nil
	}
	indirect := make([]byte, d.blockSize)
	if err := d.readBlock(uint64(ptrs[12]), indirect); err != nil {
		return 0, false, err
	}
	p := binary.LittleEndian.Uint32(indirect[logical*4:])
	if p == 0 {
		return 0, false, nil
	}
	return uint64(p), true, nil
}

// appendExtent maps physical as the next logical block (inode.Size()'s
// block count) in inode's inline extent tree, extending the final
// extent in place when physical is contiguous with it and otherwise
// appending a new one. Only depth-0, inline (header+4 leaves, 60 bytes)
// trees are produced by this driver.
func appendExtent(inode *Inode, logical uint64, physical uint64) error {
	var hdr ExtentHeader
	if err := binary.Read(bytes.NewReader(inode.Block[:12]), binary.LittleEndian, &hdr); err != nil {
		return wrapErr(CorruptedFilesystem, "decode extent header", err)
	}
	if hdr.Magic != ExtentMagic {
		hdr = ExtentHeader{Magic: ExtentMagic, Entries: 0, Max: 4, Depth: 0}
	}

	const maxInlineExtents = 4
	if hdr.Entries > 0 {
		off := 12 + int(hdr.Entries-1)*12
		var last ExtentLeaf
		if err := binary.Read(bytes.NewReader(inode.Block[off:off+12]), binary.LittleEndian, &last); err != nil {
			return wrapErr(CorruptedFilesystem, "decode last extent", err)
		}
		if uint64(last.Block)+uint64(last.Len) == logical && last.Start()+uint64(last.Len) == physical && last.Len < 32768 {
			last.Len++
			return writeExtentAt(inode, int(hdr.Entries-1), last)
		}
	}
	if hdr.Entries >= maxInlineExtents {
		return newErr(FilesystemFull, "inline extent tree is full (fragmented file)")
	}
	leaf := ExtentLeaf{Block: uint32(logical), Len: 1, StartHi: uint16(physical >> 32), StartLo: uint32(physical)}
	if err := writeExtentAt(inode, int(hdr.Entries), leaf); err != nil {
		return err
	}
	hdr.Entries++
	return writeExtentHeader(inode, hdr)
}

func writeExtentHeader(inode *Inode, hdr ExtentHeader) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return wrapErr(IoError, "encode extent header", err)
	}
	copy(inode.Block[0:12], buf.Bytes())
	return nil
}

func writeExtentAt(inode *Inode, slot int, leaf ExtentLeaf) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, leaf); err != nil {
		return wrapErr(IoError, "encode extent leaf", err)
	}
	off := 12 + slot*12
	copy(inode.Block[off:off+12], buf.Bytes())
	return nil
}

// truncateExtents drops and shrinks inline extent entries so none of
// them cover a logical block at or beyond keepBlocks, called after the
// caller has already freed the corresponding physical blocks. Only
// inline, depth-0 trees are handled, which is the only shape this
// driver ever produces.
func truncateExtents(inode *Inode, keepBlocks uint64) error {
	var hdr ExtentHeader
	if err := binary.Read(bytes.NewReader(inode.Block[:12]), binary.LittleEndian, &hdr); err != nil {
		return wrapErr(CorruptedFilesystem, "decode extent header", err)
	}
	if hdr.Magic != ExtentMagic || hdr.Depth != 0 {
		return nil
	}

	kept := uint16(0)
	for i := uint16(0); i < hdr.Entries; i++ {
		off := 12 + int(i)*12
		var leaf ExtentLeaf
		if err := binary.Read(bytes.NewReader(inode.Block[off:off+12]), binary.LittleEndian, &leaf); err != nil {
			return wrapErr(CorruptedFilesystem, "decode extent leaf", err)
		}
		if uint64(leaf.Block) >= keepBlocks {
			continue
		}
		if uint64(leaf.Block)+uint64(leaf.Len) > keepBlocks {
			leaf.Len = uint16(keepBlocks - uint64(leaf.Block))
		}
		if err := writeExtentAt(inode, int(kept), leaf); err != nil {
			return err
		}
		kept++
	}
	hdr.Entries = kept
	return writeExtentHeader(inode, hdr)
}

// resetExtents reinitializes inode as an empty extent-mapped file, used
// by create and truncate-to-zero.
func resetExtents(inode *Inode) {
	inode.Flags |= ExtentsFlag
	for i := range inode.Block {
		inode.Block[i] = 0
	}
	writeExtentHeader(inode, ExtentHeader{Magic: ExtentMagic, Entries: 0, Max: 4, Depth: 0})
}

// extentBlocks enumerates every physical block mapped by an inline,
// depth-0 extent tree, used to free a file's blocks on delete/truncate.
func extentBlocks(inode *Inode) ([]uint64, error) {
	if !inode.hasExtents() {
		return classicBlocks(inode)
	}
	var hdr ExtentHeader
	if err := binary.Read(bytes.NewReader(inode.Block[:12]), binary.LittleEndian, &hdr); err != nil {
		return nil, wrapErr(CorruptedFilesystem, "decode extent header", err)
	}
	if hdr.Magic != ExtentMagic || hdr.Depth != 0 {
		// Only inline depth-0 trees are enumerated here; deeper trees
		// (never produced by this driver) are left for a future reader.
		return nil, nil
	}
	var blocks []uint64
	for i := uint16(0); i < hdr.Entries; i++ {
		off := 12 + int(i)*12
		var leaf ExtentLeaf
		if err := binary.Read(bytes.NewReader(inode.Block[off:off+12]), binary.LittleEndian, &leaf); err != nil {
			return nil, wrapErr(CorruptedFilesystem, "decode extent leaf", err)
		}
		for b := uint64(0); b < uint64(leaf.Len); b++ {
			blocks = append(blocks, leaf.Start()+b)
		}
	}
	return blocks, nil
}

func classicBlocks(inode *Inode) ([]uint64, error) {
	var ptrs [15]uint32
	if err := binary.Read(bytes.NewReader(inode.Block[:]), binary.LittleEndian, &ptrs); err != nil {
		return nil, wrapErr(CorruptedFilesystem, "decode block pointers", err)
	}
	var blocks []uint64
	for _, p := range ptrs[:12] {
		if p != 0 {
			blocks = append(blocks, uint64(p))
		}
	}
	if ptrs[12] != 0 {
		blocks = append(blocks, uint64(ptrs[12]))
	}
	return blocks, nil
}
