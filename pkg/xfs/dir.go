package xfs

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// DirFormat is the size class of a directory, smallest first.
type DirFormat int

const (
	DirShortForm DirFormat = iota
	DirBlockForm
	DirLeafForm
	DirNodeForm
)

func (f DirFormat) String() string {
	switch f {
	case DirShortForm:
		return "shortform"
	case DirBlockForm:
		return "block"
	case DirLeafForm:
		return "leaf"
	case DirNodeForm:
		return "node"
	default:
		return "unknown"
	}
}

// Dentry is a name to inode binding.
type Dentry struct {
	Name  string
	Inode uint64
}

// DataEntry is a directory entry at a known position: the byte offset
// within its data block, or the readdir offset of a short-form entry.
type DataEntry struct {
	Name   string
	Inode  uint64
	Offset uint16
}

// Dir is a decoded directory: one of *ShortDir, *BlockDir, *LeafDir or
// *NodeDir. Decoding salvages as much as it can; per-block problems are
// reported through the Err fields rather than failing the whole decode.
type Dir interface {
	Format() DirFormat
	// DataBlocks returns the data blocks of a block-based directory.
	DataBlocks() []*DataBlock
}

// ShortDir is a directory stored inside its inode.
type ShortDir struct {
	Parent  uint64
	I8Count int
	Entries []DataEntry
	Err     error
}

func (d *ShortDir) Format() DirFormat {
	return DirShortForm
}

func (d *ShortDir) DataBlocks() []*DataBlock {
	return nil
}

// DataBlock is one directory data block.
type DataBlock struct {
	DB       uint32
	Magic    uint32
	BestFree [Dir2DataFDCount]Dir2FreeEntry
	Entries  []DataEntry
	Unused   []Dir2FreeEntry
	Err      error
}

// BlockDir is a single-block directory holding its own hash index.
type BlockDir struct {
	Data DataBlock
	Leaf []Dir2LeafEntry
	Tail Dir2BlockTail
	Err  error
}

func (d *BlockDir) Format() DirFormat {
	return DirBlockForm
}

func (d *BlockDir) DataBlocks() []*DataBlock {
	return []*DataBlock{&d.Data}
}

// LeafBlock is a single-leaf index (LEAF1) or one leaf of a node directory
// (LEAFN). Bests is only present for LEAF1.
type LeafBlock struct {
	DA      uint64
	Header  Dir2LeafHeader
	Entries []Dir2LeafEntry
	Bests   []uint16
	Err     error
}

// LeafDir is a multi-block directory with a single leaf block.
type LeafDir struct {
	Data []DataBlock
	Leaf LeafBlock
}

func (d *LeafDir) Format() DirFormat {
	return DirLeafForm
}

func (d *LeafDir) DataBlocks() []*DataBlock {
	return blockPointers(d.Data)
}

// NodeBlock is an intermediate DA B-tree block.
type NodeBlock struct {
	DA      uint64
	Header  Dir2NodeBlockHeader
	Entries []DANodeEntry
	Err     error
}

// FreeBlock is a free-space index block of a node directory.
type FreeBlock struct {
	DA     uint64
	Header Dir2FreeIndexHeader
	Bests  []uint16
	Err    error
}

// NodeDir is a directory whose hash index is a DA B-tree.
type NodeDir struct {
	Data   []DataBlock
	Nodes  []NodeBlock
	Leaves []LeafBlock
	Free   []FreeBlock
}

func (d *NodeDir) Format() DirFormat {
	return DirNodeForm
}

func (d *NodeDir) DataBlocks() []*DataBlock {
	return blockPointers(d.Data)
}

func blockPointers(blocks []DataBlock) []*DataBlock {
	ptrs := make([]*DataBlock, len(blocks))
	for i := range blocks {
		ptrs[i] = &blocks[i]
	}
	return ptrs
}

// DataEntrySize is the space a data entry with a name of n bytes occupies.
func DataEntrySize(n int) int {
	return int(align(int64(11+n), 8))
}

type dirBlock struct {
	da   uint64
	data []byte
	err  error
}

// DecodeDirectory decodes a directory inode. Errors are only returned for
// device failures and for inodes that are not directories at all.
func DecodeDirectory(geo *Geometry, r BlockReader, ip *Inode, m *BlockMap) (Dir, error) {

	if !ip.IsDir() {
		return nil, errors.Errorf("inode %d is not a directory", ip.Number)
	}

	if ip.Core.Format == InodeFormatLocal {
		return decodeShortDir(ip), nil
	}

	blocks, err := readDirBlocks(geo, r, ip, m)
	if err != nil {
		return nil, errors.Wrapf(err, "directory %d", ip.Number)
	}

	var data, leaves, frees []dirBlock
	for _, b := range blocks {
		switch {
		case b.da < geo.LeafOffset():
			data = append(data, b)
		case b.da < geo.FreeOffset():
			leaves = append(leaves, b)
		default:
			frees = append(frees, b)
		}
	}

	dbs := int(geo.DirBlockSize())

	if len(data) > 0 && data[0].da == 0 && data[0].err == nil && binary.BigEndian.Uint32(data[0].data) == Dir2BlockMagic {
		if len(data) == 1 && len(leaves) == 0 || ip.Core.Size == int64(dbs) {
			return decodeBlockDir(geo, data[0].data), nil
		}
	}

	decoded := make([]DataBlock, 0, len(data))
	for _, b := range data {
		db := uint32(b.da / uint64(geo.DirBlockFsbs()))
		if b.err != nil {
			decoded = append(decoded, DataBlock{DB: db, Err: b.err})
			continue
		}
		decoded = append(decoded, decodeDataBlock(geo, db, b.data, Dir2BlockData, len(b.data)))
	}

	if len(leaves) == 0 {
		return &LeafDir{
			Data: decoded,
			Leaf: LeafBlock{DA: geo.LeafOffset(), Err: corruptf("directory %d has no leaf block", ip.Number)},
		}, nil
	}

	first := leaves[0]
	if first.da == geo.LeafOffset() && first.err == nil && leafMagic(first.data) == Dir2Leaf1Magic && len(leaves) == 1 {
		return &LeafDir{
			Data: decoded,
			Leaf: decodeLeafBlock(first, Dir2Leaf1Magic),
		}, nil
	}

	d := &NodeDir{Data: decoded}

	for _, b := range leaves {
		if b.err == nil && leafMagic(b.data) == Dir2NodeMagic {
			d.Nodes = append(d.Nodes, decodeNodeBlock(b))
			continue
		}
		d.Leaves = append(d.Leaves, decodeLeafBlock(b, Dir2LeafNMagic))
	}

	for _, b := range frees {
		d.Free = append(d.Free, decodeFreeBlock(b))
	}

	return d, nil

}

func leafMagic(b []byte) uint16 {
	return binary.BigEndian.Uint16(b[8:10])
}

// dirSegments returns the file offset ranges, in filesystem blocks, of the
// data, leaf and free segments of a directory. The last block of the leaf
// segment is kept back to stand in for mappings outside all three.
func dirSegments(geo *Geometry) [3][2]uint64 {
	seg := geo.LeafOffset()
	return [3][2]uint64{
		{0, seg},
		{seg, 2*seg - uint64(geo.DirBlockFsbs())},
		{2 * seg, 3 * seg},
	}
}

// readDirBlocks groups the mapped filesystem blocks of a directory into
// directory blocks and reads them. Mappings outside the directory's
// segments are not read; they show up as one bad leaf block at the end of
// the leaf segment.
func readDirBlocks(geo *Geometry, r BlockReader, ip *Inode, m *BlockMap) ([]dirBlock, error) {

	fsbs := uint64(geo.DirBlockFsbs())
	bs := geo.BlockSize()
	starts := make(map[uint64]bool)
	segs := dirSegments(geo)

	stray := false
	for _, e := range m.Extents {

		inside := false
		for _, seg := range segs {

			if e.Offset >= seg[0] && e.End() <= seg[1] {
				inside = true
			}

			lo, hi := e.Offset-e.Offset%fsbs, e.End()
			if lo < seg[0] {
				lo = seg[0]
			}
			if hi > seg[1] {
				hi = seg[1]
			}

			for off := lo; off < hi; off += fsbs {
				starts[off] = true
			}

		}

		if !inside {
			stray = true
		}

	}

	das := make([]uint64, 0, len(starts))
	for da := range starts {
		das = append(das, da)
	}
	sort.Slice(das, func(i, j int) bool { return das[i] < das[j] })

	blocks := make([]dirBlock, 0, len(das))

	for _, da := range das {

		b := dirBlock{da: da, data: make([]byte, geo.DirBlockSize())}

		for i := uint64(0); i < fsbs; i++ {
			fsbno, ok := m.Lookup(da + i)
			if !ok {
				b.err = corruptf("directory block %d is partially mapped", da)
				break
			}
			if !geo.ValidFsbRange(fsbno, 1) {
				b.err = corruptf("directory block %d maps to invalid block %d", da, fsbno)
				break
			}
			data, err := r.ReadBlocks(fsbno, 1)
			if err != nil {
				return nil, err
			}
			copy(b.data[int64(i)*bs:], data)
		}

		blocks = append(blocks, b)

	}

	if stray {
		blocks = append(blocks, dirBlock{da: segs[1][1], err: corruptf("directory %d maps blocks outside its segments", ip.Number)})
		sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].da < blocks[j].da })
	}

	return blocks, nil

}

func decodeShortDir(ip *Inode) *ShortDir {

	d := new(ShortDir)

	size := int(ip.Core.Size)
	if size > len(ip.Fork) {
		size = len(ip.Fork)
		d.Err = corruptf("short form directory %d: size %d exceeds fork", ip.Number, ip.Core.Size)
	}
	b := ip.Fork[:size]

	if len(b) < 2 {
		d.Err = corruptf("short form directory %d: truncated header", ip.Number)
		return d
	}

	count := int(b[0])
	d.I8Count = int(b[1])
	isz := 4
	if d.I8Count > 0 {
		isz = 8
	}

	readIno := func(p []byte) uint64 {
		if isz == 8 {
			return binary.BigEndian.Uint64(p)
		}
		return uint64(binary.BigEndian.Uint32(p))
	}

	if len(b) < 2+isz {
		d.Err = corruptf("short form directory %d: truncated header", ip.Number)
		return d
	}

	d.Parent = readIno(b[2:])
	pos := 2 + isz

	for i := 0; i < count; i++ {
		if pos+3 > len(b) {
			d.Err = corruptf("short form directory %d: entry %d truncated", ip.Number, i)
			return d
		}
		n := int(b[pos])
		off := binary.BigEndian.Uint16(b[pos+1:])
		if n == 0 || pos+3+n+isz > len(b) {
			d.Err = corruptf("short form directory %d: entry %d truncated", ip.Number, i)
			return d
		}
		d.Entries = append(d.Entries, DataEntry{
			Name:   string(b[pos+3 : pos+3+n]),
			Inode:  readIno(b[pos+3+n:]),
			Offset: off,
		})
		pos += 3 + n + isz
	}

	if pos != len(b) {
		d.Err = corruptf("short form directory %d: %d trailing bytes", ip.Number, len(b)-pos)
	}

	return d

}

// decodeDataBlock walks the entries of a data block up to end. The walk
// stops at the first entry that does not make sense.
func decodeDataBlock(geo *Geometry, db uint32, b []byte, magic uint32, end int) DataBlock {

	d := DataBlock{DB: db, Magic: binary.BigEndian.Uint32(b[0:4])}

	if d.Magic != magic {
		d.Err = corruptf("data block %d: bad magic %#x", db, d.Magic)
		return d
	}

	for i := 0; i < Dir2DataFDCount; i++ {
		d.BestFree[i].Offset = binary.BigEndian.Uint16(b[4+4*i:])
		d.BestFree[i].Length = binary.BigEndian.Uint16(b[6+4*i:])
	}

	pos := Dir2DataHdrSize
	for pos < end {

		if binary.BigEndian.Uint16(b[pos:]) == Dir2DataFreeTag {
			length := int(binary.BigEndian.Uint16(b[pos+2:]))
			if length < 8 || length%8 != 0 || pos+length > end || int(binary.BigEndian.Uint16(b[pos+length-2:])) != pos {
				d.Err = corruptf("data block %d: bad free region at %d", db, pos)
				return d
			}
			d.Unused = append(d.Unused, Dir2FreeEntry{Offset: uint16(pos), Length: uint16(length)})
			pos += length
			continue
		}

		if pos+11 > end {
			d.Err = corruptf("data block %d: entry at %d truncated", db, pos)
			return d
		}

		n := int(b[pos+8])
		size := DataEntrySize(n)
		if n == 0 || pos+size > end || int(binary.BigEndian.Uint16(b[pos+size-2:])) != pos {
			d.Err = corruptf("data block %d: bad entry at %d", db, pos)
			return d
		}

		d.Entries = append(d.Entries, DataEntry{
			Name:   string(b[pos+9 : pos+9+n]),
			Inode:  binary.BigEndian.Uint64(b[pos:]),
			Offset: uint16(pos),
		})
		pos += size

	}

	if pos != end {
		d.Err = corruptf("data block %d: entries overrun the data area", db)
	}

	return d

}

func decodeBlockDir(geo *Geometry, b []byte) *BlockDir {

	d := new(BlockDir)
	n := len(b)

	d.Tail.Count = binary.BigEndian.Uint32(b[n-8:])
	d.Tail.Stale = binary.BigEndian.Uint32(b[n-4:])

	end := n - 8
	if uint64(d.Tail.Count)*8 > uint64(n-8-Dir2DataHdrSize) {
		d.Err = corruptf("block directory: leaf count %d exceeds block", d.Tail.Count)
	} else {
		end -= int(d.Tail.Count) * 8
		for i := 0; i < int(d.Tail.Count); i++ {
			p := b[end+i*8:]
			d.Leaf = append(d.Leaf, Dir2LeafEntry{
				HashVal: binary.BigEndian.Uint32(p[0:4]),
				Address: binary.BigEndian.Uint32(p[4:8]),
			})
		}
	}

	d.Data = decodeDataBlock(geo, 0, b, Dir2BlockMagic, end)
	return d

}

func decodeBlockInfo(b []byte) BlockInfo {
	return BlockInfo{
		Forw:  binary.BigEndian.Uint32(b[0:4]),
		Back:  binary.BigEndian.Uint32(b[4:8]),
		Magic: binary.BigEndian.Uint16(b[8:10]),
		Pad:   binary.BigEndian.Uint16(b[10:12]),
	}
}

func decodeLeafBlock(blk dirBlock, magic uint16) LeafBlock {

	l := LeafBlock{DA: blk.da, Err: blk.err}
	if blk.err != nil {
		return l
	}

	b := blk.data
	l.Header.Info = decodeBlockInfo(b)
	l.Header.Count = binary.BigEndian.Uint16(b[12:14])
	l.Header.Stale = binary.BigEndian.Uint16(b[14:16])

	if l.Header.Info.Magic != magic {
		l.Err = corruptf("leaf block %d: bad magic %#x", blk.da, l.Header.Info.Magic)
		return l
	}

	limit := len(b) - Dir2LeafHdrSize
	if magic == Dir2Leaf1Magic {
		bestCount := int(binary.BigEndian.Uint32(b[len(b)-4:]))
		if 4+2*bestCount > limit {
			l.Err = corruptf("leaf block %d: %d bests exceed block", blk.da, bestCount)
			return l
		}
		start := len(b) - 4 - 2*bestCount
		for i := 0; i < bestCount; i++ {
			l.Bests = append(l.Bests, binary.BigEndian.Uint16(b[start+2*i:]))
		}
		limit -= 4 + 2*bestCount
	}

	if int(l.Header.Count)*8 > limit {
		l.Err = corruptf("leaf block %d: %d entries exceed capacity %d", blk.da, l.Header.Count, limit/8)
		return l
	}

	for i := 0; i < int(l.Header.Count); i++ {
		p := b[Dir2LeafHdrSize+8*i:]
		l.Entries = append(l.Entries, Dir2LeafEntry{
			HashVal: binary.BigEndian.Uint32(p[0:4]),
			Address: binary.BigEndian.Uint32(p[4:8]),
		})
	}

	return l

}

func decodeNodeBlock(blk dirBlock) NodeBlock {

	nb := NodeBlock{DA: blk.da, Err: blk.err}
	if blk.err != nil {
		return nb
	}

	b := blk.data

	nb.Header.Info = decodeBlockInfo(b)
	nb.Header.Count = binary.BigEndian.Uint16(b[12:14])
	nb.Header.Level = binary.BigEndian.Uint16(b[14:16])

	if int(nb.Header.Count)*8 > len(b)-DANodeHdrSize {
		nb.Err = corruptf("node block %d: %d entries exceed block", blk.da, nb.Header.Count)
		return nb
	}

	for i := 0; i < int(nb.Header.Count); i++ {
		p := b[DANodeHdrSize+8*i:]
		nb.Entries = append(nb.Entries, DANodeEntry{
			HashVal: binary.BigEndian.Uint32(p[0:4]),
			Before:  binary.BigEndian.Uint32(p[4:8]),
		})
	}

	return nb

}

func decodeFreeBlock(blk dirBlock) FreeBlock {

	f := FreeBlock{DA: blk.da, Err: blk.err}
	if blk.err != nil {
		return f
	}

	b := blk.data
	f.Header.Magic = binary.BigEndian.Uint32(b[0:4])
	f.Header.FirstDB = int32(binary.BigEndian.Uint32(b[4:8]))
	f.Header.NValid = int32(binary.BigEndian.Uint32(b[8:12]))
	f.Header.NUsed = int32(binary.BigEndian.Uint32(b[12:16]))

	if f.Header.Magic != Dir2FreeMagic {
		f.Err = corruptf("free block %d: bad magic %#x", blk.da, f.Header.Magic)
		return f
	}

	if f.Header.NValid < 0 || int(f.Header.NValid)*2 > len(b)-Dir2FreeHdrSize {
		f.Err = corruptf("free block %d: %d bests exceed block", blk.da, f.Header.NValid)
		return f
	}

	for i := 0; i < int(f.Header.NValid); i++ {
		f.Bests = append(f.Bests, binary.BigEndian.Uint16(b[Dir2FreeHdrSize+2*i:]))
	}

	return f

}

// PatchDataEntryInode rewrites the inode number of the data entry at byte
// offset off of a data block in place.
func PatchDataEntryInode(b []byte, off uint16, ino uint64) {
	binary.BigEndian.PutUint64(b[off:], ino)
}
