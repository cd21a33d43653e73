package xfs

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// Dir2DataFirstOffset is the readdir offset of the first short-form entry:
// the data block header followed by "." and "..".
const Dir2DataFirstOffset = Dir2DataHdrSize + 16 + 16

// DirBlock is one directory block of a layout, placed at file offset DA
// (in filesystem blocks).
type DirBlock struct {
	DA   uint64
	Data []byte
}

// DirLayout is the on-disk image of a directory produced by
// BuildDirectory.
type DirLayout struct {
	Format DirFormat
	Local  []byte
	Blocks []DirBlock
	Size   int64
}

// Fsbs is the number of filesystem blocks the layout needs.
func (l *DirLayout) Fsbs(geo *Geometry) uint32 {
	return uint32(len(l.Blocks)) * geo.DirBlockFsbs()
}

// BuildDirectory lays out a directory holding entries plus "." and "..".
// The result is never in a smaller format class than floor.
func BuildDirectory(geo *Geometry, forkSize int, self, parent uint64, entries []Dentry, floor DirFormat) (*DirLayout, error) {

	if floor <= DirShortForm {
		local := EncodeShortDir(parent, entries)
		if len(local) <= forkSize {
			return &DirLayout{
				Format: DirShortForm,
				Local:  local,
				Size:   int64(len(local)),
			}, nil
		}
	}

	dentries := make([]Dentry, 0, len(entries)+2)
	dentries = append(dentries, Dentry{Name: ".", Inode: self}, Dentry{Name: "..", Inode: parent})
	dentries = append(dentries, entries...)

	b := &dirBuilder{
		geo:      geo,
		dbs:      int(geo.DirBlockSize()),
		dentries: dentries,
	}

	if floor <= DirBlockForm && b.fitsBlock() {
		return b.blockForm(), nil
	}

	b.pack()

	if floor <= DirLeafForm && b.fitsLeaf() {
		return b.leafForm(), nil
	}

	return b.nodeForm()

}

// EncodeShortDir encodes a short-form directory. Inode numbers are stored
// in 8 bytes only when one of them needs it.
func EncodeShortDir(parent uint64, entries []Dentry) []byte {

	i8 := 0
	if parent > 0xFFFFFFFF {
		i8++
	}
	for _, e := range entries {
		if e.Inode > 0xFFFFFFFF {
			i8++
		}
	}

	isz := 4
	if i8 > 0 {
		isz = 8
	}

	putIno := func(b []byte, ino uint64) []byte {
		var x [8]byte
		if isz == 8 {
			binary.BigEndian.PutUint64(x[:], ino)
		} else {
			binary.BigEndian.PutUint32(x[:], uint32(ino))
		}
		return append(b, x[:isz]...)
	}

	b := []byte{uint8(len(entries)), uint8(i8)}
	b = putIno(b, parent)

	offset := Dir2DataFirstOffset
	for _, e := range entries {
		b = append(b, uint8(len(e.Name)), uint8(offset>>8), uint8(offset))
		b = append(b, e.Name...)
		b = putIno(b, e.Inode)
		offset += DataEntrySize(len(e.Name))
	}

	return b

}

type dirBuilder struct {
	geo      *Geometry
	dbs      int
	dentries []Dentry

	blockEntries [][]Dentry
	hashTable    dir2HashTable
	bests        []uint16
}

func (b *dirBuilder) entriesSize() int {
	var n int
	for _, d := range b.dentries {
		n += DataEntrySize(len(d.Name))
	}
	return n
}

func (b *dirBuilder) fitsBlock() bool {
	need := Dir2DataHdrSize + b.entriesSize() + 8*len(b.dentries) + 8
	return need <= b.dbs
}

// pack distributes entries over data blocks in order.
func (b *dirBuilder) pack() {

	b.blockEntries = [][]Dentry{nil}
	space := b.dbs - Dir2DataHdrSize

	for _, d := range b.dentries {
		l := DataEntrySize(len(d.Name))
		if l > space {
			b.blockEntries = append(b.blockEntries, nil)
			space = b.dbs - Dir2DataHdrSize
		}
		space -= l
		last := len(b.blockEntries) - 1
		b.blockEntries[last] = append(b.blockEntries[last], d)
	}

}

func (b *dirBuilder) fitsLeaf() bool {
	need := Dir2LeafHdrSize + 8*len(b.dentries) + 2*len(b.blockEntries) + 4
	return need <= b.dbs
}

// writeData fills a data block with dentries and describes the remaining
// space up to end as one free region.
func (b *dirBuilder) writeData(data []byte, magic uint32, db uint32, dentries []Dentry, end int) uint16 {

	binary.BigEndian.PutUint32(data[0:4], magic)
	offset := Dir2DataHdrSize

	for _, d := range dentries {

		b.hashTable = append(b.hashTable, Dir2LeafEntry{
			HashVal: HashName(d.Name),
			Address: b.geo.DataPtr(db, uint16(offset)),
		})

		l := DataEntrySize(len(d.Name))
		binary.BigEndian.PutUint64(data[offset:], d.Inode)
		data[offset+8] = uint8(len(d.Name))
		copy(data[offset+9:], d.Name)
		binary.BigEndian.PutUint16(data[offset+l-2:], uint16(offset))
		offset += l

	}

	space := end - offset
	if space <= 0 {
		return 0
	}

	binary.BigEndian.PutUint16(data[offset:], Dir2DataFreeTag)
	binary.BigEndian.PutUint16(data[offset+2:], uint16(space))
	binary.BigEndian.PutUint16(data[offset+space-2:], uint16(offset))

	binary.BigEndian.PutUint16(data[4:6], uint16(offset))
	binary.BigEndian.PutUint16(data[6:8], uint16(space))

	return uint16(space)

}

func (b *dirBuilder) putLeafEntries(data []byte, entries []Dir2LeafEntry) {
	for i, e := range entries {
		binary.BigEndian.PutUint32(data[8*i:], e.HashVal)
		binary.BigEndian.PutUint32(data[8*i+4:], e.Address)
	}
}

func putBlockInfo(data []byte, info BlockInfo) {
	binary.BigEndian.PutUint32(data[0:4], info.Forw)
	binary.BigEndian.PutUint32(data[4:8], info.Back)
	binary.BigEndian.PutUint16(data[8:10], info.Magic)
	binary.BigEndian.PutUint16(data[10:12], info.Pad)
}

func putNode(data []byte, info BlockInfo, level int, entries []DANodeEntry) {
	putBlockInfo(data, info)
	binary.BigEndian.PutUint16(data[12:14], uint16(len(entries)))
	binary.BigEndian.PutUint16(data[14:16], uint16(level))
	for i, e := range entries {
		binary.BigEndian.PutUint32(data[DANodeHdrSize+8*i:], e.HashVal)
		binary.BigEndian.PutUint32(data[DANodeHdrSize+8*i+4:], e.Before)
	}
}

func (b *dirBuilder) blockForm() *DirLayout {

	data := make([]byte, b.dbs)
	n := len(b.dentries)
	end := b.dbs - 8 - 8*n

	b.writeData(data, Dir2BlockMagic, 0, b.dentries, end)

	sort.Sort(b.hashTable)
	b.putLeafEntries(data[end:], b.hashTable)

	binary.BigEndian.PutUint32(data[b.dbs-8:], uint32(n))
	binary.BigEndian.PutUint32(data[b.dbs-4:], 0)

	return &DirLayout{
		Format: DirBlockForm,
		Blocks: []DirBlock{{DA: 0, Data: data}},
		Size:   int64(b.dbs),
	}

}

func (b *dirBuilder) dataBlocks() []DirBlock {

	fsbs := uint64(b.geo.DirBlockFsbs())
	blocks := make([]DirBlock, len(b.blockEntries))
	b.bests = make([]uint16, len(b.blockEntries))

	for i, dentries := range b.blockEntries {
		data := make([]byte, b.dbs)
		b.bests[i] = b.writeData(data, Dir2BlockData, uint32(i), dentries, b.dbs)
		blocks[i] = DirBlock{DA: uint64(i) * fsbs, Data: data}
	}

	sort.Sort(b.hashTable)
	return blocks

}

func (b *dirBuilder) leafForm() *DirLayout {

	blocks := b.dataBlocks()

	leaf := make([]byte, b.dbs)
	putBlockInfo(leaf, BlockInfo{Magic: Dir2Leaf1Magic})
	binary.BigEndian.PutUint16(leaf[12:14], uint16(len(b.hashTable)))
	b.putLeafEntries(leaf[Dir2LeafHdrSize:], b.hashTable)

	start := b.dbs - 4 - 2*len(b.bests)
	for i, best := range b.bests {
		binary.BigEndian.PutUint16(leaf[start+2*i:], best)
	}
	binary.BigEndian.PutUint32(leaf[b.dbs-4:], uint32(len(b.bests)))

	blocks = append(blocks, DirBlock{DA: b.geo.LeafOffset(), Data: leaf})

	return &DirLayout{
		Format: DirLeafForm,
		Blocks: blocks,
		Size:   int64(len(b.bests)) * int64(b.dbs),
	}

}

func (b *dirBuilder) nodeForm() (*DirLayout, error) {

	blocks := b.dataBlocks()
	fsbs := uint64(b.geo.DirBlockFsbs())

	epb := (b.dbs - Dir2LeafHdrSize) / 8
	leaves := int(divide(int64(len(b.hashTable)), int64(epb)))

	next := b.geo.LeafOffset() + fsbs
	allocDA := func() uint64 {
		da := next
		next += fsbs
		return da
	}

	var children []DANodeEntry
	var leafBlocks []DirBlock

	for i := 0; i < leaves; i++ {
		children = append(children, DANodeEntry{Before: uint32(allocDA())})
	}

	for i, child := range children {

		slice := b.hashTable[i*epb:]
		if len(slice) > epb {
			slice = slice[:epb]
		}

		info := BlockInfo{Magic: Dir2LeafNMagic}
		if i > 0 {
			info.Back = children[i-1].Before
		}
		if i < leaves-1 {
			info.Forw = children[i+1].Before
		}

		leaf := make([]byte, b.dbs)
		putBlockInfo(leaf, info)
		binary.BigEndian.PutUint16(leaf[12:14], uint16(len(slice)))
		b.putLeafEntries(leaf[Dir2LeafHdrSize:], slice)
		leafBlocks = append(leafBlocks, DirBlock{DA: uint64(child.Before), Data: leaf})

		children[i].HashVal = slice[len(slice)-1].HashVal

	}

	// interior levels go after the leaves; the root always sits at the
	// start of the leaf segment
	npb := (b.dbs - DANodeHdrSize) / 8
	var interior []DirBlock
	var root []byte

	for level := 1; ; level++ {

		if level > DAMaxDepth {
			return nil, errors.Errorf("directory with %d entries needs more than %d index levels", len(b.hashTable), DAMaxDepth)
		}

		if len(children) <= npb {
			root = make([]byte, b.dbs)
			putNode(root, BlockInfo{Magic: Dir2NodeMagic}, level, children)
			break
		}

		count := (len(children) + npb - 1) / npb
		per, extra := len(children)/count, len(children)%count

		das := make([]uint32, count)
		for i := range das {
			das[i] = uint32(allocDA())
		}

		var up []DANodeEntry
		idx := 0

		for i := 0; i < count; i++ {

			k := per
			if i < extra {
				k++
			}

			info := BlockInfo{Magic: Dir2NodeMagic}
			if i > 0 {
				info.Back = das[i-1]
			}
			if i < count-1 {
				info.Forw = das[i+1]
			}

			node := make([]byte, b.dbs)
			putNode(node, info, level, children[idx:idx+k])
			interior = append(interior, DirBlock{DA: uint64(das[i]), Data: node})

			up = append(up, DANodeEntry{HashVal: children[idx+k-1].HashVal, Before: das[i]})
			idx += k

		}

		children = up

	}

	blocks = append(blocks, DirBlock{DA: b.geo.LeafOffset(), Data: root})
	blocks = append(blocks, leafBlocks...)
	blocks = append(blocks, interior...)

	fpb := (b.dbs - Dir2FreeHdrSize) / 2
	for i := 0; i*fpb < len(b.bests); i++ {

		bests := b.bests[i*fpb:]
		if len(bests) > fpb {
			bests = bests[:fpb]
		}

		free := make([]byte, b.dbs)
		binary.BigEndian.PutUint32(free[0:4], Dir2FreeMagic)
		binary.BigEndian.PutUint32(free[4:8], uint32(i*fpb))
		binary.BigEndian.PutUint32(free[8:12], uint32(len(bests)))
		binary.BigEndian.PutUint32(free[12:16], uint32(len(bests)))
		for j, best := range bests {
			binary.BigEndian.PutUint16(free[Dir2FreeHdrSize+2*j:], best)
		}

		blocks = append(blocks, DirBlock{DA: b.geo.FreeOffset() + uint64(i)*fsbs, Data: free})

	}

	return &DirLayout{
		Format: DirNodeForm,
		Blocks: blocks,
		Size:   int64(len(b.bests)) * int64(b.dbs),
	}, nil

}
