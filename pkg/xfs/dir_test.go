package xfs

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashName(t *testing.T) {

	for name, expect := range map[string]uint32{
		"vorteil":    781758355,
		"vorteil++":  736419341,
		"Vorteil.io": 4067321834,
	} {
		got := HashName(name)
		if got != expect {
			t.Errorf("expected %v, got %v", expect, got)
		}
	}

}

func TestEmptyShortformDirectoryData(t *testing.T) {

	parent := byte(42)

	expect := []byte{
		0, 0, 0, 0, 0, parent,
	}

	got := EncodeShortDir(uint64(parent), nil)

	if !bytes.Equal(expect, got) {
		t.Errorf("expected %v, got %v", expect, got)
	}

}

func TestBasicShortformDirectoryData(t *testing.T) {

	ino := byte(42)

	entries := []Dentry{
		{Name: "apple", Inode: uint64(ino + 1)},
		{Name: "pear", Inode: uint64(ino + 2)},
		{Name: "cantaloupe", Inode: uint64(ino + 3)},
		{Name: "orange", Inode: uint64(ino + 4)},
	}

	expect := []byte{
		4, 0, 0, 0, 0, ino,
		5, 0, 0x30, 'a', 'p', 'p', 'l', 'e', 0, 0, 0, ino + 1,
		4, 0, 0x40, 'p', 'e', 'a', 'r', 0, 0, 0, ino + 2,
		10, 0, 0x50, 'c', 'a', 'n', 't', 'a', 'l', 'o', 'u', 'p', 'e', 0, 0, 0, ino + 3,
		6, 0, 0x68, 'o', 'r', 'a', 'n', 'g', 'e', 0, 0, 0, ino + 4,
	}

	got := EncodeShortDir(uint64(ino), entries)

	if !bytes.Equal(expect, got) {
		t.Errorf("expected %v, got %v", expect, got)
	}

}

func TestShortformWideInodes(t *testing.T) {

	got := EncodeShortDir(1<<33, []Dentry{{Name: "a", Inode: 7}})

	ip := &Inode{Number: 99, Core: InodeCore{Mode: ModeDirectory, Format: InodeFormatLocal, Size: int64(len(got))}, Fork: got}
	d := decodeShortDir(ip)

	assert.NoError(t, d.Err)
	assert.Equal(t, 1, d.I8Count)
	assert.Equal(t, uint64(1<<33), d.Parent)
	assert.Equal(t, []DataEntry{{Name: "a", Inode: 7, Offset: Dir2DataFirstOffset}}, d.Entries)

}

func TestExtentRecord(t *testing.T) {

	e := Extent{Offset: 0x3ffffffffff, Block: 0xfffffffffffff, Length: MaxExtentLength, Unwritten: true}
	b := make([]byte, 16)
	e.Encode(b)
	assert.Equal(t, e, DecodeExtent(b))

	e = Extent{Offset: 12, Block: 1<<8 | 37, Length: 5}
	e.Encode(b)
	assert.Equal(t, e, DecodeExtent(b))

	assert.Len(t, SplitExtent(0, 100, MaxExtentLength+10), 2)

}

func testGeometry(t *testing.T) *Geometry {
	img, err := NewImage(DefaultImageOptions())
	require.NoError(t, err)
	return img.Geometry()
}

type memBlocks struct {
	geo    *Geometry
	blocks map[uint64][]byte
}

func (m *memBlocks) ReadBlocks(fsbno uint64, count uint32) ([]byte, error) {
	var out []byte
	for i := uint64(0); i < uint64(count); i++ {
		b, ok := m.blocks[fsbno+i]
		if !ok {
			return nil, fmt.Errorf("block %d not mapped", fsbno+i)
		}
		out = append(out, b...)
	}
	return out, nil
}

// place stores a layout at consecutive blocks starting at base and returns
// the directory inode describing it.
func place(t *testing.T, geo *Geometry, layout *DirLayout, base uint64) (*Inode, *BlockMap, *memBlocks) {

	mem := &memBlocks{geo: geo, blocks: make(map[uint64][]byte)}
	m := new(BlockMap)

	fsbno := base
	for _, blk := range layout.Blocks {
		m.Extents = append(m.Extents, Extent{Offset: blk.DA, Block: fsbno, Length: geo.DirBlockFsbs()})
		mem.blocks[fsbno] = blk.Data
		fsbno += uint64(geo.DirBlockFsbs())
	}

	ip := &Inode{
		Number: 128,
		Core:   InodeCore{Magic: InodeMagicNumber, Version: 2, Mode: ModeDirectory | 0755, Format: InodeFormatExtents, Size: layout.Size},
	}

	return ip, m, mem

}

func names(n int) []Dentry {
	entries := make([]Dentry, n)
	for i := range entries {
		entries[i] = Dentry{Name: fmt.Sprintf("file-with-a-longish-name-%05d", i), Inode: uint64(1000 + i)}
	}
	return entries
}

func collect(d Dir) []Dentry {
	var out []Dentry
	for _, db := range d.DataBlocks() {
		for _, e := range db.Entries {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			out = append(out, Dentry{Name: e.Name, Inode: e.Inode})
		}
	}
	return out
}

func TestDirectoryRoundTrip(t *testing.T) {

	geo := testGeometry(t)
	fs := geo.ForkSize(0)

	for _, tc := range []struct {
		entries int
		format  DirFormat
	}{
		{0, DirShortForm},
		{5, DirShortForm},
		{40, DirBlockForm},
		{400, DirLeafForm},
		{3000, DirNodeForm},
	} {

		entries := names(tc.entries)
		layout, err := BuildDirectory(geo, fs, 128, 64, entries, DirShortForm)
		require.NoError(t, err)
		assert.Equal(t, tc.format, layout.Format, "%d entries", tc.entries)

		if layout.Format == DirShortForm {
			ip := &Inode{Number: 128, Core: InodeCore{Mode: ModeDirectory, Format: InodeFormatLocal, Size: layout.Size}, Fork: layout.Local}
			d := decodeShortDir(ip)
			assert.NoError(t, d.Err)
			assert.Equal(t, uint64(64), d.Parent)
			assert.Len(t, d.Entries, tc.entries)
			continue
		}

		ip, m, mem := place(t, geo, layout, geo.Fsb(1, 100))
		d, err := DecodeDirectory(geo, mem, ip, m)
		require.NoError(t, err)
		assert.Equal(t, tc.format, d.Format())

		got := collect(d)
		if len(entries) == 0 {
			assert.Empty(t, got)
		} else {
			assert.Equal(t, entries, got)
		}

		for _, db := range d.DataBlocks() {
			assert.NoError(t, db.Err)
		}

		switch v := d.(type) {
		case *BlockDir:
			assert.NoError(t, v.Err)
			assert.Equal(t, uint32(tc.entries+2), v.Tail.Count)
		case *LeafDir:
			assert.NoError(t, v.Leaf.Err)
			assert.Len(t, v.Leaf.Entries, tc.entries+2)
			assert.Len(t, v.Leaf.Bests, len(v.Data))
		case *NodeDir:
			assert.Len(t, v.Nodes, 1)
			var n int
			for _, l := range v.Leaves {
				assert.NoError(t, l.Err)
				n += len(l.Entries)
			}
			assert.Equal(t, tc.entries+2, n)
			assert.NotEmpty(t, v.Free)
		}

	}

}

func TestBuildDirectoryKeepsFormatFloor(t *testing.T) {

	geo := testGeometry(t)

	layout, err := BuildDirectory(geo, geo.ForkSize(0), 128, 128, names(1), DirLeafForm)
	require.NoError(t, err)
	assert.Equal(t, DirLeafForm, layout.Format)

	layout, err = BuildDirectory(geo, geo.ForkSize(0), 128, 128, nil, DirBlockForm)
	require.NoError(t, err)
	assert.Equal(t, DirBlockForm, layout.Format)

}

func TestDecodeDataBlockStopsAtGarbage(t *testing.T) {

	geo := testGeometry(t)

	layout, err := BuildDirectory(geo, geo.ForkSize(0), 128, 64, names(20), DirBlockForm)
	require.NoError(t, err)

	ip, m, mem := place(t, geo, layout, geo.Fsb(1, 100))

	// break the tag of the fourth entry
	b := mem.blocks[geo.Fsb(1, 100)]
	off := Dir2DataHdrSize + 2*16 + DataEntrySize(len(names(1)[0].Name))
	off += DataEntrySize(len(names(1)[0].Name)) - 2
	b[off] ^= 0xFF

	d, err := DecodeDirectory(geo, mem, ip, m)
	require.NoError(t, err)

	bd := d.(*BlockDir)
	assert.Error(t, bd.Data.Err)
	assert.True(t, IsCorrupt(bd.Data.Err))
	assert.Len(t, bd.Data.Entries, 3)

}

func TestNodeDirectoryLevels(t *testing.T) {

	// 62 leaf entries and 62 node entries per 512 byte block
	geo, _ := smallBlockImage(t)

	entries := names(5000)
	layout, err := BuildDirectory(geo, geo.ForkSize(0), 128, 64, entries, DirShortForm)
	require.NoError(t, err)
	require.Equal(t, DirNodeForm, layout.Format)

	for i := 1; i < len(layout.Blocks); i++ {
		assert.Less(t, layout.Blocks[i-1].DA, layout.Blocks[i].DA)
	}

	ip, m, mem := place(t, geo, layout, geo.Fsb(0, 100))
	d, err := DecodeDirectory(geo, mem, ip, m)
	require.NoError(t, err)

	nd, ok := d.(*NodeDir)
	require.True(t, ok)
	assert.Equal(t, entries, collect(d))

	levels := make(map[uint64]uint16)
	for _, n := range nd.Nodes {
		require.NoError(t, n.Err)
		levels[n.DA] = n.Header.Level
	}
	assert.Len(t, nd.Nodes, 3)
	assert.Equal(t, uint16(2), levels[geo.LeafOffset()])

	root := nd.Nodes[0]
	require.Equal(t, geo.LeafOffset(), root.DA)
	require.Len(t, root.Entries, 2)
	for _, e := range root.Entries {
		assert.Equal(t, uint16(1), levels[uint64(e.Before)])
	}

	var n int
	for _, l := range nd.Leaves {
		require.NoError(t, l.Err)
		n += len(l.Entries)
	}
	assert.Equal(t, len(entries)+2, n)
	assert.Len(t, nd.Leaves, 81)

}

func TestDirectoryMappingOutsideSegments(t *testing.T) {

	geo := testGeometry(t)

	layout, err := BuildDirectory(geo, geo.ForkSize(0), 128, 64, names(400), DirShortForm)
	require.NoError(t, err)
	require.Equal(t, DirLeafForm, layout.Format)

	ip, m, mem := place(t, geo, layout, geo.Fsb(1, 100))

	// a huge extent past the free segment must not be read
	m.Extents = append(m.Extents, Extent{Offset: 3 * geo.LeafOffset(), Block: geo.Fsb(1, 100), Length: MaxExtentLength})

	d, err := DecodeDirectory(geo, mem, ip, m)
	require.NoError(t, err)

	nd, ok := d.(*NodeDir)
	require.True(t, ok)
	assert.Len(t, nd.Data, len(layout.Blocks)-1)

	stray := 2*geo.LeafOffset() - uint64(geo.DirBlockFsbs())
	require.NotEmpty(t, nd.Leaves)
	last := nd.Leaves[len(nd.Leaves)-1]
	assert.Equal(t, stray, last.DA)
	assert.True(t, IsCorrupt(last.Err))

}

func TestDecodeNodeBlockKeepsReadError(t *testing.T) {

	nb := decodeNodeBlock(dirBlock{da: 8, err: corruptf("directory block 8 is partially mapped")})
	assert.Error(t, nb.Err)
	assert.Empty(t, nb.Entries)

}
