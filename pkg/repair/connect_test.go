package repair

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// bigDir adds a directory of n empty files under the root.
func bigDir(t *testing.T, img *xfs.Image, n int) (uint64, map[string]uint64) {

	dir, err := img.Mkdir(img.Root(), "big")
	require.NoError(t, err)

	want := make(map[string]uint64)
	for i := 0; i < n; i++ {
		name := "entry-" + strconv.Itoa(i)
		ino, err := img.Create(dir, name, 0)
		require.NoError(t, err)
		want[name] = ino
	}

	return dir, want
}

// dirBlock returns the bytes of the directory block at file offset da.
func dirBlock(t *testing.T, img *xfs.Image, data []byte, dir, da uint64) []byte {
	geo := img.Geometry()
	m := &xfs.BlockMap{Extents: img.Extents(dir)}
	fsbno, ok := m.Lookup(da)
	require.True(t, ok, "directory block %d", da)
	off := img.Offset(fsbno)
	return data[off : off+geo.DirBlockSize()]
}

func TestNodeDirectoryLeavesOutOfFileOrder(t *testing.T) {

	img := newImage(t)
	geo := img.Geometry()
	dir, _ := bigDir(t, img, 600)
	data := finish(t, img)

	leaf := geo.LeafOffset()
	fsbs := uint64(geo.DirBlockFsbs())
	first := dirBlock(t, img, data, dir, leaf+fsbs)
	second := dirBlock(t, img, data, dir, leaf+2*fsbs)

	// move the high leaf in front and repoint the root and siblings, which
	// is how the index looks after a leaf split
	tmp := append([]byte(nil), first...)
	copy(first, second)
	copy(second, tmp)

	binary.BigEndian.PutUint32(first[0:4], 0)
	binary.BigEndian.PutUint32(first[4:8], uint32(leaf+2*fsbs))
	binary.BigEndian.PutUint32(second[0:4], uint32(leaf+fsbs))
	binary.BigEndian.PutUint32(second[4:8], 0)

	root := dirBlock(t, img, data, dir, leaf)
	require.Equal(t, uint16(2), binary.BigEndian.Uint16(root[12:14]))
	binary.BigEndian.PutUint32(root[xfs.DANodeHdrSize+4:], uint32(leaf+2*fsbs))
	binary.BigEndian.PutUint32(root[xfs.DANodeHdrSize+12:], uint32(leaf+fsbs))

	r := repair(t, data, Options{})
	assert.Zero(t, r.session.Stats().Repairs(), "%v", r.messages(logrus.WarnLevel))
	assert.True(t, bytes.Equal(data, r.disk.Bytes()))

}

func TestNodeDirectoryLeavesSwapped(t *testing.T) {

	img := newImage(t)
	geo := img.Geometry()
	dir, want := bigDir(t, img, 600)
	data := finish(t, img)

	// swap the leaf contents but leave the index pointing where it did
	leaf := geo.LeafOffset()
	fsbs := uint64(geo.DirBlockFsbs())
	first := dirBlock(t, img, data, dir, leaf+fsbs)
	second := dirBlock(t, img, data, dir, leaf+2*fsbs)
	tmp := append([]byte(nil), first...)
	copy(first, second)
	copy(second, tmp)

	r := repair(t, data, Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(1), st.DirsRebuilt)
	assert.Zero(t, st.EntriesRemoved)
	assert.Zero(t, st.Orphans)
	assert.True(t, r.announced("rebuilding directory"))

	names := listDir(t, r.reopen(t), dir)
	for name, ino := range want {
		assert.Equal(t, ino, names[name], name)
	}

	assertClean(t, r)

}

func TestLeafCountBeyondCapacity(t *testing.T) {

	img := newImage(t)
	root := img.Root()
	geo := img.Geometry()

	dir, err := img.Mkdir(root, "many")
	require.NoError(t, err)
	require.NoError(t, img.SetDirFormat(dir, xfs.DirLeafForm))

	want := make(map[string]uint64)
	for i := 0; i < 20; i++ {
		name := "entry-" + strconv.Itoa(i)
		ino, err := img.Create(dir, name, 0)
		require.NoError(t, err)
		want[name] = ino
	}

	data := finish(t, img)
	leaf := dirBlock(t, img, data, dir, geo.LeafOffset())
	binary.BigEndian.PutUint16(leaf[12:14], 0xFFFF)

	r := repair(t, data, Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(1), st.DirsRebuilt)
	assert.Zero(t, st.EntriesRemoved)
	assert.True(t, r.announced("exceed capacity"))

	names := listDir(t, r.reopen(t), dir)
	for name, ino := range want {
		assert.Equal(t, ino, names[name], name)
	}
	assert.Equal(t, root, names[".."])

	assertClean(t, r)

}

func TestMissingDotEntry(t *testing.T) {

	img := newImage(t)
	root := img.Root()
	geo := img.Geometry()

	dir, err := img.Mkdir(root, "docs")
	require.NoError(t, err)
	require.NoError(t, img.SetDirFormat(dir, xfs.DirBlockForm))
	f, err := img.Create(dir, "file", 1)
	require.NoError(t, err)

	data := finish(t, img)
	b := dirBlock(t, img, data, dir, 0)
	n := len(b)

	// turn "." into unused space, list it in the best free table and make
	// its leaf entry stale so only the entry itself is missing
	dot := xfs.Dir2DataHdrSize
	size := xfs.DataEntrySize(1)
	binary.BigEndian.PutUint16(b[dot:], xfs.Dir2DataFreeTag)
	binary.BigEndian.PutUint16(b[dot+2:], uint16(size))
	binary.BigEndian.PutUint16(b[dot+size-2:], uint16(dot))
	binary.BigEndian.PutUint16(b[8:10], uint16(dot))
	binary.BigEndian.PutUint16(b[10:12], uint16(size))

	count := int(binary.BigEndian.Uint32(b[n-8:]))
	addr := geo.DataPtr(0, uint16(dot))
	leaf := b[n-8-8*count : n-8]
	stale := 0
	for i := 0; i < count; i++ {
		if binary.BigEndian.Uint32(leaf[8*i+4:]) == addr {
			binary.BigEndian.PutUint32(leaf[8*i+4:], xfs.Dir2NullDataPtr)
			stale++
		}
	}
	require.Equal(t, 1, stale)
	binary.BigEndian.PutUint32(b[n-4:], 1)

	r := repair(t, data, Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(1), st.DotsFixed, "%v", r.messages(logrus.WarnLevel))
	assert.Zero(t, st.DirsRebuilt)
	assert.True(t, r.announced("missing \".\" entry"))

	names := listDir(t, r.reopen(t), dir)
	assert.Equal(t, map[string]uint64{".": dir, "..": root, "file": f}, names)

	assertClean(t, r)

}

func TestDirectoryCycleWithLostParent(t *testing.T) {

	img := newImage(t)
	populate(t, img)
	root := img.Root()
	geo := img.Geometry()

	a, err := img.AllocInode(0, xfs.ModeDirectory|0755)
	require.NoError(t, err)
	b, err := img.AllocInode(0, xfs.ModeDirectory|0755)
	require.NoError(t, err)

	require.NoError(t, img.Link(a, "b", b))
	require.NoError(t, img.Link(b, "a", a))
	require.NoError(t, img.SetParent(a, b))
	// b names an inode that was never allocated
	require.NoError(t, img.SetParent(b, geo.Ino(1, 200)))

	r := repair(t, finish(t, img), Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(1), st.CyclesBroken)
	assert.Equal(t, uint64(1), st.Orphans)
	assert.NotZero(t, st.ParentsFixed)

	dev := r.reopen(t)
	lf := listDir(t, dev, root)[OrphanageName]
	assert.Equal(t, a, listDir(t, dev, lf)[strconv.FormatUint(a, 10)])

	an := listDir(t, dev, a)
	assert.Equal(t, lf, an[".."])
	assert.Equal(t, b, an["b"])

	bn := listDir(t, dev, b)
	assert.Equal(t, a, bn[".."])
	assert.NotContains(t, bn, "a")

	assertClean(t, r)

}

func TestBadEntryDoesNotClaimName(t *testing.T) {

	img := newImage(t)
	root := img.Root()
	geo := img.Geometry()

	// the first "file" points at a free inode, the second is genuine
	require.NoError(t, img.Link(root, "file", geo.Ino(1, 200)))
	f, err := img.Create(root, "file", 1)
	require.NoError(t, err)

	r := repair(t, finish(t, img), Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(1), st.EntriesRemoved)
	assert.Zero(t, st.Orphans)
	assert.True(t, r.announced("points at free inode"))
	assert.False(t, r.announced("duplicate name"))

	dev := r.reopen(t)
	assert.Equal(t, f, listDir(t, dev, root)["file"])
	assert.Equal(t, uint32(1), readInode(t, dev, f).Links())

	assertClean(t, r)

}
