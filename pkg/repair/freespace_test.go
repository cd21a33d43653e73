package repair

import (
	"encoding/binary"
	"math/bits"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/xfsrepair/pkg/xfs"
	"github.com/vorteil/xfsrepair/pkg/xfsdev"
)

func scanAG(t *testing.T, dev *xfsdev.Device, agno uint32) *xfs.AGSummary {
	sum, err := xfs.ScanAG(dev.Geometry(), dev, agno)
	require.NoError(t, err)
	return sum
}

// assertNotFree fails if any block of an extent is listed in the by-block
// free space btree.
func assertNotFree(t *testing.T, dev *xfsdev.Device, e xfs.Extent) {
	geo := dev.Geometry()
	agbno := geo.FsbToAgbno(e.Block)
	for _, f := range scanAG(t, dev, geo.FsbToAG(e.Block)).Free {
		overlap := agbno < f.Start+f.Length && f.Start < agbno+e.Length
		assert.False(t, overlap, "blocks %d+%d listed free in %v", agbno, e.Length, f)
	}
}

// btreeFree reports whether the inode btree lists an inode as free.
func btreeFree(t *testing.T, dev *xfsdev.Device, ino uint64) bool {
	geo := dev.Geometry()
	agino := geo.InoToAgino(ino)
	for _, rec := range scanAG(t, dev, geo.InoToAG(ino)).Chunks {
		if agino >= rec.StartIno && agino < rec.StartIno+xfs.InodesPerChunk {
			return rec.Free&(1<<uint(agino-rec.StartIno)) != 0
		}
	}
	t.Fatalf("no inode btree record for inode %d", ino)
	return false
}

// assertCounters checks the superblock counters against the AG headers and
// inode btrees.
func assertCounters(t *testing.T, dev *xfsdev.Device) {

	geo := dev.Geometry()

	var icount, ifree, fdblocks uint64
	for agno := uint32(0); agno < geo.AGCount; agno++ {
		sum := scanAG(t, dev, agno)
		assert.Empty(t, sum.Warnings)
		for _, rec := range sum.Chunks {
			icount += xfs.InodesPerChunk
			ifree += uint64(bits.OnesCount64(rec.Free))
		}
		fdblocks += uint64(sum.AGF.FreeBlocks) + uint64(sum.AGF.FLCount) + uint64(sum.AGF.BTreeBlocks)
	}

	sb := dev.SuperBlock()
	assert.Equal(t, icount, sb.InodesAllocated)
	assert.Equal(t, ifree, sb.InodesFree)
	assert.Equal(t, fdblocks, sb.DataFree)

}

func TestOrphanageAllocationUpdatesFreeSpace(t *testing.T) {

	img := newImage(t)
	root := img.Root()

	// enough orphans to push lost+found out of the inode
	for i := 0; i < 120; i++ {
		_, err := img.AllocInode(0, xfs.ModeRegular|0644)
		require.NoError(t, err)
	}

	r := repair(t, finish(t, img), Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(120), st.Orphans)
	assert.Equal(t, uint64(1), st.FreeSpaceRebuilt)
	assert.True(t, r.announced("rebuilding free space btrees of ag 0"))

	dev := r.reopen(t)
	lf, ok := listDir(t, dev, root)[OrphanageName]
	require.True(t, ok)

	ip := readInode(t, dev, lf)
	require.NotEqual(t, xfs.InodeFormatLocal, ip.Core.Format)

	m, err := xfs.ReadBlockMap(dev.Geometry(), dev, ip)
	require.NoError(t, err)
	require.NotEmpty(t, m.Extents)
	for _, e := range m.Extents {
		assertNotFree(t, dev, e)
	}

	assertCounters(t, dev)
	assertClean(t, r)

}

func TestClaimedFreeBlocks(t *testing.T) {

	img := newImage(t)
	geo := img.Geometry()

	f, err := img.Create(img.Root(), "stray", 0)
	require.NoError(t, err)

	// the image never allocated these, so they stay in the free space btrees
	stray := xfs.Extent{Block: geo.Fsb(1, 200), Length: 4}
	require.NoError(t, img.AddExtent(f, stray.Block, stray.Length))

	r := repair(t, finish(t, img), Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(4), st.FreeClaimed)
	assert.Equal(t, uint64(1), st.FreeSpaceRebuilt)
	assert.Zero(t, st.InodesCleared)
	assert.True(t, r.announced("listed as free space"))

	dev := r.reopen(t)
	assert.True(t, readInode(t, dev, f).InUse())
	assertNotFree(t, dev, stray)
	assertCounters(t, dev)

	assertClean(t, r)

}

func TestDamagedAGF(t *testing.T) {

	img := newImage(t)
	populate(t, img)
	geo := img.Geometry()
	data := finish(t, img)

	off := img.Offset(geo.Fsb(1, 0)) + geo.SectorSize()
	binary.BigEndian.PutUint32(data[off:], 0)

	r := repair(t, data, Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(1), st.FreeSpaceRebuilt)
	assert.True(t, r.announced("rebuilding free space btrees of ag 1: no usable AGF"))

	dev := r.reopen(t)
	sum := scanAG(t, dev, 1)
	assert.False(t, sum.FreeSpaceDamaged)
	assert.NotEmpty(t, sum.Free)
	assertCounters(t, dev)

	assertClean(t, r)

}

func TestSuperBlockCounters(t *testing.T) {

	img := newImage(t)
	populate(t, img)
	data := finish(t, img)

	sb, err := xfs.DecodeSuperBlock(data)
	require.NoError(t, err)
	sb.DataFree += 17
	sb.InodesFree--
	require.NoError(t, xfs.EncodeSuperBlock(sb, data))

	r := repair(t, data, Options{})
	st := r.session.Stats()

	assert.Equal(t, uint64(1), st.CountersFixed)
	assert.Zero(t, st.FreeSpaceRebuilt)
	assert.True(t, r.announced("correcting superblock counters"))

	assertCounters(t, r.reopen(t))
	assertClean(t, r)

}

func TestCarveTreeBlocks(t *testing.T) {

	geo := newImage(t).Geometry()

	rest, taken, err := carveTreeBlocks(geo, 0, []xfs.AGExtent{{Start: 10, Length: 1}, {Start: 20, Length: 1}, {Start: 30, Length: 50}})
	require.NoError(t, err)
	assert.Equal(t, []uint32{30, 31}, taken)
	assert.Equal(t, []xfs.AGExtent{{Start: 10, Length: 1}, {Start: 20, Length: 1}, {Start: 32, Length: 48}}, rest)

	// no extent outlives the cut, so whole extents are consumed
	rest, taken, err = carveTreeBlocks(geo, 0, []xfs.AGExtent{{Start: 10, Length: 1}, {Start: 12, Length: 1}, {Start: 14, Length: 2}})
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 12}, taken)
	assert.Equal(t, []xfs.AGExtent{{Start: 14, Length: 2}}, rest)

	_, _, err = carveTreeBlocks(geo, 0, []xfs.AGExtent{{Start: 10, Length: 1}})
	assert.Equal(t, ClassResource, ClassOf(err))

}

func TestDryRunLeavesFreeSpace(t *testing.T) {

	img := newImage(t)
	f, err := img.Create(img.Root(), "stray", 0)
	require.NoError(t, err)
	require.NoError(t, img.AddExtent(f, img.Geometry().Fsb(1, 200), 2))
	data := finish(t, img)

	r := repair(t, data, Options{NoModify: true})
	assert.True(t, r.announced("would rebuild free space btrees of ag 1"))
	assert.Equal(t, uint64(0), r.dev.Stats().Writes)
	assert.Equal(t, 1, r.session.Report().ExitCode(), "%v", r.messages(logrus.WarnLevel))

}
