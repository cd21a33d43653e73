package xfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// imageTx applies staged buffers straight to an image on Commit.
type imageTx struct {
	r    *imageReader
	bufs []*Buf
}

func (tx *imageTx) ReadBuf(fsbno uint64, count uint32) (*Buf, error) {
	data, err := tx.r.ReadBlocks(fsbno, count)
	if err != nil {
		return nil, err
	}
	return &Buf{Addr: fsbno, Count: count, Data: append([]byte(nil), data...)}, nil
}

func (tx *imageTx) GetBuf(fsbno uint64, count uint32) *Buf {
	return &Buf{Addr: fsbno, Count: count, Data: make([]byte, int64(count)<<tx.r.geo.BlockLog)}
}

func (tx *imageTx) LogBuf(b *Buf) {
	tx.bufs = append(tx.bufs, b)
}

func (tx *imageTx) Commit() error {
	for _, b := range tx.bufs {
		copy(tx.r.data[tx.r.geo.ByteOffset(b.Addr):], b.Data)
	}
	tx.bufs = nil
	return nil
}

func (tx *imageTx) Cancel() {
	tx.bufs = nil
}

func smallBlockImage(t *testing.T) (*Geometry, *imageReader) {

	img, err := NewImage(ImageOptions{BlockLog: 9, InodeLog: 8, AGBlkLog: 13, AGCount: 1, LogBlocks: 16})
	require.NoError(t, err)

	data, err := img.Finish()
	require.NoError(t, err)

	geo := img.Geometry()
	return geo, &imageReader{geo: geo, data: data}

}

func blockRange(start, n uint32) []uint32 {
	blocks := make([]uint32, n)
	for i := range blocks {
		blocks[i] = start + uint32(i)
	}
	return blocks
}

func TestFreeSpaceTreeShape(t *testing.T) {

	geo, _ := smallBlockImage(t)

	// 62 records per leaf and 41 pointers per node in 512 byte blocks
	assert.Equal(t, uint32(1), FreeSpaceTreeBlocks(geo, 0))
	assert.Equal(t, uint32(1), FreeSpaceTreeBlocks(geo, 62))
	assert.Equal(t, uint32(3), FreeSpaceTreeBlocks(geo, 63))
	assert.Equal(t, uint32(49+2+1), FreeSpaceTreeBlocks(geo, 3000))

}

func TestFreeSpaceMultiLevel(t *testing.T) {

	geo, r := smallBlockImage(t)

	var free []AGExtent
	for i := uint32(0); i < 3000; i++ {
		free = append(free, AGExtent{Start: 1000 + 2*i, Length: 1})
	}

	nb := FreeSpaceTreeBlocks(geo, len(free))
	bno := blockRange(7100, nb)
	cnt := blockRange(7200, nb)
	freeList := []uint32{7300, 7301}

	fs, err := BuildFreeSpace(geo, 0, free, bno, cnt, freeList)
	require.NoError(t, err)
	assert.Equal(t, [2]uint32{3, 3}, fs.AGF.Levels)
	assert.Equal(t, uint32(3000), fs.AGF.FreeBlocks)
	assert.Equal(t, uint32(1), fs.AGF.Longest)
	assert.Equal(t, uint32(2*nb-2), fs.AGF.BTreeBlocks)

	tx := &imageTx{r: r}
	require.NoError(t, WriteFreeSpace(geo, tx, fs))
	require.NoError(t, tx.Commit())

	s, err := ScanAG(geo, r, 0)
	require.NoError(t, err)
	assert.Empty(t, s.Warnings)
	assert.False(t, s.FreeSpaceDamaged)
	assert.Equal(t, free, s.Free)
	assert.Equal(t, SortByCount(free), s.FreeByCount)
	assert.Len(t, s.FreeSpaceBlocks, int(2*nb))
	assert.Equal(t, freeList, s.FreeList)

}

func TestFreeSpaceByCountOrder(t *testing.T) {

	geo, r := smallBlockImage(t)

	free := []AGExtent{{Start: 100, Length: 9}, {Start: 200, Length: 3}, {Start: 300, Length: 3}, {Start: 400, Length: 1}}

	fs, err := BuildFreeSpace(geo, 0, free, []uint32{50}, []uint32{51}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), fs.AGF.FreeBlocks)
	assert.Equal(t, uint32(9), fs.AGF.Longest)
	assert.Equal(t, uint32(0), fs.AGF.FLCount)
	assert.Equal(t, geo.FreeListSize()-1, fs.AGF.FLLast)

	tx := &imageTx{r: r}
	require.NoError(t, WriteFreeSpace(geo, tx, fs))
	require.NoError(t, tx.Commit())

	s, err := ScanAG(geo, r, 0)
	require.NoError(t, err)
	assert.Equal(t, free, s.Free)
	assert.Equal(t, []AGExtent{{400, 1}, {200, 3}, {300, 3}, {100, 9}}, s.FreeByCount)
	assert.Empty(t, s.FreeList)

}

func TestBuildFreeSpaceRejectsBadInput(t *testing.T) {

	geo, _ := smallBlockImage(t)

	_, err := BuildFreeSpace(geo, 0, []AGExtent{{100, 4}}, []uint32{50, 51}, []uint32{52}, nil)
	assert.Error(t, err)

	_, err = BuildFreeSpace(geo, 0, []AGExtent{{100, 4}, {104, 2}}, []uint32{50}, []uint32{51}, nil)
	assert.Error(t, err)

	_, err = BuildFreeSpace(geo, 0, nil, []uint32{50}, []uint32{51}, blockRange(60, geo.FreeListSize()+1))
	assert.Error(t, err)

}

func TestMarkInodeFree(t *testing.T) {

	img, err := NewImage(DefaultImageOptions())
	require.NoError(t, err)
	geo := img.Geometry()

	file, err := img.Create(img.Root(), "file", 0)
	require.NoError(t, err)

	data, err := img.Finish()
	require.NoError(t, err)
	r := &imageReader{geo: geo, data: data}

	s, err := ScanAG(geo, r, 0)
	require.NoError(t, err)
	rec := &s.Chunks[0]
	slot := int(geo.InoToAgino(file) - rec.StartIno)
	before := rec.FreeCount

	tx := &imageTx{r: r}
	require.NoError(t, MarkInodeFree(geo, tx, 0, rec, slot))
	require.NoError(t, tx.Commit())

	s, err = ScanAG(geo, r, 0)
	require.NoError(t, err)
	assert.NotZero(t, s.Chunks[0].Free&(1<<uint(slot)))
	assert.Equal(t, before+1, s.Chunks[0].FreeCount)
	assert.Equal(t, before+1, s.AGI.FreeCount)

	rec = &s.Chunks[0]
	require.NoError(t, MarkInodeAllocated(geo, tx, 0, rec, slot))
	require.NoError(t, tx.Commit())

	s, err = ScanAG(geo, r, 0)
	require.NoError(t, err)
	assert.Zero(t, s.Chunks[0].Free&(1<<uint(slot)))
	assert.Equal(t, before, s.AGI.FreeCount)

}
