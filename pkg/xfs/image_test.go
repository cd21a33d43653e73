package xfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type imageReader struct {
	geo  *Geometry
	data []byte
}

func (r *imageReader) ReadBlocks(fsbno uint64, count uint32) ([]byte, error) {
	off := r.geo.ByteOffset(fsbno)
	return r.data[off : off+int64(count)<<r.geo.BlockLog], nil
}

func TestImageScan(t *testing.T) {

	img, err := NewImage(DefaultImageOptions())
	require.NoError(t, err)

	geo := img.Geometry()
	root := img.Root()

	dir, err := img.MkdirIn(1, root, "etc")
	require.NoError(t, err)

	file, err := img.Create(dir, "passwd", 3)
	require.NoError(t, err)

	data, err := img.Finish()
	require.NoError(t, err)

	r := &imageReader{geo: geo, data: data}

	sb, err := DecodeSuperBlock(data)
	require.NoError(t, err)
	assert.Equal(t, root, sb.RootInode)

	g2, err := NewGeometry(sb)
	require.NoError(t, err)
	assert.Equal(t, geo.AGCount, g2.AGCount)
	assert.Equal(t, geo.LogStart, g2.LogStart)

	s0, err := ScanAG(geo, r, 0)
	require.NoError(t, err)
	assert.Empty(t, s0.Warnings)
	assert.Len(t, s0.Chunks, 1)
	assert.Equal(t, geo.InoToAgino(root), s0.Chunks[0].StartIno)
	assert.Equal(t, uint32(InodesPerChunk-3), s0.Chunks[0].FreeCount)
	assert.NotEmpty(t, s0.Free)

	s1, err := ScanAG(geo, r, 1)
	require.NoError(t, err)
	assert.Len(t, s1.Chunks, 1)

	ip, err := ReadInode(geo, r, dir)
	require.NoError(t, err)
	assert.NoError(t, ip.Check(geo))
	assert.True(t, ip.IsDir())
	assert.Equal(t, uint32(2), ip.Links())

	m, err := ReadBlockMap(geo, r, ip)
	require.NoError(t, err)

	d, err := DecodeDirectory(geo, r, ip, m)
	require.NoError(t, err)
	sd, ok := d.(*ShortDir)
	require.True(t, ok)
	assert.Equal(t, root, sd.Parent)
	assert.Equal(t, []DataEntry{{Name: "passwd", Inode: file, Offset: Dir2DataFirstOffset}}, sd.Entries)

	rip, err := ReadInode(geo, r, root)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rip.Links())

	fip, err := ReadInode(geo, r, file)
	require.NoError(t, err)
	fm, err := ReadBlockMap(geo, r, fip)
	require.NoError(t, err)
	require.Len(t, fm.Extents, 1)
	assert.Equal(t, uint32(3), fm.Extents[0].Length)
	assert.Equal(t, uint32(1), geo.FsbToAG(fm.Extents[0].Block))

}

func TestImageLargeDirectory(t *testing.T) {

	img, err := NewImage(DefaultImageOptions())
	require.NoError(t, err)

	geo := img.Geometry()

	for _, e := range names(300) {
		_, err = img.Create(img.Root(), e.Name, 0)
		require.NoError(t, err)
	}

	data, err := img.Finish()
	require.NoError(t, err)

	r := &imageReader{geo: geo, data: data}

	ip, err := ReadInode(geo, r, img.Root())
	require.NoError(t, err)

	m, err := ReadBlockMap(geo, r, ip)
	require.NoError(t, err)

	d, err := DecodeDirectory(geo, r, ip, m)
	require.NoError(t, err)
	assert.Equal(t, DirLeafForm, d.Format())
	assert.Len(t, collect(d), 300)

}
