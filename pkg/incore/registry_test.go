package incore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

func testRegistry(t *testing.T) (*xfs.Geometry, *Registry) {
	img, err := xfs.NewImage(xfs.DefaultImageOptions())
	require.NoError(t, err)
	return img.Geometry(), New(img.Geometry())
}

func TestLookup(t *testing.T) {

	geo, r := testRegistry(t)

	ag := r.AG(1)
	c, err := ag.Add(256)
	require.NoError(t, err)
	_, err = ag.Add(448)
	require.NoError(t, err)

	_, err = ag.Add(256)
	assert.Error(t, err)
	_, err = ag.Add(257)
	assert.Error(t, err)

	found, slot := r.Lookup(geo.Ino(1, 256+42))
	require.NotNil(t, found)
	assert.Equal(t, c, found)
	assert.Equal(t, 42, slot)
	assert.Equal(t, geo.Ino(1, 298), found.Ino(slot))

	found, _ = r.Lookup(geo.Ino(1, 320))
	assert.Nil(t, found)

	found, _ = r.Lookup(geo.Ino(0, 256))
	assert.Nil(t, found)

	found, _ = r.Lookup(xfs.NullIno)
	assert.Nil(t, found)

	chunks := ag.Chunks()
	require.Len(t, chunks, 2)
	assert.Equal(t, uint32(448), chunks[1].StartIno)

}

func TestChunkFlags(t *testing.T) {

	_, r := testRegistry(t)
	c, err := r.AG(0).Add(192)
	require.NoError(t, err)

	assert.True(t, c.IsFree(3))
	assert.False(t, c.Live(3))
	assert.Equal(t, xfs.NullIno, c.Parent(3))

	c.SetFree(3, false)
	c.SetConfirmed(3, true)
	c.SetDir(3, true)
	assert.True(t, c.Live(3))
	assert.True(t, c.IsDir(3))

	assert.True(t, c.MarkReached(3))
	assert.False(t, c.MarkReached(3))

	c.AddRef(3)
	c.AddRef(3)
	c.DropRef(3)
	assert.Equal(t, uint32(1), c.Refs(3))

	var n int
	r.AG(0).Each(func(c *Chunk, i int) bool {
		n++
		return true
	})
	assert.Equal(t, 1, n)

	c.Forget(3)
	assert.True(t, c.IsFree(3))
	assert.False(t, c.IsDir(3))
	assert.Equal(t, uint32(0), c.Refs(3))

}

func TestConcurrentRefs(t *testing.T) {

	_, r := testRegistry(t)
	c, err := r.AG(0).Add(0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.AddRef(i % xfs.InodesPerChunk)
			}
		}()
	}
	wg.Wait()

	var total uint32
	for i := 0; i < xfs.InodesPerChunk; i++ {
		total += c.Refs(i)
	}
	assert.Equal(t, uint32(8000), total)

}
