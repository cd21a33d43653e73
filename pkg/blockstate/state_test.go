package blockstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

func TestClaimBecomesMultiple(t *testing.T) {

	m := NewMap(200)

	assert.Equal(t, InUse, m.Set(100, InUse))
	assert.Equal(t, Multiple, m.Set(100, Inode))
	assert.Equal(t, Multiple, m.Get(100))

	m.Set(101, Free)
	assert.Equal(t, InUse, m.Set(101, InUse))

	m.Set(100, Unknown)
	assert.Equal(t, Unknown, m.Get(100))

}

func TestClaimOverFree(t *testing.T) {

	m := NewMap(64)
	m.SetRange(10, 10, Free)
	m.SetRange(30, 2, InUse)

	c := m.ClaimRange(8, 4, InUse)
	assert.Equal(t, Conflict{Free: 2}, c)
	assert.True(t, c.Any())
	assert.Equal(t, InUse, m.Get(10))

	c = m.ClaimRange(29, 2, Inode)
	assert.Equal(t, Conflict{Claimed: 1}, c)
	assert.Equal(t, Multiple, m.Get(30))

	assert.False(t, m.ClaimRange(40, 4, InUse).Any())
	assert.Panics(t, func() { m.ClaimRange(50, 1, Free) })

}

func TestUnownedRuns(t *testing.T) {

	m := NewMap(32)
	m.SetRange(0, 4, FSMeta)
	m.SetRange(4, 4, Free)
	m.SetRange(12, 2, InUse)
	m.SetRange(20, 12, Inode)

	type run struct{ start, length uint64 }
	var runs []run
	require.NoError(t, m.Unowned(func(start, length uint64) error {
		runs = append(runs, run{start, length})
		return nil
	}))

	// free and never-seen blocks merge into one run
	assert.Equal(t, []run{{4, 8}, {14, 6}}, runs)

}

func TestWordBoundaries(t *testing.T) {

	m := NewMap(3 * statesPerWord)

	for i := uint64(0); i < m.Len(); i++ {
		m.Set(i, State(i%6))
	}

	for i := uint64(0); i < m.Len(); i++ {
		assert.Equal(t, State(i%6), m.Get(i), "block %d", i)
	}

}

func TestOutOfRangePanics(t *testing.T) {
	m := NewMap(10)
	assert.Panics(t, func() { m.Get(10) })
	assert.Panics(t, func() { m.Set(11, InUse) })
}

func TestOverlappingClaims(t *testing.T) {

	m := NewMap(256)

	assert.False(t, m.SetRange(100, 5, InUse))
	assert.True(t, m.SetRange(102, 5, InUse))

	type run struct{ start, length uint64 }
	var runs []run
	err := m.Runs(Multiple, 0, func(start, length uint64) error {
		runs = append(runs, run{start, length})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []run{{102, 3}}, runs)
	assert.Equal(t, uint64(4), m.Count(InUse))

}

func TestRunsSplitAtMax(t *testing.T) {

	m := NewMap(100)
	m.SetRange(10, 25, Multiple)

	var lengths []uint64
	_ = m.Runs(Multiple, 10, func(start, length uint64) error {
		lengths = append(lengths, length)
		return nil
	})

	assert.Equal(t, []uint64{10, 10, 5}, lengths)

}

func TestAlloc(t *testing.T) {

	m := NewMap(64)
	m.SetRange(0, 8, FSMeta)
	m.SetRange(10, 4, InUse)

	start, ok := m.Alloc(4, 0, 8)
	require.True(t, ok)
	assert.Equal(t, uint64(14), start)
	assert.Equal(t, InUse, m.Get(17))

	start, ok = m.Alloc(2, 60, 8)
	require.True(t, ok)
	assert.Equal(t, uint64(60), start)

	start, ok = m.Alloc(3, 62, 8)
	require.True(t, ok)
	assert.Equal(t, uint64(18), start)

	_, ok = m.Alloc(100, 0, 8)
	assert.False(t, ok)

}

func TestRegistryReset(t *testing.T) {

	img, err := xfs.NewImage(xfs.DefaultImageOptions())
	require.NoError(t, err)
	geo := img.Geometry()

	r := New(geo)
	ag := r.AG(0)

	assert.Equal(t, FSMeta, ag.Get(0))
	logAG, logStart, logLen, ok := geo.LogRange()
	require.True(t, ok)
	require.Equal(t, uint32(0), logAG)
	assert.Equal(t, FSMeta, ag.Get(uint64(logStart+logLen-1)))

	ag.Reserve(2, 1)
	ag.SetRange(50, 10, InUse)
	ag.Set(0, InUse)

	ag.Reset()

	assert.Equal(t, FSMeta, ag.Get(0))
	assert.Equal(t, FSMeta, ag.Get(2))
	assert.Equal(t, Unknown, ag.Get(55))
	assert.Equal(t, uint64(0), ag.Count(Multiple))

	agbno, ok := ag.Alloc(4, 0)
	require.True(t, ok)
	assert.True(t, agbno >= geo.HeaderBlocks())
	assert.Nil(t, r.Realtime())

}
