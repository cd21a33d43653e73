package prefetch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/xfsrepair/pkg/incore"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

type recordingReader struct {
	geo  *xfs.Geometry
	data []byte

	lock    sync.Mutex
	ranges  [][2]uint64
	advised [][2]uint64
}

func (r *recordingReader) Readahead(fsbno uint64, count uint32) {
	r.lock.Lock()
	r.advised = append(r.advised, [2]uint64{fsbno, fsbno + uint64(count)})
	r.lock.Unlock()
}

func (r *recordingReader) ReadBlocks(fsbno uint64, count uint32) ([]byte, error) {
	r.lock.Lock()
	r.ranges = append(r.ranges, [2]uint64{fsbno, fsbno + uint64(count)})
	r.lock.Unlock()
	off := r.geo.ByteOffset(fsbno)
	return r.data[off : off+int64(count)<<r.geo.BlockLog], nil
}

func (r *recordingReader) covered(fsbno uint64) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, rg := range r.ranges {
		if fsbno >= rg[0] && fsbno < rg[1] {
			return true
		}
	}
	return false
}

type fixture struct {
	geo  *xfs.Geometry
	root uint64
	src  *recordingReader
	reg  *incore.Registry
}

func newFixture(t *testing.T, files int) *fixture {

	img, err := xfs.NewImage(xfs.DefaultImageOptions())
	require.NoError(t, err)

	for i := 0; i < files; i++ {
		_, err = img.Create(img.Root(), fmt.Sprintf("entry-with-a-long-name-%04d", i), 0)
		require.NoError(t, err)
	}

	data, err := img.Finish()
	require.NoError(t, err)

	geo := img.Geometry()
	src := &recordingReader{geo: geo, data: data}
	reg := incore.New(geo)

	for agno := uint32(0); agno < geo.AGCount; agno++ {
		s, err := xfs.ScanAG(geo, src, agno)
		require.NoError(t, err)
		for _, rec := range s.Chunks {
			c, err := reg.AG(agno).Add(rec.StartIno)
			require.NoError(t, err)
			for i := 0; i < xfs.InodesPerChunk; i++ {
				if rec.Free&(1<<uint(i)) == 0 {
					c.SetFree(i, false)
					c.SetConfirmed(i, true)
				}
			}
		}
	}

	src.ranges = nil
	src.advised = nil

	return &fixture{geo: geo, root: img.Root(), src: src, reg: reg}

}

func waitDone(t *testing.T, p *Pipeline) {
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not finish")
	}
}

func TestPrefetchDirectoryBlocks(t *testing.T) {

	f := newFixture(t, 300)

	opts := DefaultOptions(f.geo, 8<<20)
	opts.Follow = func(ip *xfs.Inode) bool { return ip.IsDir() }

	p := Start(context.Background(), f.geo, f.src, f.reg.AG(0), opts)

	select {
	case <-p.Ready():
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline never became ready")
	}

	waitDone(t, p)

	assert.True(t, f.src.covered(f.geo.InoToFsb(f.root)))

	ip, err := xfs.ReadInode(f.geo, f.src, f.root)
	require.NoError(t, err)
	m, err := xfs.ReadBlockMap(f.geo, f.src, ip)
	require.NoError(t, err)
	require.NotEmpty(t, m.Extents)

	for _, e := range m.Extents {
		for i := uint64(0); i < uint64(e.Length); i++ {
			assert.True(t, f.src.covered(e.Block+i), "directory block %d", e.Block+i)
		}
	}

	st := p.Stats()
	assert.Zero(t, st.Errors)
	assert.True(t, st.Reads < st.Queued, "%d reads for %d requests", st.Reads, st.Queued)

}

func TestPrefetchWantFilter(t *testing.T) {

	f := newFixture(t, 0)

	opts := DefaultOptions(f.geo, 8<<20)
	opts.Want = func(c *incore.Chunk, i int) bool { return false }

	p := Start(context.Background(), f.geo, f.src, f.reg.AG(0), opts)
	waitDone(t, p)

	assert.Zero(t, p.Stats().Queued)
	assert.Empty(t, f.src.ranges)

}

func TestPrefetchStop(t *testing.T) {

	f := newFixture(t, 300)

	opts := DefaultOptions(f.geo, 8<<20)
	opts.Workers = 1
	opts.Batch = 1000

	p := Start(context.Background(), f.geo, f.src, f.reg.AG(0), opts)
	p.Stop()

	select {
	case <-p.Done():
	default:
		t.Fatal("Stop returned before the pipeline finished")
	}

	assert.True(t, opts.Limiter.TryAcquire(opts.LimiterBytes))

}

func TestPrefetchAdvisesEachRead(t *testing.T) {

	f := newFixture(t, 300)

	opts := DefaultOptions(f.geo, 8<<20)
	opts.Follow = func(ip *xfs.Inode) bool { return ip.IsDir() }

	p := Start(context.Background(), f.geo, f.src, f.reg.AG(0), opts)
	waitDone(t, p)

	f.src.lock.Lock()
	defer f.src.lock.Unlock()

	require.NotEmpty(t, f.src.advised)
	assert.Len(t, f.src.advised, int(p.Stats().Reads))
	assert.Subset(t, f.src.ranges, f.src.advised)

}
