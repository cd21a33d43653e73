// Package prefetch reads inode clusters and directory blocks of an
// allocation group ahead of the pass that needs them, so the pass finds
// them in the buffer cache.
package prefetch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/btree"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vorteil/xfsrepair/pkg/incore"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// Options tune a pipeline. Sizes are in filesystem blocks unless noted.
type Options struct {
	Workers     int
	MaxTransfer uint32
	Gap         uint32
	Batch       int
	ReadyAfter  int

	// Limiter bounds the bytes queued but not yet read, across every
	// pipeline sharing it.
	Limiter      *semaphore.Weighted
	LimiterBytes int64

	// Want selects the inodes whose clusters are read.
	Want func(c *incore.Chunk, i int) bool
	// Follow selects inodes whose block map is walked once their cluster
	// has been read. Directory extents found that way are queued too.
	Follow func(ip *xfs.Inode) bool
}

// Advisor is implemented by sources that can start fetching a block range
// before it is read, such as a device backed by a file.
type Advisor interface {
	Readahead(fsbno uint64, count uint32)
}

// NewLimiter returns a limiter allowing an eighth of the cache to be in
// flight.
func NewLimiter(cacheBytes int64) (*semaphore.Weighted, int64) {
	n := cacheBytes / 8
	if n < 1<<20 {
		n = 1 << 20
	}
	return semaphore.NewWeighted(n), n
}

// DefaultOptions returns the tuning used by the repair passes.
func DefaultOptions(geo *xfs.Geometry, cacheBytes int64) Options {

	limiter, n := NewLimiter(cacheBytes)

	maxTransfer := uint32((1 << 20) >> geo.BlockLog)
	if maxTransfer < geo.ClusterBlocks() {
		maxTransfer = geo.ClusterBlocks()
	}

	return Options{
		Workers:      4,
		MaxTransfer:  maxTransfer,
		Gap:          uint32((64 << 10) >> geo.BlockLog),
		Batch:        4,
		ReadyAfter:   8,
		Limiter:      limiter,
		LimiterBytes: n,
	}

}

type priority int

const (
	prioInode priority = iota
	prioMeta
)

type request struct {
	prio   priority
	fsbno  uint64
	count  uint32
	weight int64
	chunk  *incore.Chunk
	slot   int
}

func (r *request) Less(than btree.Item) bool {
	o := than.(*request)
	if r.prio != o.prio {
		return r.prio < o.prio
	}
	return r.fsbno < o.fsbno
}

// Stats count what a pipeline did.
type Stats struct {
	Queued uint64
	Reads  uint64
	Blocks uint64
	Errors uint64
}

// Pipeline prefetches one allocation group.
type Pipeline struct {
	geo  *xfs.Geometry
	src  xfs.BlockReader
	ag   *incore.AG
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	lock        sync.Mutex
	cond        *sync.Cond
	pending     *btree.BTree
	queued      *roaring.Bitmap
	queuingDone bool
	starved     bool
	stopped     bool
	inflight    int
	clusters    int

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	stats Stats
}

// Start launches the queuing and I/O stages for one AG.
func Start(ctx context.Context, geo *xfs.Geometry, src xfs.BlockReader, ag *incore.AG, opts Options) *Pipeline {

	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxTransfer == 0 {
		opts.MaxTransfer = geo.ClusterBlocks()
	}
	if opts.Want == nil {
		opts.Want = func(c *incore.Chunk, i int) bool { return c.Live(i) }
	}
	if opts.Limiter == nil {
		opts.Limiter, opts.LimiterBytes = NewLimiter(0)
	}

	p := &Pipeline{
		geo:     geo,
		src:     src,
		ag:      ag,
		opts:    opts,
		pending: btree.New(8),
		queued:  roaring.New(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.lock)
	p.ctx, p.cancel = context.WithCancel(ctx)

	if clusterBytes := int64(geo.ClusterBlocks()) * geo.BlockSize(); clusterBytes > 0 {
		if max := int(opts.LimiterBytes / clusterBytes); p.opts.Batch > max {
			p.opts.Batch = max
		}
	}
	if p.opts.Batch < 1 {
		p.opts.Batch = 1
	}

	g, gctx := errgroup.WithContext(p.ctx)

	g.Go(func() error {
		return p.queueInodes(gctx)
	})

	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			return p.io(gctx)
		})
	}

	go func() {
		_ = g.Wait()
		p.drain()
		p.markReady()
		close(p.done)
	}()

	return p

}

// Ready is closed once enough has been queued for the consumer to start.
func (p *Pipeline) Ready() <-chan struct{} {
	return p.ready
}

// Done is closed when both stages have finished.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Stop abandons whatever is still queued and waits for the stages to exit.
func (p *Pipeline) Stop() {
	p.lock.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.lock.Unlock()
	p.cancel()
	<-p.done
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Queued: atomic.LoadUint64(&p.stats.Queued),
		Reads:  atomic.LoadUint64(&p.stats.Reads),
		Blocks: atomic.LoadUint64(&p.stats.Blocks),
		Errors: atomic.LoadUint64(&p.stats.Errors),
	}
}

func (p *Pipeline) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *Pipeline) weight(count uint32) int64 {
	w := int64(count) * p.geo.BlockSize()
	if w > p.opts.LimiterBytes {
		w = p.opts.LimiterBytes
	}
	return w
}

// queueInodes walks the chunks of the AG and queues every cluster that
// holds a wanted inode.
func (p *Pipeline) queueInodes(ctx context.Context) error {

	defer func() {
		p.lock.Lock()
		p.queuingDone = true
		p.cond.Broadcast()
		p.lock.Unlock()
		p.markReady()
	}()

	cb := int(p.geo.ClusterBlocks())
	per := cb << p.geo.InopbLog

	for _, c := range p.ag.Chunks() {
		for first := 0; first < xfs.InodesPerChunk; first += per {

			if err := ctx.Err(); err != nil {
				return err
			}

			wanted := false
			for i := first; i < first+per && i < xfs.InodesPerChunk; i++ {
				if p.opts.Want(c, i) {
					wanted = true
					break
				}
			}
			if !wanted {
				continue
			}

			r := &request{
				prio:  prioInode,
				fsbno: p.geo.InoToFsb(c.Ino(first)),
				count: uint32(cb),
				chunk: c,
				slot:  first,
			}
			r.weight = p.weight(r.count)

			if !p.opts.Limiter.TryAcquire(r.weight) {
				p.lock.Lock()
				p.starved = true
				p.cond.Broadcast()
				p.lock.Unlock()
				err := p.opts.Limiter.Acquire(ctx, r.weight)
				p.lock.Lock()
				p.starved = false
				p.lock.Unlock()
				if err != nil {
					return err
				}
			}

			if !p.queue(r) {
				p.opts.Limiter.Release(r.weight)
				continue
			}

			p.lock.Lock()
			p.clusters++
			if p.clusters >= p.opts.ReadyAfter {
				p.markReady()
			}
			p.lock.Unlock()

		}
	}

	return nil

}

// queue adds a request unless its first block is already queued.
func (p *Pipeline) queue(r *request) bool {

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.stopped {
		return false
	}

	agbno := p.geo.FsbToAgbno(r.fsbno)
	if p.queued.Contains(agbno) {
		return false
	}
	p.queued.AddRange(uint64(agbno), uint64(agbno)+uint64(r.count))

	p.pending.ReplaceOrInsert(r)
	atomic.AddUint64(&p.stats.Queued, 1)
	p.cond.Broadcast()

	return true

}

// next waits for a batch worth of work and takes it, coalescing requests
// that are close enough to share one read.
func (p *Pipeline) next() []*request {

	p.lock.Lock()
	defer p.lock.Unlock()

	for {

		if p.stopped {
			return nil
		}

		n := p.pending.Len()
		if n >= p.opts.Batch || n > 0 && (p.queuingDone || p.starved) {
			p.inflight++
			return p.take()
		}

		if p.queuingDone && p.inflight == 0 {
			p.cond.Broadcast()
			return nil
		}

		p.cond.Wait()

	}

}

func (p *Pipeline) take() []*request {

	first := p.pending.DeleteMin().(*request)
	reqs := []*request{first}
	end := first.fsbno + uint64(first.count)
	agno := p.geo.FsbToAG(first.fsbno)

	for p.pending.Len() > 0 {

		r := p.pending.Min().(*request)
		rend := r.fsbno + uint64(r.count)

		if r.prio != first.prio || p.geo.FsbToAG(r.fsbno) != agno || r.fsbno < first.fsbno {
			break
		}
		if r.fsbno > end && r.fsbno-end > uint64(p.opts.Gap) {
			break
		}
		if rend-first.fsbno > uint64(p.opts.MaxTransfer) {
			break
		}

		p.pending.DeleteMin()
		reqs = append(reqs, r)
		if rend > end {
			end = rend
		}

	}

	return reqs

}

func (p *Pipeline) io(ctx context.Context) error {

	for {

		reqs := p.next()
		if reqs == nil {
			return nil
		}

		p.read(reqs)

		p.lock.Lock()
		p.inflight--
		p.cond.Broadcast()
		p.lock.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}

	}

}

func (p *Pipeline) read(reqs []*request) {

	defer func() {
		for _, r := range reqs {
			p.opts.Limiter.Release(r.weight)
		}
	}()

	start := reqs[0].fsbno
	var end uint64
	for _, r := range reqs {
		if e := r.fsbno + uint64(r.count); e > end {
			end = e
		}
	}

	if a, ok := p.src.(Advisor); ok {
		a.Readahead(start, uint32(end-start))
	}

	data, err := p.src.ReadBlocks(start, uint32(end-start))
	atomic.AddUint64(&p.stats.Reads, 1)
	if err != nil {
		atomic.AddUint64(&p.stats.Errors, 1)
		return
	}
	atomic.AddUint64(&p.stats.Blocks, end-start)

	if p.opts.Follow == nil {
		return
	}

	bs := p.geo.BlockSize()
	for _, r := range reqs {
		if r.prio != prioInode {
			continue
		}
		off := int64(r.fsbno-start) * bs
		p.follow(r, data[off:off+int64(r.count)*bs])
	}

}

// follow decodes a cluster and queues the mapped blocks of the inodes
// Follow selects. These requests never wait for the limiter.
func (p *Pipeline) follow(r *request, b []byte) {

	inodes, _ := xfs.DecodeCluster(p.geo, r.chunk.Ino(r.slot), b)

	for j, ip := range inodes {

		slot := r.slot + j
		if slot >= xfs.InodesPerChunk || !p.opts.Want(r.chunk, slot) || !p.opts.Follow(ip) {
			continue
		}

		m, err := xfs.ReadBlockMap(p.geo, p.src, ip)
		if err != nil || !ip.IsDir() {
			continue
		}

		for _, e := range m.Extents {
			for _, piece := range xfs.SplitExtent(e.Offset, e.Block, uint64(e.Length)) {
				p.queueMeta(piece.Block, piece.Length)
			}
		}

	}

}

func (p *Pipeline) queueMeta(fsbno uint64, length uint32) {

	if p.geo.FsbToAG(fsbno) != p.ag.AGNo || !p.geo.ValidFsbRange(fsbno, length) {
		return
	}

	for length > 0 {

		n := length
		if n > p.opts.MaxTransfer {
			n = p.opts.MaxTransfer
		}

		r := &request{prio: prioMeta, fsbno: fsbno, count: n}
		r.weight = p.weight(n)

		if !p.opts.Limiter.TryAcquire(r.weight) {
			return
		}
		if !p.queue(r) {
			p.opts.Limiter.Release(r.weight)
		}

		fsbno += uint64(n)
		length -= n

	}

}

// drain releases the limiter weight of requests that were never read.
func (p *Pipeline) drain() {

	p.lock.Lock()
	defer p.lock.Unlock()

	for p.pending.Len() > 0 {
		r := p.pending.DeleteMin().(*request)
		p.opts.Limiter.Release(r.weight)
	}

}
