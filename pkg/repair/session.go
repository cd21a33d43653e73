// Package repair checks and repairs an unmounted XFS filesystem in a fixed
// sequence of passes, each separated from the next by a full barrier.
package repair

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/circbuf"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vorteil/xfsrepair/pkg/agpool"
	"github.com/vorteil/xfsrepair/pkg/blockstate"
	"github.com/vorteil/xfsrepair/pkg/dupext"
	"github.com/vorteil/xfsrepair/pkg/elog"
	"github.com/vorteil/xfsrepair/pkg/incore"
	"github.com/vorteil/xfsrepair/pkg/prefetch"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

const (
	defaultCacheBytes = 64 << 20
	tailBytes         = 16 << 10
)

// Mount is the filesystem a session works on.
type Mount interface {
	xfs.BlockReader
	Geometry() *xfs.Geometry
	SuperBlock() *xfs.SuperBlock
	Begin() xfs.Transaction
}

// Pass identifies one step of a repair. The numbers follow the traditional
// xfs_repair phases; phase 2 has no pass of its own.
type Pass int

const (
	PassSuperBlock   Pass = 1
	PassScan         Pass = 3
	PassDuplicates   Pass = 4
	PassFreeSpace    Pass = 5
	PassConnectivity Pass = 6
	PassLinkCounts   Pass = 7
)

// Passes lists every pass in the order they must run. Free space is
// rebuilt last, once directory rewrites have stopped allocating blocks.
var Passes = []Pass{PassSuperBlock, PassScan, PassDuplicates, PassConnectivity, PassLinkCounts, PassFreeSpace}

func (p Pass) String() string {
	switch p {
	case PassSuperBlock:
		return "superblock"
	case PassScan:
		return "inode scan"
	case PassDuplicates:
		return "duplicate blocks"
	case PassFreeSpace:
		return "free space"
	case PassConnectivity:
		return "connectivity"
	case PassLinkCounts:
		return "link counts"
	default:
		return fmt.Sprintf("pass %d", int(p))
	}
}

// Options configure a session.
type Options struct {
	// NoModify reports every repair without writing anything.
	NoModify bool
	// Threads is the number of AG workers; zero means two per CPU.
	Threads int
	// AGStride chains AGs i, i+s, i+2s... into one unit of work so the
	// next AG of a chain is prefetched while the current one is checked.
	AGStride   uint32
	NoPrefetch bool
	CacheBytes int64
	Progress   Progress
}

// Stats count what a session found and did.
type Stats struct {
	InodesScanned    uint64 `yaml:"inodes_scanned"`
	InodesCleared    uint64 `yaml:"inodes_cleared"`
	InodeBTreeFixes  uint64 `yaml:"inode_btree_fixes"`
	DuplicateExtents uint64 `yaml:"duplicate_extents"`
	DuplicateBlocks  uint64 `yaml:"duplicate_blocks"`
	DirsChecked      uint64 `yaml:"directories_checked"`
	DirsRebuilt      uint64 `yaml:"directories_rebuilt"`
	DotsFixed        uint64 `yaml:"dot_entries_fixed"`
	EntriesRemoved   uint64 `yaml:"entries_removed"`
	ParentsFixed     uint64 `yaml:"parents_fixed"`
	CyclesBroken     uint64 `yaml:"cycles_broken"`
	Orphans          uint64 `yaml:"orphans"`
	LinksFixed       uint64 `yaml:"link_counts_fixed"`
	FreeSpaceRebuilt uint64 `yaml:"free_space_rebuilt"`
	CountersFixed    uint64 `yaml:"counters_fixed"`
	FreeClaimed      uint64 `yaml:"free_blocks_claimed"`
	IOErrors         uint64 `yaml:"io_errors"`
	PrefetchReads    uint64 `yaml:"prefetch_reads"`
}

func (st *Stats) load() Stats {
	return Stats{
		InodesScanned:    atomic.LoadUint64(&st.InodesScanned),
		InodesCleared:    atomic.LoadUint64(&st.InodesCleared),
		InodeBTreeFixes:  atomic.LoadUint64(&st.InodeBTreeFixes),
		DuplicateExtents: atomic.LoadUint64(&st.DuplicateExtents),
		DuplicateBlocks:  atomic.LoadUint64(&st.DuplicateBlocks),
		DirsChecked:      atomic.LoadUint64(&st.DirsChecked),
		DirsRebuilt:      atomic.LoadUint64(&st.DirsRebuilt),
		DotsFixed:        atomic.LoadUint64(&st.DotsFixed),
		EntriesRemoved:   atomic.LoadUint64(&st.EntriesRemoved),
		ParentsFixed:     atomic.LoadUint64(&st.ParentsFixed),
		CyclesBroken:     atomic.LoadUint64(&st.CyclesBroken),
		Orphans:          atomic.LoadUint64(&st.Orphans),
		LinksFixed:       atomic.LoadUint64(&st.LinksFixed),
		FreeSpaceRebuilt: atomic.LoadUint64(&st.FreeSpaceRebuilt),
		CountersFixed:    atomic.LoadUint64(&st.CountersFixed),
		FreeClaimed:      atomic.LoadUint64(&st.FreeClaimed),
		IOErrors:         atomic.LoadUint64(&st.IOErrors),
		PrefetchReads:    atomic.LoadUint64(&st.PrefetchReads),
	}
}

// Repairs is the number of changes made, or that would have been made.
func (st Stats) Repairs() uint64 {
	return st.InodesCleared + st.InodeBTreeFixes + st.DirsRebuilt + st.DotsFixed +
		st.EntriesRemoved + st.ParentsFixed + st.CyclesBroken + st.Orphans + st.LinksFixed +
		st.FreeSpaceRebuilt + st.CountersFixed
}

type agStats struct {
	chunks  uint64
	inodes  uint64
	dirs    uint64
	cleared uint64
}

type passTiming struct {
	pass    Pass
	elapsed time.Duration
	skipped bool
}

// Session holds everything one repair run knows about a filesystem.
type Session struct {
	log  elog.Logger
	mnt  Mount
	geo  *xfs.Geometry
	opts Options

	runID   string
	started time.Time

	blocks *blockstate.Registry
	inodes *incore.Registry
	dups   []*dupext.Set
	rtdups *dupext.Set

	pool      *agpool.Pool
	pfopts    prefetch.Options
	records   []map[uint32]*xfs.ChunkRecord
	summaries []*xfs.AGSummary
	agfree    []uint64
	agstats   []agStats
	stats     Stats
	timings   []passTiming
	lastPass  int

	// lock guards the superblock copy, the pending ".." updates and the
	// orphanage.
	lock      sync.Mutex
	sb        xfs.SuperBlock
	sbDirty   bool
	secondary []uint32
	pending   []parentUpdate
	orphanage *dirPlan

	plans     [][]*dirPlan
	planIndex map[uint64]*dirPlan
	meta      map[uint64]bool

	rootCreated bool

	irreparable int32
	scanIO      int32
	dirIO       int32

	tailLock sync.Mutex
	tail     *circbuf.Buffer
}

// New prepares a session. Nothing is read until the first pass runs.
func New(mnt Mount, log elog.Logger, opts Options) (*Session, error) {

	if log == nil {
		log = elog.Discard()
	}

	if opts.Threads <= 0 {
		opts.Threads = agpool.DefaultWorkers()
	}

	if opts.CacheBytes <= 0 {
		opts.CacheBytes = defaultCacheBytes
	}

	tail, err := circbuf.NewBuffer(tailBytes)
	if err != nil {
		return nil, errors.Wrap(err, "creating diagnostic buffer")
	}

	geo := mnt.Geometry()

	s := &Session{
		log:       log,
		mnt:       mnt,
		geo:       geo,
		opts:      opts,
		runID:     uuid.New().String(),
		started:   time.Now(),
		blocks:    blockstate.New(geo),
		inodes:    incore.New(geo),
		dups:      make([]*dupext.Set, geo.AGCount),
		rtdups:    dupext.NewSet(),
		pfopts:    prefetch.DefaultOptions(geo, opts.CacheBytes),
		records:   make([]map[uint32]*xfs.ChunkRecord, geo.AGCount),
		summaries: make([]*xfs.AGSummary, geo.AGCount),
		agfree:    make([]uint64, geo.AGCount),
		agstats:   make([]agStats, geo.AGCount),
		plans:     make([][]*dirPlan, geo.AGCount),
		lastPass:  -1,
		sb:        *mnt.SuperBlock(),
		tail:      tail,
	}

	for agno := range s.dups {
		s.dups[agno] = dupext.NewSet()
		s.records[agno] = make(map[uint32]*xfs.ChunkRecord)
	}

	return s, nil

}

// ID identifies the run in reports.
func (s *Session) ID() string {
	return s.runID
}

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	return s.stats.load()
}

// Irreparable reports whether damage was found that the session could not
// repair.
func (s *Session) Irreparable() bool {
	return atomic.LoadInt32(&s.irreparable) != 0
}

// Run executes every pass in order.
func (s *Session) Run(ctx context.Context) error {

	for _, pass := range Passes {
		err := s.RunPass(ctx, pass)
		if err != nil {
			return err
		}
	}

	return nil

}

// RunPass executes a single pass. Every earlier pass must already have run;
// only the link count pass may be repeated.
func (s *Session) RunPass(ctx context.Context, pass Pass) error {

	idx := -1
	for i, p := range Passes {
		if p == pass {
			idx = i
		}
	}

	if idx < 0 {
		return errors.Errorf("unknown pass %d", int(pass))
	}

	if idx > s.lastPass+1 {
		return errors.Errorf("%v cannot run before %v", pass, Passes[s.lastPass+1])
	}

	if idx <= s.lastPass && pass != PassLinkCounts {
		return errors.Errorf("%v has already run", pass)
	}

	err := ctx.Err()
	if err != nil {
		return err
	}

	log := s.log.Scoped(fmt.Sprintf("phase%d", int(pass)))
	start := time.Now()
	skipped := false

	s.pool = agpool.New(ctx, s.opts.Threads)
	defer func() {
		s.pool.Close()
		s.pool = nil
	}()

	switch pass {
	case PassSuperBlock:
		log.Infof("checking superblock")
		err = s.checkSuperBlock(ctx, log)
	case PassScan:
		log.Infof("scanning allocation groups and inodes")
		err = s.scan(ctx, log)
	case PassDuplicates:
		log.Infof("checking for duplicate blocks")
		err = s.findDuplicates(ctx, log)
	case PassConnectivity:
		if skipped = s.skipLaterPasses(log, pass); !skipped {
			log.Infof("checking directory connectivity")
			err = s.connect(ctx, log)
		}
	case PassLinkCounts:
		if skipped = s.skipLaterPasses(log, pass) || s.skipLinkCounts(log); !skipped {
			log.Infof("checking link counts")
			err = s.reconcileLinks(ctx, log)
		}
	case PassFreeSpace:
		if skipped = s.skipLaterPasses(log, pass); !skipped {
			log.Infof("checking free space")
			err = s.rebuildFreeSpace(ctx, log)
		}
	}

	if err == nil {
		err = s.flushSuperBlock(log)
	}

	if err != nil {
		return errors.Wrapf(err, "%v", pass)
	}

	if idx > s.lastPass {
		s.lastPass = idx
	}

	s.timings = append(s.timings, passTiming{pass: pass, elapsed: time.Since(start), skipped: skipped})
	return nil

}

func (s *Session) skipLaterPasses(log elog.Logger, pass Pass) bool {

	if s.Irreparable() {
		log.Warnf("skipping %v: the inode btree could not be read", pass)
		return true
	}

	if atomic.LoadInt32(&s.scanIO) != 0 {
		log.Warnf("skipping %v: inodes could not be read", pass)
		return true
	}

	return false

}

func (s *Session) skipLinkCounts(log elog.Logger) bool {
	if atomic.LoadInt32(&s.dirIO) != 0 {
		log.Warnf("skipping %v: directories could not be read", PassLinkCounts)
		return true
	}
	return false
}

// scanSpec selects what the prefetch pipeline reads for a pass.
type scanSpec struct {
	want   func(c *incore.Chunk, i int) bool
	follow func(ip *xfs.Inode) bool
}

func (s *Session) startPrefetch(ctx context.Context, agno uint32, spec *scanSpec) *prefetch.Pipeline {

	if spec == nil || s.opts.NoPrefetch {
		return nil
	}

	opts := s.pfopts
	opts.Want = spec.want
	opts.Follow = spec.follow

	return prefetch.Start(ctx, s.geo, s.mnt, s.inodes.AG(agno), opts)

}

func (s *Session) stopPrefetch(p *prefetch.Pipeline) {
	if p == nil {
		return
	}
	p.Stop()
	atomic.AddUint64(&s.stats.PrefetchReads, p.Stats().Reads)
}

// runAGs runs work for every AG on the pool and waits for all of it. AGs
// are grouped into stride chains; within a chain the next AG is prefetched
// while the current one is worked on.
func (s *Session) runAGs(ctx context.Context, name string, spec *scanSpec, work agpool.Work) error {

	agcount := s.geo.AGCount
	stride := s.opts.AGStride
	if stride == 0 || stride > agcount {
		stride = agcount
	}

	s.progressStart(name, int64(agcount))
	defer s.progressFinish()

	chain := func(ctx context.Context, first uint32) error {

		next := s.startPrefetch(ctx, first, spec)

		for agno := first; agno < agcount; agno += stride {

			cur := next
			next = nil
			if agno+stride < agcount {
				next = s.startPrefetch(ctx, agno+stride, spec)
			}

			if cur != nil {
				select {
				case <-cur.Ready():
				case <-ctx.Done():
				}
			}

			err := work(ctx, agno)
			s.stopPrefetch(cur)
			s.progressIncrement()

			if err != nil {
				s.stopPrefetch(next)
				return err
			}

		}

		return nil

	}

	for first := uint32(0); first < stride; first++ {
		s.pool.Queue(chain, first)
	}

	return s.pool.Wait()

}

func (s *Session) agLog(log elog.Logger, agno uint32) elog.Logger {
	return log.Scoped(fmt.Sprintf("ag%d", agno))
}

// announce reports a repair before it is made. In a dry run the message
// says what would have been done instead.
func (s *Session) announce(log elog.Logger, doing, would, format string, args ...interface{}) {
	verb := doing
	if s.opts.NoModify {
		verb = would
	}
	msg := verb + " " + fmt.Sprintf(format, args...)
	log.Warnf("%s", msg)
	s.note(msg)
}

func (s *Session) note(msg string) {
	s.tailLock.Lock()
	_, _ = s.tail.Write([]byte(msg + "\n"))
	s.tailLock.Unlock()
}

func (s *Session) ioError(log elog.Logger, err error) {
	atomic.AddUint64(&s.stats.IOErrors, 1)
	log.Errorf("%v", err)
	s.note(err.Error())
}

// apply runs fn in a transaction and commits it. Dry runs skip both.
func (s *Session) apply(fn func(tx xfs.Transaction) error) error {

	if s.opts.NoModify {
		return nil
	}

	tx := s.mnt.Begin()

	err := fn(tx)
	if err != nil {
		tx.Cancel()
		return err
	}

	return withClass(tx.Commit(), ClassIO)

}

func (s *Session) writeInode(ip *xfs.Inode) error {
	return s.apply(func(tx xfs.Transaction) error {
		return xfs.WriteInode(s.geo, tx, ip)
	})
}

func (s *Session) progressStart(name string, total int64) {
	if s.opts.Progress != nil {
		s.opts.Progress.Start(name, total)
	}
}

func (s *Session) progressIncrement() {
	if s.opts.Progress != nil {
		s.opts.Progress.Increment()
	}
}

func (s *Session) progressFinish() {
	if s.opts.Progress != nil {
		s.opts.Progress.Finish()
	}
}
