package repair

import (
	"context"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/vorteil/xfsrepair/pkg/blockstate"
	"github.com/vorteil/xfsrepair/pkg/elog"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// rebuildFreeSpace compares the free space B-trees of every AG with the
// blocks nothing owns once all other passes are done, and rebuilds the
// trees, free list and AGF of each AG where they disagree. The superblock
// counters are recomputed from the result.
func (s *Session) rebuildFreeSpace(ctx context.Context, log elog.Logger) error {

	err := s.runAGs(ctx, "free space", nil, func(ctx context.Context, agno uint32) error {
		return s.freeSpaceAG(s.agLog(log, agno), agno)
	})
	if err != nil {
		return err
	}

	s.checkCounters(log)
	return nil

}

func (s *Session) unowned(agno uint32) []xfs.AGExtent {
	var free []xfs.AGExtent
	_ = s.blocks.AG(agno).Unowned(func(start, length uint64) error {
		free = append(free, xfs.AGExtent{Start: uint32(start), Length: uint32(length)})
		return nil
	})
	return free
}

// freeSpaceDiffers explains why the free space recorded on disk does not
// match want, or returns "" when it does.
func (s *Session) freeSpaceDiffers(sum *xfs.AGSummary, want []xfs.AGExtent) string {

	if sum == nil || sum.AGF == nil {
		return "no usable AGF"
	}

	if sum.FreeSpaceDamaged {
		return "free space metadata is damaged"
	}

	if !sameExtents(sum.Free, want) {
		return "free extents do not match block usage"
	}

	if !sameExtents(sum.FreeByCount, xfs.SortByCount(want)) {
		return "by-count btree does not match by-block btree"
	}

	var total, longest uint32
	for _, e := range want {
		total += e.Length
		if e.Length > longest {
			longest = e.Length
		}
	}

	agf := sum.AGF
	if agf.FreeBlocks != total || agf.Longest != longest {
		return fmt.Sprintf("AGF counts %d free blocks with longest %d, found %d with longest %d", agf.FreeBlocks, agf.Longest, total, longest)
	}

	if s.geo.LazyCount && int(agf.BTreeBlocks) != len(sum.FreeSpaceBlocks)-2 {
		return fmt.Sprintf("AGF counts %d btree blocks, found %d", agf.BTreeBlocks, len(sum.FreeSpaceBlocks)-2)
	}

	return ""

}

func sameExtents(a, b []xfs.AGExtent) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Session) freeSpaceAG(log elog.Logger, agno uint32) error {

	sum := s.summaries[agno]
	want := s.unowned(agno)

	reason := s.freeSpaceDiffers(sum, want)
	if reason == "" {
		agf := sum.AGF
		s.agfree[agno] = uint64(agf.FreeBlocks) + uint64(agf.FLCount) + uint64(agf.BTreeBlocks)
		return nil
	}

	s.announce(log, "rebuilding", "would rebuild", "free space btrees of ag %d: %s", agno, reason)
	atomic.AddUint64(&s.stats.FreeSpaceRebuilt, 1)

	if sum != nil {
		s.releaseFreeSpaceBlocks(agno, sum)
		want = s.unowned(agno)
	}

	rest, taken, err := carveTreeBlocks(s.geo, agno, want)
	if err != nil {
		return err
	}

	nb := xfs.FreeSpaceTreeBlocks(s.geo, len(rest))
	fs, err := xfs.BuildFreeSpace(s.geo, agno, rest, taken[:nb], taken[nb:2*nb], taken[2*nb:])
	if err != nil {
		return withClass(err, ClassResource)
	}

	bag := s.blocks.AG(agno)
	for _, agbno := range taken {
		bag.Reserve(agbno, 1)
	}

	agf := fs.AGF
	s.agfree[agno] = uint64(agf.FreeBlocks) + uint64(agf.FLCount) + uint64(agf.BTreeBlocks)
	log.Debugf("%d free extents, %d free blocks, %d btree blocks, %d on the free list", len(rest), agf.FreeBlocks, 2*nb, agf.FLCount)

	err = s.apply(func(tx xfs.Transaction) error {
		return xfs.WriteFreeSpace(s.geo, tx, fs)
	})
	if err != nil {
		s.ioError(log, errors.Wrapf(err, "ag %d: writing free space btrees", agno))
	}

	return nil

}

// releaseFreeSpaceBlocks returns the old free space B-tree and free list
// blocks of an AG to the unowned pool. Blocks that something else also
// uses stay where they are.
func (s *Session) releaseFreeSpaceBlocks(agno uint32, sum *xfs.AGSummary) {

	bag := s.blocks.AG(agno)

	keep := make(map[uint32]bool)
	for _, agbno := range sum.InodeBTreeBlocks {
		keep[agbno] = true
	}

	if logAG, start, length, ok := s.geo.LogRange(); ok && logAG == agno {
		for agbno := start; agbno < start+length; agbno++ {
			keep[agbno] = true
		}
	}

	for _, list := range [][]uint32{sum.FreeSpaceBlocks, sum.FreeList} {
		for _, agbno := range list {
			if !keep[agbno] && bag.Get(uint64(agbno)) == blockstate.FSMeta {
				bag.Set(uint64(agbno), blockstate.Free)
			}
		}
	}

}

// carveTreeBlocks takes the blocks for both free space B-trees out of the
// free extents. They come from the start of the longest extent when that
// extent outlives the cut, which leaves the record count unchanged.
// Otherwise single blocks are taken from the lowest extents; consuming
// whole extents can shrink the trees, and the blocks that frees go to the
// free list. taken holds the by-block tree blocks, then the by-count tree
// blocks, then the free list.
func carveTreeBlocks(geo *xfs.Geometry, agno uint32, free []xfs.AGExtent) ([]xfs.AGExtent, []uint32, error) {

	need := 2 * xfs.FreeSpaceTreeBlocks(geo, len(free))
	rest := append([]xfs.AGExtent(nil), free...)

	longest := -1
	for i, e := range rest {
		if e.Length > need && (longest < 0 || e.Length > rest[longest].Length) {
			longest = i
		}
	}

	var taken []uint32

	if longest >= 0 {
		e := &rest[longest]
		for i := uint32(0); i < need; i++ {
			taken = append(taken, e.Start+i)
		}
		e.Start += need
		e.Length -= need
		return rest, taken, nil
	}

	for uint32(len(taken)) < need && len(rest) > 0 {
		e := &rest[0]
		taken = append(taken, e.Start)
		e.Start++
		e.Length--
		if e.Length == 0 {
			rest = rest[1:]
		}
	}

	if uint32(len(taken)) < need {
		return nil, nil, classErrorf(ClassResource, "ag %d: no room for free space btrees", agno)
	}

	spare := need - 2*xfs.FreeSpaceTreeBlocks(geo, len(rest))
	if spare > geo.FreeListSize() {
		return nil, nil, classErrorf(ClassResource, "ag %d: %d spare btree blocks overflow the free list", agno, spare)
	}

	return rest, taken, nil

}

// checkCounters recomputes the superblock inode and free block counters.
func (s *Session) checkCounters(log elog.Logger) {

	var icount, ifree, fdblocks uint64
	for agno := range s.records {
		for _, rec := range s.records[agno] {
			icount += xfs.InodesPerChunk
			ifree += uint64(bits.OnesCount64(rec.Free))
		}
		fdblocks += s.agfree[agno]
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	sb := &s.sb
	if sb.InodesAllocated == icount && sb.InodesFree == ifree && sb.DataFree == fdblocks {
		return
	}

	s.announce(log, "correcting", "would correct", "superblock counters to %d inodes, %d free, %d free blocks (were %d, %d, %d)",
		icount, ifree, fdblocks, sb.InodesAllocated, sb.InodesFree, sb.DataFree)
	atomic.AddUint64(&s.stats.CountersFixed, 1)

	sb.InodesAllocated = icount
	sb.InodesFree = ifree
	sb.DataFree = fdblocks
	s.sbDirty = true

}
