package repair

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/vorteil/xfsrepair/pkg/blockstate"
	"github.com/vorteil/xfsrepair/pkg/dupext"
	"github.com/vorteil/xfsrepair/pkg/elog"
	"github.com/vorteil/xfsrepair/pkg/incore"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// findDuplicates turns multiply claimed blocks into duplicate extents,
// rebuilds every claim from scratch and clears each inode that maps any
// duplicated block.
func (s *Session) findDuplicates(ctx context.Context, log elog.Logger) error {

	err := s.runAGs(ctx, "duplicate extents", nil, func(ctx context.Context, agno uint32) error {
		return s.collectDuplicates(s.blocks.AG(agno).Map, s.dups[agno])
	})
	if err != nil {
		return err
	}

	if rt := s.blocks.Realtime(); rt != nil {
		err = s.collectDuplicates(rt, s.rtdups)
		if err != nil {
			return err
		}
	}

	n := atomic.LoadUint64(&s.stats.DuplicateExtents)
	if n == 0 {
		log.Infof("no duplicate blocks found")
		return nil
	}

	log.Warnf("found %d duplicate extents covering %d blocks", n, atomic.LoadUint64(&s.stats.DuplicateBlocks))
	if log.IsLogLevelEnabled(elog.DebugLevel) {
		s.logDuplicates(log)
	}

	if rt := s.blocks.Realtime(); rt != nil {
		rt.Clear()
	}

	err = s.pool.Run(func(ctx context.Context, agno uint32) error {
		s.blocks.AG(agno).Reset()
		return nil
	}, s.geo.AGCount)
	if err != nil {
		return err
	}

	spec := &scanSpec{
		want: func(c *incore.Chunk, i int) bool {
			return c.Live(i)
		},
		follow: func(ip *xfs.Inode) bool {
			return ip.Core.Format == xfs.InodeFormatBTree
		},
	}

	return s.runAGs(ctx, "revalidating inodes", spec, func(ctx context.Context, agno uint32) error {
		return s.recheckAG(ctx, s.agLog(log, agno), agno)
	})

}

func (s *Session) collectDuplicates(m *blockstate.Map, set *dupext.Set) error {
	return m.Runs(blockstate.Multiple, xfs.MaxExtentLength, func(start, length uint64) error {
		err := set.Add(start, length)
		if err != nil {
			return err
		}
		atomic.AddUint64(&s.stats.DuplicateExtents, 1)
		atomic.AddUint64(&s.stats.DuplicateBlocks, length)
		return nil
	})
}

func (s *Session) logDuplicates(log elog.Logger) {

	dump := func(name string, set *dupext.Set) {
		extents, err := set.Extents()
		if err != nil {
			return
		}
		for _, e := range extents {
			log.Debugf("%s: duplicate extent %v", name, &e)
		}
	}

	for agno, set := range s.dups {
		dump(fmt.Sprintf("ag%d", agno), set)
	}
	dump("realtime", s.rtdups)

}

// recheckAG re-marks the inode chunks of an AG and re-claims the blocks of
// every surviving inode. Inodes that touch a duplicate extent are cleared.
func (s *Session) recheckAG(ctx context.Context, log elog.Logger, agno uint32) error {

	bag := s.blocks.AG(agno)
	iag := s.inodes.AG(agno)

	for _, c := range iag.Chunks() {
		bag.SetRange(uint64(s.geo.AginoToAgbno(c.StartIno)), uint64(s.geo.ChunkBlocks()), blockstate.Inode)
	}

	var err error
	iag.Each(func(c *incore.Chunk, slot int) bool {

		if err = ctx.Err(); err != nil {
			return false
		}

		ino := c.Ino(slot)

		ip, rerr := xfs.ReadInode(s.geo, s.mnt, ino)
		if rerr != nil {
			s.ioError(log, rerr)
			return true
		}

		m, rerr := xfs.ReadBlockMap(s.geo, s.mnt, ip)
		if rerr != nil {
			s.ioError(log, errors.Wrapf(rerr, "inode %d", ino))
			return true
		}

		dup, rerr := s.touchesDuplicate(ip, m)
		if rerr != nil {
			err = rerr
			return false
		}

		if dup {
			s.clearInode(log, c, slot, ip, "maps blocks claimed by another owner")
			return true
		}

		s.claim(log, ip, m)
		return true

	})

	return err

}

func (s *Session) touchesDuplicate(ip *xfs.Inode, m *xfs.BlockMap) (bool, error) {

	for _, b := range m.BTreeBlocks {
		dup, err := s.dups[s.geo.FsbToAG(b)].Overlaps(uint64(s.geo.FsbToAgbno(b)), 1)
		if err != nil || dup {
			return dup, err
		}
	}

	for _, e := range m.Extents {

		set := s.rtdups
		start := e.Block
		if !ip.IsRealtime() {
			set = s.dups[s.geo.FsbToAG(e.Block)]
			start = uint64(s.geo.FsbToAgbno(e.Block))
		}

		dup, err := set.Overlaps(start, uint64(e.Length))
		if err != nil || dup {
			return dup, err
		}

	}

	return false, nil

}
