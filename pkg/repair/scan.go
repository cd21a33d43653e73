package repair

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/vorteil/xfsrepair/pkg/blockstate"
	"github.com/vorteil/xfsrepair/pkg/elog"
	"github.com/vorteil/xfsrepair/pkg/incore"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// scan walks the AG headers and B-trees of every AG, then decodes every
// allocated inode and claims the blocks it maps.
func (s *Session) scan(ctx context.Context, log elog.Logger) error {

	err := s.runAGs(ctx, "ag headers", nil, func(ctx context.Context, agno uint32) error {
		s.scanHeaders(s.agLog(log, agno), agno)
		return nil
	})
	if err != nil {
		return err
	}

	spec := &scanSpec{
		want: func(c *incore.Chunk, i int) bool {
			return !c.IsFree(i)
		},
		follow: func(ip *xfs.Inode) bool {
			return ip.InUse() && (ip.Core.Format == xfs.InodeFormatBTree || ip.IsDir())
		},
	}

	return s.runAGs(ctx, "inodes", spec, func(ctx context.Context, agno uint32) error {
		return s.scanInodes(ctx, s.agLog(log, agno), agno)
	})

}

func (s *Session) scanHeaders(log elog.Logger, agno uint32) {

	sum, err := xfs.ScanAG(s.geo, s.mnt, agno)
	if err != nil {
		if xfs.IsCorrupt(err) {
			log.Errorf("inode btree unusable: %v", err)
			s.note(err.Error())
			atomic.StoreInt32(&s.irreparable, 1)
			return
		}
		s.ioError(log, err)
		atomic.StoreInt32(&s.scanIO, 1)
		return
	}

	for _, w := range sum.Warnings {
		log.Warnf("%s", w)
		s.note(w)
	}

	s.summaries[agno] = sum

	bag := s.blocks.AG(agno)

	for _, e := range sum.Free {
		for bno := uint64(e.Start); bno < uint64(e.Start)+uint64(e.Length); bno++ {
			if bag.Get(bno) == blockstate.Unknown {
				bag.Set(bno, blockstate.Free)
			}
		}
	}

	for _, e := range sum.Metadata {
		bag.Reserve(e.Start, e.Length)
	}

	iag := s.inodes.AG(agno)
	for i := range sum.Chunks {

		rec := &sum.Chunks[i]

		c, err := iag.Add(rec.StartIno)
		if err != nil {
			log.Warnf("%v", err)
			continue
		}

		bag.SetRange(uint64(s.geo.AginoToAgbno(rec.StartIno)), uint64(s.geo.ChunkBlocks()), blockstate.Inode)

		for slot := 0; slot < xfs.InodesPerChunk; slot++ {
			if rec.Free&(1<<uint(slot)) == 0 {
				c.SetFree(slot, false)
			}
		}

		s.records[agno][rec.StartIno] = rec
		atomic.AddUint64(&s.agstats[agno].chunks, 1)

	}

}

func (s *Session) scanInodes(ctx context.Context, log elog.Logger, agno uint32) error {

	cb := s.geo.ClusterBlocks()
	per := int(cb) << s.geo.InopbLog

	for _, c := range s.inodes.AG(agno).Chunks() {

		for first := 0; first < xfs.InodesPerChunk; first += per {

			if err := ctx.Err(); err != nil {
				return err
			}

			b, err := s.mnt.ReadBlocks(s.geo.InoToFsb(c.Ino(first)), cb)
			if err != nil {
				s.ioError(log, errors.Wrapf(err, "reading inode cluster %d", c.Ino(first)))
				atomic.StoreInt32(&s.scanIO, 1)
				continue
			}

			inodes, err := xfs.DecodeCluster(s.geo, c.Ino(first), b)
			if err != nil {
				log.Warnf("inode cluster %d: %v", c.Ino(first), err)
			}

			for j, ip := range inodes {
				if first+j < xfs.InodesPerChunk {
					s.scanInode(log, agno, c, first+j, ip)
				}
			}

		}

	}

	return nil

}

func (s *Session) scanInode(log elog.Logger, agno uint32, c *incore.Chunk, slot int, ip *xfs.Inode) {

	if c.IsFree(slot) {
		if !ip.InUse() || ip.Check(s.geo) != nil {
			return
		}
		s.announce(log, "marking", "would mark", "in-use inode %d allocated in the inode btree", ip.Number)
		err := s.markAllocated(agno, c, slot)
		if err != nil {
			s.ioError(log, err)
			return
		}
		atomic.AddUint64(&s.stats.InodeBTreeFixes, 1)
		c.SetFree(slot, false)
	}

	atomic.AddUint64(&s.stats.InodesScanned, 1)

	if !ip.InUse() {
		s.announce(log, "marking", "would mark", "unused inode %d free in the inode btree", ip.Number)
		err := s.markFree(agno, c, slot)
		if err != nil {
			s.ioError(log, err)
		} else {
			atomic.AddUint64(&s.stats.InodeBTreeFixes, 1)
		}
		c.SetFree(slot, true)
		return
	}

	err := ip.Check(s.geo)
	if err != nil {
		s.clearInode(log, c, slot, ip, err.Error())
		return
	}

	m, err := xfs.ReadBlockMap(s.geo, s.mnt, ip)
	if err != nil {
		if !xfs.IsCorrupt(err) {
			s.ioError(log, err)
			atomic.StoreInt32(&s.scanIO, 1)
			return
		}
		s.clearInode(log, c, slot, ip, err.Error())
		return
	}

	if reason := s.checkMapping(ip, m); reason != "" {
		s.clearInode(log, c, slot, ip, reason)
		return
	}

	c.SetConfirmed(slot, true)
	c.SetDir(slot, ip.IsDir())
	c.SetLinks(slot, ip.Links())
	atomic.AddUint64(&s.agstats[agno].inodes, 1)

	if ip.IsDir() {
		atomic.AddUint64(&s.agstats[agno].dirs, 1)
		c.SetParent(slot, s.readParent(log, ip, m))
	}

	s.claim(log, ip, m)

}

// checkMapping rejects block maps that point outside the filesystem.
func (s *Session) checkMapping(ip *xfs.Inode, m *xfs.BlockMap) string {

	for _, e := range m.Extents {

		if ip.IsRealtime() {
			if e.Block+uint64(e.Length) > s.geo.RBlocks {
				return "realtime extent " + e.String() + " out of range"
			}
			continue
		}

		if !s.geo.ValidFsbRange(e.Block, e.Length) {
			return "extent " + e.String() + " out of range"
		}

	}

	if ip.IsDir() && ip.Core.Format != xfs.InodeFormatLocal && len(m.Extents) == 0 {
		return "directory without blocks"
	}

	return ""

}

// readParent returns the ".." recorded on disk for a directory, or
// xfs.NullIno when there is none.
func (s *Session) readParent(log elog.Logger, ip *xfs.Inode, m *xfs.BlockMap) uint64 {

	d, err := xfs.DecodeDirectory(s.geo, s.mnt, ip, m)
	if err != nil {
		log.Debugf("directory %d: %v", ip.Number, err)
		return xfs.NullIno
	}

	if sd, ok := d.(*xfs.ShortDir); ok {
		if sd.Err != nil && sd.Parent == 0 {
			return xfs.NullIno
		}
		return sd.Parent
	}

	for _, blk := range d.DataBlocks() {
		if blk.DB != 0 {
			continue
		}
		for _, e := range blk.Entries {
			if e.Name == ".." {
				return e.Inode
			}
		}
	}

	return xfs.NullIno

}

// claim marks every block an inode maps as in use. Blocks the free space
// B-trees list as free are reported; the free space pass rebuilds the
// trees around them.
func (s *Session) claim(log elog.Logger, ip *xfs.Inode, m *xfs.BlockMap) {

	var free uint64

	for _, b := range m.BTreeBlocks {
		c := s.blocks.AG(s.geo.FsbToAG(b)).ClaimRange(uint64(s.geo.FsbToAgbno(b)), 1, blockstate.InUse)
		free += c.Free
	}

	for _, e := range m.Extents {
		if ip.IsRealtime() {
			s.blocks.Realtime().SetRange(e.Block, uint64(e.Length), blockstate.InUse)
			continue
		}
		c := s.blocks.AG(s.geo.FsbToAG(e.Block)).ClaimRange(uint64(s.geo.FsbToAgbno(e.Block)), uint64(e.Length), blockstate.InUse)
		free += c.Free
	}

	if free > 0 {
		msg := fmt.Sprintf("inode %d maps %d blocks listed as free space", ip.Number, free)
		log.Warnf("%s", msg)
		s.note(msg)
		atomic.AddUint64(&s.stats.FreeClaimed, free)
	}

}

// release returns the blocks an inode maps to the unowned pool.
func (s *Session) release(ip *xfs.Inode, m *xfs.BlockMap) {

	for _, b := range m.BTreeBlocks {
		s.blocks.AG(s.geo.FsbToAG(b)).Set(uint64(s.geo.FsbToAgbno(b)), blockstate.Free)
	}

	for _, e := range m.Extents {
		if ip.IsRealtime() {
			s.blocks.Realtime().SetRange(e.Block, uint64(e.Length), blockstate.Free)
			continue
		}
		s.blocks.AG(s.geo.FsbToAG(e.Block)).SetRange(uint64(s.geo.FsbToAgbno(e.Block)), uint64(e.Length), blockstate.Free)
	}

}

// clearInode frees an inode on disk and forgets everything recorded about
// it.
func (s *Session) clearInode(log elog.Logger, c *incore.Chunk, slot int, ip *xfs.Inode, reason string) {

	s.announce(log, "clearing", "would clear", "inode %d: %s", ip.Number, reason)

	ip.Clear()
	err := s.writeInode(ip)
	if err != nil {
		s.ioError(log, errors.Wrapf(err, "clearing inode %d", ip.Number))
	}

	err = s.markFree(c.AGNo, c, slot)
	if err != nil {
		s.ioError(log, err)
	}

	c.Forget(slot)
	atomic.AddUint64(&s.stats.InodesCleared, 1)
	atomic.AddUint64(&s.agstats[c.AGNo].cleared, 1)

	if s.isQuotaInode(ip.Number) {
		s.forgetQuotaInode(log, ip.Number)
	}

}
