package repair

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/vorteil/xfsrepair/pkg/elog"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// writeBack rewrites or patches every directory of an AG whose plan
// differs from what is on disk.
func (s *Session) writeBack(ctx context.Context, log elog.Logger, agno uint32) error {

	root := s.geo.RootIno

	for _, p := range s.plans[agno] {

		if err := ctx.Err(); err != nil {
			return err
		}

		parent := p.chunk.Parent(p.slot)
		if p.ino == root {
			parent = root
		}
		if parent == xfs.NullIno {
			// unreached and not reattached
			parent = p.parent
			if parent == xfs.NullIno || !s.geo.ValidIno(parent) {
				parent = root
			}
		}

		var err error
		switch {
		case p.dirty():
			err = s.rewrite(log, p, parent)
		case parent != p.parent:
			err = s.patchParent(log, p, parent)
		}

		if err != nil {
			if c := ClassOf(err); c == ClassResource || c == ClassIrreparable {
				return err
			}
			s.ioError(log, err)
		}

	}

	return nil

}

func (s *Session) rewrite(log elog.Logger, p *dirPlan, parent uint64) error {

	switch {
	case p.created:
	case p.rebuild():
		reasons := p.corrupt
		if p.removed > 0 {
			reasons = append(reasons[:len(reasons):len(reasons)], "entries removed")
		}
		s.announce(log, "rebuilding", "would rebuild", "directory %d: %s", p.ino, strings.Join(reasons, "; "))
		atomic.AddUint64(&s.stats.DirsRebuilt, 1)
	case p.missingDot:
		s.announce(log, "adding", "would add", "missing \".\" entry to directory %d", p.ino)
		atomic.AddUint64(&s.stats.DotsFixed, 1)
	default:
		log.Debugf("rewriting directory %d with %d new entries", p.ino, p.added)
	}

	if !p.created && parent != p.parent {
		s.announce(log, "setting", "would set", "\"..\" of directory %d to %d (was %d)", p.ino, parent, p.parent)
		atomic.AddUint64(&s.stats.ParentsFixed, 1)
	}

	return s.writeDirectory(p, parent)

}

// writeDirectory lays the plan out afresh and writes it to newly allocated
// blocks. The format never drops below the one found on disk.
func (s *Session) writeDirectory(p *dirPlan, parent uint64) error {

	geo := s.geo

	floor := p.format
	if p.created {
		floor = xfs.DirShortForm
	}

	ip := p.ip
	layout, err := xfs.BuildDirectory(geo, geo.ForkSize(ip.Core.ForkOff), p.ino, parent, p.entries, floor)
	if err != nil {
		return withClass(errors.Wrapf(err, "directory %d", p.ino), ClassResource)
	}

	s.release(ip, p.bmap)

	var extents []xfs.Extent
	var fsbnos []uint64
	if layout.Format != xfs.DirShortForm {
		extents, fsbnos, err = s.allocDirBlocks(p, layout)
		if err != nil {
			return err
		}
	}

	ip.Core.Size = layout.Size
	if layout.Format == xfs.DirShortForm {
		ip.Core.Format = xfs.InodeFormatLocal
		ip.Core.NExtents = 0
		ip.Core.NBlocks = 0
		ip.Fork = layout.Local
	} else {
		err = ip.SetExtents(geo, extents)
		if err != nil {
			return withClass(err, ClassResource)
		}
		ip.Core.NBlocks = uint64(layout.Fsbs(geo))
	}

	if p.created || s.isOrphanage(p.ino) {
		refs := p.chunk.Refs(p.slot)
		ip.SetLinks(refs)
		p.chunk.SetLinks(p.slot, refs)
	}

	err = s.apply(func(tx xfs.Transaction) error {
		for i, blk := range layout.Blocks {
			buf := tx.GetBuf(fsbnos[i], geo.DirBlockFsbs())
			copy(buf.Data, blk.Data)
			tx.LogBuf(buf)
		}
		return xfs.WriteInode(geo, tx, ip)
	})
	if err != nil {
		return errors.Wrapf(err, "writing directory %d", p.ino)
	}

	p.bmap = &xfs.BlockMap{Extents: extents}
	p.format = layout.Format
	p.parent = parent

	return nil

}

// allocDirBlocks finds room for a directory layout in the directory's own
// AG, close to where its blocks used to be.
func (s *Session) allocDirBlocks(p *dirPlan, layout *xfs.DirLayout) ([]xfs.Extent, []uint64, error) {

	geo := s.geo
	agno := geo.InoToAG(p.ino)
	bag := s.blocks.AG(agno)
	per := geo.DirBlockFsbs()

	hint := geo.AginoToAgbno(geo.InoToAgino(p.ino))
	if len(p.bmap.Extents) > 0 && geo.FsbToAG(p.bmap.Extents[0].Block) == agno {
		hint = geo.FsbToAgbno(p.bmap.Extents[0].Block)
	}

	fsbnos := make([]uint64, len(layout.Blocks))

	if start, ok := bag.Alloc(layout.Fsbs(geo), hint); ok {
		for i := range layout.Blocks {
			fsbnos[i] = geo.Fsb(agno, start+uint32(i)*per)
		}
	} else {
		for i := range layout.Blocks {
			start, ok := bag.Alloc(per, hint)
			if !ok {
				return nil, nil, classErrorf(ClassResource, "ag %d: no space left for directory %d", agno, p.ino)
			}
			fsbnos[i] = geo.Fsb(agno, start)
			hint = start + per
		}
	}

	var extents []xfs.Extent
	for i, blk := range layout.Blocks {
		n := len(extents)
		if n > 0 && extents[n-1].End() == blk.DA && extents[n-1].Block+uint64(extents[n-1].Length) == fsbnos[i] {
			extents[n-1].Length += per
			continue
		}
		extents = append(extents, xfs.Extent{Offset: blk.DA, Block: fsbnos[i], Length: per})
	}

	return extents, fsbnos, nil

}

// patchParent rewrites just the ".." entry of a directory whose contents
// are otherwise sound.
func (s *Session) patchParent(log elog.Logger, p *dirPlan, parent uint64) error {

	s.announce(log, "setting", "would set", "\"..\" of directory %d to %d (was %d)", p.ino, parent, p.parent)
	atomic.AddUint64(&s.stats.ParentsFixed, 1)

	if p.format == xfs.DirShortForm || p.dotdot == nil {
		return s.writeDirectory(p, parent)
	}

	geo := s.geo
	da := uint64(p.dotdot.db)*uint64(geo.DirBlockFsbs()) + uint64(p.dotdot.off)>>geo.BlockLog
	fsbno, ok := p.bmap.Lookup(da)
	if !ok {
		return s.writeDirectory(p, parent)
	}

	off := p.dotdot.off & uint16(geo.BlockSize()-1)

	err := s.apply(func(tx xfs.Transaction) error {
		buf, err := tx.ReadBuf(fsbno, 1)
		if err != nil {
			return err
		}
		xfs.PatchDataEntryInode(buf.Data, off, parent)
		tx.LogBuf(buf)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "directory %d", p.ino)
	}

	p.parent = parent
	return nil

}
