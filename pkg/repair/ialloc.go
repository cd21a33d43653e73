package repair

import (
	"github.com/vorteil/xfsrepair/pkg/incore"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// markAllocated clears the free bit of an inode in the inode B-tree. The
// caller owns the AG.
func (s *Session) markAllocated(agno uint32, c *incore.Chunk, slot int) error {
	return s.setInodeFree(agno, c, slot, false)
}

// markFree sets the free bit of an inode in the inode B-tree. The caller
// owns the AG.
func (s *Session) markFree(agno uint32, c *incore.Chunk, slot int) error {
	return s.setInodeFree(agno, c, slot, true)
}

func (s *Session) setInodeFree(agno uint32, c *incore.Chunk, slot int, free bool) error {

	rec, ok := s.records[agno][c.StartIno]
	if !ok {
		return classErrorf(ClassCorrupt, "ag %d: no inode btree record for chunk %d", agno, c.StartIno)
	}

	bit := uint64(1) << uint(slot)
	if (rec.Free&bit != 0) == free {
		return nil
	}

	if s.opts.NoModify {
		if free {
			rec.Free |= bit
			rec.FreeCount++
		} else {
			rec.Free &^= bit
			if rec.FreeCount > 0 {
				rec.FreeCount--
			}
		}
	} else {
		err := s.apply(func(tx xfs.Transaction) error {
			if free {
				return xfs.MarkInodeFree(s.geo, tx, agno, rec, slot)
			}
			return xfs.MarkInodeAllocated(s.geo, tx, agno, rec, slot)
		})
		if err != nil {
			return err
		}
	}

	s.lock.Lock()
	switch {
	case free:
		s.sb.InodesFree++
	case s.sb.InodesFree > 0:
		s.sb.InodesFree--
	}
	s.sbDirty = true
	s.lock.Unlock()

	return nil

}

// allocInode finds an unused inode slot in an AG for a new directory and
// marks it allocated in the inode B-tree.
func (s *Session) allocInode(agno uint32) (*incore.Chunk, int, error) {

	for _, c := range s.inodes.AG(agno).Chunks() {

		if _, ok := s.records[agno][c.StartIno]; !ok {
			continue
		}

		for slot := 0; slot < xfs.InodesPerChunk; slot++ {

			if !c.IsFree(slot) || c.IsReached(slot) || c.Refs(slot) > 0 {
				continue
			}

			err := s.markAllocated(agno, c, slot)
			if err != nil {
				return nil, 0, err
			}

			return c, slot, nil

		}

	}

	return nil, 0, classErrorf(ClassResource, "ag %d: no free inode for a new directory", agno)

}
