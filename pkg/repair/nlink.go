package repair

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/vorteil/xfsrepair/pkg/elog"
	"github.com/vorteil/xfsrepair/pkg/incore"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// reconcileLinks sets the link count of every live inode to the number of
// references counted in phase 6.
func (s *Session) reconcileLinks(ctx context.Context, log elog.Logger) error {
	return s.runAGs(ctx, "link counts", nil, func(ctx context.Context, agno uint32) error {
		return s.reconcileAG(ctx, s.agLog(log, agno), agno)
	})
}

func (s *Session) reconcileAG(ctx context.Context, log elog.Logger, agno uint32) error {

	var err error
	s.inodes.AG(agno).Each(func(c *incore.Chunk, slot int) bool {

		if err = ctx.Err(); err != nil {
			return false
		}

		ino := c.Ino(slot)
		if s.isOrphanage(ino) {
			return true
		}

		refs, links := c.Refs(slot), c.Links(slot)
		if refs == links {
			return true
		}

		s.announce(log, "correcting", "would correct", "link count of inode %d from %d to %d", ino, links, refs)

		lerr := s.setLinks(ino, refs)
		if lerr != nil {
			s.ioError(log, errors.Wrapf(lerr, "inode %d", ino))
			return true
		}

		c.SetLinks(slot, refs)
		atomic.AddUint64(&s.stats.LinksFixed, 1)
		return true

	})

	return err

}

func (s *Session) setLinks(ino uint64, n uint32) error {

	if s.opts.NoModify {
		return nil
	}

	ip, err := xfs.ReadInode(s.geo, s.mnt, ino)
	if err != nil {
		return err
	}

	ip.SetLinks(n)
	return s.writeInode(ip)

}
