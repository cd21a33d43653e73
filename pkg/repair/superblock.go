package repair

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vorteil/xfsrepair/pkg/elog"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// checkSuperBlock validates the primary superblock, drops quota inode
// pointers that cannot be right and compares every secondary copy.
func (s *Session) checkSuperBlock(ctx context.Context, log elog.Logger) error {

	s.lock.Lock()
	defer s.lock.Unlock()

	err := s.sb.Validate()
	if err != nil {
		return withClass(err, ClassIrreparable)
	}

	root := s.sb.RootInode
	if !s.geo.ValidIno(root) {
		return classErrorf(ClassIrreparable, "root inode %d is out of range", root)
	}

	quotas := []struct {
		name string
		ino  *uint64
	}{
		{"user quota", &s.sb.UserQuotasInode},
		{"group quota", &s.sb.GroupQuotasInode},
	}

	for _, q := range quotas {
		ino := *q.ino
		if ino == 0 || xfs.IsNullIno(ino) {
			continue
		}
		if s.geo.ValidIno(ino) && ino != root && ino != s.sb.RealtimeBitmapInode && ino != s.sb.RealtimeSummaryInode {
			continue
		}
		s.announce(log, "clearing", "would clear", "invalid %s inode pointer %d", q.name, ino)
		*q.ino = xfs.NullIno
		s.sbDirty = true
	}

	for agno := uint32(1); agno < s.geo.AGCount; agno++ {

		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := s.mnt.ReadBlocks(s.geo.Fsb(agno, 0), 1)
		if err != nil {
			s.ioError(log, errors.Wrapf(err, "ag %d: reading secondary superblock", agno))
			continue
		}

		sec, err := xfs.DecodeSuperBlock(b)
		if err == nil && sameGeometry(&s.sb, sec) {
			continue
		}

		s.announce(log, "rewriting", "would rewrite", "secondary superblock in ag %d", agno)
		s.secondary = append(s.secondary, agno)

	}

	return nil

}

func sameGeometry(a, b *xfs.SuperBlock) bool {
	return a.MagicNumber == b.MagicNumber &&
		a.BlockSize == b.BlockSize &&
		a.DataBlocks == b.DataBlocks &&
		a.UUID == b.UUID &&
		a.AGBlocks == b.AGBlocks &&
		a.AGCount == b.AGCount &&
		a.VersionNum == b.VersionNum &&
		a.InodeSize == b.InodeSize &&
		a.RootInode == b.RootInode
}

// isQuotaInode reports whether ino is one of the quota inodes the
// superblock points at.
func (s *Session) isQuotaInode(ino uint64) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return ino == s.sb.UserQuotasInode || ino == s.sb.GroupQuotasInode
}

// metadataInodes lists the inodes owned by the filesystem rather than by
// the directory tree.
func (s *Session) metadataInodes() []uint64 {

	s.lock.Lock()
	defer s.lock.Unlock()

	var inos []uint64
	for _, ino := range []uint64{s.sb.RealtimeBitmapInode, s.sb.RealtimeSummaryInode, s.sb.UserQuotasInode, s.sb.GroupQuotasInode} {
		if s.geo.ValidIno(ino) && ino != s.sb.RootInode {
			inos = append(inos, ino)
		}
	}

	return inos

}

// forgetQuotaInode nulls the superblock pointer to a quota inode that has
// been cleared.
func (s *Session) forgetQuotaInode(log elog.Logger, ino uint64) {

	s.lock.Lock()
	defer s.lock.Unlock()

	for _, p := range []*uint64{&s.sb.UserQuotasInode, &s.sb.GroupQuotasInode} {
		if *p == ino {
			s.announce(log, "clearing", "would clear", "superblock pointer to quota inode %d", ino)
			*p = xfs.NullIno
			s.sbDirty = true
		}
	}

}

// flushSuperBlock writes the primary superblock if it changed and every
// secondary copy found damaged.
func (s *Session) flushSuperBlock(log elog.Logger) error {

	s.lock.Lock()
	defer s.lock.Unlock()

	var agnos []uint32
	if s.sbDirty {
		agnos = append(agnos, 0)
	}
	agnos = append(agnos, s.secondary...)

	if len(agnos) == 0 {
		return nil
	}

	err := s.apply(func(tx xfs.Transaction) error {
		for _, agno := range agnos {
			buf, err := tx.ReadBuf(s.geo.Fsb(agno, 0), 1)
			if err != nil {
				return err
			}
			err = xfs.EncodeSuperBlock(&s.sb, buf.Data)
			if err != nil {
				return err
			}
			tx.LogBuf(buf)
		}
		return nil
	})

	if err != nil {
		s.ioError(log, errors.Wrap(err, "writing superblock"))
	}

	s.sbDirty = false
	s.secondary = nil

	return nil

}
