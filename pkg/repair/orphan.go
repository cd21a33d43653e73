package repair

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/vorteil/xfsrepair/pkg/elog"
	"github.com/vorteil/xfsrepair/pkg/incore"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// OrphanageName is the directory under the root that collects inodes no
// directory reaches.
const OrphanageName = "lost+found"

type orphan struct {
	chunk *incore.Chunk
	slot  int
}

// reattachOrphans links every live inode that nothing reached into the
// orphanage under its inode number.
func (s *Session) reattachOrphans(log elog.Logger) error {

	var orphans []orphan
	collect := func() {
		orphans = orphans[:0]
		for agno := uint32(0); agno < s.geo.AGCount; agno++ {
			s.inodes.AG(agno).Each(func(c *incore.Chunk, i int) bool {
				if !c.IsReached(i) {
					orphans = append(orphans, orphan{chunk: c, slot: i})
				}
				return true
			})
		}
	}

	collect()
	if len(orphans) == 0 {
		return nil
	}

	orph, err := s.ensureOrphanage(log)
	if err != nil {
		return err
	}

	// a bad lost+found entry may have left its target unreached
	collect()

	for _, o := range orphans {

		ino := o.chunk.Ino(o.slot)
		if ino == orph.ino {
			continue
		}

		name := orphanName(orph, ino)
		s.announce(log, "moving", "would move", "disconnected inode %d to %s/%s", ino, OrphanageName, name)

		orph.link(name, ino)
		o.chunk.MarkReached(o.slot)
		o.chunk.AddRef(o.slot)

		if o.chunk.IsDir(o.slot) {
			o.chunk.SetParent(o.slot, orph.ino)
			orph.chunk.AddRef(orph.slot)
		}

		atomic.AddUint64(&s.stats.Orphans, 1)

	}

	return nil

}

func orphanName(orph *dirPlan, ino uint64) string {
	base := strconv.FormatUint(ino, 10)
	name := base
	for k := 1; orph.hasName(name); k++ {
		name = fmt.Sprintf("%s.%d", base, k)
	}
	return name
}

// ensureOrphanage finds lost+found in the root directory or creates it.
func (s *Session) ensureOrphanage(log elog.Logger) (*dirPlan, error) {

	s.lock.Lock()
	orph := s.orphanage
	s.lock.Unlock()
	if orph != nil {
		return orph, nil
	}

	root := s.geo.RootIno
	rp := s.planIndex[root]
	if rp == nil {
		return nil, classErrorf(ClassIrreparable, "root directory %d could not be checked", root)
	}

	for _, e := range rp.entries {

		if e.Name != OrphanageName {
			continue
		}

		c, i := s.inodes.Lookup(e.Inode)
		if c != nil && c.Live(i) && c.IsDir(i) {
			if op := s.planIndex[e.Inode]; op != nil {
				s.setOrphanage(op)
				return op, nil
			}
		}

		s.announce(log, "removing", "would remove", "entry %q in directory %d: not a usable orphanage", e.Name, root)
		rp.unlinkName(e.Name)
		atomic.AddUint64(&s.stats.EntriesRemoved, 1)

		if c != nil {
			c.DropRef(i)
			if c.Refs(i) == 0 {
				c.ClearReached(i)
			}
			if c.IsDir(i) {
				rc, ri := s.inodes.Lookup(root)
				rc.DropRef(ri)
				c.ClearReached(i)
				c.SetParent(i, xfs.NullIno)
			}
		}

		break

	}

	agno := s.geo.InoToAG(root)
	c, slot, err := s.allocInode(agno)
	if err != nil {
		return nil, err
	}

	ino := c.Ino(slot)
	s.announce(log, "creating", "would create", "%s directory %d", OrphanageName, ino)

	c.ResetRefs(slot)
	c.SetFree(slot, false)
	c.SetConfirmed(slot, true)
	c.SetDir(slot, true)
	c.SetLinks(slot, 0)
	c.MarkReached(slot)
	c.SetParent(slot, root)

	// "." and the entry in the root
	c.AddRef(slot)
	c.AddRef(slot)

	rc, ri := s.inodes.Lookup(root)
	rc.AddRef(ri)
	rp.link(OrphanageName, ino)

	op := &dirPlan{
		ino:     ino,
		chunk:   c,
		slot:    slot,
		ip:      xfs.NewInode(s.geo, ino, xfs.ModeDirectory|0755),
		bmap:    &xfs.BlockMap{},
		format:  xfs.DirShortForm,
		parent:  root,
		created: true,
	}

	s.plans[agno] = append(s.plans[agno], op)
	s.planIndex[ino] = op
	s.setOrphanage(op)

	return op, nil

}

func (s *Session) setOrphanage(op *dirPlan) {
	s.lock.Lock()
	s.orphanage = op
	s.lock.Unlock()
}

func (s *Session) isOrphanage(ino uint64) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.orphanage != nil && s.orphanage.ino == ino
}
