package repair

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/vorteil/xfsrepair/pkg/elog"
	"github.com/vorteil/xfsrepair/pkg/incore"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// dirPlan is what phase 6 decided about one directory: the entries that
// survive, the ".." it should end up with and whether it has to be
// rewritten.
type dirPlan struct {
	ino   uint64
	chunk *incore.Chunk
	slot  int
	ip    *xfs.Inode
	bmap  *xfs.BlockMap

	format  xfs.DirFormat
	entries []xfs.Dentry
	names   map[string]bool

	// parent is ".." as found on disk and dotdot is where it lives in a
	// block-based directory.
	parent uint64
	dotdot *hashEntry

	corrupt    []string
	removed    int
	added      int
	missingDot bool
	created    bool
}

func (p *dirPlan) rebuild() bool {
	return len(p.corrupt) > 0 || p.removed > 0
}

func (p *dirPlan) dirty() bool {
	return p.rebuild() || p.added > 0 || p.missingDot || p.created
}

func (p *dirPlan) hasName(name string) bool {
	if p.names == nil {
		p.names = make(map[string]bool, len(p.entries))
		for _, e := range p.entries {
			p.names[e.Name] = true
		}
	}
	return p.names[name]
}

func (p *dirPlan) link(name string, ino uint64) {
	p.entries = append(p.entries, xfs.Dentry{Name: name, Inode: ino})
	if p.names != nil {
		p.names[name] = true
	}
	p.added++
}

// unlink removes the entry pointing at ino.
func (p *dirPlan) unlink(ino uint64) bool {
	return p.remove(func(e xfs.Dentry) bool { return e.Inode == ino })
}

func (p *dirPlan) unlinkName(name string) bool {
	return p.remove(func(e xfs.Dentry) bool { return e.Name == name })
}

func (p *dirPlan) remove(match func(e xfs.Dentry) bool) bool {
	for i, e := range p.entries {
		if match(e) {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			if p.names != nil {
				delete(p.names, e.Name)
			}
			p.removed++
			return true
		}
	}
	return false
}

type parentUpdate struct {
	child  uint64
	parent uint64
}

func (s *Session) queueParent(child, parent uint64) {
	s.lock.Lock()
	s.pending = append(s.pending, parentUpdate{child: child, parent: parent})
	s.lock.Unlock()
}

// connect walks every directory, drops entries that cannot stand, gives
// every reachable directory exactly one parent, breaks cycles, moves what
// is left unreached into the orphanage and writes the result back.
func (s *Session) connect(ctx context.Context, log elog.Logger) error {

	err := s.setupConnectivity(log)
	if err != nil {
		return err
	}

	spec := &scanSpec{
		want: func(c *incore.Chunk, i int) bool {
			return c.Live(i) && c.IsDir(i)
		},
		follow: func(ip *xfs.Inode) bool {
			return ip.IsDir()
		},
	}

	err = s.runAGs(ctx, "directories", spec, func(ctx context.Context, agno uint32) error {
		return s.traverseAG(ctx, s.agLog(log, agno), agno)
	})
	if err != nil {
		return err
	}

	s.drainParents()

	s.planIndex = make(map[uint64]*dirPlan)
	for _, plans := range s.plans {
		for _, p := range plans {
			s.planIndex[p.ino] = p
		}
	}

	s.breakCycles(log)

	if atomic.LoadInt32(&s.dirIO) != 0 {
		log.Warnf("skipping orphan reattachment: directories could not be read")
	} else {
		err = s.reattachOrphans(log)
		if err != nil {
			return err
		}
	}

	return s.runAGs(ctx, "directory writes", nil, func(ctx context.Context, agno uint32) error {
		return s.writeBack(ctx, s.agLog(log, agno), agno)
	})

}

// setupConnectivity makes sure there is a root directory to start from and
// resets every recorded parent that does not name a live directory.
func (s *Session) setupConnectivity(log elog.Logger) error {

	root := s.geo.RootIno

	s.meta = make(map[uint64]bool)
	for _, ino := range s.metadataInodes() {
		s.meta[ino] = true
	}

	c, slot := s.inodes.Lookup(root)
	if c == nil {
		return classErrorf(ClassIrreparable, "root inode %d is not in an inode chunk", root)
	}

	if !c.Live(slot) || !c.IsDir(slot) {
		err := s.recreateRoot(log, c, slot)
		if err != nil {
			return err
		}
		s.rootCreated = true
	}

	c.SetParent(slot, root)
	c.MarkReached(slot)
	c.AddRef(slot)

	for ino := range s.meta {
		mc, mi := s.inodes.Lookup(ino)
		if mc != nil && mc.Live(mi) {
			mc.MarkReached(mi)
			mc.AddRef(mi)
		}
	}

	for agno := uint32(0); agno < s.geo.AGCount; agno++ {
		s.inodes.AG(agno).Each(func(c *incore.Chunk, i int) bool {
			ino := c.Ino(i)
			if !c.IsDir(i) || ino == root {
				return true
			}
			parent := c.Parent(i)
			if parent == xfs.NullIno {
				return true
			}
			pc, pi := s.inodes.Lookup(parent)
			if parent == ino || pc == nil || !pc.Live(pi) || !pc.IsDir(pi) {
				c.SetParent(i, xfs.NullIno)
			}
			return true
		})
	}

	return nil

}

// recreateRoot replaces a missing or non-directory root inode with an
// empty directory. The new root is written with the other directories.
func (s *Session) recreateRoot(log elog.Logger, c *incore.Chunk, slot int) error {

	root := s.geo.RootIno
	agno := s.geo.InoToAG(root)
	s.announce(log, "recreating", "would recreate", "root directory %d", root)

	if c.Live(slot) {
		old, err := xfs.ReadInode(s.geo, s.mnt, root)
		if err == nil {
			var m *xfs.BlockMap
			m, err = xfs.ReadBlockMap(s.geo, s.mnt, old)
			if err == nil {
				s.release(old, m)
			}
		}
		if err != nil {
			log.Debugf("root inode %d: %v", root, err)
		}
	}

	err := s.markAllocated(agno, c, slot)
	if err != nil {
		return err
	}

	c.ResetRefs(slot)
	c.SetFree(slot, false)
	c.SetConfirmed(slot, true)
	c.SetDir(slot, true)

	s.plans[agno] = append(s.plans[agno], &dirPlan{
		ino:     root,
		chunk:   c,
		slot:    slot,
		ip:      xfs.NewInode(s.geo, root, xfs.ModeDirectory|0755),
		bmap:    &xfs.BlockMap{},
		format:  xfs.DirShortForm,
		parent:  root,
		created: true,
	})

	// "."
	c.AddRef(slot)
	atomic.AddUint64(&s.stats.DirsRebuilt, 1)

	return nil

}

func (s *Session) traverseAG(ctx context.Context, log elog.Logger, agno uint32) error {

	var err error
	s.inodes.AG(agno).Each(func(c *incore.Chunk, slot int) bool {

		if !c.IsDir(slot) || (s.rootCreated && c.Ino(slot) == s.geo.RootIno) {
			return true
		}

		if err = ctx.Err(); err != nil {
			return false
		}

		p, derr := s.checkDirectory(log, c, slot)
		if derr != nil {
			s.ioError(log, derr)
			atomic.StoreInt32(&s.dirIO, 1)
			return true
		}

		s.plans[agno] = append(s.plans[agno], p)
		return true

	})

	return err

}

// checkDirectory reads one directory, validates its structure and decides
// the fate of each entry.
func (s *Session) checkDirectory(log elog.Logger, c *incore.Chunk, slot int) (*dirPlan, error) {

	ino := c.Ino(slot)

	ip, err := xfs.ReadInode(s.geo, s.mnt, ino)
	if err != nil {
		return nil, err
	}

	m, err := xfs.ReadBlockMap(s.geo, s.mnt, ip)
	if err != nil {
		return nil, errors.Wrapf(err, "directory %d", ino)
	}

	d, err := xfs.DecodeDirectory(s.geo, s.mnt, ip, m)
	if err != nil {
		return nil, errors.Wrapf(err, "directory %d", ino)
	}

	atomic.AddUint64(&s.stats.DirsChecked, 1)

	p := &dirPlan{
		ino:    ino,
		chunk:  c,
		slot:   slot,
		ip:     ip,
		bmap:   m,
		format: d.Format(),
		parent: xfs.NullIno,
	}

	// "."
	c.AddRef(slot)

	h := newDirHash(s.geo)

	if sd, ok := d.(*xfs.ShortDir); ok {

		p.parent = sd.Parent
		p.corrupt = append(p.corrupt, checkShortDir(sd)...)

		for _, e := range sd.Entries {
			h.add(0, e)
			s.checkEntry(log, p, h, e)
		}

		return p, nil

	}

	dot := false
	for _, blk := range d.DataBlocks() {

		if blk.Err != nil {
			p.corrupt = append(p.corrupt, blk.Err.Error())
		}

		for _, e := range blk.Entries {

			he := h.add(blk.DB, e)

			switch {
			case e.Name == "." && blk.DB == 0 && !dot:
				dot = true
				if e.Inode != ino {
					p.corrupt = append(p.corrupt, fmt.Sprintf("\".\" points at %d", e.Inode))
				}
			case e.Name == ".." && blk.DB == 0 && p.dotdot == nil:
				p.dotdot = he
				p.parent = e.Inode
			default:
				s.checkEntry(log, p, h, e)
			}

		}

	}

	if !dot {
		p.missingDot = true
	}

	if p.dotdot == nil {
		p.corrupt = append(p.corrupt, "no \"..\" entry")
	}

	p.corrupt = append(p.corrupt, checkIndex(s.geo, d, h)...)

	return p, nil

}

// checkEntry keeps an entry or excises it. Keeping an entry counts a
// reference to its target and claims its name; a directory target is
// adopted by the first directory that reaches it.
func (s *Session) checkEntry(log elog.Logger, p *dirPlan, h *dirHash, e xfs.DataEntry) {

	reason := s.entryProblem(p, e, !h.taken(e.Name))
	if reason == "" {
		h.keep(e.Name)
		p.entries = append(p.entries, xfs.Dentry{Name: e.Name, Inode: e.Inode})
		return
	}

	s.announce(log, "removing", "would remove", "entry %q in directory %d: %s", e.Name, p.ino, reason)
	p.removed++
	atomic.AddUint64(&s.stats.EntriesRemoved, 1)

}

func (s *Session) entryProblem(p *dirPlan, e xfs.DataEntry, first bool) string {

	switch {
	case strings.HasPrefix(e.Name, "/"):
		return "junked entry"
	case !validName(e.Name):
		return "invalid name"
	case !first:
		return "duplicate name"
	case e.Inode == p.ino:
		return "points at the directory itself"
	case !s.geo.ValidIno(e.Inode):
		return "inode number out of range"
	case s.meta[e.Inode]:
		return fmt.Sprintf("points at metadata inode %d", e.Inode)
	}

	c, i := s.inodes.Lookup(e.Inode)
	if c == nil || !c.Live(i) {
		return fmt.Sprintf("points at free inode %d", e.Inode)
	}

	if !c.IsDir(i) {
		c.MarkReached(i)
		c.AddRef(i)
		return ""
	}

	parent := c.Parent(i)
	if parent != xfs.NullIno && parent != p.ino {
		return fmt.Sprintf("directory %d belongs to %d", e.Inode, parent)
	}

	if !c.MarkReached(i) {
		return fmt.Sprintf("directory %d is already linked", e.Inode)
	}

	if parent == xfs.NullIno {
		s.queueParent(e.Inode, p.ino)
	}

	c.AddRef(i)
	// the child's ".."
	p.chunk.AddRef(p.slot)

	return ""

}

// drainParents applies the parents chosen while the AGs were walked in
// parallel.
func (s *Session) drainParents() {

	s.lock.Lock()
	pending := s.pending
	s.pending = nil
	s.lock.Unlock()

	for _, u := range pending {
		c, i := s.inodes.Lookup(u.child)
		if c != nil {
			c.SetParent(i, u.parent)
		}
	}

}

// breakCycles follows the parent chain of every reached directory. A chain
// that loops without passing through the root is a cycle; it is cut by
// removing the entry that links the first directory found twice from its
// parent.
func (s *Session) breakCycles(log elog.Logger) {

	root := s.geo.RootIno
	connected := map[uint64]bool{root: true}

	for _, plans := range s.plans {
		for _, p := range plans {

			if connected[p.ino] || !p.chunk.IsReached(p.slot) {
				continue
			}

			var path []uint64
			onPath := make(map[uint64]bool)

			for x := p.ino; ; {

				if connected[x] {
					for _, y := range path {
						connected[y] = true
					}
					break
				}

				if onPath[x] {
					s.detach(log, x)
					break
				}

				c, i := s.inodes.Lookup(x)
				if c == nil || !c.IsReached(i) {
					break
				}

				onPath[x] = true
				path = append(path, x)

				x = c.Parent(i)
				if x == xfs.NullIno {
					break
				}

			}

		}
	}

}

func (s *Session) detach(log elog.Logger, ino uint64) {

	c, i := s.inodes.Lookup(ino)
	parent := c.Parent(i)

	s.announce(log, "disconnecting", "would disconnect", "directory %d from %d to break a cycle", ino, parent)

	if pp := s.planIndex[parent]; pp != nil {
		pp.unlink(ino)
		if pc, pi := s.inodes.Lookup(parent); pc != nil {
			pc.DropRef(pi)
		}
	}

	c.DropRef(i)
	c.ClearReached(i)
	c.SetParent(i, xfs.NullIno)

	atomic.AddUint64(&s.stats.CyclesBroken, 1)

}
