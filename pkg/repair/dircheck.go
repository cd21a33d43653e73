package repair

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vorteil/xfsrepair/pkg/xfs"
)

func validName(name string) bool {
	if name == "" || len(name) > xfs.MaxNameLength || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}

// checkShortDir validates the parts of a short-form directory that are not
// entries: offsets must ascend past the space "." and ".." would occupy
// and the 8-byte inode count must match the inode numbers stored.
func checkShortDir(d *xfs.ShortDir) []string {

	var problems []string
	if d.Err != nil {
		problems = append(problems, d.Err.Error())
	}

	next := xfs.Dir2DataFirstOffset
	for _, e := range d.Entries {
		if int(e.Offset) < next {
			problems = append(problems, fmt.Sprintf("entry %q at offset %d overlaps the previous entry", e.Name, e.Offset))
			break
		}
		next = int(e.Offset) + xfs.DataEntrySize(len(e.Name))
	}

	i8 := 0
	if d.Parent > 0xFFFFFFFF {
		i8++
	}
	for _, e := range d.Entries {
		if e.Inode > 0xFFFFFFFF {
			i8++
		}
	}

	if i8 != d.I8Count {
		problems = append(problems, fmt.Sprintf("8-byte inode count %d, expected %d", d.I8Count, i8))
	}

	return problems

}

// checkIndex validates the hash index and free space summaries of a
// block-based directory against the data entries collected in h.
func checkIndex(geo *xfs.Geometry, d xfs.Dir, h *dirHash) []string {

	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	data := d.DataBlocks()

	switch d := d.(type) {

	case *xfs.BlockDir:
		if d.Err != nil {
			addf("%v", d.Err)
			break
		}
		problems = append(problems, checkLeafEntries(h, d.Leaf, d.Tail.Stale)...)
		problems = append(problems, checkBestFree(&d.Data)...)

	case *xfs.LeafDir:
		for _, blk := range data {
			problems = append(problems, checkBestFree(blk)...)
		}
		if d.Leaf.Err != nil {
			addf("%v", d.Leaf.Err)
			break
		}
		problems = append(problems, checkLeafEntries(h, d.Leaf.Entries, uint32(d.Leaf.Header.Stale))...)
		problems = append(problems, checkBests(data, d.Leaf.Bests)...)

	case *xfs.NodeDir:
		for _, blk := range data {
			problems = append(problems, checkBestFree(blk)...)
		}
		problems = append(problems, checkNodeDir(geo, d, h, data)...)

	}

	return problems

}

// checkLeafEntries matches leaf entries against data entries: every live
// leaf entry must point at a data entry whose name hashes to the leaf's
// hash, no data entry may be indexed twice or not at all, and the stale
// count must match the null entries present.
func checkLeafEntries(h *dirHash, entries []xfs.Dir2LeafEntry, stale uint32) []string {

	var problems []string
	var nstale uint32

	for i, le := range entries {

		if i > 0 && le.HashVal < entries[i-1].HashVal {
			problems = append(problems, "leaf entries out of hash order")
			break
		}

		if le.Address == xfs.Dir2NullDataPtr {
			nstale++
			continue
		}

		he, ok := h.lookup(le.Address)
		if !ok {
			problems = append(problems, fmt.Sprintf("leaf entry %#x points at no data entry", le.Address))
			continue
		}

		if he.hash != le.HashVal {
			problems = append(problems, fmt.Sprintf("leaf hash %#x does not match entry %q", le.HashVal, he.name))
		}

		if he.seen {
			problems = append(problems, fmt.Sprintf("entry %q indexed twice", he.name))
		}
		he.seen = true

	}

	if nstale != stale {
		problems = append(problems, fmt.Sprintf("stale count %d, found %d", stale, nstale))
	}

	if n := h.unseen(); n > 0 {
		problems = append(problems, fmt.Sprintf("%d entries missing from the index", n))
	}

	return problems

}

// checkBestFree compares the best free summary in a data block header with
// the unused regions actually found in the block.
func checkBestFree(blk *xfs.DataBlock) []string {

	if blk.Err != nil {
		return []string{blk.Err.Error()}
	}

	unused := append([]xfs.Dir2FreeEntry(nil), blk.Unused...)
	sort.SliceStable(unused, func(i, j int) bool {
		return unused[i].Length > unused[j].Length
	})

	for k := 0; k < xfs.Dir2DataFDCount; k++ {

		var want uint16
		if k < len(unused) {
			want = unused[k].Length
		}

		got := blk.BestFree[k]
		if got.Length != want {
			return []string{fmt.Sprintf("data block %d: best free %d is %d bytes, expected %d", blk.DB, k, got.Length, want)}
		}

		if want == 0 {
			continue
		}

		found := false
		for _, u := range unused {
			if u.Offset == got.Offset && u.Length == got.Length {
				found = true
				break
			}
		}
		if !found {
			return []string{fmt.Sprintf("data block %d: best free %d points at offset %d", blk.DB, k, got.Offset)}
		}

	}

	return nil

}

func bestOf(blk *xfs.DataBlock) uint16 {
	return blk.BestFree[0].Length
}

// checkBests compares a bests array indexed by data block number with the
// data blocks present.
func checkBests(data []*xfs.DataBlock, bests []uint16) []string {

	want := expectedBests(data)
	if len(want) != len(bests) {
		return []string{fmt.Sprintf("%d bests for %d data blocks", len(bests), len(want))}
	}

	for db, best := range bests {
		if best != want[db] {
			return []string{fmt.Sprintf("best free of data block %d is %d, expected %d", db, best, want[db])}
		}
	}

	return nil

}

func expectedBests(data []*xfs.DataBlock) []uint16 {

	var n uint32
	for _, blk := range data {
		if blk.DB+1 > n {
			n = blk.DB + 1
		}
	}

	want := make([]uint16, n)
	for i := range want {
		want[i] = xfs.Dir2NullBest
	}
	for _, blk := range data {
		if blk.Err == nil {
			want[blk.DB] = bestOf(blk)
		}
	}

	return want

}

// nodeWalk collects the leaves of a node directory in index order.
type nodeWalk struct {
	nodes    map[uint64]*xfs.NodeBlock
	leaves   map[uint64]*xfs.LeafBlock
	visited  map[uint64]bool
	order    []*xfs.LeafBlock
	problems []string
}

func (w *nodeWalk) addf(format string, args ...interface{}) {
	w.problems = append(w.problems, fmt.Sprintf(format, args...))
}

// descend checks one node block and everything below it. Entries of a
// node must ascend by hash and each must carry the last hash of the child
// it points at. Children of a level 1 node are leaves; anything higher
// points at nodes exactly one level down.
func (w *nodeWalk) descend(n *xfs.NodeBlock, want int) {

	level := int(n.Header.Level)
	if level < 1 || level > xfs.DAMaxDepth || (want > 0 && level != want) {
		w.addf("node block %d at level %d", n.DA, level)
		return
	}

	if len(n.Entries) == 0 {
		w.addf("node block %d is empty", n.DA)
		return
	}

	for i, e := range n.Entries {

		if i > 0 && e.HashVal < n.Entries[i-1].HashVal {
			w.addf("node block %d: entries out of hash order", n.DA)
			return
		}

		da := uint64(e.Before)
		if w.visited[da] {
			w.addf("node block %d: block %d is referenced twice", n.DA, da)
			return
		}
		w.visited[da] = true

		var last uint32

		if level > 1 {
			child, ok := w.nodes[da]
			if !ok {
				w.addf("node block %d points at missing node %d", n.DA, da)
				return
			}
			w.descend(child, level-1)
			if len(w.problems) > 0 {
				return
			}
			last = child.Entries[len(child.Entries)-1].HashVal
		} else {
			leaf, ok := w.leaves[da]
			if !ok {
				w.addf("node block %d points at missing leaf %d", n.DA, da)
				return
			}
			if len(leaf.Entries) == 0 {
				w.addf("leaf block %d is empty", da)
				return
			}
			w.order = append(w.order, leaf)
			last = leaf.Entries[len(leaf.Entries)-1].HashVal
		}

		if last != e.HashVal {
			w.addf("node block %d: hash %#x for block %d, whose last hash is %#x", n.DA, e.HashVal, da, last)
			return
		}

	}

}

// siblings checks that the leaf sibling pointers chain the leaves in index
// order.
func (w *nodeWalk) siblings() {
	for i, l := range w.order {
		var back, forw uint32
		if i > 0 {
			back = uint32(w.order[i-1].DA)
		}
		if i < len(w.order)-1 {
			forw = uint32(w.order[i+1].DA)
		}
		if l.Header.Info.Back != back || l.Header.Info.Forw != forw {
			w.addf("leaf block %d: sibling pointers %d/%d, expected %d/%d", l.DA, l.Header.Info.Back, l.Header.Info.Forw, back, forw)
			return
		}
	}
}

// checkNodeDir walks the index of a node directory from the root node at
// the start of the leaf segment. Every node and leaf must be reachable
// exactly once, and the leaf entries taken in index order must match the
// data entries the way a single leaf would.
func checkNodeDir(geo *xfs.Geometry, d *xfs.NodeDir, h *dirHash, data []*xfs.DataBlock) []string {

	w := &nodeWalk{
		nodes:   make(map[uint64]*xfs.NodeBlock),
		leaves:  make(map[uint64]*xfs.LeafBlock),
		visited: make(map[uint64]bool),
	}

	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.Err != nil {
			w.addf("%v", n.Err)
			continue
		}
		w.nodes[n.DA] = n
	}

	for i := range d.Leaves {
		l := &d.Leaves[i]
		if l.Err != nil {
			w.addf("%v", l.Err)
			continue
		}
		w.leaves[l.DA] = l
	}

	if len(w.problems) > 0 {
		return w.problems
	}

	root, ok := w.nodes[geo.LeafOffset()]
	if !ok {
		return []string{"node directory without a root node block"}
	}

	w.visited[root.DA] = true
	w.descend(root, 0)
	if len(w.problems) > 0 {
		return w.problems
	}

	if len(w.visited) != len(d.Nodes)+len(d.Leaves) {
		return []string{fmt.Sprintf("index reaches %d of %d node and leaf blocks", len(w.visited), len(d.Nodes)+len(d.Leaves))}
	}

	w.siblings()

	var entries []xfs.Dir2LeafEntry
	var stale uint32
	for _, l := range w.order {
		entries = append(entries, l.Entries...)
		stale += uint32(l.Header.Stale)
	}

	problems := append(w.problems, checkLeafEntries(h, entries, stale)...)
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	var bests []uint16
	for _, f := range d.Free {
		if f.Err != nil {
			addf("%v", f.Err)
			return problems
		}
		if int(f.Header.FirstDB) != len(bests) {
			addf("free block %d starts at data block %d", f.DA, f.Header.FirstDB)
			return problems
		}
		bests = append(bests, f.Bests...)
	}

	return append(problems, checkBests(data, bests)...)

}
