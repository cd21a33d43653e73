package repair

import (
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// hashEntry is one data entry of a directory as seen while walking its
// data blocks: where it lives, what its name hashes to and whether a leaf
// entry has already pointed at it.
type hashEntry struct {
	name string
	ino  uint64
	hash uint32
	addr uint32
	db   uint32
	off  uint16
	seen bool
}

// dirHash indexes the data entries of one directory by leaf address, and
// the names of the entries kept so far.
type dirHash struct {
	geo     *xfs.Geometry
	entries []*hashEntry
	byAddr  map[uint32]*hashEntry
	kept    map[string]bool
}

func newDirHash(geo *xfs.Geometry) *dirHash {
	return &dirHash{
		geo:    geo,
		byAddr: make(map[uint32]*hashEntry),
		kept:   make(map[string]bool),
	}
}

// add records a data entry found at byte offset off of data block db.
func (h *dirHash) add(db uint32, e xfs.DataEntry) *hashEntry {

	he := &hashEntry{
		name: e.Name,
		ino:  e.Inode,
		hash: xfs.HashName(e.Name),
		addr: h.geo.DataPtr(db, e.Offset),
		db:   db,
		off:  e.Offset,
	}

	h.entries = append(h.entries, he)
	h.byAddr[he.addr] = he

	return he

}

// taken reports whether an entry already kept uses name.
func (h *dirHash) taken(name string) bool {
	return h.kept[name]
}

// keep claims name for an entry that survives the check.
func (h *dirHash) keep(name string) {
	h.kept[name] = true
}

// lookup finds the entry a leaf address points at.
func (h *dirHash) lookup(addr uint32) (*hashEntry, bool) {
	he, ok := h.byAddr[addr]
	return he, ok
}

// unseen counts the entries no leaf entry has pointed at.
func (h *dirHash) unseen() int {
	n := 0
	for _, he := range h.entries {
		if !he.seen {
			n++
		}
	}
	return n
}
