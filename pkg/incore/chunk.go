// Package incore keeps the in-memory record of every inode chunk found
// during a repair.
package incore

import (
	"sync/atomic"

	"github.com/google/btree"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

const (
	flagFree uint32 = 1 << iota
	flagConfirmed
	flagDir
	flagReached
)

// Chunk records the state of 64 consecutive inodes. Every per-inode field
// is accessed atomically: a directory in one AG may reach inodes owned by
// another AG's worker.
type Chunk struct {
	AGNo     uint32
	StartIno uint32
	FirstIno uint64

	flags  [xfs.InodesPerChunk]uint32
	refs   [xfs.InodesPerChunk]uint32
	links  [xfs.InodesPerChunk]uint32
	parent [xfs.InodesPerChunk]uint64
}

func newChunk(geo *xfs.Geometry, agno, agino uint32) *Chunk {
	c := &Chunk{
		AGNo:     agno,
		StartIno: agino,
		FirstIno: geo.Ino(agno, agino),
	}
	for i := range c.flags {
		c.flags[i] = flagFree
		c.parent[i] = xfs.NullIno
	}
	return c
}

// Less orders chunks by their first inode.
func (c *Chunk) Less(than btree.Item) bool {
	return c.StartIno < than.(*Chunk).StartIno
}

// Ino returns the inode number of slot i.
func (c *Chunk) Ino(i int) uint64 {
	return c.FirstIno + uint64(i)
}

func (c *Chunk) has(i int, flag uint32) bool {
	return atomic.LoadUint32(&c.flags[i])&flag != 0
}

func (c *Chunk) set(i int, flag uint32, on bool) bool {
	for {
		old := atomic.LoadUint32(&c.flags[i])
		nf := old &^ flag
		if on {
			nf |= flag
		}
		if old == nf {
			return false
		}
		if atomic.CompareAndSwapUint32(&c.flags[i], old, nf) {
			return true
		}
	}
}

func (c *Chunk) IsFree(i int) bool {
	return c.has(i, flagFree)
}

func (c *Chunk) SetFree(i int, free bool) {
	c.set(i, flagFree, free)
}

// IsConfirmed reports whether the inode was decoded from disk and found to
// be in use.
func (c *Chunk) IsConfirmed(i int) bool {
	return c.has(i, flagConfirmed)
}

func (c *Chunk) SetConfirmed(i int, confirmed bool) {
	c.set(i, flagConfirmed, confirmed)
}

func (c *Chunk) IsDir(i int) bool {
	return c.has(i, flagDir)
}

func (c *Chunk) SetDir(i int, dir bool) {
	c.set(i, flagDir, dir)
}

func (c *Chunk) IsReached(i int) bool {
	return c.has(i, flagReached)
}

// MarkReached sets the reached flag and reports whether this call was the
// one that set it.
func (c *Chunk) MarkReached(i int) bool {
	return c.set(i, flagReached, true)
}

func (c *Chunk) ClearReached(i int) {
	c.set(i, flagReached, false)
}

// Live reports whether the inode is confirmed and not free.
func (c *Chunk) Live(i int) bool {
	f := atomic.LoadUint32(&c.flags[i])
	return f&flagConfirmed != 0 && f&flagFree == 0
}

// Refs is the number of directory entries found pointing at the inode.
func (c *Chunk) Refs(i int) uint32 {
	return atomic.LoadUint32(&c.refs[i])
}

func (c *Chunk) AddRef(i int) uint32 {
	return atomic.AddUint32(&c.refs[i], 1)
}

func (c *Chunk) DropRef(i int) {
	for {
		old := atomic.LoadUint32(&c.refs[i])
		if old == 0 || atomic.CompareAndSwapUint32(&c.refs[i], old, old-1) {
			return
		}
	}
}

func (c *Chunk) ResetRefs(i int) {
	atomic.StoreUint32(&c.refs[i], 0)
}

// Links is the link count as last read from or written to disk.
func (c *Chunk) Links(i int) uint32 {
	return atomic.LoadUint32(&c.links[i])
}

func (c *Chunk) SetLinks(i int, n uint32) {
	atomic.StoreUint32(&c.links[i], n)
}

// Parent is the recorded parent of a directory, or xfs.NullIno while it is
// unresolved.
func (c *Chunk) Parent(i int) uint64 {
	return atomic.LoadUint64(&c.parent[i])
}

func (c *Chunk) SetParent(i int, parent uint64) {
	atomic.StoreUint64(&c.parent[i], parent)
}

// Forget drops every expectation attached to the inode and marks it free.
func (c *Chunk) Forget(i int) {
	atomic.StoreUint32(&c.flags[i], flagFree)
	atomic.StoreUint32(&c.refs[i], 0)
	atomic.StoreUint32(&c.links[i], 0)
	atomic.StoreUint64(&c.parent[i], xfs.NullIno)
}
