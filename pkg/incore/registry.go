package incore

import (
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

const btreeDegree = 16

// Registry is the set of inode chunks of a filesystem, partitioned by
// allocation group.
type Registry struct {
	geo *xfs.Geometry
	ags []*AG
}

// AG indexes the chunks of one allocation group by starting inode.
type AG struct {
	AGNo uint32
	geo  *xfs.Geometry

	lock sync.RWMutex
	tree *btree.BTree
}

func New(geo *xfs.Geometry) *Registry {
	r := &Registry{geo: geo, ags: make([]*AG, geo.AGCount)}
	for agno := range r.ags {
		r.ags[agno] = &AG{
			AGNo: uint32(agno),
			geo:  geo,
			tree: btree.New(btreeDegree),
		}
	}
	return r
}

func (r *Registry) AG(agno uint32) *AG {
	return r.ags[agno]
}

func (r *Registry) AGCount() uint32 {
	return uint32(len(r.ags))
}

// Lookup finds the chunk holding an inode and its slot within it.
func (r *Registry) Lookup(ino uint64) (*Chunk, int) {

	if !r.geo.ValidIno(ino) {
		return nil, 0
	}

	return r.ags[r.geo.InoToAG(ino)].Find(r.geo.InoToAgino(ino))

}

// Add records a new chunk starting at agino. Overlapping chunks are
// rejected.
func (a *AG) Add(agino uint32) (*Chunk, error) {

	if agino%xfs.InodesPerChunk != 0 {
		return nil, errors.Errorf("ag %d: inode chunk %d is misaligned", a.AGNo, agino)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if c, _ := a.find(agino); c != nil {
		return nil, errors.Errorf("ag %d: inode chunk %d already recorded", a.AGNo, agino)
	}

	c := newChunk(a.geo, a.AGNo, agino)
	a.tree.ReplaceOrInsert(c)

	return c, nil

}

// Remove drops a chunk.
func (a *AG) Remove(c *Chunk) {
	a.lock.Lock()
	a.tree.Delete(c)
	a.lock.Unlock()
}

func (a *AG) find(agino uint32) (*Chunk, int) {

	var found *Chunk
	a.tree.DescendLessOrEqual(&Chunk{StartIno: agino}, func(item btree.Item) bool {
		found = item.(*Chunk)
		return false
	})

	if found == nil || agino-found.StartIno >= xfs.InodesPerChunk {
		return nil, 0
	}

	return found, int(agino - found.StartIno)

}

// Find returns the chunk containing agino and the slot of agino within it.
func (a *AG) Find(agino uint32) (*Chunk, int) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.find(agino)
}

// Chunks returns every chunk in ascending order.
func (a *AG) Chunks() []*Chunk {

	a.lock.RLock()
	defer a.lock.RUnlock()

	chunks := make([]*Chunk, 0, a.tree.Len())
	a.tree.Ascend(func(item btree.Item) bool {
		chunks = append(chunks, item.(*Chunk))
		return true
	})

	return chunks

}

func (a *AG) Len() int {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.tree.Len()
}

// Each calls fn for every confirmed, non-free inode of the AG in inode
// order until fn returns false.
func (a *AG) Each(fn func(c *Chunk, i int) bool) {
	for _, c := range a.Chunks() {
		for i := 0; i < xfs.InodesPerChunk; i++ {
			if !c.Live(i) {
				continue
			}
			if !fn(c, i) {
				return
			}
		}
	}
}
