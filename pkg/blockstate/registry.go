package blockstate

import (
	"sync"

	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// Registry holds one state map per allocation group and, when the
// filesystem has one, a map of the realtime section.
type Registry struct {
	ags []*AG
	rt  *Map
}

// AG is the state map of one allocation group together with the ranges
// that stay filesystem metadata across resets.
type AG struct {
	*Map
	AGNo   uint32
	header uint32

	lock     sync.Mutex
	reserved []xfs.AGExtent
}

// New sizes a registry for geo. AG headers and the internal log are
// reserved immediately.
func New(geo *xfs.Geometry) *Registry {

	r := &Registry{ags: make([]*AG, geo.AGCount)}

	for agno := range r.ags {
		ag := &AG{
			Map:    NewMap(uint64(geo.AGLength(uint32(agno)))),
			AGNo:   uint32(agno),
			header: geo.HeaderBlocks(),
		}
		ag.Reserve(0, ag.header)
		r.ags[agno] = ag
	}

	if agno, agbno, length, ok := geo.LogRange(); ok && geo.ValidAG(agno) {
		r.ags[agno].Reserve(agbno, length)
	}

	if geo.HasRealtime() {
		r.rt = NewMap(geo.RBlocks)
	}

	return r

}

func (r *Registry) AG(agno uint32) *AG {
	return r.ags[agno]
}

func (r *Registry) AGCount() uint32 {
	return uint32(len(r.ags))
}

// Realtime returns the realtime section map, or nil.
func (r *Registry) Realtime() *Map {
	return r.rt
}

// Reserve marks a range as filesystem metadata now and after every Reset.
func (a *AG) Reserve(agbno, length uint32) {

	if uint64(agbno)+uint64(length) > a.Len() {
		if uint64(agbno) >= a.Len() {
			return
		}
		length = uint32(a.Len() - uint64(agbno))
	}

	a.lock.Lock()
	a.reserved = append(a.reserved, xfs.AGExtent{Start: agbno, Length: length})
	a.lock.Unlock()

	a.SetRange(uint64(agbno), uint64(length), FSMeta)

}

// Reset forgets every claim except the reserved metadata ranges.
func (a *AG) Reset() {

	a.Clear()

	a.lock.Lock()
	defer a.lock.Unlock()

	for _, e := range a.reserved {
		for i := uint64(0); i < uint64(e.Length); i++ {
			if a.Get(uint64(e.Start)+i) != FSMeta {
				a.Set(uint64(e.Start)+i, FSMeta)
			}
		}
	}

}

// Alloc claims length blocks for new metadata, never inside the AG
// headers.
func (a *AG) Alloc(length, hint uint32) (uint32, bool) {
	start, ok := a.Map.Alloc(uint64(length), uint64(hint), uint64(a.header))
	return uint32(start), ok
}
