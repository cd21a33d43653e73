// Package blockstate tracks the ownership state of every filesystem block
// while a repair runs.
package blockstate

import (
	"fmt"
	"sync/atomic"
)

// State is the ownership state of one block.
type State uint8

const (
	Unknown State = iota
	Free
	InUse
	FSMeta
	Inode
	Multiple
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Free:
		return "free"
	case InUse:
		return "in use"
	case FSMeta:
		return "fs metadata"
	case Inode:
		return "inode"
	case Multiple:
		return "multiply claimed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Claim reports whether the state records an owner.
func (s State) Claim() bool {
	return s >= InUse && s <= Multiple
}

const (
	stateBits     = 3
	stateMask     = 1<<stateBits - 1
	statesPerWord = 64 / stateBits
)

// Map is a packed array of block states. Updates are atomic per word, so
// concurrent writers to neighbouring blocks never lose each other's states.
type Map struct {
	n     uint64
	words []uint64
}

// NewMap returns a map of n blocks, all Unknown.
func NewMap(n uint64) *Map {
	return &Map{
		n:     n,
		words: make([]uint64, (n+statesPerWord-1)/statesPerWord),
	}
}

func (m *Map) Len() uint64 {
	return m.n
}

func (m *Map) locate(bno uint64) (int, uint) {
	if bno >= m.n {
		panic(fmt.Sprintf("block %d outside state map of %d blocks", bno, m.n))
	}
	return int(bno / statesPerWord), uint(bno%statesPerWord) * stateBits
}

func (m *Map) Get(bno uint64) State {
	w, shift := m.locate(bno)
	return State(atomic.LoadUint64(&m.words[w]) >> shift & stateMask)
}

// Set records a state. A claim over a block that is already claimed turns
// the block into Multiple; Unknown and Free always overwrite.
func (m *Map) Set(bno uint64, s State) State {
	_, next := m.swap(bno, s)
	return next
}

func (m *Map) swap(bno uint64, s State) (State, State) {

	w, shift := m.locate(bno)

	for {
		old := atomic.LoadUint64(&m.words[w])
		cur := State(old >> shift & stateMask)
		next := s
		if s.Claim() && cur.Claim() {
			next = Multiple
		}
		nw := old&^(stateMask<<shift) | uint64(next)<<shift
		if nw == old || atomic.CompareAndSwapUint64(&m.words[w], old, nw) {
			return cur, next
		}
	}

}

// SetRange calls Set for every block of a range and reports whether any of
// them ended up Multiple.
func (m *Map) SetRange(bno, length uint64, s State) bool {
	dup := false
	for i := uint64(0); i < length; i++ {
		if m.Set(bno+i, s) == Multiple {
			dup = true
		}
	}
	return dup
}

// Conflict counts the blocks of a claim that already had another state.
type Conflict struct {
	// Claimed blocks had an owner and are now Multiple.
	Claimed uint64
	// Free blocks were listed as free space.
	Free uint64
}

func (c Conflict) Any() bool {
	return c.Claimed > 0 || c.Free > 0
}

// ClaimRange records an owner for every block of a range and reports what
// the claim ran into.
func (m *Map) ClaimRange(bno, length uint64, s State) Conflict {

	if !s.Claim() {
		panic(fmt.Sprintf("claiming blocks as %v", s))
	}

	var c Conflict
	for i := uint64(0); i < length; i++ {
		prev, _ := m.swap(bno+i, s)
		switch {
		case prev == Free:
			c.Free++
		case prev.Claim():
			c.Claimed++
		}
	}

	return c

}

// Clear marks every block Unknown.
func (m *Map) Clear() {
	for i := range m.words {
		atomic.StoreUint64(&m.words[i], 0)
	}
}

// Count returns the number of blocks in state s.
func (m *Map) Count(s State) uint64 {
	var n uint64
	_ = m.Runs(s, 0, func(start, length uint64) error {
		n += length
		return nil
	})
	return n
}

// Runs calls fn for every maximal run of blocks in state s, in ascending
// order. With max non-zero, runs longer than max are reported in pieces.
func (m *Map) Runs(s State, max uint64, fn func(start, length uint64) error) error {
	return m.runs(func(cur State) bool { return cur == s }, max, fn)
}

// Unowned calls fn for every maximal run of blocks nothing claims, whether
// or not they were listed as free.
func (m *Map) Unowned(fn func(start, length uint64) error) error {
	return m.runs(allocatable, 0, fn)
}

func (m *Map) runs(match func(State) bool, max uint64, fn func(start, length uint64) error) error {

	var start, length uint64

	flush := func() error {
		for length > 0 {
			n := length
			if max > 0 && n > max {
				n = max
			}
			err := fn(start, n)
			if err != nil {
				return err
			}
			start += n
			length -= n
		}
		return nil
	}

	for bno := uint64(0); bno < m.n; bno++ {
		if match(m.Get(bno)) {
			if length == 0 {
				start = bno
			}
			length++
			continue
		}
		err := flush()
		if err != nil {
			return err
		}
	}

	return flush()

}

func allocatable(s State) bool {
	return s == Unknown || s == Free
}

// find looks for length allocatable blocks in [from, to).
func (m *Map) find(from, to, length uint64) (uint64, bool) {

	var run uint64
	for bno := from; bno < to; bno++ {
		if !allocatable(m.Get(bno)) {
			run = 0
			continue
		}
		run++
		if run == length {
			return bno + 1 - length, true
		}
	}

	return 0, false

}

// Alloc claims a run of length unowned blocks, searching from hint and then
// from floor. Allocation on one map must not race with itself.
func (m *Map) Alloc(length, hint, floor uint64) (uint64, bool) {

	if length == 0 || length > m.n {
		return 0, false
	}

	if hint < floor || hint >= m.n {
		hint = floor
	}

	start, ok := m.find(hint, m.n, length)
	if !ok && hint > floor {
		end := hint + length - 1
		if end > m.n {
			end = m.n
		}
		start, ok = m.find(floor, end, length)
	}

	if !ok {
		return 0, false
	}

	m.SetRange(start, length, InUse)
	return start, true

}
