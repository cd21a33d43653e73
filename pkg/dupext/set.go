// Package dupext records block ranges claimed by more than one owner.
package dupext

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/sortedmap"
	"github.com/pkg/errors"
	"github.com/vorteil/xfsrepair/pkg/xfs"
)

// Extent is a duplicated block range, relative to its AG or to the start
// of the realtime section.
type Extent struct {
	Start  uint64
	Length uint64
}

func (e *Extent) End() uint64 {
	return e.Start + e.Length
}

func (e *Extent) String() string {
	return fmt.Sprintf("%d+%d", e.Start, e.Length)
}

// Set is an ordered set of non-overlapping duplicate extents.
type Set struct {
	lock sync.RWMutex
	tree sortedmap.LLRBTree
}

func NewSet() *Set {
	s := new(Set)
	s.tree = sortedmap.NewLLRBTree(sortedmap.CompareUint64, s)
	return s
}

func (s *Set) DumpKey(key sortedmap.Key) (string, error) {
	return fmt.Sprintf("%d", key.(uint64)), nil
}

func (s *Set) DumpValue(value sortedmap.Value) (string, error) {
	return value.(*Extent).String(), nil
}

// Add records a duplicate range, split into pieces no longer than the
// longest on-disk extent.
func (s *Set) Add(start, length uint64) error {

	s.lock.Lock()
	defer s.lock.Unlock()

	for length > 0 {

		n := length
		if n > xfs.MaxExtentLength {
			n = xfs.MaxExtentLength
		}

		ok, err := s.tree.Put(start, &Extent{Start: start, Length: n})
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("duplicate extent at %d recorded twice", start)
		}

		start += n
		length -= n

	}

	return nil

}

func (s *Set) extent(index int) (*Extent, error) {

	_, v, ok, err := s.tree.GetByIndex(index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	return v.(*Extent), nil

}

// Overlaps reports whether [start, start+length) shares a block with any
// recorded extent.
func (s *Set) Overlaps(start, length uint64) (bool, error) {

	if length == 0 {
		return false, nil
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	index, _, err := s.tree.BisectLeft(start)
	if err != nil {
		return false, err
	}

	if index >= 0 {
		e, err := s.extent(index)
		if err != nil {
			return false, err
		}
		if e != nil && e.End() > start {
			return true, nil
		}
	}

	e, err := s.extent(index + 1)
	if err != nil {
		return false, err
	}

	return e != nil && e.Start < start+length, nil

}

func (s *Set) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	n, _ := s.tree.Len()
	return n
}

// Extents returns the recorded extents in ascending order.
func (s *Set) Extents() ([]Extent, error) {

	s.lock.RLock()
	defer s.lock.RUnlock()

	n, err := s.tree.Len()
	if err != nil {
		return nil, err
	}

	extents := make([]Extent, 0, n)
	for i := 0; i < n; i++ {
		e, err := s.extent(i)
		if err != nil {
			return nil, err
		}
		extents = append(extents, *e)
	}

	return extents, nil

}
