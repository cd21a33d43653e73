package xfs

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

const maxBMBTLevels = 9

// BlockMap is the decoded data fork of an inode: its extents in file offset
// order and the bmap B-tree blocks that index them, if any.
type BlockMap struct {
	Extents     []Extent
	BTreeBlocks []uint64
}

// Blocks is the number of filesystem blocks owned through the map.
func (m *BlockMap) Blocks() uint64 {
	n := uint64(len(m.BTreeBlocks))
	for _, e := range m.Extents {
		n += uint64(e.Length)
	}
	return n
}

// Lookup finds the filesystem block backing a file block.
func (m *BlockMap) Lookup(off uint64) (uint64, bool) {

	i := sort.Search(len(m.Extents), func(i int) bool {
		return m.Extents[i].End() > off
	})

	if i == len(m.Extents) || m.Extents[i].Offset > off {
		return 0, false
	}

	e := m.Extents[i]
	return e.Block + (off - e.Offset), true

}

// ReadBlockMap decodes the data fork of an inode, walking the bmap B-tree
// through r when the fork is in btree format.
func ReadBlockMap(geo *Geometry, r BlockReader, ip *Inode) (*BlockMap, error) {

	m := new(BlockMap)

	switch ip.Core.Format {
	case InodeFormatDev, InodeFormatLocal:
		return m, nil
	case InodeFormatExtents:
		extents, err := decodeExtents(ip.Fork, int(ip.Core.NExtents))
		if err != nil {
			return nil, errors.Wrapf(err, "inode %d", ip.Number)
		}
		m.Extents = extents
	case InodeFormatBTree:
		err := m.walkRoot(geo, r, ip)
		if err != nil {
			return nil, err
		}
	default:
		return nil, corruptf("inode %d: unknown fork format %d", ip.Number, ip.Core.Format)
	}

	return m, m.check(ip)

}

func (m *BlockMap) check(ip *Inode) error {

	for i, e := range m.Extents {
		if e.Length == 0 {
			return corruptf("inode %d: zero length extent %v", ip.Number, e)
		}
		if i > 0 && e.Offset < m.Extents[i-1].End() {
			return corruptf("inode %d: extent %v overlaps %v", ip.Number, e, m.Extents[i-1])
		}
	}

	return nil

}

func (m *BlockMap) walkRoot(geo *Geometry, r BlockReader, ip *Inode) error {

	fork := ip.Fork
	if len(fork) < BMDRHdrSize {
		return corruptf("inode %d: bmap root truncated", ip.Number)
	}

	level := binary.BigEndian.Uint16(fork[0:2])
	numrecs := int(binary.BigEndian.Uint16(fork[2:4]))
	maxrecs := (len(fork) - BMDRHdrSize) / 16

	if level == 0 || level > maxBMBTLevels || numrecs == 0 || numrecs > maxrecs {
		return corruptf("inode %d: bad bmap root (level %d, %d records)", ip.Number, level, numrecs)
	}

	ptrs := fork[BMDRHdrSize+maxrecs*8:]
	seen := make(map[uint64]bool)

	for i := 0; i < numrecs; i++ {
		ptr := binary.BigEndian.Uint64(ptrs[i*8:])
		err := m.walk(geo, r, ip, ptr, level-1, seen)
		if err != nil {
			return err
		}
	}

	return nil

}

func (m *BlockMap) walk(geo *Geometry, r BlockReader, ip *Inode, fsbno uint64, level uint16, seen map[uint64]bool) error {

	if !geo.ValidFsbRange(fsbno, 1) {
		return corruptf("inode %d: bmap block %d out of range", ip.Number, fsbno)
	}

	if seen[fsbno] {
		return corruptf("inode %d: bmap block %d referenced twice", ip.Number, fsbno)
	}
	seen[fsbno] = true

	b, err := r.ReadBlocks(fsbno, 1)
	if err != nil {
		return errors.Wrapf(err, "inode %d: reading bmap block %d", ip.Number, fsbno)
	}

	magic := binary.BigEndian.Uint32(b[0:4])
	blevel := binary.BigEndian.Uint16(b[4:6])
	numrecs := int(binary.BigEndian.Uint16(b[6:8]))

	if magic != BMAPMagicNumber {
		return corruptf("inode %d: bmap block %d has bad magic %#x", ip.Number, fsbno, magic)
	}

	if blevel != level {
		return corruptf("inode %d: bmap block %d at level %d, expected %d", ip.Number, fsbno, blevel, level)
	}

	m.BTreeBlocks = append(m.BTreeBlocks, fsbno)
	body := b[BMBTBlockHdrSize:]

	if level == 0 {
		extents, err := decodeExtents(body, numrecs)
		if err != nil {
			return errors.Wrapf(err, "inode %d: bmap block %d", ip.Number, fsbno)
		}
		m.Extents = append(m.Extents, extents...)
		return nil
	}

	maxrecs := len(body) / 16
	if numrecs == 0 || numrecs > maxrecs {
		return corruptf("inode %d: bmap block %d has %d records", ip.Number, fsbno, numrecs)
	}

	ptrs := body[maxrecs*8:]
	for i := 0; i < numrecs; i++ {
		err = m.walk(geo, r, ip, binary.BigEndian.Uint64(ptrs[i*8:]), level-1, seen)
		if err != nil {
			return err
		}
	}

	return nil

}
