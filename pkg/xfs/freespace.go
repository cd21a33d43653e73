package xfs

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

const allocRecSize = 8

// TreeBlock is one block of a B-tree laid out in memory.
type TreeBlock struct {
	Agbno uint32
	Data  []byte
}

// FreeSpace is a rebuilt set of free space B-trees, free list and AGF for
// one allocation group.
type FreeSpace struct {
	AGNo     uint32
	AGF      *AGF
	Blocks   []TreeBlock
	FreeList []uint32
}

// FreeListSize is the number of slots in an AG free list.
func (g *Geometry) FreeListSize() uint32 {
	return uint32(g.SectorSize() / 4)
}

// FreeSpaceTreeBlocks returns how many blocks one free space B-tree of n
// records occupies.
func FreeSpaceTreeBlocks(geo *Geometry, n int) uint32 {
	var total uint32
	for _, count := range shortBTreeShape(int(geo.BlockSize()), n, allocRecSize, allocRecSize) {
		total += uint32(count)
	}
	return total
}

// shortBTreeShape returns the number of blocks on each level of a short
// form B-tree holding n records, leaves first. An empty tree is a single
// empty leaf.
func shortBTreeShape(bs, n, recSize, keySize int) []int {

	body := bs - SBTBlockHdrSize
	leafMax := body / recSize
	nodeMax := body / (keySize + 4)

	count := (n + leafMax - 1) / leafMax
	if count == 0 {
		count = 1
	}

	shape := []int{count}
	for count > 1 {
		count = (count + nodeMax - 1) / nodeMax
		shape = append(shape, count)
	}

	return shape

}

// SortByCount orders free extents the way the by-count B-tree keeps them.
func SortByCount(extents []AGExtent) []AGExtent {
	sorted := append([]AGExtent(nil), extents...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Length == sorted[j].Length {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].Length < sorted[j].Length
	})
	return sorted
}

// BuildFreeSpace lays out both free space B-trees of an AG in the given
// blocks and an AGF describing them. free must be sorted by start and must
// not overlap any of the blocks handed in.
func BuildFreeSpace(geo *Geometry, agno uint32, free []AGExtent, bno, cnt, freeList []uint32) (*FreeSpace, error) {

	need := int(FreeSpaceTreeBlocks(geo, len(free)))
	if len(bno) != need || len(cnt) != need {
		return nil, errors.Errorf("ag %d: %d free extents need %d blocks per tree, got %d and %d", agno, len(free), need, len(bno), len(cnt))
	}

	size := geo.FreeListSize()
	if uint32(len(freeList)) > size {
		return nil, errors.Errorf("ag %d: free list of %d blocks exceeds %d slots", agno, len(freeList), size)
	}

	var total, longest uint32
	for i, e := range free {
		if i > 0 && free[i-1].Start+free[i-1].Length >= e.Start {
			return nil, errors.Errorf("ag %d: free extents %v and %v overlap or touch", agno, free[i-1], e)
		}
		total += e.Length
		if e.Length > longest {
			longest = e.Length
		}
	}

	fs := &FreeSpace{AGNo: agno, FreeList: freeList}
	bs := int(geo.BlockSize())

	bnoRoot, bnoLevels := buildShortBTree(bs, ABTBMagicNumber, bno, allocRecords(free), allocRecSize, &fs.Blocks)
	cntRoot, cntLevels := buildShortBTree(bs, ABTCMagicNumber, cnt, allocRecords(SortByCount(free)), allocRecSize, &fs.Blocks)

	fs.AGF = &AGF{
		Magic:      AGFMagicNumber,
		Version:    AGFVersion,
		SeqNo:      agno,
		Length:     geo.AGLength(agno),
		Roots:      [2]uint32{bnoRoot, cntRoot},
		Levels:     [2]uint32{bnoLevels, cntLevels},
		FLCount:    uint32(len(freeList)),
		FLLast:     size - 1,
		FreeBlocks: total,
		Longest:    longest,
	}

	if len(freeList) > 0 {
		fs.AGF.FLLast = uint32(len(freeList)) - 1
	}

	if geo.LazyCount {
		fs.AGF.BTreeBlocks = uint32(len(bno) + len(cnt) - 2)
	}

	return fs, nil

}

func allocRecords(extents []AGExtent) [][]byte {
	recs := make([][]byte, len(extents))
	for i, e := range extents {
		rec := make([]byte, allocRecSize)
		binary.BigEndian.PutUint32(rec[0:], e.Start)
		binary.BigEndian.PutUint32(rec[4:], e.Length)
		recs[i] = rec
	}
	return recs
}

// buildShortBTree fills blocks bottom up with recs, which must already be
// in key order, spreading entries evenly across each level. The root is
// the last block used. A record's key is its first keySize bytes.
func buildShortBTree(bs int, magic uint32, blocks []uint32, recs [][]byte, keySize int, out *[]TreeBlock) (uint32, uint32) {

	type child struct {
		key   []byte
		agbno uint32
	}

	recSize := keySize
	if len(recs) > 0 {
		recSize = len(recs[0])
	}

	shape := shortBTreeShape(bs, len(recs), recSize, keySize)
	nodeMax := (bs - SBTBlockHdrSize) / (keySize + 4)

	var below []child
	next := 0

	for level, count := range shape {

		n := len(recs)
		if level > 0 {
			n = len(below)
		}

		per, extra := n/count, n%count
		var up []child
		idx := 0

		for i := 0; i < count; i++ {

			k := per
			if i < extra {
				k++
			}

			b := make([]byte, bs)
			left, right := NullAgbno, NullAgbno
			if i > 0 {
				left = blocks[next+i-1]
			}
			if i < count-1 {
				right = blocks[next+i+1]
			}

			binary.BigEndian.PutUint32(b[0:], magic)
			binary.BigEndian.PutUint16(b[4:], uint16(level))
			binary.BigEndian.PutUint16(b[6:], uint16(k))
			binary.BigEndian.PutUint32(b[8:], left)
			binary.BigEndian.PutUint32(b[12:], right)
			body := b[SBTBlockHdrSize:]

			var key []byte
			for j := 0; j < k; j++ {
				if level == 0 {
					copy(body[j*recSize:], recs[idx+j])
					if j == 0 {
						key = recs[idx][:keySize]
					}
					continue
				}
				c := below[idx+j]
				copy(body[j*keySize:], c.key)
				binary.BigEndian.PutUint32(body[nodeMax*keySize+j*4:], c.agbno)
				if j == 0 {
					key = c.key
				}
			}

			agbno := blocks[next+i]
			*out = append(*out, TreeBlock{Agbno: agbno, Data: b})
			up = append(up, child{key: key, agbno: agbno})
			idx += k

		}

		next += count
		below = up

	}

	return below[0].agbno, uint32(len(shape))

}

// WriteFreeSpace stages a rebuilt free space layout: the tree blocks
// first, then the free list and the AGF.
func WriteFreeSpace(geo *Geometry, tx Transaction, fs *FreeSpace) error {

	for _, blk := range fs.Blocks {
		buf := tx.GetBuf(geo.Fsb(fs.AGNo, blk.Agbno), 1)
		copy(buf.Data, blk.Data)
		tx.LogBuf(buf)
	}

	hdr, err := tx.ReadBuf(geo.Fsb(fs.AGNo, 0), geo.HeaderBlocks())
	if err != nil {
		return errors.Wrapf(err, "ag %d: reading headers", fs.AGNo)
	}

	ss := geo.SectorSize()

	agfl := hdr.Data[3*ss : 4*ss]
	for i := range agfl {
		agfl[i] = 0xFF
	}
	for i, agbno := range fs.FreeList {
		binary.BigEndian.PutUint32(agfl[i*4:], agbno)
	}

	err = encodeHeader(fs.AGF, hdr.Data[ss:2*ss])
	if err != nil {
		return err
	}
	tx.LogBuf(hdr)

	return nil

}
