package xfs

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const maxShortBTreeLevels = 8

// AGExtent is a block range relative to its allocation group.
type AGExtent struct {
	Start  uint32
	Length uint32
}

func (e AGExtent) String() string {
	return fmt.Sprintf("%d+%d", e.Start, e.Length)
}

// ChunkRecord is an inode B-tree record and where it lives: the leaf block
// and the record's index within it.
type ChunkRecord struct {
	InodeBTRecord
	Block uint32
	Index int
}

// AGSummary is what an allocation group's headers and B-trees say about
// it: which inode chunks exist, which blocks hold metadata and which are
// free.
type AGSummary struct {
	AGNo     uint32
	AGF      *AGF
	AGI      *AGI
	Chunks   []ChunkRecord
	Metadata []AGExtent
	Warnings []string

	// Free and FreeByCount are the records of the by-block and by-count
	// free space B-trees, in tree order.
	Free        []AGExtent
	FreeByCount []AGExtent

	InodeBTreeBlocks []uint32
	FreeSpaceBlocks  []uint32
	FreeList         []uint32

	// FreeSpaceDamaged is set when some of the free space metadata could
	// not be read.
	FreeSpaceDamaged bool
}

func (s *AGSummary) warnf(format string, args ...interface{}) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// ScanAG reads the AG headers and walks the inode and free-space B-trees.
// An unusable AGI or inode B-tree is returned as an error; free-space
// problems are only recorded as warnings because nothing downstream trusts
// the free-space trees.
func ScanAG(geo *Geometry, r BlockReader, agno uint32) (*AGSummary, error) {

	s := &AGSummary{AGNo: agno}

	hb := geo.HeaderBlocks()
	hdr, err := r.ReadBlocks(geo.Fsb(agno, 0), hb)
	if err != nil {
		return nil, errors.Wrapf(err, "ag %d: reading headers", agno)
	}

	ss := geo.SectorSize()

	s.AGI, err = DecodeAGI(hdr[2*ss : 3*ss])
	if err != nil {
		return nil, errors.Wrapf(err, "ag %d", agno)
	}

	if s.AGI.SeqNo != agno || s.AGI.Length != geo.AGLength(agno) {
		return nil, corruptf("ag %d: AGI describes ag %d of %d blocks", agno, s.AGI.SeqNo, s.AGI.Length)
	}

	err = s.walkInodeBTree(geo, r)
	if err != nil {
		return nil, err
	}

	s.AGF, err = DecodeAGF(hdr[ss : 2*ss])
	if err != nil {
		s.warnf("%v", err)
		s.AGF = nil
		s.FreeSpaceDamaged = true
		return s, nil
	}

	if s.AGF.SeqNo != agno || s.AGF.Length != geo.AGLength(agno) {
		s.warnf("ag %d: AGF describes ag %d of %d blocks", agno, s.AGF.SeqNo, s.AGF.Length)
		s.FreeSpaceDamaged = true
	}

	for i, magic := range []uint32{ABTBMagicNumber, ABTCMagicNumber} {
		list := &s.Free
		if magic == ABTCMagicNumber {
			list = &s.FreeByCount
		}
		err = walkShortBTree(geo, r, agno, s.AGF.Roots[i], s.AGF.Levels[i], magic, 8, 8, func(rec []byte, _ uint32, _ int) error {
			e := AGExtent{
				Start:  binary.BigEndian.Uint32(rec[0:4]),
				Length: binary.BigEndian.Uint32(rec[4:8]),
			}
			if e.Length == 0 || uint64(e.Start)+uint64(e.Length) > uint64(geo.AGLength(agno)) {
				return corruptf("free extent %v out of range", e)
			}
			*list = append(*list, e)
			return nil
		}, func(agbno uint32) {
			s.FreeSpaceBlocks = append(s.FreeSpaceBlocks, agbno)
			s.addMetadata(agbno)
		})
		if err != nil {
			s.warnf("ag %d: free space btree %d: %v", agno, i, err)
			s.FreeSpaceDamaged = true
		}
	}

	s.readFreeList(geo, hdr[3*ss:4*ss])

	return s, nil

}

func (s *AGSummary) addMetadata(agbno uint32) {
	n := len(s.Metadata)
	if n > 0 && s.Metadata[n-1].Start+s.Metadata[n-1].Length == agbno {
		s.Metadata[n-1].Length++
		return
	}
	s.Metadata = append(s.Metadata, AGExtent{Start: agbno, Length: 1})
}

func (s *AGSummary) walkInodeBTree(geo *Geometry, r BlockReader) error {

	agno := s.AGNo

	return walkShortBTree(geo, r, agno, s.AGI.Root, s.AGI.Level, IBTMagicNumber, 16, 4, func(rec []byte, block uint32, index int) error {

		chunk := ChunkRecord{
			InodeBTRecord: InodeBTRecord{
				StartIno:  binary.BigEndian.Uint32(rec[0:4]),
				FreeCount: binary.BigEndian.Uint32(rec[4:8]),
				Free:      binary.BigEndian.Uint64(rec[8:16]),
			},
			Block: block,
			Index: index,
		}

		if chunk.StartIno%InodesPerChunk != 0 {
			return corruptf("ag %d: misaligned inode chunk %d", agno, chunk.StartIno)
		}

		agbno := geo.AginoToAgbno(chunk.StartIno)
		if agbno < geo.HeaderBlocks() || agbno+geo.ChunkBlocks() > geo.AGLength(agno) {
			return corruptf("ag %d: inode chunk %d out of range", agno, chunk.StartIno)
		}

		n := len(s.Chunks)
		if n > 0 && s.Chunks[n-1].StartIno >= chunk.StartIno {
			return corruptf("ag %d: inode chunk %d out of order", agno, chunk.StartIno)
		}

		s.Chunks = append(s.Chunks, chunk)
		return nil

	}, func(agbno uint32) {
		s.InodeBTreeBlocks = append(s.InodeBTreeBlocks, agbno)
		s.addMetadata(agbno)
	})

}

func (s *AGSummary) readFreeList(geo *Geometry, sector []byte) {

	agf := s.AGF
	size := uint32(len(sector) / 4)

	if agf.FLCount > size || agf.FLFirst >= size || agf.FLLast >= size {
		s.warnf("ag %d: bad free list bounds %d..%d (%d)", s.AGNo, agf.FLFirst, agf.FLLast, agf.FLCount)
		s.FreeSpaceDamaged = true
		return
	}

	for i := uint32(0); i < agf.FLCount; i++ {
		agbno := binary.BigEndian.Uint32(sector[((agf.FLFirst+i)%size)*4:])
		if agbno < geo.HeaderBlocks() || agbno >= geo.AGLength(s.AGNo) {
			s.warnf("ag %d: free list block %d out of range", s.AGNo, agbno)
			s.FreeSpaceDamaged = true
			continue
		}
		s.FreeList = append(s.FreeList, agbno)
		s.addMetadata(agbno)
	}

}

// walkShortBTree visits every record of an AG-relative B-tree, reporting
// each tree block to blockFn.
func walkShortBTree(geo *Geometry, r BlockReader, agno, root, levels, magic uint32, recSize, keySize int, recFn func(rec []byte, agbno uint32, index int) error, blockFn func(agbno uint32)) error {

	if levels == 0 || levels > maxShortBTreeLevels {
		return corruptf("ag %d: btree %#x has %d levels", agno, magic, levels)
	}

	seen := make(map[uint32]bool)

	var walk func(agbno uint32, level uint16) error
	walk = func(agbno uint32, level uint16) error {

		if agbno < geo.HeaderBlocks() || agbno >= geo.AGLength(agno) {
			return corruptf("ag %d: btree %#x block %d out of range", agno, magic, agbno)
		}

		if seen[agbno] {
			return corruptf("ag %d: btree %#x block %d referenced twice", agno, magic, agbno)
		}
		seen[agbno] = true

		b, err := r.ReadBlocks(geo.Fsb(agno, agbno), 1)
		if err != nil {
			return errors.Wrapf(err, "ag %d: reading btree block %d", agno, agbno)
		}

		bmagic := binary.BigEndian.Uint32(b[0:4])
		blevel := binary.BigEndian.Uint16(b[4:6])
		numrecs := int(binary.BigEndian.Uint16(b[6:8]))

		if bmagic != magic {
			return corruptf("ag %d: btree block %d has magic %#x, expected %#x", agno, agbno, bmagic, magic)
		}

		if blevel != level {
			return corruptf("ag %d: btree block %d at level %d, expected %d", agno, agbno, blevel, level)
		}

		blockFn(agbno)
		body := b[SBTBlockHdrSize:]

		if level == 0 {
			if numrecs*recSize > len(body) {
				return corruptf("ag %d: btree leaf %d has %d records", agno, agbno, numrecs)
			}
			for i := 0; i < numrecs; i++ {
				err = recFn(body[i*recSize:(i+1)*recSize], agbno, i)
				if err != nil {
					return err
				}
			}
			return nil
		}

		maxrecs := len(body) / (keySize + 4)
		if numrecs == 0 || numrecs > maxrecs {
			return corruptf("ag %d: btree node %d has %d records", agno, agbno, numrecs)
		}

		ptrs := body[maxrecs*keySize:]
		for i := 0; i < numrecs; i++ {
			err = walk(binary.BigEndian.Uint32(ptrs[i*4:]), level-1)
			if err != nil {
				return err
			}
		}

		return nil

	}

	return walk(root, uint16(levels-1))

}

// MarkInodeAllocated clears the free bit of one inode in its inode B-tree
// record and drops the free counts of the record and the AGI.
func MarkInodeAllocated(geo *Geometry, tx Transaction, agno uint32, rec *ChunkRecord, slot int) error {
	return setInodeFree(geo, tx, agno, rec, slot, false)
}

// MarkInodeFree sets the free bit of one inode in its inode B-tree record
// and raises the free counts of the record and the AGI.
func MarkInodeFree(geo *Geometry, tx Transaction, agno uint32, rec *ChunkRecord, slot int) error {
	return setInodeFree(geo, tx, agno, rec, slot, true)
}

func setInodeFree(geo *Geometry, tx Transaction, agno uint32, rec *ChunkRecord, slot int, free bool) error {

	bit := uint64(1) << uint(slot)
	if (rec.Free&bit != 0) == free {
		return nil
	}

	leaf, err := tx.ReadBuf(geo.Fsb(agno, rec.Block), 1)
	if err != nil {
		return errors.Wrapf(err, "ag %d: reading inode btree block %d", agno, rec.Block)
	}

	if free {
		rec.Free |= bit
		rec.FreeCount++
	} else {
		rec.Free &^= bit
		if rec.FreeCount > 0 {
			rec.FreeCount--
		}
	}

	off := SBTBlockHdrSize + rec.Index*16
	binary.BigEndian.PutUint32(leaf.Data[off+4:], rec.FreeCount)
	binary.BigEndian.PutUint64(leaf.Data[off+8:], rec.Free)
	tx.LogBuf(leaf)

	hdr, err := tx.ReadBuf(geo.Fsb(agno, 0), geo.HeaderBlocks())
	if err != nil {
		return errors.Wrapf(err, "ag %d: reading headers", agno)
	}

	ss := geo.SectorSize()
	agi, err := DecodeAGI(hdr.Data[2*ss : 3*ss])
	if err != nil {
		return errors.Wrapf(err, "ag %d", agno)
	}

	switch {
	case free:
		agi.FreeCount++
	case agi.FreeCount > 0:
		agi.FreeCount--
	}

	err = encodeHeader(agi, hdr.Data[2*ss:3*ss])
	if err != nil {
		return err
	}
	tx.LogBuf(hdr)

	return nil

}
