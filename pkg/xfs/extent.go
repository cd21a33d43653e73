package xfs

import (
	"encoding/binary"
	"fmt"
)

const extentRecordSize = 16

// Extent maps a range of file blocks to filesystem (or realtime) blocks.
type Extent struct {
	Offset    uint64
	Block     uint64
	Length    uint32
	Unwritten bool
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d,%d,%d]", e.Offset, e.Block, e.Length)
}

// End is the first file block past the extent.
func (e Extent) End() uint64 {
	return e.Offset + uint64(e.Length)
}

// DecodeExtent unpacks a 128-bit bmap record:
// flag:1 | offset:54 | block:52 | length:21.
func DecodeExtent(b []byte) Extent {

	l0 := binary.BigEndian.Uint64(b[0:8])
	l1 := binary.BigEndian.Uint64(b[8:16])

	return Extent{
		Unwritten: l0>>63 != 0,
		Offset:    (l0 & (1<<63 - 1)) >> 9,
		Block:     (l0&(1<<9-1))<<43 | l1>>21,
		Length:    uint32(l1 & MaxExtentLength),
	}

}

// Encode packs the extent into a 16 byte record.
func (e Extent) Encode(b []byte) {

	var l0, l1 uint64

	if e.Unwritten {
		l0 = 1 << 63
	}

	l0 |= (e.Offset & (1<<54 - 1)) << 9
	l0 |= (e.Block >> 43) & (1<<9 - 1)
	l1 = e.Block<<21 | uint64(e.Length&MaxExtentLength)

	binary.BigEndian.PutUint64(b[0:8], l0)
	binary.BigEndian.PutUint64(b[8:16], l1)

}

func decodeExtents(b []byte, n int) ([]Extent, error) {

	if n < 0 || n*extentRecordSize > len(b) {
		return nil, corruptf("%d extent records do not fit in %d bytes", n, len(b))
	}

	extents := make([]Extent, n)
	for i := range extents {
		extents[i] = DecodeExtent(b[i*extentRecordSize:])
	}

	return extents, nil

}

// SplitExtent breaks a run of blocks into extents no longer than
// MaxExtentLength.
func SplitExtent(offset, block, length uint64) []Extent {

	var extents []Extent

	for length > 0 {
		n := length
		if n > MaxExtentLength {
			n = MaxExtentLength
		}
		extents = append(extents, Extent{Offset: offset, Block: block, Length: uint32(n)})
		offset += n
		block += n
		length -= n
	}

	return extents

}
