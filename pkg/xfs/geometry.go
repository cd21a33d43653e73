package xfs

import (
	"fmt"
)

// Geometry is the decoded shape of a filesystem: the log2 exponents that
// drive every inode and block number conversion plus the locations of the
// well-known metadata inodes.
type Geometry struct {
	BlockLog  uint8
	SectorLog uint8
	InodeLog  uint8
	InopbLog  uint8
	AGBlkLog  uint8
	DirBlkLog uint8

	AGBlocks   uint32
	AGCount    uint32
	DataBlocks uint64

	RootIno  uint64
	RbmIno   uint64
	RsumIno  uint64
	UQuotIno uint64
	GQuotIno uint64

	LogStart  uint64
	LogBlocks uint32

	RExtSize uint32
	RExtents uint64
	RBlocks  uint64

	// LazyCount means the AGF counts the blocks of its free space B-trees
	// beyond the roots.
	LazyCount bool
}

// NewGeometry derives a Geometry from a validated superblock.
func NewGeometry(sb *SuperBlock) (*Geometry, error) {

	err := sb.Validate()
	if err != nil {
		return nil, err
	}

	g := &Geometry{
		BlockLog:   sb.BlockSizeLogarithmic,
		SectorLog:  sb.SectorSizeLogarithmic,
		InodeLog:   sb.InodeSizeLogarithmic,
		InopbLog:   sb.InodesPerBlockLogarithmic,
		AGBlkLog:   sb.AGBlocksLogarithmic,
		DirBlkLog:  sb.DirectoryBlocksLogarithmic,
		AGBlocks:   sb.AGBlocks,
		AGCount:    sb.AGCount,
		DataBlocks: sb.DataBlocks,
		RootIno:    sb.RootInode,
		RbmIno:     sb.RealtimeBitmapInode,
		RsumIno:    sb.RealtimeSummaryInode,
		UQuotIno:   sb.UserQuotasInode,
		GQuotIno:   sb.GroupQuotasInode,
		LogStart:   sb.LogStart,
		LogBlocks:  sb.LogBlocks,
		RExtSize:   sb.RealtimeExtentBlocks,
		RExtents:   sb.RealtimeExtents,
		RBlocks:    sb.RealtimeBlocks,
		LazyCount:  sb.VersionNum&VersionMoreBitsBit != 0 && sb.MoreFeatures&Version2LazySBCountBit != 0,
	}

	if g.BlockLog+g.DirBlkLog > 16 {
		return nil, corruptf("directory block size 2^%d too large", g.BlockLog+g.DirBlkLog)
	}

	if uint64(g.AGCount-1)*uint64(g.AGBlocks) >= g.DataBlocks {
		return nil, corruptf("%d allocation groups of %d blocks do not fit %d data blocks", g.AGCount, g.AGBlocks, g.DataBlocks)
	}

	if !g.ValidIno(g.RootIno) {
		return nil, corruptf("root inode %d out of range", g.RootIno)
	}

	return g, nil

}

func (g *Geometry) String() string {
	return fmt.Sprintf("bsize=%d agcount=%d agsize=%d isize=%d dirbsize=%d", g.BlockSize(), g.AGCount, g.AGBlocks, g.InodeSize(), g.DirBlockSize())
}

func (g *Geometry) BlockSize() int64 {
	return 1 << g.BlockLog
}

func (g *Geometry) SectorSize() int64 {
	return 1 << g.SectorLog
}

func (g *Geometry) InodeSize() int64 {
	return 1 << g.InodeLog
}

func (g *Geometry) InodesPerBlock() int64 {
	return 1 << g.InopbLog
}

// AginoLog is the number of bits of an inode number that are relative to
// its allocation group.
func (g *Geometry) AginoLog() uint8 {
	return g.AGBlkLog + g.InopbLog
}

func (g *Geometry) InoToAG(ino uint64) uint32 {
	return uint32(ino >> g.AginoLog())
}

func (g *Geometry) InoToAgino(ino uint64) uint32 {
	return uint32(ino & (1<<g.AginoLog() - 1))
}

func (g *Geometry) Ino(agno, agino uint32) uint64 {
	return uint64(agno)<<g.AginoLog() | uint64(agino)
}

func (g *Geometry) AginoToAgbno(agino uint32) uint32 {
	return agino >> g.InopbLog
}

func (g *Geometry) AgbnoToAgino(agbno uint32) uint32 {
	return agbno << g.InopbLog
}

// InodeOffset is the byte offset of an inode within its block.
func (g *Geometry) InodeOffset(ino uint64) int64 {
	return int64(g.InoToAgino(ino)&(1<<g.InopbLog-1)) << g.InodeLog
}

// InoToFsb returns the filesystem block holding an inode.
func (g *Geometry) InoToFsb(ino uint64) uint64 {
	return g.Fsb(g.InoToAG(ino), g.AginoToAgbno(g.InoToAgino(ino)))
}

func (g *Geometry) FsbToAG(fsbno uint64) uint32 {
	return uint32(fsbno >> g.AGBlkLog)
}

func (g *Geometry) FsbToAgbno(fsbno uint64) uint32 {
	return uint32(fsbno & (1<<g.AGBlkLog - 1))
}

func (g *Geometry) Fsb(agno, agbno uint32) uint64 {
	return uint64(agno)<<g.AGBlkLog | uint64(agbno)
}

// ByteOffset converts a filesystem block number to an offset on the device.
func (g *Geometry) ByteOffset(fsbno uint64) int64 {
	agno := int64(g.FsbToAG(fsbno))
	agbno := int64(g.FsbToAgbno(fsbno))
	return (agno*int64(g.AGBlocks) + agbno) << g.BlockLog
}

// AGLength is the number of blocks in an allocation group. Only the last
// group can be shorter than AGBlocks.
func (g *Geometry) AGLength(agno uint32) uint32 {
	if agno == g.AGCount-1 {
		return uint32(g.DataBlocks - uint64(agno)*uint64(g.AGBlocks))
	}
	return g.AGBlocks
}

// HeaderBlocks is the number of blocks at the start of every AG occupied by
// the superblock copy, AGF, AGI and AGFL sectors.
func (g *Geometry) HeaderBlocks() uint32 {
	return uint32(divide(4*g.SectorSize(), g.BlockSize()))
}

func (g *Geometry) ValidAG(agno uint32) bool {
	return agno < g.AGCount
}

// ValidFsbRange reports whether [fsbno, fsbno+length) lies inside one AG and
// clear of its headers.
func (g *Geometry) ValidFsbRange(fsbno uint64, length uint32) bool {

	agno := g.FsbToAG(fsbno)
	if !g.ValidAG(agno) || length == 0 {
		return false
	}

	agbno := g.FsbToAgbno(fsbno)
	end := uint64(agbno) + uint64(length)
	return agbno >= g.HeaderBlocks() && end <= uint64(g.AGLength(agno))

}

// ValidIno reports whether an inode number addresses an inode slot that
// could exist.
func (g *Geometry) ValidIno(ino uint64) bool {

	if IsNullIno(ino) {
		return false
	}

	agno := g.InoToAG(ino)
	if !g.ValidAG(agno) {
		return false
	}

	agbno := g.AginoToAgbno(g.InoToAgino(ino))
	return agbno >= g.HeaderBlocks() && agbno < g.AGLength(agno)

}

// ChunkBlocks is the number of blocks occupied by one 64-inode chunk.
func (g *Geometry) ChunkBlocks() uint32 {
	n := uint32(InodesPerChunk >> g.InopbLog)
	if n == 0 {
		n = 1
	}
	return n
}

// ClusterBlocks is the unit in which inode chunks are read.
func (g *Geometry) ClusterBlocks() uint32 {
	n := uint32(InodeClusterSize >> g.BlockLog)
	if n == 0 {
		n = 1
	}
	if n > g.ChunkBlocks() {
		n = g.ChunkBlocks()
	}
	return n
}

// ForkSize is the size of the data fork literal area of an inode.
func (g *Geometry) ForkSize(forkOff uint8) int {
	if forkOff != 0 {
		return int(forkOff) << 3
	}
	return int(g.InodeSize()) - InodeCoreSize
}

func (g *Geometry) DirBlockSize() int64 {
	return g.BlockSize() << g.DirBlkLog
}

// DirBlockFsbs is the number of filesystem blocks per directory block.
func (g *Geometry) DirBlockFsbs() uint32 {
	return 1 << g.DirBlkLog
}

// LeafOffset is the file offset, in filesystem blocks, of the first
// directory leaf/node block.
func (g *Geometry) LeafOffset() uint64 {
	return Dir2SpaceSize >> g.BlockLog
}

// FreeOffset is the file offset, in filesystem blocks, of the first
// directory free index block.
func (g *Geometry) FreeOffset() uint64 {
	return 2 * Dir2SpaceSize >> g.BlockLog
}

// DataPtr is the leaf address of a data entry at byte offset off in data
// block db.
func (g *Geometry) DataPtr(db uint32, off uint16) uint32 {
	return uint32((uint64(db)*uint64(g.DirBlockSize()) + uint64(off)) >> Dir2DataAlignLog)
}

// SplitDataPtr is the inverse of DataPtr.
func (g *Geometry) SplitDataPtr(addr uint32) (db uint32, off uint16) {
	bytes := uint64(addr) << Dir2DataAlignLog
	return uint32(bytes / uint64(g.DirBlockSize())), uint16(bytes % uint64(g.DirBlockSize()))
}

// LogRange returns the location of an internal log, if there is one.
func (g *Geometry) LogRange() (agno, agbno, length uint32, ok bool) {
	if g.LogStart == 0 || g.LogBlocks == 0 {
		return 0, 0, 0, false
	}
	return g.FsbToAG(g.LogStart), g.FsbToAgbno(g.LogStart), g.LogBlocks, true
}

func (g *Geometry) HasRealtime() bool {
	return g.RBlocks > 0 && g.RExtSize > 0
}

// MetadataInodes lists the inodes that are owned by the filesystem rather
// than by the directory tree.
func (g *Geometry) MetadataInodes() []uint64 {
	var inos []uint64
	for _, ino := range []uint64{g.RbmIno, g.RsumIno, g.UQuotIno, g.GQuotIno} {
		if g.ValidIno(ino) {
			inos = append(inos, ino)
		}
	}
	return inos
}
