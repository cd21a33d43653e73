package xfs

const (
	SBMagicNumber    = 0x58465342 // "XFSB"
	sectorSizeLog    = 9
	SectorSize       = 0x1 << sectorSizeLog
	inodesPercentage = 25

	VersionNumMask     = 0x000f // XFS_SB_VERSION_NUMBITS
	VersionNumber      = 4      // XFS_SB_VERSION_4
	VersionNlinkBit    = 0x0020 // XFS_SB_VERSION_NLINKBIT
	VersionAlignBit    = 0x0080 // XFS_SB_VERSION_ALIGNBIT
	VersionLogV2Bit    = 0x0400 // XFS_SB_VERSION_LOGV2BIT
	VersionExtFlgBit   = 0x1000 // XFS_SB_VERSION_EXTFLGBIT
	VersionDirV2Bit    = 0x2000 // XFS_SB_VERSION_DIRV2BIT
	VersionMoreBitsBit = 0x8000 // XFS_SB_VERSION_MOREBITSBIT

	Version2LazySBCountBit = 0x00000002 // XFS_SB_VERSION2_LAZYSBCOUNTBIT
	Version2CRCBit         = 0x00000100 // XFS_SB_VERSION2_CRCBIT
	Version2Ftype          = 0x00000200 // XFS_SB_VERSION2_FTYPE

	AGFMagicNumber = 0x58414746 // "XAGF"
	AGFVersion     = 1          // XFS_AGF_VERSION

	AGIMagicNumber = 0x58414749 // "XAGI"
	AGIVersion     = 1          // XFS_AGI_VERSION

	ABTBMagicNumber = 0x41425442 // "ABTB"
	ABTCMagicNumber = 0x41425443 // "ABTC"
	IBTMagicNumber  = 0x49414254 // "IABT"
	BMAPMagicNumber = 0x424d4150 // "BMAP"

	Dir2DataFDCount = 3          // XFS_DIR2_DATA_FD_COUNT
	Dir2BlockMagic  = 0x58443242 // XFS_DIR2_BLOCK_MAGIC "XD2B"
	Dir2BlockData   = 0x58443244 // XFS_DIR2_DATA_MAGIC "XD2D"
	Dir2Leaf1Magic  = 0xD2F1     // XFS_DIR2_LEAF1_MAGIC
	Dir2FreeMagic   = 0x58443246 // XFS_DIR2_FREE_MAGIC "XD2F"
	Dir2NodeMagic   = 0xFEBE     // XFS_DA_NODE_MAGIC
	Dir2LeafNMagic  = 0xD2FF     // XFS_DIR2_LEAFN_MAGIC

	Dir2DataAlignLog = 3           // XFS_DIR2_DATA_ALIGN_LOG
	Dir2NullDataPtr  = 0           // XFS_DIR2_NULL_DATAPTR
	Dir2DataFreeTag  = 0xFFFF      // XFS_DIR2_DATA_FREE_TAG
	Dir2NullBest     = 0xFFFF      // NULLDATAOFF
	Dir2SpaceSize    = 0x800000000 // XFS_DIR2_SPACE_SIZE (32 GiB)
	Dir2DataHdrSize  = 16
	Dir2LeafHdrSize  = 16
	Dir2FreeHdrSize  = 16
	DANodeHdrSize    = 16
	DAMaxDepth       = 5 // XFS_DA_NODE_MAXDEPTH

	InodeMagicNumber = 0x494e // "IN" (in ascii)
	InodeCoreSize    = 100
	InodesPerChunk   = 64 // XFS_INODES_PER_CHUNK
	InodeClusterSize = 8192

	InodeFormatDev     = 0
	InodeFormatLocal   = 1
	InodeFormatExtents = 2
	InodeFormatBTree   = 3

	ModeFormatMask = 0xF000 // S_IFMT
	ModeFIFO       = 0x1000
	ModeCharDev    = 0x2000
	ModeDirectory  = 0x4000
	ModeBlockDev   = 0x6000
	ModeRegular    = 0x8000
	ModeSymlink    = 0xA000
	ModeSocket     = 0xC000

	DiflagRealtime = 0x0001 // XFS_DIFLAG_REALTIME

	BMBTBlockHdrSize = 24 // long form btree block header
	BMDRHdrSize      = 4  // in-inode bmap btree root header
	SBTBlockHdrSize  = 16 // short form btree block header

	MaxExtentLength = 1<<21 - 1 // MAXEXTLEN
	MaxNameLength   = 255

	NullIno   = ^uint64(0) // NULLFSINO
	NullAgbno = ^uint32(0) // NULLAGBLOCK
)

// IsNullIno reports whether an inode pointer in the superblock is unset.
func IsNullIno(ino uint64) bool {
	return ino == 0 || ino == NullIno
}

// SuperBlock is the v4 superblock as it sits in sector 0 of every AG. The
// v5 fields that follow BadFeatures are never read: filesystems with the
// CRC bit set are refused before anything else is decoded.
type SuperBlock struct {
	MagicNumber                     uint32   // 0
	BlockSize                       uint32   // 4
	DataBlocks                      uint64   // 8
	RealtimeBlocks                  uint64   // 16
	RealtimeExtents                 uint64   // 24
	UUID                            [16]byte // 32
	LogStart                        uint64   // 48
	RootInode                       uint64   // 56
	RealtimeBitmapInode             uint64   // 64
	RealtimeSummaryInode            uint64   // 72
	RealtimeExtentBlocks            uint32   // 80
	AGBlocks                        uint32   // 84
	AGCount                         uint32   // 88
	RealtimeBitmapBlocks            uint32   // 92
	LogBlocks                       uint32   // 96
	VersionNum                      uint16   // 100
	SectorSize                      uint16   // 102
	InodeSize                       uint16   // 104
	InodesPerBlock                  uint16   // 106
	FSName                          [12]byte // 108
	BlockSizeLogarithmic            uint8    // 120
	SectorSizeLogarithmic           uint8    // 121
	InodeSizeLogarithmic            uint8    // 122
	InodesPerBlockLogarithmic       uint8    // 123
	AGBlocksLogarithmic             uint8    // 124
	RealtimeExtentBlocksLogarithmic uint8    // 125
	InProgress                      uint8    // 126
	InodesMaxPercentage             uint8    // 127

	// Summary counters. Repair leaves them to the kernel, which recomputes
	// them at mount when lazy counters are on.
	InodesAllocated     uint64 // 128
	InodesFree          uint64 // 136
	DataFree            uint64 // 144
	RealtimeExtentsFree uint64 // 152

	// Nulled when the inode they name is cleared.
	UserQuotasInode  uint64 // 160
	GroupQuotasInode uint64 // 168

	QuotaFlags                 uint16 // 176
	MiscFlags                  uint8  // 178
	SharedVN                   uint8  // 179
	InodeChunkAlignment        uint32 // 180
	StripeUnitBlocks           uint32 // 184
	StripeWidthBlocks          uint32 // 188
	DirectoryBlocksLogarithmic uint8  // 192
	LogSectorSizeLogarithmic   uint8  // 193
	LogSectorSize              uint16 // 194
	LogStripeUnit              uint32 // 196
	MoreFeatures               uint32 // 200
	BadFeatures                uint32 // 204
}

// AGF heads an AG's free space: the by-block and by-size btrees and the
// free list.
type AGF struct {
	Magic       uint32    // 0
	Version     uint32    // 4
	SeqNo       uint32    // 8
	Length      uint32    // 12
	Roots       [2]uint32 // 16
	Spare0      uint32    // 24
	Levels      [2]uint32 // 28
	Spare1      uint32    // 36
	FLFirst     uint32    // 40
	FLLast      uint32    // 44
	FLCount     uint32    // 48
	FreeBlocks  uint32    // 52
	Longest     uint32    // 56
	BTreeBlocks uint32    // 60
}

// AGI heads an AG's inode btree and its unlinked lists.
type AGI struct {
	Magic     uint32     // 0
	Version   uint32     // 4
	SeqNo     uint32     // 8
	Length    uint32     // 12
	Count     uint32     // 16
	Root      uint32     // 20
	Level     uint32     // 24
	FreeCount uint32     // 28
	NewIno    uint32     // 32
	DirIno    uint32     // 36
	Unlinked  [64]uint32 // 40
}

// BTreeSBlock is the header of a short form (AG relative) btree block.
type BTreeSBlock struct {
	Magic    uint32 // 0
	Level    uint16 // 4
	NumRecs  uint16 // 6
	LeftSIB  uint32 // 8
	RightSIB uint32 // 12
}

// AllocRecord is a free extent in either free space btree.
type AllocRecord struct {
	StartBlock uint32 // 0
	BlockCount uint32 // 4
}

// InodeBTRecord describes one chunk of 64 inodes. Free has a bit set for
// every unused inode of the chunk.
type InodeBTRecord struct {
	StartIno  uint32 // 0
	FreeCount uint32 // 4
	Free      uint64 // 8
}

type Timestamp struct {
	Sec  uint32 // 0
	NSec uint32 // 4
}

// InodeCore is the fixed part of a v1/v2 inode. The data fork follows it,
// the attribute fork starts ForkOff*8 bytes into the literal area.
type InodeCore struct {
	Magic        uint16    // 0
	Mode         uint16    // 2
	Version      uint8     // 4
	Format       uint8     // 5
	Onlink       uint16    // 6
	UID          uint32    // 8
	GID          uint32    // 12
	Nlink        uint32    // 16
	ProjID       uint16    // 20
	Pad          [8]byte   // 22
	FlushIter    uint16    // 30
	ATime        Timestamp // 32
	MTime        Timestamp // 40
	CTime        Timestamp // 48
	Size         int64     // 56
	NBlocks      uint64    // 64
	ExtSize      uint32    // 72
	NExtents     int32     // 76
	ANExtents    int16     // 80
	ForkOff      uint8     // 82
	AFormat      int8      // 83
	DMevMask     uint32    // 84
	DMState      uint16    // 88
	Flags        uint16    // 90
	Gen          uint32    // 92
	NextUnlinked uint32    // 96
} // 100

// Directory blocks.

// Dir2FreeEntry is one of the three longest unused regions a data block
// header advertises.
type Dir2FreeEntry struct {
	Offset uint16 // 0
	Length uint16 // 2
}

// Dir2BlockTail ends a single block directory, just after its leaf
// entries.
type Dir2BlockTail struct {
	Count uint32 // 0
	Stale uint32 // 4
}

// BlockInfo links the leaf and node blocks of one btree level.
type BlockInfo struct {
	Forw  uint32
	Back  uint32
	Magic uint16
	Pad   uint16
}

type Dir2LeafHeader struct {
	Info  BlockInfo // 0
	Count uint16    // 12
	Stale uint16    // 14
} // 16

// Dir2LeafEntry maps a name hash to the address of its data entry, in
// units of 8 bytes from the start of the directory. A null address marks
// a stale entry.
type Dir2LeafEntry struct {
	HashVal uint32 // 0
	Address uint32 // 4
} // 8

type Dir2NodeBlockHeader struct {
	Info  BlockInfo
	Count uint16
	Level uint16
}

// DANodeEntry points at the child block holding hashes up to HashVal.
type DANodeEntry struct {
	HashVal uint32 // 0
	Before  uint32 // 4
} // 8

// Dir2FreeIndexHeader starts a free index block. The block lists the
// longest free region of data blocks FirstDB to FirstDB+NValid-1.
type Dir2FreeIndexHeader struct {
	Magic   uint32
	FirstDB int32
	NValid  int32
	NUsed   int32
}
