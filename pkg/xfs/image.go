package xfs

import (
	"bytes"

	"github.com/pkg/errors"
)

// ImageOptions shape a filesystem built in memory by NewImage.
type ImageOptions struct {
	BlockLog  uint8
	InodeLog  uint8
	AGBlkLog  uint8
	AGCount   uint32
	LogBlocks uint32
	DirBlkLog uint8
}

// DefaultImageOptions describes a small two-AG filesystem with 4 KiB blocks
// and 512 byte inodes.
func DefaultImageOptions() ImageOptions {
	return ImageOptions{
		BlockLog:  12,
		InodeLog:  9,
		AGBlkLog:  8,
		AGCount:   2,
		LogBlocks: 16,
	}
}

type imageChunk struct {
	start uint32
	free  uint64
}

type imageInode struct {
	ip       *Inode
	entries  []Dentry
	parent   uint64
	extents  []Extent
	floor    DirFormat
	links    uint32
	linksSet bool
}

// Image builds a consistent version 4 filesystem in memory. It exists to
// produce fixtures: every structure it writes goes through the same
// encoders the repair code uses.
type Image struct {
	geo    *Geometry
	sb     *SuperBlock
	data   []byte
	next   []uint32
	gaps   [][]AGExtent
	chunks [][]*imageChunk
	inodes map[uint64]*imageInode
	order  []uint64
	root   uint64
	done   bool
}

// NewImage creates an empty filesystem holding only the root directory and
// the realtime bitmap and summary inodes.
func NewImage(opts ImageOptions) (*Image, error) {

	if opts.BlockLog < 9 || opts.InodeLog < 8 || opts.InodeLog > opts.BlockLog || opts.AGCount == 0 || opts.AGBlkLog < 6 {
		return nil, errors.Errorf("unusable image options %+v", opts)
	}

	agblocks := uint32(1) << opts.AGBlkLog
	if !isPowerOfTwo(int64(agblocks)) {
		return nil, errors.Errorf("unusable image options %+v", opts)
	}

	uid, err := generateUID()
	if err != nil {
		return nil, err
	}

	sb := &SuperBlock{
		MagicNumber:                SBMagicNumber,
		BlockSize:                  1 << opts.BlockLog,
		DataBlocks:                 uint64(agblocks) * uint64(opts.AGCount),
		UUID:                       uid,
		RealtimeExtentBlocks:       1,
		AGBlocks:                   agblocks,
		AGCount:                    opts.AGCount,
		LogBlocks:                  opts.LogBlocks,
		VersionNum:                 VersionNumber | VersionAlignBit | VersionNlinkBit | VersionLogV2Bit | VersionExtFlgBit | VersionDirV2Bit | VersionMoreBitsBit,
		SectorSize:                 SectorSize,
		InodeSize:                  1 << opts.InodeLog,
		InodesPerBlock:             1 << (opts.BlockLog - opts.InodeLog),
		FSName:                     [12]byte{'x', 'f', 's'},
		BlockSizeLogarithmic:       opts.BlockLog,
		SectorSizeLogarithmic:      sectorSizeLog,
		InodeSizeLogarithmic:       opts.InodeLog,
		InodesPerBlockLogarithmic:  opts.BlockLog - opts.InodeLog,
		AGBlocksLogarithmic:        opts.AGBlkLog,
		InodesMaxPercentage:        inodesPercentage,
		DirectoryBlocksLogarithmic: opts.DirBlkLog,
		MoreFeatures:               Version2LazySBCountBit,
		BadFeatures:                Version2LazySBCountBit,
		InodeChunkAlignment:        2,
		LogStripeUnit:              1,
	}

	img := &Image{
		sb:     sb,
		next:   make([]uint32, opts.AGCount),
		gaps:   make([][]AGExtent, opts.AGCount),
		chunks: make([][]*imageChunk, opts.AGCount),
		inodes: make(map[uint64]*imageInode),
	}

	// the geometry needs a root inode before it validates, so start from a
	// provisional one and fix it up once the first chunk exists
	hb := uint32(divide(4*SectorSize, int64(sb.BlockSize)))
	sb.RootInode = uint64(hb) << sb.InodesPerBlockLogarithmic

	img.geo, err = NewGeometry(sb)
	if err != nil {
		return nil, err
	}

	for agno := range img.next {
		img.next[agno] = hb + 3
	}

	if opts.LogBlocks > 0 {
		sb.LogStart = img.geo.Fsb(0, img.next[0])
		img.next[0] += opts.LogBlocks
		img.geo.LogStart = sb.LogStart
	}

	img.root, err = img.AllocInode(0, ModeDirectory|0755)
	if err != nil {
		return nil, err
	}
	img.inodes[img.root].parent = img.root

	sb.RootInode = img.root
	img.geo.RootIno = img.root

	for _, p := range []*uint64{&sb.RealtimeBitmapInode, &sb.RealtimeSummaryInode} {
		*p, err = img.AllocInode(0, ModeRegular|0600)
		if err != nil {
			return nil, err
		}
	}

	img.geo.RbmIno = sb.RealtimeBitmapInode
	img.geo.RsumIno = sb.RealtimeSummaryInode

	return img, nil

}

func (img *Image) Geometry() *Geometry {
	return img.geo
}

func (img *Image) Root() uint64 {
	return img.root
}

// AllocBlocks reserves length contiguous blocks in an AG.
func (img *Image) AllocBlocks(agno uint32, length uint32) (uint64, error) {

	if !img.geo.ValidAG(agno) {
		return 0, errors.Errorf("no allocation group %d", agno)
	}

	start := img.next[agno]
	if uint64(start)+uint64(length) > uint64(img.geo.AGLength(agno)) {
		return 0, errors.Errorf("allocation group %d is full", agno)
	}

	img.next[agno] += length
	return img.geo.Fsb(agno, start), nil

}

// AllocInode allocates an inode in an AG without linking it anywhere.
// Regular files start with one link so an unlinked one is an orphan.
func (img *Image) AllocInode(agno uint32, mode uint16) (uint64, error) {

	if !img.geo.ValidAG(agno) {
		return 0, errors.Errorf("no allocation group %d", agno)
	}

	var chunk *imageChunk
	for _, c := range img.chunks[agno] {
		if c.free != 0 {
			chunk = c
			break
		}
	}

	if chunk == nil {
		cb := img.geo.ChunkBlocks()
		aligned := uint32(align(int64(img.next[agno]), int64(cb)))
		if aligned > img.next[agno] {
			img.gaps[agno] = append(img.gaps[agno], AGExtent{Start: img.next[agno], Length: aligned - img.next[agno]})
			img.next[agno] = aligned
		}
		fsbno, err := img.AllocBlocks(agno, cb)
		if err != nil {
			return 0, err
		}
		chunk = &imageChunk{
			start: img.geo.AgbnoToAgino(img.geo.FsbToAgbno(fsbno)),
			free:  ^uint64(0),
		}
		img.chunks[agno] = append(img.chunks[agno], chunk)
	}

	var slot uint32
	for chunk.free&(1<<slot) == 0 {
		slot++
	}
	chunk.free &^= 1 << slot

	ino := img.geo.Ino(agno, chunk.start+slot)
	ii := &imageInode{ip: NewInode(img.geo, ino, mode)}
	if ii.ip.IsDir() {
		ii.parent = ino
	}

	img.inodes[ino] = ii
	img.order = append(img.order, ino)

	return ino, nil

}

func (img *Image) lookup(ino uint64) (*imageInode, error) {
	ii, ok := img.inodes[ino]
	if !ok {
		return nil, errors.Errorf("no inode %d in image", ino)
	}
	return ii, nil
}

func (img *Image) lookupDir(ino uint64) (*imageInode, error) {
	ii, err := img.lookup(ino)
	if err != nil {
		return nil, err
	}
	if !ii.ip.IsDir() {
		return nil, errors.Errorf("inode %d is not a directory", ino)
	}
	return ii, nil
}

// Mkdir creates a subdirectory in the parent's AG.
func (img *Image) Mkdir(parent uint64, name string) (uint64, error) {
	return img.MkdirIn(img.geo.InoToAG(parent), parent, name)
}

// MkdirIn creates a subdirectory whose inode lives in agno.
func (img *Image) MkdirIn(agno uint32, parent uint64, name string) (uint64, error) {

	p, err := img.lookupDir(parent)
	if err != nil {
		return 0, err
	}

	ino, err := img.AllocInode(agno, ModeDirectory|0755)
	if err != nil {
		return 0, err
	}

	img.inodes[ino].parent = parent
	p.entries = append(p.entries, Dentry{Name: name, Inode: ino})

	return ino, nil

}

// Create creates a regular file with one extent of length blocks.
func (img *Image) Create(parent uint64, name string, length uint32) (uint64, error) {
	return img.CreateIn(img.geo.InoToAG(parent), parent, name, length)
}

// CreateIn creates a regular file whose inode and data live in agno.
func (img *Image) CreateIn(agno uint32, parent uint64, name string, length uint32) (uint64, error) {

	p, err := img.lookupDir(parent)
	if err != nil {
		return 0, err
	}

	ino, err := img.AllocInode(agno, ModeRegular|0644)
	if err != nil {
		return 0, err
	}

	if length > 0 {
		fsbno, err := img.AllocBlocks(agno, length)
		if err != nil {
			return 0, err
		}
		err = img.AddExtent(ino, fsbno, length)
		if err != nil {
			return 0, err
		}
	}

	p.entries = append(p.entries, Dentry{Name: name, Inode: ino})

	return ino, nil

}

// AddExtent maps blocks at the end of a file. The blocks are not checked
// against other owners.
func (img *Image) AddExtent(ino uint64, fsbno uint64, length uint32) error {

	ii, err := img.lookup(ino)
	if err != nil {
		return err
	}

	var off uint64
	if n := len(ii.extents); n > 0 {
		off = ii.extents[n-1].End()
	}

	ii.extents = append(ii.extents, Extent{Offset: off, Block: fsbno, Length: length})
	ii.ip.Core.Size = int64(ii.extents[len(ii.extents)-1].End()) << img.geo.BlockLog

	return nil

}

// Link adds a raw directory entry.
func (img *Image) Link(dir uint64, name string, ino uint64) error {

	d, err := img.lookupDir(dir)
	if err != nil {
		return err
	}

	d.entries = append(d.entries, Dentry{Name: name, Inode: ino})
	return nil

}

// SetParent overrides the ".." a directory is written with.
func (img *Image) SetParent(dir, parent uint64) error {

	d, err := img.lookupDir(dir)
	if err != nil {
		return err
	}

	d.parent = parent
	return nil

}

// SetLinks overrides the link count an inode is written with.
func (img *Image) SetLinks(ino uint64, n uint32) error {

	ii, err := img.lookup(ino)
	if err != nil {
		return err
	}

	ii.links = n
	ii.linksSet = true
	return nil

}

// SetDirFormat forces a directory into at least the given format.
func (img *Image) SetDirFormat(dir uint64, floor DirFormat) error {

	d, err := img.lookupDir(dir)
	if err != nil {
		return err
	}

	d.floor = floor
	return nil

}

// Inode returns the inode as it was (or will be) written.
func (img *Image) Inode(ino uint64) *Inode {
	ii, ok := img.inodes[ino]
	if !ok {
		return nil
	}
	return ii.ip
}

// Extents returns the data fork mapping written for an inode.
func (img *Image) Extents(ino uint64) []Extent {
	ii, ok := img.inodes[ino]
	if !ok {
		return nil
	}
	return ii.extents
}

// Offset is the byte offset of a block in the finished image.
func (img *Image) Offset(fsbno uint64) int64 {
	return img.geo.ByteOffset(fsbno)
}

func (img *Image) computeLinks() {

	refs := make(map[uint64]uint32)

	for _, ino := range img.order {
		ii := img.inodes[ino]
		if !ii.ip.IsDir() {
			continue
		}
		refs[ino]++
		if ino == img.root {
			refs[ino]++
		}
		for _, e := range ii.entries {
			refs[e.Inode]++
			child, ok := img.inodes[e.Inode]
			if ok && child.ip.IsDir() && child.parent == ino {
				refs[ino]++
			}
		}
	}

	for _, ino := range []uint64{img.sb.RealtimeBitmapInode, img.sb.RealtimeSummaryInode} {
		refs[ino]++
	}

	for ino, ii := range img.inodes {
		n := refs[ino]
		if ii.linksSet {
			n = ii.links
		} else if n == 0 && !ii.ip.IsDir() {
			n = 1
		}
		ii.ip.SetLinks(n)
	}

}

func (img *Image) writeDirectory(ii *imageInode) error {

	geo := img.geo
	ip := ii.ip

	layout, err := BuildDirectory(geo, geo.ForkSize(ip.Core.ForkOff), ip.Number, ii.parent, ii.entries, ii.floor)
	if err != nil {
		return err
	}

	ip.Core.Size = layout.Size

	if layout.Format == DirShortForm {
		ip.Core.Format = InodeFormatLocal
		ip.Core.NExtents = 0
		ip.Fork = layout.Local
		return nil
	}

	fsbno, err := img.AllocBlocks(geo.InoToAG(ip.Number), layout.Fsbs(geo))
	if err != nil {
		return err
	}

	var extents []Extent
	for _, blk := range layout.Blocks {
		n := len(extents)
		if n > 0 && extents[n-1].End() == blk.DA {
			extents[n-1].Length += geo.DirBlockFsbs()
		} else {
			extents = append(extents, Extent{Offset: blk.DA, Block: fsbno, Length: geo.DirBlockFsbs()})
		}
		copy(img.data[geo.ByteOffset(fsbno):], blk.Data)
		fsbno += uint64(geo.DirBlockFsbs())
	}

	ii.extents = extents
	return nil

}

// Finish lays out directories, writes every structure and returns the
// image. The image cannot be modified afterwards.
func (img *Image) Finish() ([]byte, error) {

	if img.done {
		return img.data, nil
	}

	geo := img.geo
	img.data = make([]byte, int64(geo.DataBlocks)<<geo.BlockLog)

	for _, ino := range img.order {
		ii := img.inodes[ino]
		if ii.ip.IsDir() {
			err := img.writeDirectory(ii)
			if err != nil {
				return nil, errors.Wrapf(err, "directory %d", ino)
			}
		}
	}

	img.computeLinks()

	for _, ino := range img.order {
		ii := img.inodes[ino]
		if len(ii.extents) > 0 {
			err := ii.ip.SetExtents(geo, ii.extents)
			if err != nil {
				return nil, err
			}
			var blocks uint64
			for _, e := range ii.extents {
				blocks += uint64(e.Length)
			}
			ii.ip.Core.NBlocks = blocks
		}
	}

	for agno := uint32(0); agno < geo.AGCount; agno++ {
		err := img.writeAG(agno)
		if err != nil {
			return nil, errors.Wrapf(err, "ag %d", agno)
		}
	}

	img.done = true
	return img.data, nil

}

func (img *Image) block(agno, agbno uint32) []byte {
	off := img.geo.ByteOffset(img.geo.Fsb(agno, agbno))
	return img.data[off : off+img.geo.BlockSize()]
}

func (img *Image) writeAG(agno uint32) error {

	geo := img.geo
	hb := geo.HeaderBlocks()
	length := geo.AGLength(agno)
	ss := geo.SectorSize()
	hdr := img.data[geo.ByteOffset(geo.Fsb(agno, 0)):]

	free := append([]AGExtent(nil), img.gaps[agno]...)
	if img.next[agno] < length {
		free = append(free, AGExtent{Start: img.next[agno], Length: length - img.next[agno]})
	}

	var freeBlocks, longest uint32
	for _, e := range free {
		freeBlocks += e.Length
		if e.Length > longest {
			longest = e.Length
		}
	}

	err := img.writeInodes(agno)
	if err != nil {
		return err
	}

	chunks := img.chunks[agno]
	var freeInodes uint32
	recs := new(bytes.Buffer)
	for _, c := range chunks {
		var n uint32
		for i := uint(0); i < InodesPerChunk; i++ {
			if c.free&(1<<i) != 0 {
				n++
			}
		}
		freeInodes += n
		writeBE(recs, InodeBTRecord{StartIno: c.start, FreeCount: n, Free: c.free})
	}

	img.sb.InodesAllocated += uint64(len(chunks)) * InodesPerChunk
	img.sb.InodesFree += uint64(freeInodes)
	img.sb.DataFree += uint64(freeBlocks)

	img.writeShortBTree(img.block(agno, hb), IBTMagicNumber, len(chunks), recs.Bytes())

	byStart := new(bytes.Buffer)
	for _, e := range free {
		writeBE(byStart, AllocRecord{StartBlock: e.Start, BlockCount: e.Length})
	}
	img.writeShortBTree(img.block(agno, hb+1), ABTBMagicNumber, len(free), byStart.Bytes())

	byCount := new(bytes.Buffer)
	for _, e := range SortByCount(free) {
		writeBE(byCount, AllocRecord{StartBlock: e.Start, BlockCount: e.Length})
	}
	img.writeShortBTree(img.block(agno, hb+2), ABTCMagicNumber, len(free), byCount.Bytes())

	agf := &AGF{
		Magic:      AGFMagicNumber,
		Version:    AGFVersion,
		SeqNo:      agno,
		Length:     length,
		Roots:      [2]uint32{hb + 1, hb + 2},
		Levels:     [2]uint32{1, 1},
		FreeBlocks: freeBlocks,
		Longest:    longest,
	}

	err = encodeHeader(agf, hdr[ss:2*ss])
	if err != nil {
		return err
	}

	agi := &AGI{
		Magic:     AGIMagicNumber,
		Version:   AGIVersion,
		SeqNo:     agno,
		Length:    length,
		Count:     uint32(len(chunks)) * InodesPerChunk,
		Root:      hb,
		Level:     1,
		FreeCount: freeInodes,
		NewIno:    NullAgbno,
		DirIno:    NullAgbno,
	}

	if len(chunks) > 0 {
		agi.NewIno = chunks[len(chunks)-1].start
	}

	for i := range agi.Unlinked {
		agi.Unlinked[i] = NullAgbno
	}

	err = encodeHeader(agi, hdr[2*ss:3*ss])
	if err != nil {
		return err
	}

	copy(hdr[3*ss:4*ss], bytes.Repeat([]byte{0xFF}, int(ss)))

	if agno == geo.AGCount-1 {
		for a := uint32(0); a < geo.AGCount; a++ {
			err = EncodeSuperBlock(img.sb, img.data[geo.ByteOffset(geo.Fsb(a, 0)):])
			if err != nil {
				return err
			}
		}
	}

	return nil

}

func (img *Image) writeShortBTree(b []byte, magic uint32, numrecs int, recs []byte) {
	hdr := new(bytes.Buffer)
	writeBE(hdr, BTreeSBlock{
		Magic:    magic,
		NumRecs:  uint16(numrecs),
		LeftSIB:  NullAgbno,
		RightSIB: NullAgbno,
	})
	copy(b, hdr.Bytes())
	copy(b[SBTBlockHdrSize:], recs)
}

func (img *Image) writeInodes(agno uint32) error {

	geo := img.geo

	for _, c := range img.chunks[agno] {
		for i := uint32(0); i < InodesPerChunk; i++ {

			ino := geo.Ino(agno, c.start+i)
			fsbno := geo.InoToFsb(ino)
			off := geo.ByteOffset(fsbno) + geo.InodeOffset(ino)
			slot := img.data[off : off+geo.InodeSize()]

			ip := &Inode{Number: ino, Core: InodeCore{Magic: InodeMagicNumber, Version: 2, NextUnlinked: 0xFFFFFFFF}}
			if ii, ok := img.inodes[ino]; ok {
				ip = ii.ip
			}

			err := ip.Encode(geo, slot)
			if err != nil {
				return err
			}

		}
	}

	return nil

}
