package xfs

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Inode is a decoded on-disk inode. Fork holds the data fork literal area
// and Attr whatever follows it, which is preserved but never interpreted.
type Inode struct {
	Number uint64
	Core   InodeCore
	Fork   []byte
	Attr   []byte
}

// DecodeInode decodes an inode from its inode-sized slot.
func DecodeInode(geo *Geometry, ino uint64, b []byte) (*Inode, error) {

	if int64(len(b)) < geo.InodeSize() {
		return nil, corruptf("inode %d: short buffer", ino)
	}

	ip := &Inode{Number: ino}

	err := binary.Read(bytes.NewReader(b[:InodeCoreSize]), binary.BigEndian, &ip.Core)
	if err != nil {
		return nil, errors.Wrapf(err, "inode %d", ino)
	}

	lit := b[InodeCoreSize:geo.InodeSize()]
	fs := geo.ForkSize(ip.Core.ForkOff)
	if fs > len(lit) {
		fs = len(lit)
	}

	ip.Fork = append([]byte(nil), lit[:fs]...)
	ip.Attr = append([]byte(nil), lit[fs:]...)

	return ip, nil

}

// Encode writes the inode into its inode-sized slot.
func (ip *Inode) Encode(geo *Geometry, b []byte) error {

	buf := new(bytes.Buffer)

	err := binary.Write(buf, binary.BigEndian, &ip.Core)
	if err != nil {
		return errors.Wrapf(err, "inode %d", ip.Number)
	}

	lit := b[InodeCoreSize:geo.InodeSize()]
	fs := geo.ForkSize(ip.Core.ForkOff)
	if len(ip.Fork) > fs {
		return errors.Errorf("inode %d: data fork of %d bytes exceeds %d", ip.Number, len(ip.Fork), fs)
	}

	copy(b, buf.Bytes())
	for i := range lit {
		lit[i] = 0
	}
	copy(lit, ip.Fork)
	if fs < len(lit) {
		copy(lit[fs:], ip.Attr)
	}

	return nil

}

func (ip *Inode) Type() uint16 {
	return ip.Core.Mode & ModeFormatMask
}

func (ip *Inode) IsDir() bool {
	return ip.Type() == ModeDirectory
}

// InUse reports whether the inode slot holds a live inode.
func (ip *Inode) InUse() bool {
	return ip.Core.Mode != 0
}

func (ip *Inode) IsRealtime() bool {
	return ip.Core.Flags&DiflagRealtime != 0
}

// Links returns the on-disk link count regardless of inode version.
func (ip *Inode) Links() uint32 {
	if ip.Core.Version == 1 {
		return uint32(ip.Core.Onlink)
	}
	return ip.Core.Nlink
}

// SetLinks stores a link count, upgrading version 1 inodes whose count no
// longer fits the old 16-bit field.
func (ip *Inode) SetLinks(n uint32) {
	if ip.Core.Version == 1 && n <= 0xFFFF {
		ip.Core.Onlink = uint16(n)
		return
	}
	ip.Core.Version = 2
	ip.Core.Onlink = 0
	ip.Core.Nlink = n
}

// Check validates the fields later passes rely on.
func (ip *Inode) Check(geo *Geometry) error {

	c := &ip.Core

	if c.Magic != InodeMagicNumber {
		return corruptf("inode %d: bad magic %#x", ip.Number, c.Magic)
	}

	if c.Version != 1 && c.Version != 2 {
		return corruptf("inode %d: bad version %d", ip.Number, c.Version)
	}

	if !ip.InUse() {
		return nil
	}

	if c.Size < 0 || c.NExtents < 0 {
		return corruptf("inode %d: negative size or extent count", ip.Number)
	}

	if geo.ForkSize(c.ForkOff) > int(geo.InodeSize())-InodeCoreSize {
		return corruptf("inode %d: bad fork offset %d", ip.Number, c.ForkOff)
	}

	switch ip.Type() {
	case ModeDirectory:
		switch c.Format {
		case InodeFormatLocal:
			if c.Size > int64(len(ip.Fork)) {
				return corruptf("inode %d: local directory size %d exceeds fork", ip.Number, c.Size)
			}
		case InodeFormatExtents, InodeFormatBTree:
		default:
			return corruptf("inode %d: bad directory format %d", ip.Number, c.Format)
		}
	case ModeRegular:
		if c.Format != InodeFormatExtents && c.Format != InodeFormatBTree {
			return corruptf("inode %d: bad regular file format %d", ip.Number, c.Format)
		}
	case ModeSymlink:
		switch c.Format {
		case InodeFormatLocal:
			if c.Size > int64(len(ip.Fork)) {
				return corruptf("inode %d: local symlink size %d exceeds fork", ip.Number, c.Size)
			}
		case InodeFormatExtents, InodeFormatBTree:
		default:
			return corruptf("inode %d: bad symlink format %d", ip.Number, c.Format)
		}
	case ModeFIFO, ModeCharDev, ModeBlockDev, ModeSocket:
		if c.Format != InodeFormatDev {
			return corruptf("inode %d: bad device format %d", ip.Number, c.Format)
		}
	default:
		return corruptf("inode %d: bad mode %#o", ip.Number, c.Mode)
	}

	if ip.IsRealtime() && (ip.Type() != ModeRegular || !geo.HasRealtime()) {
		return corruptf("inode %d: realtime flag on a non-realtime file", ip.Number)
	}

	return nil

}

// NewInode returns an in-use inode with an empty data fork.
func NewInode(geo *Geometry, ino uint64, mode uint16) *Inode {

	ip := &Inode{
		Number: ino,
		Core: InodeCore{
			Magic:        InodeMagicNumber,
			Mode:         mode,
			Version:      2,
			Format:       InodeFormatExtents,
			NextUnlinked: 0xFFFFFFFF,
		},
		Fork: []byte{},
	}

	if mode&ModeFormatMask == ModeDirectory {
		ip.Core.Format = InodeFormatLocal
	}

	return ip

}

// Clear turns the inode into a free slot. The magic and version survive so
// the slot still decodes.
func (ip *Inode) Clear() {

	ip.Core = InodeCore{
		Magic:        InodeMagicNumber,
		Version:      ip.Core.Version,
		Format:       InodeFormatExtents,
		NextUnlinked: 0xFFFFFFFF,
		Gen:          ip.Core.Gen,
	}

	if ip.Core.Version != 1 && ip.Core.Version != 2 {
		ip.Core.Version = 2
	}

	ip.Fork = []byte{}
	ip.Attr = make([]byte, len(ip.Attr))

}

// SetExtents replaces the data fork with an extent list.
func (ip *Inode) SetExtents(geo *Geometry, extents []Extent) error {

	fs := geo.ForkSize(ip.Core.ForkOff)
	if len(extents)*extentRecordSize > fs {
		return errors.Errorf("inode %d: %d extents do not fit in a %d byte fork", ip.Number, len(extents), fs)
	}

	ip.Fork = make([]byte, len(extents)*extentRecordSize)
	for i, e := range extents {
		e.Encode(ip.Fork[i*extentRecordSize:])
	}

	ip.Core.Format = InodeFormatExtents
	ip.Core.NExtents = int32(len(extents))

	return nil

}

// ReadInode reads and decodes one inode.
func ReadInode(geo *Geometry, r BlockReader, ino uint64) (*Inode, error) {

	if !geo.ValidIno(ino) {
		return nil, corruptf("inode number %d out of range", ino)
	}

	b, err := r.ReadBlocks(geo.InoToFsb(ino), 1)
	if err != nil {
		return nil, errors.Wrapf(err, "reading inode %d", ino)
	}

	off := geo.InodeOffset(ino)
	return DecodeInode(geo, ino, b[off:off+geo.InodeSize()])

}

// WriteInode stages an inode in a transaction.
func WriteInode(geo *Geometry, tx Transaction, ip *Inode) error {

	buf, err := tx.ReadBuf(geo.InoToFsb(ip.Number), 1)
	if err != nil {
		return errors.Wrapf(err, "writing inode %d", ip.Number)
	}

	off := geo.InodeOffset(ip.Number)
	err = ip.Encode(geo, buf.Data[off:off+geo.InodeSize()])
	if err != nil {
		return err
	}

	tx.LogBuf(buf)
	return nil

}

// DecodeCluster decodes every inode slot of a block range that starts at
// the block holding firstIno.
func DecodeCluster(geo *Geometry, firstIno uint64, b []byte) ([]*Inode, error) {

	n := int64(len(b)) >> geo.InodeLog
	inodes := make([]*Inode, 0, n)

	for i := int64(0); i < n; i++ {
		off := i << geo.InodeLog
		ip, err := DecodeInode(geo, firstIno+uint64(i), b[off:off+geo.InodeSize()])
		if err != nil {
			return inodes, err
		}
		inodes = append(inodes, ip)
	}

	return inodes, nil

}
