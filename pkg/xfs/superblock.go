package xfs

import (
	"github.com/NVIDIA/cstruct"
	"github.com/pkg/errors"
)

const (
	superBlockSize = 208
	agfSize        = 64
	agiSize        = 296
)

// DecodeSuperBlock decodes a version 4 superblock from the start of b.
func DecodeSuperBlock(b []byte) (*SuperBlock, error) {

	if len(b) < superBlockSize {
		return nil, corruptf("superblock buffer too short: %d bytes", len(b))
	}

	sb := new(SuperBlock)
	_, err := cstruct.Unpack(b[:superBlockSize], sb, cstruct.BigEndian)
	if err != nil {
		return nil, errors.Wrap(err, "decoding superblock")
	}

	return sb, nil

}

// EncodeSuperBlock packs sb into the start of b.
func EncodeSuperBlock(sb *SuperBlock, b []byte) error {

	data, err := cstruct.Pack(sb, cstruct.BigEndian)
	if err != nil {
		return errors.Wrap(err, "encoding superblock")
	}

	if len(b) < len(data) {
		return errors.Errorf("superblock buffer too short: %d bytes", len(b))
	}

	copy(b, data)
	return nil

}

// Validate checks the fields every other decision depends on.
func (sb *SuperBlock) Validate() error {

	if sb.MagicNumber != SBMagicNumber {
		return corruptf("bad superblock magic %#x", sb.MagicNumber)
	}

	if sb.VersionNum&VersionNumMask != VersionNumber {
		return errors.Errorf("unsupported superblock version %d", sb.VersionNum&VersionNumMask)
	}

	if sb.VersionNum&VersionMoreBitsBit != 0 && sb.MoreFeatures&Version2CRCBit != 0 {
		return errors.New("filesystems with metadata checksums are not supported")
	}

	if sb.VersionNum&VersionMoreBitsBit != 0 && sb.MoreFeatures&Version2Ftype != 0 {
		return errors.New("directories with file type bytes are not supported")
	}

	if sb.BlockSizeLogarithmic < 9 || sb.BlockSizeLogarithmic > 16 || sb.BlockSize != 1<<sb.BlockSizeLogarithmic {
		return corruptf("bad block size %d (log %d)", sb.BlockSize, sb.BlockSizeLogarithmic)
	}

	if sb.SectorSizeLogarithmic < 9 || sb.SectorSizeLogarithmic > sb.BlockSizeLogarithmic || uint32(sb.SectorSize) != 1<<sb.SectorSizeLogarithmic {
		return corruptf("bad sector size %d (log %d)", sb.SectorSize, sb.SectorSizeLogarithmic)
	}

	if sb.InodeSizeLogarithmic < 8 || sb.InodeSizeLogarithmic > 11 || uint32(sb.InodeSize) != 1<<sb.InodeSizeLogarithmic {
		return corruptf("bad inode size %d (log %d)", sb.InodeSize, sb.InodeSizeLogarithmic)
	}

	if sb.InodeSizeLogarithmic > sb.BlockSizeLogarithmic || sb.InodesPerBlockLogarithmic != sb.BlockSizeLogarithmic-sb.InodeSizeLogarithmic {
		return corruptf("inodes per block log %d does not match block and inode sizes", sb.InodesPerBlockLogarithmic)
	}

	if sb.AGCount == 0 || sb.AGBlocks == 0 || sb.AGBlocksLogarithmic > 31 {
		return corruptf("bad allocation group geometry: %d x %d", sb.AGCount, sb.AGBlocks)
	}

	limit := uint64(1) << sb.AGBlocksLogarithmic
	if uint64(sb.AGBlocks) > limit || uint64(sb.AGBlocks) <= limit/2 {
		return corruptf("agblocks %d does not match log %d", sb.AGBlocks, sb.AGBlocksLogarithmic)
	}

	if sb.RealtimeBlocks > 0 && sb.RealtimeExtentBlocks == 0 {
		return corruptf("realtime section without an extent size")
	}

	return nil

}

// DecodeAGF decodes the free space header of an allocation group.
func DecodeAGF(b []byte) (*AGF, error) {

	if len(b) < agfSize {
		return nil, corruptf("AGF buffer too short: %d bytes", len(b))
	}

	agf := new(AGF)
	_, err := cstruct.Unpack(b[:agfSize], agf, cstruct.BigEndian)
	if err != nil {
		return nil, errors.Wrap(err, "decoding AGF")
	}

	if agf.Magic != AGFMagicNumber {
		return agf, corruptf("bad AGF magic %#x", agf.Magic)
	}

	return agf, nil

}

// DecodeAGI decodes the inode header of an allocation group.
func DecodeAGI(b []byte) (*AGI, error) {

	if len(b) < agiSize {
		return nil, corruptf("AGI buffer too short: %d bytes", len(b))
	}

	agi := new(AGI)
	_, err := cstruct.Unpack(b[:agiSize], agi, cstruct.BigEndian)
	if err != nil {
		return nil, errors.Wrap(err, "decoding AGI")
	}

	if agi.Magic != AGIMagicNumber {
		return agi, corruptf("bad AGI magic %#x", agi.Magic)
	}

	return agi, nil

}

func encodeHeader(v interface{}, b []byte) error {

	data, err := cstruct.Pack(v, cstruct.BigEndian)
	if err != nil {
		return err
	}

	if len(b) < len(data) {
		return errors.Errorf("header buffer too short: %d < %d", len(b), len(data))
	}

	copy(b, data)
	return nil

}
