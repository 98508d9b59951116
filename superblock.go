// Superblock: the top-level on-disk description of a layout, and the
// size arithmetic that derives every region's extent from a Geometry.
package albireo

import (
	"bytes"
	"fmt"
)

// superblockMagicLabel is the 32-byte ASCII label at the start of every
// superblock payload.
var superblockMagicLabel = [32]byte(mustPad32("*ALBIREO*SINGLE*FILE*LAYOUT*001*"))

func mustPad32(s string) [32]byte {
	var out [32]byte
	if len(s) != 32 {
		panic("albireo: superblock magic label must be exactly 32 bytes")
	}
	copy(out[:], s)
	return out
}

// Superblock versions. 3 is the original on-disk layout; 7 is a version-3
// layout that has undergone conversion to make room for volume-manager
// metadata. Versions 4-6 are reserved and rejected.
const (
	SuperblockVersionOriginal  uint32 = 3
	SuperblockVersionConverted uint32 = 7
)

// superblockDataSizeV3 is the encoded size of SuperblockData when
// Version == 3 (no volume_offset/start_offset tail).
const superblockDataSizeV3 = 32 + 32 + 8 + 4 + 4 + 2 + 2 + 4 + 8 + 8

// superblockDataSizeV7 additionally carries volume_offset and
// start_offset (8 bytes each).
const superblockDataSizeV7 = superblockDataSizeV3 + 8 + 8

// SuperblockData is the payload of the top-level HEADER region's SUPER
// table.
type SuperblockData struct {
	NonceInfo         [32]byte
	Nonce             uint64
	Version           uint32
	BlockSize         uint32
	NumIndexes        uint16
	MaxSaves          uint16
	OpenChapterBlocks uint64
	PageMapBlocks     uint64
	VolumeOffset      uint64 // only meaningful when Version == 7
	StartOffset       uint64 // only meaningful when Version == 7
}

func (s SuperblockData) encode() ([]byte, error) {
	size := superblockDataSizeV3
	if s.Version == SuperblockVersionConverted {
		size = superblockDataSizeV7
	}
	b := newEncodeBuffer(size)

	if err := b.putBytes(superblockMagicLabel[:]); err != nil {
		return nil, err
	}
	if err := b.putBytes(s.NonceInfo[:]); err != nil {
		return nil, err
	}
	if err := b.putU64(s.Nonce); err != nil {
		return nil, err
	}
	if err := b.putU32(s.Version); err != nil {
		return nil, err
	}
	if err := b.putU32(s.BlockSize); err != nil {
		return nil, err
	}
	if err := b.putU16(s.NumIndexes); err != nil {
		return nil, err
	}
	if err := b.putU16(s.MaxSaves); err != nil {
		return nil, err
	}
	if err := b.putZeros(4); err != nil { // pad
		return nil, err
	}
	if err := b.putU64(s.OpenChapterBlocks); err != nil {
		return nil, err
	}
	if err := b.putU64(s.PageMapBlocks); err != nil {
		return nil, err
	}
	if s.Version == SuperblockVersionConverted {
		if err := b.putU64(s.VolumeOffset); err != nil {
			return nil, err
		}
		if err := b.putU64(s.StartOffset); err != nil {
			return nil, err
		}
	}
	return b.bytes(), nil
}

// decodeSuperblockData decodes raw, which must be at least
// superblockDataSizeV3 bytes. The version field determines whether the
// trailing volume_offset/start_offset pair is read.
func decodeSuperblockData(raw []byte) (SuperblockData, error) {
	if len(raw) < superblockDataSizeV3 {
		return SuperblockData{}, fmt.Errorf("%w: superblock payload truncated", ErrCorruptData)
	}

	b := newDecodeBuffer(raw[:superblockDataSizeV3])
	var s SuperblockData

	label, err := b.getBytes(32)
	if err != nil {
		return s, err
	}
	if !bytes.Equal(label, superblockMagicLabel[:]) {
		return s, fmt.Errorf("%w: superblock magic label mismatch", ErrCorruptData)
	}

	nonceInfo, err := b.getBytes(32)
	if err != nil {
		return s, err
	}
	copy(s.NonceInfo[:], nonceInfo)

	if s.Nonce, err = b.getU64(); err != nil {
		return s, err
	}
	if s.Version, err = b.getU32(); err != nil {
		return s, err
	}
	if s.BlockSize, err = b.getU32(); err != nil {
		return s, err
	}
	if s.NumIndexes, err = b.getU16(); err != nil {
		return s, err
	}
	if s.MaxSaves, err = b.getU16(); err != nil {
		return s, err
	}
	if err = b.skip(4); err != nil {
		return s, err
	}
	if s.OpenChapterBlocks, err = b.getU64(); err != nil {
		return s, err
	}
	if s.PageMapBlocks, err = b.getU64(); err != nil {
		return s, err
	}
	if err := b.finish(); err != nil {
		return s, err
	}

	switch s.Version {
	case SuperblockVersionOriginal:
		s.VolumeOffset, s.StartOffset = 0, 0
	case SuperblockVersionConverted:
		if len(raw) < superblockDataSizeV7 {
			return s, fmt.Errorf("%w: converted superblock payload truncated", ErrCorruptData)
		}
		tail := newDecodeBuffer(raw[superblockDataSizeV3:superblockDataSizeV7])
		if s.VolumeOffset, err = tail.getU64(); err != nil {
			return s, err
		}
		if s.StartOffset, err = tail.getU64(); err != nil {
			return s, err
		}
		if err := tail.finish(); err != nil {
			return s, err
		}
	case 4, 5, 6:
		return s, fmt.Errorf("%w: superblock version %d is reserved", ErrUnsupportedVersion, s.Version)
	default:
		return s, fmt.Errorf("%w: superblock version %d", ErrUnsupportedVersion, s.Version)
	}

	return s, nil
}

// layoutSizes is the deterministic block arithmetic derived from a
// Config. Two Configs that compare equal always produce identical
// sizes.
type layoutSizes struct {
	VolumeBlocks      uint64
	VolumeIndexBlocks uint64
	PageMapBlocks     uint64
	OpenChapterBlocks uint64
	SaveBlocks        uint64
	NumSaves          uint64
	SubIndexBlocks    uint64
	TotalBlocks       uint64
}

// computeLayoutSizes derives every region's extent from the geometry.
func computeLayoutSizes(cfg Config) (layoutSizes, error) {
	if err := cfg.Geometry.validateAlignment(); err != nil {
		return layoutSizes{}, err
	}

	var s layoutSizes
	s.VolumeBlocks = cfg.Geometry.BytesPerVolume / BlockSize
	s.VolumeIndexBlocks = computeVolumeIndexSaveBlocks(cfg, BlockSize)
	s.PageMapBlocks = ceilDiv(computeIndexPageMapSaveSize(cfg.Geometry), BlockSize)
	s.OpenChapterBlocks = ceilDiv(computeSavedOpenChapterSize(cfg.Geometry), BlockSize)

	s.SaveBlocks = 1 + s.VolumeIndexBlocks + s.PageMapBlocks + s.OpenChapterBlocks
	s.NumSaves = uint64(cfg.MaxSaves)
	if s.NumSaves == 0 {
		s.NumSaves = 2
	}
	s.SubIndexBlocks = s.VolumeBlocks + s.NumSaves*s.SaveBlocks
	s.TotalBlocks = 3 + s.SubIndexBlocks // HEADER + CONFIG + SEAL
	return s, nil
}

// ComputeSize returns the number of bytes MakeLayout(cfg, true) will
// require of its backing store. Deterministic: equal Configs yield
// equal sizes.
func ComputeSize(cfg Config) (uint64, error) {
	sizes, err := computeLayoutSizes(cfg)
	if err != nil {
		return 0, err
	}
	return sizes.TotalBlocks * BlockSize, nil
}

// validateSuperblockInvariants checks the structural invariants of an
// already-decoded superblock: exactly one sub-index, a known version,
// offsets in order, and a nonce that matches its own nonce_info.
func validateSuperblockInvariants(s SuperblockData) error {
	if s.NumIndexes != 1 {
		return fmt.Errorf("%w: num_indexes=%d, want 1", ErrCorruptData, s.NumIndexes)
	}
	if s.Version != SuperblockVersionOriginal && s.Version != SuperblockVersionConverted {
		return fmt.Errorf("%w: superblock version %d", ErrUnsupportedVersion, s.Version)
	}
	if s.Version == SuperblockVersionConverted && s.VolumeOffset < s.StartOffset {
		return fmt.Errorf("%w: volume_offset %d < start_offset %d", ErrCorruptData, s.VolumeOffset, s.StartOffset)
	}
	if primaryNonce(s.NonceInfo[:]) != s.Nonce {
		return fmt.Errorf("%w: superblock nonce does not match nonce_info", ErrCorruptData)
	}
	return nil
}
