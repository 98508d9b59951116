// Regions and region tables: the layout engine's fundamental carving unit.
//
// A region is a contiguous, block-aligned run with a kind, an instance
// number, and (for SAVE regions) a checksum. A region table is a small
// header followed by a flat array of region descriptors; it appears once
// at the very start of the backing store (the top-level table) and once
// more at the start of every save slot.
package albireo

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// BlockSize is the fixed block size of the backing store, in bytes.
const BlockSize = 4096

// RegionMagic identifies a region-table header block.
const RegionMagic uint64 = 0x416c6252676e3031 // "AlbRgn01"

// RegionTableVersion is the only region-table wire version this engine
// understands.
const RegionTableVersion uint16 = 1

// SoleInstance marks a region whose kind is known to be unique within its
// table, so no instance numbering is meaningful.
const SoleInstance uint16 = 65535

// RegionKind is the closed set of region kinds that can appear on disk.
type RegionKind uint16

const (
	KindHeader RegionKind = iota
	KindConfig
	KindIndex
	KindVolume
	KindSave
	KindIndexPageMap
	KindOpenChapter
	KindVolumeIndex
	KindScratch
	KindSeal
)

func (k RegionKind) String() string {
	switch k {
	case KindHeader:
		return "HEADER"
	case KindConfig:
		return "CONFIG"
	case KindIndex:
		return "INDEX"
	case KindVolume:
		return "VOLUME"
	case KindSave:
		return "SAVE"
	case KindIndexPageMap:
		return "INDEX_PAGE_MAP"
	case KindOpenChapter:
		return "OPEN_CHAPTER"
	case KindVolumeIndex:
		return "VOLUME_INDEX"
	case KindScratch:
		return "SCRATCH"
	case KindSeal:
		return "SEAL"
	default:
		return fmt.Sprintf("RegionKind(%d)", uint16(k))
	}
}

// RegionTableType describes what kind of table a region-table header
// introduces.
type RegionTableType uint16

const (
	TableFree RegionTableType = iota
	TableSuper
	TableSave
	TableUnsaved
)

// regionSize is the on-disk encoded size of a single Region descriptor:
// start_block(8) + num_blocks(8) + checksum(4) + kind(2) + instance(2).
const regionSize = 24

// regionTableHeaderSize is the on-disk encoded size of a RegionTableHeader
// before its payload: magic(8) + region_blocks(8) + type(2) + version(2) +
// num_regions(2) + payload(2).
const regionTableHeaderSize = 24

// Region is a contiguous run of blocks.
type Region struct {
	StartBlock uint64
	NumBlocks  uint64
	Checksum   uint32 // meaningful only when the owning table is a SAVE
	Kind       RegionKind
	Instance   uint16
}

func (r Region) encode(b *buffer) error {
	if err := b.putU64(r.StartBlock); err != nil {
		return err
	}
	if err := b.putU64(r.NumBlocks); err != nil {
		return err
	}
	if err := b.putU32(r.Checksum); err != nil {
		return err
	}
	if err := b.putU16(uint16(r.Kind)); err != nil {
		return err
	}
	return b.putU16(r.Instance)
}

func decodeRegion(b *buffer) (Region, error) {
	var r Region
	var err error
	if r.StartBlock, err = b.getU64(); err != nil {
		return r, err
	}
	if r.NumBlocks, err = b.getU64(); err != nil {
		return r, err
	}
	if r.Checksum, err = b.getU32(); err != nil {
		return r, err
	}
	kind, err := b.getU16()
	if err != nil {
		return r, err
	}
	r.Kind = RegionKind(kind)
	if r.Instance, err = b.getU16(); err != nil {
		return r, err
	}
	return r, nil
}

// RegionTableHeader is the fixed-size prefix of every region table block.
// Payload counts the bytes of non-region data (superblock data, index-save
// data) that follow the region array.
type RegionTableHeader struct {
	Magic        uint64
	RegionBlocks uint64
	Type         RegionTableType
	Version      uint16
	NumRegions   uint16
	Payload      uint16
}

func (h RegionTableHeader) encode(b *buffer) error {
	if err := b.putU64(h.Magic); err != nil {
		return err
	}
	if err := b.putU64(h.RegionBlocks); err != nil {
		return err
	}
	if err := b.putU16(uint16(h.Type)); err != nil {
		return err
	}
	if err := b.putU16(h.Version); err != nil {
		return err
	}
	if err := b.putU16(h.NumRegions); err != nil {
		return err
	}
	return b.putU16(h.Payload)
}

func decodeRegionTableHeader(b *buffer) (RegionTableHeader, error) {
	var h RegionTableHeader
	var err error
	if h.Magic, err = b.getU64(); err != nil {
		return h, err
	}
	if h.RegionBlocks, err = b.getU64(); err != nil {
		return h, err
	}
	typ, err := b.getU16()
	if err != nil {
		return h, err
	}
	h.Type = RegionTableType(typ)
	if h.Version, err = b.getU16(); err != nil {
		return h, err
	}
	if h.NumRegions, err = b.getU16(); err != nil {
		return h, err
	}
	h.Payload, err = b.getU16()
	return h, err
}

// RegionTable is a region-table header plus its flat array of region
// descriptors.
type RegionTable struct {
	Header  RegionTableHeader
	Regions []Region
}

// encodeRegionTable encodes the table header and descriptors into a
// buffer of exactly headerSize+len(regions)*regionSize bytes, followed by
// room for payloadLen additional bytes (left zeroed here; callers append
// the payload after calling this). The header's Payload field is stamped
// with payloadLen so readers can bound the trailing data.
func encodeRegionTable(t RegionTable, payloadLen int) ([]byte, error) {
	t.Header.Payload = uint16(payloadLen)
	total := regionTableHeaderSize + len(t.Regions)*regionSize + payloadLen
	buf := newEncodeBuffer(total)
	if err := t.Header.encode(buf); err != nil {
		return nil, err
	}
	for _, r := range t.Regions {
		if err := r.encode(buf); err != nil {
			return nil, err
		}
	}
	return buf.bytes(), nil
}

// decodeRegionTable reads a table header and its region array out of raw,
// which must be at least regionTableHeaderSize bytes (more if NumRegions
// claims any). It does not validate the magic; callers check that first.
func decodeRegionTable(raw []byte) (RegionTable, error) {
	if len(raw) < regionTableHeaderSize {
		return RegionTable{}, fmt.Errorf("%w: region table header truncated", ErrCorruptData)
	}
	hb := newDecodeBuffer(raw[:regionTableHeaderSize])
	header, err := decodeRegionTableHeader(hb)
	if err != nil {
		return RegionTable{}, err
	}

	need := regionTableHeaderSize + int(header.NumRegions)*regionSize
	if len(raw) < need {
		return RegionTable{}, fmt.Errorf("%w: region array truncated", ErrCorruptData)
	}

	regions := make([]Region, header.NumRegions)
	rb := newDecodeBuffer(raw[regionTableHeaderSize:need])
	for i := range regions {
		regions[i], err = decodeRegion(rb)
		if err != nil {
			return RegionTable{}, err
		}
	}
	if err := rb.finish(); err != nil {
		return RegionTable{}, err
	}

	return RegionTable{Header: header, Regions: regions}, nil
}

// regionIterator is a one-shot value type that walks a decoded region
// array while asserting, for each expected region, its kind, instance,
// exact offset and (optionally) an exact block count. On the first
// mismatch it records firstErr but keeps reading, so the caller gets the
// earliest diagnostic even though later regions are still consumed.
//
// Modeled as a value, not a mutable global: callers pass it by
// pointer only to advance the cursor, never share it across goroutines.
type regionIterator struct {
	regions     []Region
	cursor      int
	expectBlock uint64
	firstErr    error
}

func newRegionIterator(regions []Region, tableStart uint64) *regionIterator {
	return &regionIterator{regions: regions, expectBlock: tableStart}
}

// next asserts the next region matches kind/instance and is positioned at
// the iterator's current expected block. If numBlocks is non-negative it
// also asserts an exact block count. It always moves expectBlock to the
// end of the region it actually read (even on mismatch) so later regions
// are still checked against a sane offset.
func (it *regionIterator) next(kind RegionKind, instance uint16, numBlocks int64) (Region, bool) {
	if it.cursor >= len(it.regions) {
		it.fail(fmt.Errorf("%w: expected %s but region table is exhausted", ErrUnexpectedResult, kind))
		return Region{}, false
	}
	r := it.regions[it.cursor]
	it.cursor++

	ok := true
	if r.Kind != kind {
		it.fail(fmt.Errorf("%w: expected region kind %s, got %s", ErrUnexpectedResult, kind, r.Kind))
		ok = false
	}
	if instance != SoleInstance && r.Instance != instance {
		it.fail(fmt.Errorf("%w: expected region instance %d, got %d", ErrUnexpectedResult, instance, r.Instance))
		ok = false
	}
	if r.StartBlock != it.expectBlock {
		it.fail(fmt.Errorf("%w: expected %s at block %d, got %d", ErrUnexpectedResult, kind, it.expectBlock, r.StartBlock))
		ok = false
	}
	if numBlocks >= 0 && r.NumBlocks != uint64(numBlocks) {
		it.fail(fmt.Errorf("%w: expected %s to span %d blocks, got %d", ErrUnexpectedResult, kind, numBlocks, r.NumBlocks))
		ok = false
	}

	it.expectBlock = r.StartBlock + r.NumBlocks
	return r, ok
}

func (it *regionIterator) fail(err error) {
	if it.firstErr == nil {
		it.firstErr = err
	}
}

// err returns the first diagnostic recorded during the walk, or nil.
func (it *regionIterator) err() error {
	return it.firstErr
}

// done asserts every region was consumed.
func (it *regionIterator) done() bool {
	return it.cursor == len(it.regions)
}

// regionChecksum hashes a region's uncompressed payload for storage in
// its Checksum field. Only meaningful for regions in a SAVE table.
func regionChecksum(data []byte) uint32 {
	return uint32(xxh3.Hash(data))
}
