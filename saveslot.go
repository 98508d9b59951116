// Save-slot manager: allocates, invalidates, and instantiates the small
// ring of save slots a layout rotates checkpoints through.
//
// Each slot owns a nested region table at the start of its own block
// range; indexsave.go reconstructs that table from disk, and this file
// is the in-memory, write side of the same shape.
package albireo

import (
	"fmt"
	"time"
)

// saveDataSize is the encoded size of the fixed index-save header that
// prefixes every slot's HEADER-region payload: timestamp_ms(8) +
// nonce(8) + version(4) + pad(4).
const saveDataSize = 24

func encodeSaveData(timestampMs, nonce uint64, version uint32) []byte {
	b := newEncodeBuffer(saveDataSize)
	_ = b.putU64(timestampMs)
	_ = b.putU64(nonce)
	_ = b.putU32(version)
	_ = b.putZeros(4)
	return b.bytes()
}

func decodeSaveData(raw []byte) (timestampMs, nonce uint64, version uint32, err error) {
	if len(raw) < saveDataSize {
		return 0, 0, 0, fmt.Errorf("%w: index-save header truncated", ErrCorruptData)
	}
	b := newDecodeBuffer(raw[:saveDataSize])
	if timestampMs, err = b.getU64(); err != nil {
		return
	}
	if nonce, err = b.getU64(); err != nil {
		return
	}
	if version, err = b.getU32(); err != nil {
		return
	}
	err = b.skip(4)
	return
}

// SaveSlot is one rotating checkpoint slot: its location is fixed for the
// lifetime of the layout, but its internal carving (region list) and
// stamped timestamp/nonce/zone-count change across invalidate/instantiate
// cycles.
type SaveSlot struct {
	StartBlock        uint64
	TotalBlocks       uint64
	PageMapBlocks     uint64
	OpenChapterBlocks uint64

	State     RegionTableType // TableUnsaved or TableSave
	NumZones  int
	Timestamp uint64
	Nonce     uint64
	Version   uint32

	// CountersRaw is the encoded index-state buffer that follows
	// save_data in the slot's HEADER region payload. It is kept raw (not
	// decoded/validated) until a caller actually loads the slot, because
	// an UNSAVED slot's buffer is never a valid tagged record and must
	// not fail reconstruction.
	CountersRaw []byte

	Regions []Region // current carving, in ascending start_block order
}

// newSaveSlot lays out a fresh, never-saved slot: HEADER + INDEX_PAGE_MAP
// + SCRATCH, exactly the invalidated shape.
func newSaveSlot(startBlock, totalBlocks, pageMapBlocks, openChapterBlocks uint64) *SaveSlot {
	s := &SaveSlot{
		StartBlock:        startBlock,
		TotalBlocks:       totalBlocks,
		PageMapBlocks:     pageMapBlocks,
		OpenChapterBlocks: openChapterBlocks,
	}
	s.layoutInvalidated()
	return s
}

func (s *SaveSlot) layoutInvalidated() {
	header := Region{StartBlock: s.StartBlock, NumBlocks: 1, Kind: KindHeader, Instance: SoleInstance}
	pageMap := Region{StartBlock: header.StartBlock + 1, NumBlocks: s.PageMapBlocks, Kind: KindIndexPageMap, Instance: SoleInstance}
	used := header.NumBlocks + pageMap.NumBlocks
	scratch := Region{StartBlock: pageMap.StartBlock + pageMap.NumBlocks, NumBlocks: s.TotalBlocks - used, Kind: KindScratch, Instance: SoleInstance}

	s.State = TableUnsaved
	s.NumZones = 0
	s.Timestamp = 0
	s.Nonce = 0
	s.Version = 0
	s.CountersRaw = make([]byte, chapterCountersSize)
	s.Regions = []Region{header, pageMap, scratch}
}

// layoutInstantiated carves the slot for numZones active zones:
// HEADER(1), INDEX_PAGE_MAP, numZones x VOLUME_INDEX each of
// floor(available/numZones) blocks, OPEN_CHAPTER, SCRATCH remainder.
func (s *SaveSlot) layoutInstantiated(numZones int) error {
	if numZones <= 0 {
		return fmt.Errorf("%w: instantiate requires at least one zone", ErrBadState)
	}

	header := Region{StartBlock: s.StartBlock, NumBlocks: 1, Kind: KindHeader, Instance: SoleInstance}
	pageMap := Region{StartBlock: header.StartBlock + 1, NumBlocks: s.PageMapBlocks, Kind: KindIndexPageMap, Instance: SoleInstance}

	available := s.TotalBlocks - header.NumBlocks - pageMap.NumBlocks - s.OpenChapterBlocks
	zoneBlocks := available / uint64(numZones)

	regions := []Region{header, pageMap}
	cursor := pageMap.StartBlock + pageMap.NumBlocks
	for z := 0; z < numZones; z++ {
		r := Region{StartBlock: cursor, NumBlocks: zoneBlocks, Kind: KindVolumeIndex, Instance: uint16(z)}
		regions = append(regions, r)
		cursor += zoneBlocks
	}

	openChapter := Region{StartBlock: cursor, NumBlocks: s.OpenChapterBlocks, Kind: KindOpenChapter, Instance: SoleInstance}
	regions = append(regions, openChapter)
	cursor += openChapter.NumBlocks

	scratch := Region{StartBlock: cursor, NumBlocks: s.StartBlock + s.TotalBlocks - cursor, Kind: KindScratch, Instance: SoleInstance}
	regions = append(regions, scratch)

	s.NumZones = numZones
	s.Regions = regions
	return nil
}

// adopt points the slot at another slot's block range and resets it to
// the invalidated shape. Used by the spare save record, which is
// preallocated at open so a save always has somewhere to build its
// pending state, and takes the target slot's place only once the save
// has fully committed.
func (s *SaveSlot) adopt(target *SaveSlot) {
	s.StartBlock = target.StartBlock
	s.TotalBlocks = target.TotalBlocks
	s.PageMapBlocks = target.PageMapBlocks
	s.OpenChapterBlocks = target.OpenChapterBlocks
	s.layoutInvalidated()
}

// regionOf finds a region by kind and instance within the slot's current
// carving.
func (s *SaveSlot) regionOf(kind RegionKind, instance uint16) (Region, bool) {
	for _, r := range s.Regions {
		if r.Kind == kind && (instance == SoleInstance || r.Instance == instance) {
			return r, true
		}
	}
	return Region{}, false
}

// setChecksum stamps the checksum of a written payload onto the
// matching region descriptor so it is persisted by the next
// writeHeaderTable call.
func (s *SaveSlot) setChecksum(kind RegionKind, instance uint16, checksum uint32) {
	for i := range s.Regions {
		r := &s.Regions[i]
		if r.Kind == kind && (instance == SoleInstance || r.Instance == instance) {
			r.Checksum = checksum
			return
		}
	}
}

func regionByteRange(r Region) (offset, length int64) {
	return int64(r.StartBlock) * BlockSize, int64(r.NumBlocks) * BlockSize
}

// Writer returns a buffered writer over the named sub-region of the slot.
func (s *SaveSlot) Writer(f *Factory, kind RegionKind, instance uint16) (*Writer, error) {
	r, ok := s.regionOf(kind, instance)
	if !ok {
		return nil, fmt.Errorf("%w: slot has no %s region", ErrUnexpectedResult, kind)
	}
	off, length := regionByteRange(r)
	return f.BufferedWriter(off, length), nil
}

// Reader returns a buffered reader over the named sub-region of the slot.
func (s *SaveSlot) Reader(f *Factory, kind RegionKind, instance uint16) (*Reader, error) {
	r, ok := s.regionOf(kind, instance)
	if !ok {
		return nil, fmt.Errorf("%w: slot has no %s region", ErrUnexpectedResult, kind)
	}
	off, length := regionByteRange(r)
	return f.BufferedReader(off, length), nil
}

// writeHeaderTable rewrites the slot's HEADER region: the nested region
// table (type, regions), the index-save data, and the index-state
// buffer. This is the durability barrier the save/invalidate protocol
// depends on; the write is flushed before returning, so the new state
// is committed once this call succeeds.
func (s *SaveSlot) writeHeaderTable(f *Factory) error {
	header, ok := s.regionOf(KindHeader, SoleInstance)
	if !ok {
		return fmt.Errorf("%w: slot has no HEADER region", ErrUnexpectedResult)
	}

	table := RegionTable{
		Header: RegionTableHeader{
			Magic:        RegionMagic,
			RegionBlocks: s.TotalBlocks,
			Type:         s.State,
			Version:      RegionTableVersion,
			NumRegions:   uint16(len(s.Regions)),
		},
		Regions: s.Regions,
	}
	payload := encodeSaveData(s.Timestamp, s.Nonce, s.Version)
	counters := s.CountersRaw
	if len(counters) != chapterCountersSize {
		counters = make([]byte, chapterCountersSize)
	}
	payload = append(payload, counters...)

	encoded, err := encodeRegionTable(table, len(payload))
	if err != nil {
		return err
	}
	copy(encoded[regionTableHeaderSize+len(s.Regions)*regionSize:], payload)

	off, length := regionByteRange(header)
	if int64(len(encoded)) > length {
		return fmt.Errorf("%w: slot HEADER region too small for its own table", ErrCorruptData)
	}

	w := f.BufferedWriter(off, length)
	if _, err := w.Write(encoded); err != nil {
		return err
	}
	return w.Flush()
}

// expectedNonce recomputes the nonce a correctly-saved slot must carry:
// secondary_nonce(subIndex, encode(save_data with nonce zeroed,
// slot.start_block)).
func (s *SaveSlot) expectedNonce(subIndexNonce uint64) uint64 {
	zeroed := encodeSaveData(s.Timestamp, 0, s.Version)
	return saveNonce(subIndexNonce, zeroed, s.StartBlock)
}

// validateSave checks the four conditions a clean save must satisfy:
// SAVE type, at least one zone, a non-zero timestamp, and the nonce the
// sub-index would have stamped.
func (s *SaveSlot) validateSave(subIndexNonce uint64) error {
	if s.State != TableSave {
		return fmt.Errorf("%w: slot is not a SAVE", ErrBadState)
	}
	if s.NumZones <= 0 {
		return fmt.Errorf("%w: slot has no zones", ErrBadState)
	}
	if s.Timestamp == 0 {
		return fmt.Errorf("%w: slot has no timestamp", ErrBadState)
	}
	if s.Nonce != s.expectedNonce(subIndexNonce) {
		return fmt.Errorf("%w: slot nonce mismatch", ErrBadState)
	}
	return nil
}

// invalidate rewrites the slot header as UNSAVED with only HEADER,
// INDEX_PAGE_MAP and a SCRATCH covering the rest, then flushes. A crash
// after this call leaves the slot definitely unusable, not
// half-written.
func (s *SaveSlot) invalidate(f *Factory) error {
	s.layoutInvalidated()
	return s.writeHeaderTable(f)
}

// instantiate re-carves the slot for a SAVE with numZones active zones
// and stamps its timestamp/nonce/index-state buffer in memory. It does
// not write the header to disk; that happens last, after every payload
// region has been written.
func (s *SaveSlot) instantiate(numZones int, counters ChapterCounters, subIndexNonce uint64, now time.Time) error {
	if err := s.layoutInstantiated(numZones); err != nil {
		return err
	}
	s.State = TableSave
	s.Timestamp = uint64(now.UnixMilli())
	s.Version = 1
	s.Nonce = s.expectedNonce(subIndexNonce)
	s.CountersRaw = encodeChapterCounters(counters)
	return nil
}

// cancel discards an in-flight save: the in-memory save record is
// zeroed and any buffered state dropped, but the disk is not re-touched.
// The slot is already UNSAVED on disk from the invalidate step that
// must precede every instantiate.
func (s *SaveSlot) cancel() {
	s.layoutInvalidated()
}

// selectOldest returns the index of the slot with the smallest
// "effective" timestamp: a slot that fails validateSave is treated as
// timestamp 0 and therefore always wins. Ties break toward the first
// slot in array order.
func selectOldest(slots []*SaveSlot, subIndexNonce uint64) int {
	best := 0
	bestTS := effectiveTimestamp(slots[0], subIndexNonce)
	for i := 1; i < len(slots); i++ {
		ts := effectiveTimestamp(slots[i], subIndexNonce)
		if ts < bestTS {
			best, bestTS = i, ts
		}
	}
	return best
}

// selectLatest returns the index of the valid slot with the greatest
// timestamp, or ErrIndexNotSavedCleanly if none validate.
func selectLatest(slots []*SaveSlot, subIndexNonce uint64) (int, error) {
	best := -1
	var bestTS uint64
	for i, s := range slots {
		if s.validateSave(subIndexNonce) != nil {
			continue
		}
		if best == -1 || s.Timestamp > bestTS {
			best, bestTS = i, s.Timestamp
		}
	}
	if best == -1 {
		return 0, ErrIndexNotSavedCleanly
	}
	return best, nil
}

func effectiveTimestamp(s *SaveSlot, subIndexNonce uint64) uint64 {
	if s.validateSave(subIndexNonce) != nil {
		return 0
	}
	return s.Timestamp
}
