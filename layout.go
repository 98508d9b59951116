// Layout ties the block I/O façade, the superblock, and the save-slot
// ring together into the top-level engine callers drive: MakeLayout,
// SaveState, LoadState, UpdateLayout and friends.
//
// The backing store's first block is a HEADER region whose own payload is
// a 4-entry top-level region table (HEADER, CONFIG, INDEX, SEAL) followed
// by the superblock data. INDEX is never itself written to; it exists
// only so the region table is a complete, gapless description of the
// store. VOLUME and the save slots live at byte offsets computed from
// it, the same way each save slot's own nested table is computed rather
// than stored flat.
package albireo

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// sealMagic marks the final block of a layout as present and intact.
var sealMagic = [8]byte{'A', 'L', 'B', 'I', 'S', 'E', 'A', 'L'}

// Layout is an open handle on a carved backing store.
type Layout struct {
	f    *Factory
	lock *fileLock

	cfg   Config
	sizes layoutSizes
	super SuperblockData

	volumeStart uint64
	saveSlots   []*SaveSlot

	// spare is the preallocated save record a save is built in before it
	// takes the target slot's place; it exists so the hot save path never
	// has to allocate a record to represent a pending flush.
	spare *SaveSlot

	subIndexNonceVal uint64
}

func buildTopRegions(sizes layoutSizes) []Region {
	header := Region{StartBlock: 0, NumBlocks: 1, Kind: KindHeader, Instance: SoleInstance}
	config := Region{StartBlock: 1, NumBlocks: 1, Kind: KindConfig, Instance: SoleInstance}
	index := Region{StartBlock: 2, NumBlocks: sizes.SubIndexBlocks, Kind: KindIndex, Instance: SoleInstance}
	seal := Region{StartBlock: index.StartBlock + index.NumBlocks, NumBlocks: 1, Kind: KindSeal, Instance: SoleInstance}
	return []Region{header, config, index, seal}
}

func (l *Layout) writeHeader() error {
	regions := buildTopRegions(l.sizes)
	superBytes, err := l.super.encode()
	if err != nil {
		return err
	}

	table := RegionTable{
		Header: RegionTableHeader{
			Magic:        RegionMagic,
			RegionBlocks: l.sizes.TotalBlocks,
			Type:         TableSuper,
			Version:      RegionTableVersion,
			NumRegions:   uint16(len(regions)),
		},
		Regions: regions,
	}
	encoded, err := encodeRegionTable(table, len(superBytes))
	if err != nil {
		return err
	}
	copy(encoded[regionTableHeaderSize+len(regions)*regionSize:], superBytes)
	if len(encoded) > BlockSize {
		return fmt.Errorf("%w: superblock payload does not fit in one block", ErrCorruptData)
	}

	w := l.f.BufferedWriter(0, BlockSize)
	if _, err := w.Write(encoded); err != nil {
		return err
	}
	return w.Flush()
}

func (l *Layout) readHeader() error {
	r := l.f.BufferedReader(0, BlockSize)
	raw := make([]byte, BlockSize)
	if err := r.ReadFull(raw); err != nil {
		return err
	}

	// The magic decides "never formatted" vs "formatted but broken", so
	// check it before trusting any other header field.
	hb := newDecodeBuffer(raw[:regionTableHeaderSize])
	header, err := decodeRegionTableHeader(hb)
	if err != nil {
		return err
	}
	if header.Magic != RegionMagic {
		return fmt.Errorf("%w", ErrNoIndex)
	}
	if header.Version != RegionTableVersion {
		return fmt.Errorf("%w: region table version %d", ErrUnsupportedVersion, header.Version)
	}
	if header.Type != TableSuper {
		return fmt.Errorf("%w: top-level table is not SUPER", ErrCorruptData)
	}

	table, err := decodeRegionTable(raw)
	if err != nil {
		return err
	}
	if len(table.Regions) != 4 {
		return fmt.Errorf("%w: top-level table has %d regions, want 4", ErrCorruptData, len(table.Regions))
	}

	it := newRegionIterator(table.Regions, 0)
	it.next(KindHeader, SoleInstance, 1)
	it.next(KindConfig, SoleInstance, 1)
	index, _ := it.next(KindIndex, SoleInstance, int64(l.sizes.SubIndexBlocks))
	it.next(KindSeal, SoleInstance, 1)
	if !it.done() {
		return fmt.Errorf("%w: unconsumed top-level regions", ErrUnexpectedResult)
	}
	if err := it.err(); err != nil {
		return err
	}

	payloadOff := regionTableHeaderSize + len(table.Regions)*regionSize
	payloadEnd := payloadOff + int(header.Payload)
	if payloadEnd > len(raw) {
		return fmt.Errorf("%w: superblock payload of %d bytes exceeds header block", ErrCorruptData, header.Payload)
	}
	super, err := decodeSuperblockData(raw[payloadOff:payloadEnd])
	if err != nil {
		return err
	}
	if err := validateSuperblockInvariants(super); err != nil {
		return err
	}

	l.super = super
	l.volumeStart = index.StartBlock
	return nil
}

func (l *Layout) readConfig() error {
	r := l.f.BufferedReader(BlockSize, BlockSize)
	return configurationValidate(r, l.cfg)
}

func (l *Layout) writeConfig() error {
	w := l.f.BufferedWriter(BlockSize, BlockSize)
	if err := configurationWrite(w, l.cfg, l.super.Version); err != nil {
		return err
	}
	return w.Flush()
}

func (l *Layout) writeSeal() error {
	sealBlock := l.volumeStart + l.sizes.SubIndexBlocks
	w := l.f.BufferedWriter(int64(sealBlock)*BlockSize, BlockSize)
	if _, err := w.Write(sealMagic[:]); err != nil {
		return err
	}
	return w.Flush()
}

func (l *Layout) verifySeal() error {
	sealBlock := l.volumeStart + l.sizes.SubIndexBlocks
	r := l.f.BufferedReader(int64(sealBlock)*BlockSize, BlockSize)
	return Verify(r, sealMagic[:])
}

func (l *Layout) slotStart(i uint64) uint64 {
	return l.volumeStart + l.sizes.VolumeBlocks + i*l.sizes.SaveBlocks
}

// MakeLayout creates (newLayout==true) or opens an existing layout backed
// by dir/name, taking an exclusive lock for the duration of the call.
func MakeLayout(dir, name string, cfg Config, newLayout bool) (*Layout, error) {
	sizes, err := computeLayoutSizes(cfg)
	if err != nil {
		return nil, err
	}

	mode := ModeRW
	if newLayout {
		mode = ModeCreateRW
	}
	f, err := OpenFactory(dir, name, mode, sizes.TotalBlocks)
	if err != nil {
		return nil, err
	}

	l := &Layout{f: f, cfg: cfg, sizes: sizes, lock: &fileLock{}, volumeStart: 2}
	l.spare = newSaveSlot(0, sizes.SaveBlocks, sizes.PageMapBlocks, sizes.OpenChapterBlocks)
	l.lock.setFile(f.osFile())

	if err := l.lock.Lock(LockExclusive); err != nil {
		f.Close()
		return nil, err
	}
	defer l.lock.Unlock()

	if newLayout {
		if err := l.createFresh(); err != nil {
			f.Close()
			return nil, err
		}
		return l, nil
	}

	if err := l.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := l.readConfig(); err != nil {
		f.Close()
		return nil, err
	}
	if err := l.verifySeal(); err != nil {
		f.Close()
		return nil, err
	}

	l.subIndexNonceVal = subIndexNonce(l.super.Nonce, l.volumeStart, 0)
	l.saveSlots = make([]*SaveSlot, l.sizes.NumSaves)
	for i := range l.saveSlots {
		slot, err := reconstructSaveSlot(f, l.slotStart(uint64(i)), l.sizes.SaveBlocks, l.sizes.PageMapBlocks, l.sizes.OpenChapterBlocks)
		if err != nil {
			f.Close()
			return nil, err
		}
		l.saveSlots[i] = slot
	}

	return l, nil
}

func (l *Layout) createFresh() error {
	var rand30Buf [4]byte
	if _, err := rand.Read(rand30Buf[:]); err != nil {
		return err
	}
	seed := newSeedBytes(binary.LittleEndian.Uint32(rand30Buf[:]))

	l.super = SuperblockData{
		NonceInfo:         seed,
		Nonce:             primaryNonce(seed[:]),
		Version:           SuperblockVersionOriginal,
		BlockSize:         BlockSize,
		NumIndexes:        1,
		MaxSaves:          uint16(l.sizes.NumSaves),
		OpenChapterBlocks: l.sizes.OpenChapterBlocks,
		PageMapBlocks:     l.sizes.PageMapBlocks,
	}
	l.volumeStart = 2
	l.subIndexNonceVal = subIndexNonce(l.super.Nonce, l.volumeStart, 0)

	l.saveSlots = make([]*SaveSlot, l.sizes.NumSaves)
	for i := range l.saveSlots {
		slot := newSaveSlot(l.slotStart(uint64(i)), l.sizes.SaveBlocks, l.sizes.PageMapBlocks, l.sizes.OpenChapterBlocks)
		if err := slot.invalidate(l.f); err != nil {
			return err
		}
		l.saveSlots[i] = slot
	}

	if err := l.writeSeal(); err != nil {
		return err
	}
	if err := l.writeHeader(); err != nil {
		return err
	}
	return l.writeConfig()
}

// FreeLayout releases the layout's backing store handles. The Layout must
// not be used afterward.
func (l *Layout) FreeLayout() error {
	l.lock.setFile(nil)
	return l.f.Close()
}

// VolumeNonce returns the nonce binding this layout's sub-index to its
// backing store, the same value saveNonce mixes into every slot's
// stamped nonce.
func (l *Layout) VolumeNonce() uint64 {
	return l.subIndexNonceVal
}

// SaveState invalidates the oldest save slot, re-carves it for
// len(volumeIndexZones) zones, writes every payload (including the
// index-state buffer of chapter counters), and durably commits the new
// header table last. The pending save is assembled in
// the layout's spare record and only swapped into the ring on success,
// so a failure at any step leaves the in-memory slot cleanly UNSAVED.
// It returns the index of the slot that was written.
func (l *Layout) SaveState(volumeIndexZones [][]byte, openChapterZones [][]byte, pageMap *IndexPageMap, counters ChapterCounters, now time.Time) (int, error) {
	if err := l.lock.Lock(LockExclusive); err != nil {
		return 0, err
	}
	defer l.lock.Unlock()

	idx := selectOldest(l.saveSlots, l.subIndexNonceVal)
	slot := l.saveSlots[idx]

	if err := slot.invalidate(l.f); err != nil {
		return idx, err
	}

	// Build the pending save in the preallocated spare record; the live
	// slot record stays cleanly UNSAVED until the new header commits, at
	// which point the spare takes the slot's place in the ring.
	pending := l.spare
	pending.adopt(slot)

	numZones := len(volumeIndexZones)
	if err := pending.instantiate(numZones, counters, l.subIndexNonceVal, now); err != nil {
		pending.cancel()
		return idx, err
	}

	for z, payload := range volumeIndexZones {
		checksum, err := saveVolumeIndex(l.f, pending, z, payload)
		if err != nil {
			pending.cancel()
			return idx, err
		}
		pending.setChecksum(KindVolumeIndex, uint16(z), checksum)
	}

	checksum, err := saveOpenChapters(l.f, pending, openChapterZones)
	if err != nil {
		pending.cancel()
		return idx, err
	}
	pending.setChecksum(KindOpenChapter, SoleInstance, checksum)

	if err := writeIndexPageMap(l.f, pending, pageMap); err != nil {
		pending.cancel()
		return idx, err
	}
	pending.setChecksum(KindIndexPageMap, SoleInstance, regionChecksum(pageMap.Encode()))

	if err := pending.writeHeaderTable(l.f); err != nil {
		pending.cancel()
		return idx, err
	}

	l.saveSlots[idx], l.spare = pending, slot
	return idx, nil
}

// LoadState selects the most recently and cleanly saved slot, decodes its
// index-state buffer (rejecting anything but the {-1, 301} version tag),
// and returns its per-zone payloads, page map, and chapter counters.
// Fails with ErrIndexNotSavedCleanly if no slot validates.
func (l *Layout) LoadState() (volumeIndexZones [][]byte, openChapterZones [][]byte, pageMap *IndexPageMap, counters ChapterCounters, err error) {
	if err := l.lock.Lock(LockShared); err != nil {
		return nil, nil, nil, ChapterCounters{}, err
	}
	defer l.lock.Unlock()

	idx, err := selectLatest(l.saveSlots, l.subIndexNonceVal)
	if err != nil {
		return nil, nil, nil, ChapterCounters{}, err
	}
	slot := l.saveSlots[idx]

	counters, err = decodeChapterCounters(slot.CountersRaw)
	if err != nil {
		return nil, nil, nil, ChapterCounters{}, err
	}

	volumeIndexZones = make([][]byte, slot.NumZones)
	for z := 0; z < slot.NumZones; z++ {
		payload, err := loadVolumeIndex(l.f, slot, z)
		if err != nil {
			return nil, nil, nil, ChapterCounters{}, err
		}
		volumeIndexZones[z] = payload
	}

	openChapterZones, err = loadOpenChapters(l.f, slot, slot.NumZones)
	if err != nil {
		return nil, nil, nil, ChapterCounters{}, err
	}

	pageMap, err = readIndexPageMap(l.f, slot, l.cfg.Geometry)
	if err != nil {
		return nil, nil, nil, ChapterCounters{}, err
	}

	return volumeIndexZones, openChapterZones, pageMap, counters, nil
}

// DiscardState invalidates every save slot, leaving the layout in the
// never-saved state a fresh MakeLayout(..., true) would produce.
func (l *Layout) DiscardState() error {
	if err := l.lock.Lock(LockExclusive); err != nil {
		return err
	}
	defer l.lock.Unlock()

	for _, slot := range l.saveSlots {
		if err := slot.invalidate(l.f); err != nil {
			return err
		}
	}
	return nil
}

// DiscardOpenChapter zeroes the OPEN_CHAPTER region of the most recently
// saved slot in place, without disturbing its volume-index zones, so a
// subsequent load falls back to an empty open chapter.
func (l *Layout) DiscardOpenChapter() error {
	if err := l.lock.Lock(LockExclusive); err != nil {
		return err
	}
	defer l.lock.Unlock()

	idx, err := selectLatest(l.saveSlots, l.subIndexNonceVal)
	if err != nil {
		return err
	}
	slot := l.saveSlots[idx]

	w, err := slot.Writer(l.f, KindOpenChapter, SoleInstance)
	if err != nil {
		return err
	}
	if err := WriteZeros(w, BlockSize); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	slot.setChecksum(KindOpenChapter, SoleInstance, 0)
	return slot.writeHeaderTable(l.f)
}

// UpdateLayout converts a version-3 superblock to version 7, recording
// the volume-manager offsets a converted layout carries.
// lvmOffset is the number of bytes of volume-manager metadata prepended
// to the device; offset is the number of bytes the volume payload was
// shifted forward. Both are byte counts and must be whole blocks; they
// are stored in the superblock as block counts. The payload is not moved,
// and no read or write of the layout is translated by these offsets.
func (l *Layout) UpdateLayout(lvmOffset, offset uint64) error {
	if err := l.lock.Lock(LockExclusive); err != nil {
		return err
	}
	defer l.lock.Unlock()

	if lvmOffset%BlockSize != 0 || offset%BlockSize != 0 {
		return fmt.Errorf("%w: conversion offsets must be whole blocks (lvm=%d, offset=%d)", ErrIncorrectAlignment, lvmOffset, offset)
	}
	volumeOffset := offset / BlockSize
	startOffset := lvmOffset / BlockSize
	if volumeOffset < startOffset {
		return fmt.Errorf("%w: volume_offset %d < start_offset %d", ErrInvalidArgument, volumeOffset, startOffset)
	}

	l.super.Version = SuperblockVersionConverted
	l.super.VolumeOffset = volumeOffset
	l.super.StartOffset = startOffset
	return l.writeHeader()
}
