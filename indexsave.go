// Index-save layout: reconstructs a save slot's sub-regions from its
// on-disk nested region table.
package albireo

import "fmt"

// reconstructSaveSlot reads the region table at the start of a save
// slot's block range and rebuilds an in-memory SaveSlot from it.
//
// Two degenerate cases are treated as "fresh/unreadable": num_regions==0,
// or num_regions==1 with that region's kind SCRATCH. Both re-populate the
// slot in memory with zero zones and UNSAVED state, so a subsequent save
// can instantiate it.
func reconstructSaveSlot(f *Factory, startBlock, totalBlocks, pageMapBlocks, openChapterBlocks uint64) (*SaveSlot, error) {
	r := f.BufferedReader(int64(startBlock)*BlockSize, BlockSize)
	raw := make([]byte, BlockSize)
	if err := r.ReadFull(raw); err != nil {
		return nil, err
	}

	if len(raw) < regionTableHeaderSize {
		return nil, fmt.Errorf("%w: save slot header truncated", ErrCorruptData)
	}
	headerBuf := newDecodeBuffer(raw[:regionTableHeaderSize])
	tableHeader, err := decodeRegionTableHeader(headerBuf)
	if err != nil {
		return nil, err
	}
	if tableHeader.Magic != RegionMagic {
		return nil, fmt.Errorf("%w: save slot region table magic mismatch", ErrCorruptData)
	}
	if tableHeader.Version != RegionTableVersion {
		return nil, fmt.Errorf("%w: save slot region table version %d", ErrUnsupportedVersion, tableHeader.Version)
	}

	slot := &SaveSlot{
		StartBlock:        startBlock,
		TotalBlocks:       totalBlocks,
		PageMapBlocks:     pageMapBlocks,
		OpenChapterBlocks: openChapterBlocks,
	}

	if tableHeader.NumRegions == 0 {
		slot.layoutInvalidated()
		return slot, nil
	}

	need := regionTableHeaderSize + int(tableHeader.NumRegions)*regionSize
	if len(raw) < need {
		return nil, fmt.Errorf("%w: save slot region array truncated", ErrCorruptData)
	}
	regionsBuf := newDecodeBuffer(raw[regionTableHeaderSize:need])
	regions := make([]Region, tableHeader.NumRegions)
	for i := range regions {
		if regions[i], err = decodeRegion(regionsBuf); err != nil {
			return nil, err
		}
	}

	if len(regions) == 1 && regions[0].Kind == KindScratch {
		slot.layoutInvalidated()
		return slot, nil
	}

	it := newRegionIterator(regions, startBlock)
	it.next(KindHeader, SoleInstance, 1)
	it.next(KindIndexPageMap, SoleInstance, int64(pageMapBlocks))

	numZones := 0
	var zoneRegions []Region
	for it.cursor < len(it.regions) && it.regions[it.cursor].Kind == KindVolumeIndex {
		zr, ok := it.next(KindVolumeIndex, uint16(numZones), -1)
		if !ok {
			break
		}
		zoneRegions = append(zoneRegions, zr)
		numZones++
	}

	var openChapter *Region
	if tableHeader.Type == TableSave {
		oc, ok := it.next(KindOpenChapter, SoleInstance, -1)
		if ok {
			openChapter = &oc
		}
	}

	var scratch Region
	if it.cursor < len(it.regions) && it.regions[it.cursor].Kind == KindScratch {
		scratch, _ = it.next(KindScratch, SoleInstance, -1)
	} else {
		residualStart := it.expectBlock
		residualBlocks := startBlock + totalBlocks - residualStart
		scratch = Region{StartBlock: residualStart, NumBlocks: residualBlocks, Kind: KindScratch, Instance: SoleInstance}
	}

	if !it.done() {
		return nil, fmt.Errorf("%w: unconsumed regions in save slot table", ErrUnexpectedResult)
	}
	if err := it.err(); err != nil {
		return nil, err
	}

	all := []Region{
		{StartBlock: startBlock, NumBlocks: 1, Kind: KindHeader, Instance: SoleInstance},
		{StartBlock: startBlock + 1, NumBlocks: pageMapBlocks, Kind: KindIndexPageMap, Instance: SoleInstance},
	}
	all = append(all, zoneRegions...)
	if openChapter != nil {
		all = append(all, *openChapter)
	}
	all = append(all, scratch)

	if int(tableHeader.Payload) < saveDataSize+chapterCountersSize {
		return nil, fmt.Errorf("%w: save slot payload %d bytes, want at least %d", ErrCorruptData, tableHeader.Payload, saveDataSize+chapterCountersSize)
	}
	timestamp, nonce, version, err := decodeSaveData(raw[need:])
	if err != nil {
		return nil, err
	}

	countersStart := need + saveDataSize
	countersEnd := countersStart + chapterCountersSize
	if len(raw) < countersEnd {
		return nil, fmt.Errorf("%w: save slot index-state buffer truncated", ErrCorruptData)
	}
	countersRaw := make([]byte, chapterCountersSize)
	copy(countersRaw, raw[countersStart:countersEnd])

	slot.State = tableHeader.Type
	slot.NumZones = numZones
	slot.Timestamp = timestamp
	slot.Nonce = nonce
	slot.Version = version
	slot.CountersRaw = countersRaw
	slot.Regions = all
	return slot, nil
}
