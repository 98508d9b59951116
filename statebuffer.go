// Default implementations of the state-buffer collaborator contracts:
// saving and loading the open chapter, the volume index, and the
// chapter counters that track how far a sub-index has progressed. The
// real volume-index and open-chapter record formats belong to their own
// modules; these defaults are concrete enough to round-trip through
// every region the layout carves for them, zstd-compressing each
// payload before it lands in its fixed-size region.
package albireo

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// chapterCounterSignature and chapterCounterVersionID form the two-int32
// tag prefixing an encoded ChapterCounters record: a signature
// distinguishing it from other payloads, and a version id for the record
// shape.
const (
	chapterCounterSignature int32 = -1
	chapterCounterVersionID int32 = 301
)

// ChapterCounters tracks how far a sub-index has progressed through its
// chapter ring: the index-state buffer that follows the fixed save_data
// header inside every save slot's HEADER region. It is the only state
// the layout engine itself interprets inside that otherwise-opaque
// buffer; everything past the version tag and these three counters
// would be caller-owned payload if the real system stored more there.
type ChapterCounters struct {
	Newest   uint64
	Oldest   uint64
	LastSave uint64
}

const chapterCountersSize = 4 + 4 + 8 + 8 + 8

func encodeChapterCounters(c ChapterCounters) []byte {
	b := newEncodeBuffer(chapterCountersSize)
	sig := chapterCounterSignature
	_ = b.putU32(uint32(sig))
	_ = b.putU32(uint32(chapterCounterVersionID))
	_ = b.putU64(c.Newest)
	_ = b.putU64(c.Oldest)
	_ = b.putU64(c.LastSave)
	return b.bytes()
}

// decodeChapterCounters decodes and validates the index-state buffer's
// version tag, rejecting anything other than {signature: -1, version_id:
// 301} with ErrCorruptData/ErrUnsupportedVersion. Called only against a
// slot that has already passed validateSave, never against an UNSAVED
// slot's (possibly all-zero) buffer.
func decodeChapterCounters(raw []byte) (ChapterCounters, error) {
	if len(raw) < chapterCountersSize {
		return ChapterCounters{}, fmt.Errorf("%w: chapter counters payload truncated", ErrCorruptData)
	}
	b := newDecodeBuffer(raw[:chapterCountersSize])
	sig, err := b.getU32()
	if err != nil {
		return ChapterCounters{}, err
	}
	if int32(sig) != chapterCounterSignature {
		return ChapterCounters{}, fmt.Errorf("%w: chapter counters signature mismatch", ErrCorruptData)
	}
	ver, err := b.getU32()
	if err != nil {
		return ChapterCounters{}, err
	}
	if int32(ver) != chapterCounterVersionID {
		return ChapterCounters{}, fmt.Errorf("%w: chapter counters version %d", ErrUnsupportedVersion, int32(ver))
	}

	var c ChapterCounters
	if c.Newest, err = b.getU64(); err != nil {
		return c, err
	}
	if c.Oldest, err = b.getU64(); err != nil {
		return c, err
	}
	if c.LastSave, err = b.getU64(); err != nil {
		return c, err
	}
	if err := b.finish(); err != nil {
		return c, err
	}
	return c, nil
}

// writeCompressed zstd-compresses payload and writes it through w as an
// 8-byte little-endian length prefix followed by the compressed bytes.
func writeCompressed(w *Writer, payload []byte) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()
	compressed := enc.EncodeAll(payload, nil)

	lenBuf := newEncodeBuffer(8)
	_ = lenBuf.putU64(uint64(len(compressed)))
	if _, err := w.Write(lenBuf.bytes()); err != nil {
		return err
	}
	_, err = w.Write(compressed)
	return err
}

// readCompressed reads a length-prefixed zstd payload previously written
// by writeCompressed.
func readCompressed(r *Reader) ([]byte, error) {
	lenBuf := make([]byte, 8)
	if err := r.ReadFull(lenBuf); err != nil {
		return nil, err
	}
	n, err := newDecodeBuffer(lenBuf).getU64()
	if err != nil {
		return nil, err
	}

	compressed := make([]byte, n)
	if err := r.ReadFull(compressed); err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: open_chapter/volume_index payload: %v", ErrCorruptData, err)
	}
	defer dec.Close()

	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: open_chapter/volume_index payload: %v", ErrCorruptData, err)
	}
	return out, nil
}

// saveOpenChapters is the default save_open_chapters collaborator: it
// writes every zone's open-chapter bytes, in zone order, into the slot's
// single OPEN_CHAPTER region and
// returns a checksum of the concatenated uncompressed payloads for the
// caller to stamp onto the region descriptor.
func saveOpenChapters(f *Factory, slot *SaveSlot, zonePayloads [][]byte) (uint32, error) {
	w, err := slot.Writer(f, KindOpenChapter, SoleInstance)
	if err != nil {
		return 0, err
	}
	var all []byte
	for _, payload := range zonePayloads {
		if err := writeCompressed(w, payload); err != nil {
			return 0, err
		}
		all = append(all, payload...)
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return regionChecksum(all), nil
}

// loadOpenChapters is the default load_open_chapters collaborator,
// reading back numZones payloads written by saveOpenChapters.
func loadOpenChapters(f *Factory, slot *SaveSlot, numZones int) ([][]byte, error) {
	r, err := slot.Reader(f, KindOpenChapter, SoleInstance)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, numZones)
	for z := 0; z < numZones; z++ {
		payload, err := readCompressed(r)
		if err != nil {
			return nil, err
		}
		out[z] = payload
	}
	return out, nil
}

// saveVolumeIndex is the default save_volume_index collaborator: each
// zone's volume-index bytes go into its own VOLUME_INDEX region. It
// returns a checksum of the uncompressed payload for the region
// descriptor.
func saveVolumeIndex(f *Factory, slot *SaveSlot, zone int, payload []byte) (uint32, error) {
	w, err := slot.Writer(f, KindVolumeIndex, uint16(zone))
	if err != nil {
		return 0, err
	}
	if err := writeCompressed(w, payload); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return regionChecksum(payload), nil
}

// loadVolumeIndex is the default load_volume_index collaborator.
func loadVolumeIndex(f *Factory, slot *SaveSlot, zone int) ([]byte, error) {
	r, err := slot.Reader(f, KindVolumeIndex, uint16(zone))
	if err != nil {
		return nil, err
	}
	return readCompressed(r)
}

// writeIndexPageMap serializes m and writes it into the slot's
// INDEX_PAGE_MAP region.
func writeIndexPageMap(f *Factory, slot *SaveSlot, m *IndexPageMap) error {
	w, err := slot.Writer(f, KindIndexPageMap, SoleInstance)
	if err != nil {
		return err
	}
	if _, err := w.Write(m.Encode()); err != nil {
		return err
	}
	return w.Flush()
}

// readIndexPageMap reads and decodes the page map from the slot's
// INDEX_PAGE_MAP region.
func readIndexPageMap(f *Factory, slot *SaveSlot, g Geometry) (*IndexPageMap, error) {
	r, err := slot.Reader(f, KindIndexPageMap, SoleInstance)
	if err != nil {
		return nil, err
	}
	size := int(8 + 8 + uint64(g.ChaptersPerVolume)*uint64(g.IndexPagesPerChapter-1)*2)
	raw := make([]byte, size)
	if err := r.ReadFull(raw); err != nil {
		return nil, err
	}
	return DecodeIndexPageMap(raw, g)
}
