// Geometry and configuration: the caller-supplied parameters that drive
// size computation, plus default implementations of the collaborator
// contracts the layout delegates to the volume index, the page map
// sizing, and the open chapter. These are intentionally simple
// stand-ins; the real volume-index hashing and block-cache policy live
// outside this engine. They are concrete enough that making, saving,
// loading, and converting a layout exercises every region end to end.
package albireo

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Geometry describes the shape of the on-volume index the layout must
// make room for.
type Geometry struct {
	BytesPerPage         uint64 `json:"bytes_per_page"`
	BytesPerVolume       uint64 `json:"bytes_per_volume"`
	ChaptersPerVolume    uint32 `json:"chapters_per_volume"`
	IndexPagesPerChapter uint32 `json:"index_pages_per_chapter"`
	DeltaListsPerChapter uint32 `json:"delta_lists_per_chapter"`
}

// HashAlgorithm selects the function behind hashToChapterDeltaList.
type HashAlgorithm int

const (
	HashXXH3 HashAlgorithm = iota
	HashBlake2b
)

// Config is the caller-supplied, persisted configuration payload. Its
// on-disk encoding is owned by this package alone; nothing else parses
// the CONFIG region, so a length-prefixed goccy/go-json record is
// sufficient and self-describing.
type Config struct {
	Geometry      Geometry      `json:"geometry"`
	MaxSaves      uint16        `json:"max_saves"`
	HashAlgorithm HashAlgorithm `json:"hash_algorithm"`
}

// validateAlignment enforces that the geometry's page size is a multiple
// of the block size.
func (g Geometry) validateAlignment() error {
	if g.BytesPerPage%BlockSize != 0 {
		return fmt.Errorf("%w: bytes_per_page=%d not a multiple of block size %d", ErrIncorrectAlignment, g.BytesPerPage, BlockSize)
	}
	return nil
}

// configurationWrite serializes cfg into a length-prefixed JSON payload
// and writes it through w.
func configurationWrite(w *Writer, cfg Config, superVersion uint32) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	lenBuf := newEncodeBuffer(8)
	_ = lenBuf.putU64(uint64(len(body)))
	if _, err := w.Write(lenBuf.bytes()); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// configurationValidate reads the CONFIG payload through r and checks it
// matches want field-for-field.
func configurationValidate(r *Reader, want Config) error {
	lenBuf := make([]byte, 8)
	if err := r.ReadFull(lenBuf); err != nil {
		return err
	}
	n, err := newDecodeBuffer(lenBuf).getU64()
	if err != nil {
		return err
	}
	body := make([]byte, n)
	if err := r.ReadFull(body); err != nil {
		return err
	}

	var got Config
	if err := json.Unmarshal(body, &got); err != nil {
		return fmt.Errorf("%w: config payload: %v", ErrCorruptData, err)
	}
	if got != want {
		return fmt.Errorf("%w: stored configuration does not match requested configuration", ErrCorruptData)
	}
	return nil
}

// computeVolumeIndexSaveBlocks delegates to the volume-index module in
// the real system. This stand-in approximates its footprint as one
// record's worth of bytes per delta list across the volume, rounded up
// to whole blocks.
func computeVolumeIndexSaveBlocks(cfg Config, blockSize uint64) uint64 {
	const bytesPerDeltaList = 8
	total := uint64(cfg.Geometry.ChaptersPerVolume) * uint64(cfg.Geometry.DeltaListsPerChapter) * bytesPerDeltaList
	return ceilDiv(total, blockSize)
}

// computeIndexPageMapSaveSize matches the page map's own serialization
// exactly: an 8-byte magic, an 8-byte last_update, then one u16 per
// (chapter, page) entry, omitting each chapter's last page.
func computeIndexPageMapSaveSize(g Geometry) uint64 {
	entries := uint64(g.ChaptersPerVolume) * uint64(g.IndexPagesPerChapter-1)
	return 8 + 8 + entries*2
}

// computeSavedOpenChapterSize delegates to the open-chapter module in the
// real system. This stand-in bounds it to one page's worth of bytes,
// enough to exercise the OPEN_CHAPTER region without modeling the actual
// record format.
func computeSavedOpenChapterSize(g Geometry) uint64 {
	return g.BytesPerPage
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
