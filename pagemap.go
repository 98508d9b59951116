// Index page map: for every chapter, records which delta-list boundaries
// fall on which index page.
package albireo

import (
	"fmt"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// pageMapMagic is the 8-byte magic at the start of a serialized page map.
var pageMapMagic = [8]byte{'A', 'L', 'B', 'I', 'P', 'M', '0', '2'}

// IndexPageMap is a 2-D array of delta-list boundaries per (chapter,
// index-page), flattened row-major with each chapter's last page omitted
// (it is implied by geometry).
type IndexPageMap struct {
	ChaptersPerVolume    uint32
	IndexPagesPerChapter uint32
	DeltaListsPerChapter uint32

	LastUpdate uint64
	Entries    []uint16
}

// NewIndexPageMap allocates a zeroed page map for the given geometry.
// Fails with ErrBadState if the geometry has more delta lists per
// chapter than a u16 boundary can express.
func NewIndexPageMap(g Geometry) (*IndexPageMap, error) {
	if g.DeltaListsPerChapter == 0 || g.DeltaListsPerChapter-1 > 65535 {
		return nil, fmt.Errorf("%w: %d delta lists per chapter exceeds u16 boundary range", ErrBadState, g.DeltaListsPerChapter)
	}
	if g.IndexPagesPerChapter == 0 {
		return nil, fmt.Errorf("%w: index_pages_per_chapter must be positive", ErrBadState)
	}

	entries := int(g.ChaptersPerVolume) * int(g.IndexPagesPerChapter-1)
	return &IndexPageMap{
		ChaptersPerVolume:    g.ChaptersPerVolume,
		IndexPagesPerChapter: g.IndexPagesPerChapter,
		DeltaListsPerChapter: g.DeltaListsPerChapter,
		Entries:              make([]uint16, entries),
	}, nil
}

func (m *IndexPageMap) slotBase(chap uint32) int {
	return int(chap) * int(m.IndexPagesPerChapter-1)
}

// Update records that list is the largest delta-list index placed on
// (chap, page) as of virtual chapter vchap. A vchap that jumps outside
// {last_update, last_update+1} is reported back via the warn return
// value but does not block the update; the caller decides whether a
// jump means corruption.
func (m *IndexPageMap) Update(vchap uint64, chap, page, list uint32) (warn bool, err error) {
	if m.LastUpdate != 0 && vchap != m.LastUpdate && vchap != m.LastUpdate+1 {
		warn = true
	}
	m.LastUpdate = vchap

	if chap >= m.ChaptersPerVolume {
		return warn, fmt.Errorf("%w: chapter %d >= %d", ErrInvalidArgument, chap, m.ChaptersPerVolume)
	}
	if page >= m.IndexPagesPerChapter {
		return warn, fmt.Errorf("%w: page %d >= %d", ErrInvalidArgument, page, m.IndexPagesPerChapter)
	}
	if list >= m.DeltaListsPerChapter {
		return warn, fmt.Errorf("%w: delta list %d >= %d", ErrInvalidArgument, list, m.DeltaListsPerChapter)
	}

	// The last page of a chapter is implied by geometry: nothing to write.
	if page == m.IndexPagesPerChapter-1 {
		return warn, nil
	}

	m.Entries[m.slotBase(chap)+int(page)] = uint16(list)
	return warn, nil
}

// FindPage returns the first index page whose stored boundary is >= the
// delta list list falls in, or the chapter's last page if none qualify.
func (m *IndexPageMap) FindPage(chap uint32, list uint32) (uint32, error) {
	if chap >= m.ChaptersPerVolume {
		return 0, fmt.Errorf("%w: chapter %d >= %d", ErrInvalidArgument, chap, m.ChaptersPerVolume)
	}
	base := m.slotBase(chap)
	last := m.IndexPagesPerChapter - 1
	for page := uint32(0); page < last; page++ {
		if uint32(m.Entries[base+int(page)]) >= list {
			return page, nil
		}
	}
	return last, nil
}

// Bounds returns the inclusive [lowest_list, highest_list] range of delta
// lists stored on (chap, page).
func (m *IndexPageMap) Bounds(chap, page uint32) (lowest, highest uint32, err error) {
	if chap >= m.ChaptersPerVolume {
		return 0, 0, fmt.Errorf("%w: chapter %d >= %d", ErrInvalidArgument, chap, m.ChaptersPerVolume)
	}
	if page >= m.IndexPagesPerChapter {
		return 0, 0, fmt.Errorf("%w: page %d >= %d", ErrInvalidArgument, page, m.IndexPagesPerChapter)
	}

	base := m.slotBase(chap)
	if page == 0 {
		lowest = 0
	} else {
		lowest = uint32(m.Entries[base+int(page)-1]) + 1
	}
	if page == m.IndexPagesPerChapter-1 {
		highest = m.DeltaListsPerChapter - 1
	} else {
		highest = uint32(m.Entries[base+int(page)])
	}
	return lowest, highest, nil
}

// Encode serializes the page map: 8-byte magic, last_update (u64 LE),
// then entries as consecutive u16 LE.
func (m *IndexPageMap) Encode() []byte {
	b := newEncodeBuffer(8 + 8 + len(m.Entries)*2)
	_ = b.putBytes(pageMapMagic[:])
	_ = b.putU64(m.LastUpdate)
	for _, e := range m.Entries {
		_ = b.putU16(e)
	}
	return b.bytes()
}

// DecodeIndexPageMap reads a page map serialized by Encode for the given
// geometry, verifying the magic first.
func DecodeIndexPageMap(raw []byte, g Geometry) (*IndexPageMap, error) {
	m, err := NewIndexPageMap(g)
	if err != nil {
		return nil, err
	}

	want := 8 + 8 + len(m.Entries)*2
	if len(raw) < want {
		return nil, fmt.Errorf("%w: page map payload truncated", ErrCorruptData)
	}

	b := newDecodeBuffer(raw[:want])
	magic, err := b.getBytes(8)
	if err != nil {
		return nil, err
	}
	for i := range magic {
		if magic[i] != pageMapMagic[i] {
			return nil, fmt.Errorf("%w: page map magic mismatch", ErrCorruptData)
		}
	}

	if m.LastUpdate, err = b.getU64(); err != nil {
		return nil, err
	}
	for i := range m.Entries {
		if m.Entries[i], err = b.getU16(); err != nil {
			return nil, err
		}
	}
	if err := b.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// hashToChapterDeltaList maps a name to a delta-list index within a
// chapter, using the configured hash algorithm. This is the concrete
// default for the volume index's own name hashing, which lives outside
// this engine.
func hashToChapterDeltaList(name string, g Geometry, alg HashAlgorithm) uint32 {
	if g.DeltaListsPerChapter == 0 {
		return 0
	}
	switch alg {
	case HashBlake2b:
		h, _ := blake2b.New256(nil)
		h.Write([]byte(name))
		sum := h.Sum(nil)
		v := uint32(sum[0]) | uint32(sum[1])<<8 | uint32(sum[2])<<16 | uint32(sum[3])<<24
		return v % g.DeltaListsPerChapter
	default:
		v := xxh3.HashString(name)
		return uint32(v%uint64(g.DeltaListsPerChapter))
	}
}
