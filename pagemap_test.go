// Index page map tests: Update/FindPage/Bounds semantics,
// serialization, and the last-page and out-of-range boundary
// behaviors.
package albireo

import (
	"errors"
	"testing"
)

func testGeometry() Geometry {
	return Geometry{
		BytesPerPage:         4096,
		BytesPerVolume:       4096 * 4096,
		ChaptersPerVolume:    4,
		IndexPagesPerChapter: 3,
		DeltaListsPerChapter: 10,
	}
}

func TestNewIndexPageMapSizing(t *testing.T) {
	g := testGeometry()
	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}
	want := int(g.ChaptersPerVolume) * int(g.IndexPagesPerChapter-1)
	if len(m.Entries) != want {
		t.Fatalf("len(Entries) = %d, want %d", len(m.Entries), want)
	}
}

func TestNewIndexPageMapRejectsTooManyDeltaLists(t *testing.T) {
	g := testGeometry()
	g.DeltaListsPerChapter = 65537 // -1 > 65535
	_, err := NewIndexPageMap(g)
	if !errors.Is(err, ErrBadState) {
		t.Fatalf("NewIndexPageMap with oversized delta-list count = %v, want ErrBadState", err)
	}
}

// TestPageMapFindAndBounds walks a small geometry through two updates
// and checks that delta lists 0, 5 and 9 land on the expected pages.
func TestPageMapFindAndBounds(t *testing.T) {
	g := testGeometry()
	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}

	if _, err := m.Update(1, 0, 0, 3); err != nil {
		t.Fatalf("Update(1,0,0,3): %v", err)
	}
	if _, err := m.Update(1, 0, 1, 7); err != nil {
		t.Fatalf("Update(1,0,1,7): %v", err)
	}

	if page, err := m.FindPage(0, 0); err != nil || page != 0 {
		t.Fatalf("FindPage(0, delta=0) = %d, %v, want 0, nil", page, err)
	}
	if page, err := m.FindPage(0, 5); err != nil || page != 1 {
		t.Fatalf("FindPage(0, delta=5) = %d, %v, want 1, nil", page, err)
	}
	if page, err := m.FindPage(0, 9); err != nil || page != 2 {
		t.Fatalf("FindPage(0, delta=9) = %d, %v, want 2, nil", page, err)
	}

	lo, hi, err := m.Bounds(0, 1)
	if err != nil {
		t.Fatalf("Bounds(0,1): %v", err)
	}
	if lo != 4 || hi != 7 {
		t.Fatalf("Bounds(0,1) = (%d,%d), want (4,7)", lo, hi)
	}
}

// TestPageMapUpdateInvariant checks that for every valid update, bounds
// brackets the list that was recorded.
func TestPageMapUpdateInvariant(t *testing.T) {
	g := testGeometry()
	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}

	for chap := uint32(0); chap < g.ChaptersPerVolume; chap++ {
		for page := uint32(0); page < g.IndexPagesPerChapter; page++ {
			list := (chap + page) % g.DeltaListsPerChapter
			if _, err := m.Update(uint64(chap*10+page+1), chap, page, list); err != nil {
				t.Fatalf("Update(%d,%d,%d,%d): %v", chap*10+page+1, chap, page, list, err)
			}
			lo, hi, err := m.Bounds(chap, page)
			if err != nil {
				t.Fatalf("Bounds(%d,%d): %v", chap, page, err)
			}
			if list < lo || list > hi {
				t.Fatalf("Bounds(%d,%d) = (%d,%d) does not bracket updated list %d", chap, page, lo, hi, list)
			}
		}
	}
}

// TestPageMapLastPageWritesNothing: updating the last page of a chapter
// succeeds but leaves the stored array untouched; Bounds still reports
// the chapter's top delta list as the high end.
func TestPageMapLastPageWritesNothing(t *testing.T) {
	g := testGeometry()
	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}
	before := append([]uint16(nil), m.Entries...)

	lastPage := g.IndexPagesPerChapter - 1
	if _, err := m.Update(5, 2, lastPage, 3); err != nil {
		t.Fatalf("Update on last page: %v", err)
	}
	for i := range before {
		if m.Entries[i] != before[i] {
			t.Fatalf("Update on last page wrote entry %d", i)
		}
	}

	_, hi, err := m.Bounds(2, lastPage)
	if err != nil {
		t.Fatalf("Bounds: %v", err)
	}
	if hi != g.DeltaListsPerChapter-1 {
		t.Fatalf("Bounds high = %d, want %d", hi, g.DeltaListsPerChapter-1)
	}
}

func TestPageMapUpdateOutOfRangeArguments(t *testing.T) {
	g := testGeometry()
	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}

	cases := []struct {
		name             string
		chap, page, list uint32
	}{
		{"chapter", g.ChaptersPerVolume, 0, 0},
		{"page", 0, g.IndexPagesPerChapter, 0},
		{"list", 0, 0, g.DeltaListsPerChapter},
	}
	for _, c := range cases {
		if _, err := m.Update(1, c.chap, c.page, c.list); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Update with out-of-range %s = %v, want ErrInvalidArgument", c.name, err)
		}
	}
}

func TestPageMapUpdateJumpWarnsWithoutBlocking(t *testing.T) {
	g := testGeometry()
	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}
	if _, err := m.Update(1, 0, 0, 0); err != nil {
		t.Fatalf("Update: %v", err)
	}
	warn, err := m.Update(50, 0, 0, 0)
	if err != nil {
		t.Fatalf("Update jump should not be blocked: %v", err)
	}
	if !warn {
		t.Fatalf("Update jump from 1 to 50 should warn")
	}
	if m.LastUpdate != 50 {
		t.Fatalf("LastUpdate = %d, want 50", m.LastUpdate)
	}
}

func TestPageMapUpdateNoWarnOnFirstWrite(t *testing.T) {
	g := testGeometry()
	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}
	// last_update starts at 0, so any first vchap (even far from 0/1)
	// must not warn.
	warn, err := m.Update(999, 0, 0, 0)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if warn {
		t.Fatalf("Update should not warn when last_update was never set")
	}
}

func TestPageMapEncodeDecodeRoundTrip(t *testing.T) {
	g := testGeometry()
	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}
	if _, err := m.Update(3, 1, 0, 5); err != nil {
		t.Fatalf("Update: %v", err)
	}

	encoded := m.Encode()
	decoded, err := DecodeIndexPageMap(encoded, g)
	if err != nil {
		t.Fatalf("DecodeIndexPageMap: %v", err)
	}
	if decoded.LastUpdate != m.LastUpdate {
		t.Fatalf("LastUpdate = %d, want %d", decoded.LastUpdate, m.LastUpdate)
	}
	for i := range m.Entries {
		if decoded.Entries[i] != m.Entries[i] {
			t.Fatalf("entry %d = %d, want %d", i, decoded.Entries[i], m.Entries[i])
		}
	}
}

func TestPageMapEncodeMagicPrefix(t *testing.T) {
	g := testGeometry()
	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}
	encoded := m.Encode()
	if string(encoded[:8]) != "ALBIPM02" {
		t.Fatalf("magic prefix = %q, want ALBIPM02", encoded[:8])
	}
}

func TestDecodeIndexPageMapRejectsBadMagic(t *testing.T) {
	g := testGeometry()
	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}
	encoded := m.Encode()
	encoded[0] = 'X'
	if _, err := DecodeIndexPageMap(encoded, g); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("DecodeIndexPageMap with bad magic = %v, want ErrCorruptData", err)
	}
}

func TestHashToChapterDeltaListWithinRange(t *testing.T) {
	g := testGeometry()
	for _, alg := range []HashAlgorithm{HashXXH3, HashBlake2b} {
		for _, name := range []string{"a", "b", "some-longer-identifier"} {
			v := hashToChapterDeltaList(name, g, alg)
			if v >= g.DeltaListsPerChapter {
				t.Fatalf("hashToChapterDeltaList(%q, alg=%d) = %d, out of range [0,%d)", name, alg, v, g.DeltaListsPerChapter)
			}
		}
	}
}
