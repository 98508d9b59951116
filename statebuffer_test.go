// State-buffer collaborator tests: chapter-counter codec (signature/
// version tag), and the default open-chapter, volume-index, and
// page-map save/load glue.
package albireo

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestChapterCountersRoundTrip(t *testing.T) {
	c := ChapterCounters{Newest: 1000, Oldest: 100, LastSave: 0xcafe}
	encoded := encodeChapterCounters(c)
	decoded, err := decodeChapterCounters(encoded)
	if err != nil {
		t.Fatalf("decodeChapterCounters: %v", err)
	}
	if decoded != c {
		t.Fatalf("round-trip = %+v, want %+v", decoded, c)
	}
}

func TestChapterCountersRejectsBadSignature(t *testing.T) {
	encoded := encodeChapterCounters(ChapterCounters{})
	encoded[0] = 1 // corrupt the signature's low byte
	if _, err := decodeChapterCounters(encoded); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("decode with bad signature = %v, want ErrCorruptData", err)
	}
}

func TestChapterCountersRejectsBadVersion(t *testing.T) {
	encoded := encodeChapterCounters(ChapterCounters{})
	encoded[4] = 0 // corrupt version_id's low byte (was 301)
	if _, err := decodeChapterCounters(encoded); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("decode with bad version = %v, want ErrUnsupportedVersion", err)
	}
}

func TestSaveLoadOpenChaptersRoundTrip(t *testing.T) {
	f, cleanup := newTestFactory(t, 40)
	defer cleanup()

	s := newSaveSlot(0, 40, 1, 4)
	if err := s.instantiate(2, ChapterCounters{}, 1, time.Now()); err != nil {
		t.Fatalf("instantiate: %v", err)
	}

	zones := [][]byte{bytes.Repeat([]byte{1}, 50), bytes.Repeat([]byte{2}, 70)}
	if _, err := saveOpenChapters(f, s, zones); err != nil {
		t.Fatalf("saveOpenChapters: %v", err)
	}

	got, err := loadOpenChapters(f, s, 2)
	if err != nil {
		t.Fatalf("loadOpenChapters: %v", err)
	}
	if len(got) != 2 || !bytes.Equal(got[0], zones[0]) || !bytes.Equal(got[1], zones[1]) {
		t.Fatalf("loadOpenChapters = %v, want %v", got, zones)
	}
}

func TestSaveLoadVolumeIndexRoundTrip(t *testing.T) {
	f, cleanup := newTestFactory(t, 40)
	defer cleanup()

	s := newSaveSlot(0, 40, 1, 2)
	if err := s.instantiate(2, ChapterCounters{}, 1, time.Now()); err != nil {
		t.Fatalf("instantiate: %v", err)
	}

	payload := bytes.Repeat([]byte{0x5a}, 200)
	if _, err := saveVolumeIndex(f, s, 1, payload); err != nil {
		t.Fatalf("saveVolumeIndex: %v", err)
	}
	got, err := loadVolumeIndex(f, s, 1)
	if err != nil {
		t.Fatalf("loadVolumeIndex: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("loadVolumeIndex mismatch")
	}
}

func TestWriteReadIndexPageMapRoundTrip(t *testing.T) {
	f, cleanup := newTestFactory(t, 40)
	defer cleanup()

	g := testGeometry()
	s := newSaveSlot(0, 40, computeIndexPageMapSaveSize(g)/BlockSize+1, 2)
	if err := s.instantiate(1, ChapterCounters{}, 1, time.Now()); err != nil {
		t.Fatalf("instantiate: %v", err)
	}

	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}
	if _, err := m.Update(2, 1, 0, 4); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := writeIndexPageMap(f, s, m); err != nil {
		t.Fatalf("writeIndexPageMap: %v", err)
	}
	got, err := readIndexPageMap(f, s, g)
	if err != nil {
		t.Fatalf("readIndexPageMap: %v", err)
	}
	if got.LastUpdate != m.LastUpdate {
		t.Fatalf("LastUpdate = %d, want %d", got.LastUpdate, m.LastUpdate)
	}
	for i := range m.Entries {
		if got.Entries[i] != m.Entries[i] {
			t.Fatalf("entry %d = %d, want %d", i, got.Entries[i], m.Entries[i])
		}
	}
}
