// Geometry/Config tests: alignment validation, configuration round-trip
// through the CONFIG region codec, and the deterministic size helpers.
package albireo

import (
	"errors"
	"testing"
)

func TestGeometryValidateAlignment(t *testing.T) {
	g := Geometry{BytesPerPage: BlockSize * 2}
	if err := g.validateAlignment(); err != nil {
		t.Fatalf("aligned page size rejected: %v", err)
	}

	g.BytesPerPage = BlockSize + 1
	if err := g.validateAlignment(); !errors.Is(err, ErrIncorrectAlignment) {
		t.Fatalf("unaligned page size = %v, want ErrIncorrectAlignment", err)
	}
}

func TestConfigurationWriteValidateRoundTrip(t *testing.T) {
	cfg := Config{
		Geometry: Geometry{
			BytesPerPage:         4096,
			BytesPerVolume:       4096 * 1024,
			ChaptersPerVolume:    8,
			IndexPagesPerChapter: 4,
			DeltaListsPerChapter: 64,
		},
		MaxSaves:      2,
		HashAlgorithm: HashXXH3,
	}

	f, cleanup := newTestFactory(t, 2)
	defer cleanup()

	w := f.BufferedWriter(0, BlockSize)
	if err := configurationWrite(w, cfg, SuperblockVersionOriginal); err != nil {
		t.Fatalf("configurationWrite: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r := f.BufferedReader(0, BlockSize)
	if err := configurationValidate(r, cfg); err != nil {
		t.Fatalf("configurationValidate on matching config: %v", err)
	}
}

func TestConfigurationValidateRejectsMismatch(t *testing.T) {
	cfg := Config{Geometry: Geometry{BytesPerPage: 4096, BytesPerVolume: 4096 * 1024, ChaptersPerVolume: 8, IndexPagesPerChapter: 4, DeltaListsPerChapter: 64}, MaxSaves: 2}
	other := cfg
	other.MaxSaves = 4

	f, cleanup := newTestFactory(t, 2)
	defer cleanup()

	w := f.BufferedWriter(0, BlockSize)
	if err := configurationWrite(w, cfg, SuperblockVersionOriginal); err != nil {
		t.Fatalf("configurationWrite: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r := f.BufferedReader(0, BlockSize)
	if err := configurationValidate(r, other); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("configurationValidate on mismatched config = %v, want ErrCorruptData", err)
	}
}

func TestComputeIndexPageMapSaveSizeMatchesEncoding(t *testing.T) {
	g := testGeometry()
	m, err := NewIndexPageMap(g)
	if err != nil {
		t.Fatalf("NewIndexPageMap: %v", err)
	}
	if _, err := m.Update(1, 0, 0, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}
	want := computeIndexPageMapSaveSize(g)
	if got := uint64(len(m.Encode())); got != want {
		t.Fatalf("computeIndexPageMapSaveSize = %d, encoded length = %d", want, got)
	}
}

func TestCeilDiv(t *testing.T) {
	cases := []struct{ a, b, want uint64 }{
		{0, 4096, 0},
		{1, 4096, 1},
		{4096, 4096, 1},
		{4097, 4096, 2},
		{8192, 4096, 2},
	}
	for _, c := range cases {
		if got := ceilDiv(c.a, c.b); got != c.want {
			t.Errorf("ceilDiv(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
