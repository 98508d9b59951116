// Shared test helpers: every test opens a fresh backing store under
// t.TempDir().
package albireo

import "testing"

// newTestFactory opens a fresh, empty backing store of n blocks in a
// temporary directory and registers cleanup.
func newTestFactory(t *testing.T, n uint64) (*Factory, func()) {
	t.Helper()
	dir := t.TempDir()
	f, err := OpenFactory(dir, "store.bin", ModeCreateRW, n)
	if err != nil {
		t.Fatalf("OpenFactory: %v", err)
	}
	return f, func() { _ = f.Close() }
}

// smallConfig returns a Config whose geometry is deliberately tiny so
// tests that actually carve and save/load a layout run fast.
func smallConfig() Config {
	return Config{
		Geometry: Geometry{
			BytesPerPage:         BlockSize,
			BytesPerVolume:       BlockSize * 8,
			ChaptersPerVolume:    4,
			IndexPagesPerChapter: 3,
			DeltaListsPerChapter: 16,
		},
		MaxSaves:      2,
		HashAlgorithm: HashXXH3,
	}
}
