// Package albireo implements the on-disk index layout engine of a
// deduplication index: it carves a backing block device into a fixed,
// versioned arrangement of regions, persists a self-describing superblock,
// and manages a small ring of save slots into which the running index
// periodically checkpoints its in-memory state.
//
// The dedup algorithm itself, the volume-index hashing, block-cache
// policy, and the user-facing command line are out of scope — this
// package only owns the carve-up and the checkpoint protocol.
package albireo

import "errors"

// Sentinel errors returned by layout operations. Callers match these with
// errors.Is to decide how to recover.
var (
	// ErrNoIndex means the backing store has never been formatted: the
	// first header read did not find the region-table magic.
	ErrNoIndex = errors.New("albireo: backing store has no index")

	// ErrCorruptData means the magic was fine but an on-disk invariant
	// failed: unknown magic label, inconsistent offsets, a forbidden
	// version, regions that don't cover the declared total, a nonce
	// mismatch, or a decode length mismatch.
	ErrCorruptData = errors.New("albireo: corrupt layout data")

	// ErrUnsupportedVersion is a recognized but unhandled on-disk version.
	ErrUnsupportedVersion = errors.New("albireo: unsupported on-disk version")

	// ErrIncorrectAlignment means the geometry's page size is not a
	// multiple of the block size.
	ErrIncorrectAlignment = errors.New("albireo: page size not aligned to block size")

	// ErrBadState means a save slot was asked to validate before it ever
	// received a timestamp/nonce, or a page map was built for a geometry
	// with too many delta lists to index.
	ErrBadState = errors.New("albireo: bad layout state")

	// ErrInvalidArgument means an out-of-range chapter, page, or
	// delta-list index was passed to a page-map operation.
	ErrInvalidArgument = errors.New("albireo: invalid argument")

	// ErrUnexpectedResult means the region iterator found a region at
	// the wrong offset, of the wrong kind, or with the wrong instance
	// while reconstructing a table.
	ErrUnexpectedResult = errors.New("albireo: unexpected region layout")

	// ErrNoSpace means the backing store is smaller than requested or
	// required.
	ErrNoSpace = errors.New("albireo: backing store too small")

	// ErrIndexNotSavedCleanly means select_latest found no valid save
	// slot.
	ErrIndexNotSavedCleanly = errors.New("albireo: index has not been saved cleanly")
)
