// Nonce generation, binding a save or superblock to the volume that wrote
// it. Both the primary and secondary nonce are derived from an
// off-the-shelf Murmur3-128; nothing here invents a hash.
package albireo

import (
	"encoding/binary"
	"time"

	"github.com/spaolacci/murmur3"
)

// primarySeed is 0xa1b1e0fc ^ (0xa1b1e0fc >> 27), the fixed seed used to
// derive a superblock's primary nonce from its 32-byte nonce_info.
const primarySeed uint32 = 0xa1b1e0fc ^ (0xa1b1e0fc >> 27)

// murmur128 runs Murmur3-128 over data with the given 32-bit seed and
// returns the 16-byte digest with h1's bytes first, matching the
// reference C implementation's native-endian word layout.
func murmur128(data []byte, seed uint32) [16]byte {
	h1, h2 := murmur3.Sum128WithSeed(data, seed)
	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], h1)
	binary.LittleEndian.PutUint64(out[8:16], h2)
	return out
}

// nonceFromDigest extracts bytes 4..12 of a 128-bit digest as a
// little-endian u64.
func nonceFromDigest(digest [16]byte) uint64 {
	return binary.LittleEndian.Uint64(digest[4:12])
}

// primaryNonce computes a 64-bit primary nonce from 32 bytes of seed.
func primaryNonce(seedBytes []byte) uint64 {
	return nonceFromDigest(murmur128(seedBytes, primarySeed))
}

// secondaryNonceSeed derives the 32-bit seed murmur3 expects from a 64-bit
// base nonce: (base+1) ^ ((base+1)>>27), truncated to the low 32 bits the
// library's seeded hash takes.
func secondaryNonceSeed(base uint64) uint32 {
	b := base + 1
	return uint32(b ^ (b >> 27))
}

// secondaryNonce computes a deterministic secondary nonce by salted
// hashing of an existing nonce with arbitrary bytes.
func secondaryNonce(base uint64, data []byte) uint64 {
	return nonceFromDigest(murmur128(data, secondaryNonceSeed(base)))
}

// subIndexNonce computes the per-sub-index nonce from the superblock's
// primary nonce and the sub-index's start block and index id. If the
// result is 0, base is two's-complement negated and the hash is
// recomputed so the sub-index nonce is never 0.
func subIndexNonce(superNonce, startBlock uint64, indexID uint16) uint64 {
	buf := newEncodeBuffer(8 + 2)
	_ = buf.putU64(startBlock)
	_ = buf.putU16(indexID)

	base := superNonce
	nonce := secondaryNonce(base, buf.bytes())
	if nonce == 0 {
		base = ^base + 1
		nonce = secondaryNonce(base, buf.bytes())
	}
	return nonce
}

// saveNonce computes the per-save nonce: secondary_nonce(subIndexNonce,
// encode(saveData with its nonce field zeroed, slot.StartBlock)).
func saveNonce(subIndex uint64, encodedSaveDataZeroNonce []byte, slotStartBlock uint64) uint64 {
	buf := newEncodeBuffer(len(encodedSaveDataZeroNonce) + 8)
	_ = buf.putBytes(encodedSaveDataZeroNonce)
	_ = buf.putU64(slotStartBlock)
	return secondaryNonce(subIndex, buf.bytes())
}

// newSeedBytes fills 32 bytes of unique seed material for a freshly
// created superblock: current real-time in nanoseconds, a 30-bit
// pseudorandom value, then the already-filled prefix is doubled by
// copying it forward until 32 bytes are reached.
func newSeedBytes(rand30 uint32) [32]byte {
	var out [32]byte
	binary.LittleEndian.PutUint64(out[0:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(out[8:12], rand30&0x3fffffff)

	filled := 12
	for filled < len(out) {
		n := copy(out[filled:], out[:filled])
		filled += n
	}
	return out
}
