package core

import (
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/go-crypt/x/blake2b"
)

// Fingerprint derives a stable digest from the given parts. Each part is
// length-prefixed so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...string) string {
	h := newHash()
	var lenBuf [binary.MaxVarintLen64]byte
	for _, part := range parts {
		n := binary.PutUvarint(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:n])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheKey is the deterministic cache key for a stage run. Identical
// (item, stage, input fingerprint) triples always produce identical keys.
func CacheKey(itemID, stage, fingerprint string) string {
	return Fingerprint(itemID, stage, fingerprint)
}

// NewDigest returns a streaming hash used for payload digests.
func NewDigest() hash.Hash {
	return newHash()
}

func newHash() hash.Hash {
	h, _ := blake2b.New(16, nil) // 16 bytes = 128 bits
	return h
}
