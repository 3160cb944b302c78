package fragment

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Hasher keeps a rolling SHA-256 over every fragment written so far.
type Hasher struct {
	h hash.Hash
}

// NewHasher ...
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write feeds the next fragment into the digest.
func (h *Hasher) Write(p []byte) {
	h.h.Write(p) // never returns an error
}

// Sum returns the hex encoded digest of all bytes written so far without resetting it.
func (h *Hasher) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}
