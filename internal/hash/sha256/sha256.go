// Package sha256 provides the SHA-256 digest helpers shared by the cache
// backends and content reporting.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumString returns the hex digest of s. Cache backends use it to derive
// collision-free storage names from artifact URIs.
func SumString(s string) string {
	return Sum([]byte(s))
}

// Hasher adapts Sum for collaborators that hash through an interface.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}
