// Package sha256 fingerprints normalized boundaries.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hasher implements geoexport.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashJSON digests the JSON encoding of v. Map keys are encoded in sorted
// order, so equal values give equal digests.
func (h *Hasher) HashJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode for digest: %w", err)
	}
	return h.Hash(data)
}
