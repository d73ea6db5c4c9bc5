// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
)

// Hasher implements analyzer.Hasher using SHA-256. Discovery uses it to
// fingerprint item payloads so unchanged items can be skipped on resume.
type Hasher struct{}

var _ analyzer.Hasher = (*Hasher)(nil)

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
