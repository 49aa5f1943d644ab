// Package fingerprint computes content digests used as dedup keys and
// verification comparison values.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Sum returns the SHA-256 digest of data as a lowercase hex string.
// Pure and safe for concurrent use.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SumReader digests everything readable from r.
func SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
