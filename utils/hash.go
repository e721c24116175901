package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// HashBytes returns the SHA-256 digest of data as lowercase hex.
// Used as the document identity key for per-user deduplication.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r through SHA-256 without buffering the whole input.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashString is a convenience wrapper for query/response audit hashes.
func HashString(s string) string {
	return HashBytes([]byte(s))
}
