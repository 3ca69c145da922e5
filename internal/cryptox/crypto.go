// Package cryptox holds small hashing and comparison helpers.
package cryptox

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// TokensEqual compares two bearer tokens in constant time.
func TokensEqual(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// Digest returns the hex BLAKE2b-256 digest of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortDigest returns the first n hex characters of Digest(data).
func ShortDigest(data []byte, n int) string {
	d := Digest(data)
	if n <= 0 || n >= len(d) {
		return d
	}
	return d[:n]
}
