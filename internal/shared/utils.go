// Package shared provides small utilities for random tokens and public-key
// fingerprints used by both the pairing flow and the key hierarchy.
package shared

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// MakeRandToken generates a URL-safe random token from size random bytes.
// Pairing tokens cross devices out-of-band (QR payload), so they use the
// URL-safe alphabet.
func MakeRandToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// MakeRandHexString generates a random hexadecimal string, used for pairing
// challenges the approving device displays for manual comparison. The size
// parameter is the number of random bytes; the resulting string is twice as
// long.
func MakeRandHexString(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Fingerprint returns a short deterministic hash of a public key, used for
// device verification and indexing. The full SHA-256 is truncated to the
// first 16 hex characters.
func Fingerprint(publicKey string) string {
	sum := sha256.Sum256([]byte(publicKey))
	return hex.EncodeToString(sum[:])[:16]
}
