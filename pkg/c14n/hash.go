package c14n

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashPrefix is the convention marker carried by chain hashes. Content
// digests (note_hash, event_hash, policy_hash) are stored as raw hex.
const HashPrefix = "sha256:"

// HashBytes returns the lowercase hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue canonically encodes v and returns the lowercase hex SHA-256 of
// the encoding.
func HashValue(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// WithPrefix returns the sha256:-prefixed form of a hex digest.
func WithPrefix(hexDigest string) string {
	return HashPrefix + hexDigest
}

// StripPrefix removes the sha256: marker when present.
func StripPrefix(h string) string {
	return strings.TrimPrefix(h, HashPrefix)
}

// Prefix16 returns the first 16 hex characters of a digest, prefix removed.
// Error bodies and logs carry hash prefixes only, never full digests.
func Prefix16(h string) string {
	h = StripPrefix(h)
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
