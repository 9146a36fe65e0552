package c14n

import (
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalizeRawJSON re-canonicalizes an already-encoded JSON text per RFC
// 8785 (JCS). Offline tooling uses it to restore canonical bytes from bundle
// files that intermediaries may have re-indented.
//
// c14n v1 and RFC 8785 agree byte-for-byte on the payloads CDIL signs
// (strings, booleans, null, and integers within int64 range); the two only
// diverge on float formatting and exotic non-BMP key ordering, neither of
// which occurs in a canonical message.
func CanonicalizeRawJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("c14n: jcs transform: %w", err)
	}
	return out, nil
}
