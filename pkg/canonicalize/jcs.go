// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization used wherever bytes must be reproduced exactly by an
// independent party, such as HMAC inputs for trial outcomes.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with encoding/json so struct tags apply, then
// transformed: object keys sorted by UTF-16 code units, no HTML escaping,
// ES6 number formatting. Array order is preserved.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// NFC returns s in Unicode normalization form C. Identifiers are normalized
// before canonicalization so that visually identical strings produce the same
// bytes regardless of how the client composed them.
func NFC(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("canonicalize: invalid UTF-8 string")
	}
	return norm.NFC.String(s), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of data as lowercase hex.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
