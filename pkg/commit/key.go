package commit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keyLabel domain-separates committed keys from every other use of the
// master secret.
const keyLabel = "qart/commit-key/v1"

// tokenKeyLabel is the HKDF info for the token signing key.
const tokenKeyLabel = "qart/token-signing/v1"

// MinSecretLength is the shortest master secret accepted, in bytes.
const MinSecretLength = 16

// DeriveKey computes K = HMAC-SHA256(secret, label ‖ sessionID ‖ blockID ‖ nonce).
// Each field is length-prefixed so distinct tuples never share an encoding.
// nonce is the encoded form carried in the token payload.
func DeriveKey(secret []byte, sessionID, blockID, nonce string) []byte {
	mac := hmac.New(sha256.New, secret)
	writeField(mac, keyLabel)
	writeField(mac, sessionID)
	writeField(mac, blockID)
	writeField(mac, nonce)
	return mac.Sum(nil)
}

// CommitHash returns hex(SHA-256(key)), the value published at commit time.
func CommitHash(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// tokenKey derives the HS256 signing key for commit tokens, so token
// signatures and committed keys never use the master secret the same way.
func tokenKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(tokenKeyLabel))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
}

func writeField(h hash.Hash, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func checkSecret(secret []byte) error {
	if len(secret) == 0 {
		return &ConfigurationError{Err: ErrMissingSecret}
	}
	if len(secret) < MinSecretLength {
		return &ConfigurationError{Err: ErrWeakSecret}
	}
	return nil
}
