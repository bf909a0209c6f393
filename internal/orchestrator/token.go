package orchestrator

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// DefaultTokenLength is the number of hex characters in an auth token.
const DefaultTokenLength = 32

type tokenDigest [blake2b.Size256]byte

// newToken returns length hex characters drawn from crypto/rand.
//
// Precondition: length is positive and even.
func newToken(length int) (string, error) {
	buf := make([]byte, length/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func digestToken(token string) tokenDigest {
	return blake2b.Sum256([]byte(token))
}

// matches compares in constant time.
func (d tokenDigest) matches(token string) bool {
	other := digestToken(token)
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}
