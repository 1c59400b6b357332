// Package crypto provides cryptographic primitives for biddy.
package crypto

import (
	"crypto/sha256"

	"github.com/biddy-ledger/biddy/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes the SHA-256 digest of data. Block hashes use this.
func Hash(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// HashString hashes the bytes of s.
func HashString(s string) types.Hash {
	return Hash([]byte(s))
}

// Checksum computes a BLAKE3-256 digest of data.
// Used for file integrity only, never for block hashes.
func Checksum(data []byte) types.Hash {
	return blake3.Sum256(data)
}
