// Package hash provides domain-separated BLAKE3 hashing used throughout the
// node for content addressing, key derivation, and transcript binding.
package hash

import (
	"github.com/zeebo/blake3"
)

// Size is the length in bytes of every hash produced by this package.
const Size = 32

// Domain tags prefix every hash input so that a digest computed for one
// purpose can never be replayed as a digest for another purpose.
const (
	DomainVertex      = "qudag:vertex:v1"
	DomainHandshake   = "qudag:handshake:v1"
	DomainSessionKey  = "qudag:session-key:v1"
	DomainOnionLayer  = "qudag:onion-layer:v1"
	DomainIdentity    = "qudag:identity:v1"
	DomainFingerprint = "qudag:fingerprint:v1"
)

// Sum hashes data under the given domain tag in unkeyed mode.
func Sum(domain string, data ...[]byte) [Size]byte {
	h := blake3.New()
	_, _ = h.Write([]byte(domain))
	for _, d := range data {
		_, _ = h.Write(d)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Keyed hashes data in BLAKE3 keyed mode, using the 32-byte secret directly
// as the BLAKE3 key.
func Keyed(key [Size]byte, domain string, data ...[]byte) [Size]byte {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// blake3.NewKeyed only fails on a key of the wrong length, which
		// cannot happen here since key is a fixed-size array.
		panic(err)
	}
	_, _ = h.Write([]byte(domain))
	for _, d := range data {
		_, _ = h.Write(d)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveKey derives a symmetric key of arbitrary length from input keying
// material, following BLAKE3's native key-derivation mode.
func DeriveKey(context string, ikm []byte, outLen int) []byte {
	out := make([]byte, outLen)
	blake3.DeriveKey(context, ikm, out)
	return out
}
