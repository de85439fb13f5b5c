// Package kem implements the node's key-encapsulation mechanism: ML-KEM-768
// (ciphertexts ~1.1 KiB, shared secrets 32 B), per spec.md §4.1.
package kem

import (
	"errors"

	circlkem "github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/schemes"
)

var scheme = schemes.ByName("ML-KEM-768")

// Sizes, exposed for wire framing and the identity file format.
var (
	PublicKeySize  = scheme.PublicKeySize()
	PrivateKeySize = scheme.PrivateKeySize()
	CiphertextSize = scheme.CiphertextSize()
	SharedKeySize  = scheme.SharedKeySize()
)

// ErrInvalidKey is returned when a key fails to parse.
var ErrInvalidKey = errors.New("kem: invalid key encoding")

// ErrInvalidCiphertext is returned when decapsulation is given a ciphertext
// of the wrong length; see spec.md §4.1.
var ErrInvalidCiphertext = errors.New("kem: invalid ciphertext")

// PublicKey is an ML-KEM-768 encapsulation key.
type PublicKey struct {
	inner circlkem.PublicKey
}

// PrivateKey is the scoped decapsulation secret. Zero once done.
type PrivateKey struct {
	inner circlkem.PrivateKey
	raw   []byte
}

// GenerateKeyPair creates a fresh ML-KEM-768 keypair, used both for the
// long-lived session-setup key in Peer Identity and for the one-shot keys
// used per onion hop (spec.md §4.5).
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	raw, err := sk.MarshalBinary()
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	return PublicKey{inner: pk}, PrivateKey{inner: sk, raw: raw}, nil
}

// ParsePublicKey decodes a public key from its wire encoding.
func ParsePublicKey(b []byte) (PublicKey, error) {
	pk, err := scheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return PublicKey{}, ErrInvalidKey
	}
	return PublicKey{inner: pk}, nil
}

// ParsePrivateKey decodes a private key from its (decrypted) wire encoding.
func ParsePrivateKey(b []byte) (PrivateKey, error) {
	sk, err := scheme.UnmarshalBinaryPrivateKey(b)
	if err != nil {
		return PrivateKey{}, ErrInvalidKey
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return PrivateKey{inner: sk, raw: raw}, nil
}

// Bytes returns the wire encoding of the public key.
func (pk PublicKey) Bytes() []byte {
	b, _ := pk.inner.MarshalBinary()
	return b
}

// Bytes returns the wire encoding of the private key.
func (sk PrivateKey) Bytes() []byte {
	return sk.raw
}

// Zero overwrites the in-memory private key material.
func (sk *PrivateKey) Zero() {
	for i := range sk.raw {
		sk.raw[i] = 0
	}
	sk.inner = nil
}

// Encapsulate generates a fresh shared secret ss and its ciphertext ct under
// the recipient's public key pk.
func Encapsulate(pk PublicKey) (ct, ss []byte, err error) {
	return scheme.Encapsulate(pk.inner)
}

// Decapsulate recovers the shared secret from ct using sk. Returns
// ErrInvalidCiphertext on malformed input rather than panicking.
func Decapsulate(sk PrivateKey, ct []byte) ([]byte, error) {
	if len(ct) != CiphertextSize {
		return nil, ErrInvalidCiphertext
	}
	ss, err := scheme.Decapsulate(sk.inner, ct)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return ss, nil
}
