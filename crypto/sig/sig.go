// Package sig implements the node's post-quantum signature scheme: ML-DSA
// at NIST security level 3 (the parameter set historically called
// Dilithium3; spec.md §9 fixes "ML-DSA" as the canonical name for both).
//
// Signatures are ~3.3 KiB and public keys ~1.9 KiB, matching spec.md §4.1.
package sig

import (
	"errors"

	circlsign "github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
)

// scheme is resolved once at package init; ML-DSA-65 is NIST level 3.
var scheme = schemes.ByName("ML-DSA-65")

// Sizes, exposed so callers (wire framing, identity file format) can
// preallocate without depending on circl types directly.
var (
	PublicKeySize  = scheme.PublicKeySize()
	SignatureSize  = scheme.SignatureSize()
	PrivateKeySize = scheme.PrivateKeySize()
)

// Errors returned by this package; see spec.md §4.1.
var (
	ErrInvalidKey       = errors.New("sig: invalid key encoding")
	ErrInvalidSignature = errors.New("sig: signature verification failed")
)

// PublicKey identifies a signer; its BLAKE3 fingerprint is the author
// fingerprint / peer ID referenced throughout spec.md §3.
type PublicKey struct {
	inner circlsign.PublicKey
}

// PrivateKey is the scoped secret-key handle. Callers MUST call Zero once
// the key is no longer needed; Zero is safe to call multiple times.
type PrivateKey struct {
	inner circlsign.PrivateKey
	raw   []byte
}

// GenerateKeyPair creates a fresh ML-DSA-65 keypair.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	pk, sk, err := scheme.GenerateKey()
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

// Bytes returns the wire encoding of the private key. Callers must not
// retain this slice past the key's lifetime; prefer Sign/Zero.
func (sk PrivateKey) Bytes() []byte {
	return sk.raw
}

// Zero overwrites the in-memory private key material. Constant-time; does
// not branch on the key contents.
func (sk *PrivateKey) Zero() {
	for i := range sk.raw {
		sk.raw[i] = 0
	}
	sk.inner = nil
}

// Sign produces a detached signature over msg. The signing operation
// itself is delegated to circl's constant-time ML-DSA implementation; this
// wrapper performs no data-dependent branching of its own.
func Sign(sk PrivateKey, msg []byte) []byte {
	return scheme.Sign(sk.inner, msg, nil)
}

// Verify checks sig over msg against pk. Returns false on any mismatch;
// never panics on attacker-controlled input.
func Verify(pk PublicKey, msg, signature []byte) bool {
	return scheme.Verify(pk.inner, msg, signature, nil)
}
