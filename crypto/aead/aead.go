// Package aead implements the hybrid AEAD used for every encrypted artifact
// at rest and in flight: ChaCha20-Poly1305 with a 96-bit nonce constructed
// as (4B session epoch ∥ 8B sequence), per spec.md §4.1. This mirrors the
// cipher selection in the teacher's qzmq package, minus the placeholder
// key-derivation code.
package aead

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize and NonceSize match spec.md §4.1 and §6's framing layout.
const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = 16
)

// ErrNonceReuse is fatal: spec.md §4.1 requires terminating the session.
var ErrNonceReuse = errors.New("aead: nonce reuse, session must terminate")

// ErrOpenFailed covers both tag-mismatch and malformed ciphertext.
var ErrOpenFailed = errors.New("aead: open failed")

// Nonce builds the session nonce from a 4-byte epoch and 8-byte counter.
func Nonce(epoch uint32, counter uint64) [NonceSize]byte {
	var n [NonceSize]byte
	binary.BigEndian.PutUint32(n[0:4], epoch)
	binary.BigEndian.PutUint64(n[4:12], counter)
	return n
}

// Cipher wraps a keyed ChaCha20-Poly1305 instance together with a strictly
// monotonic per-direction counter so that a nonce can never be reused
// silently; see spec.md invariant I5.
type Cipher struct {
	aead    cipher.AEAD
	epoch   uint32
	counter uint64
	used    map[uint64]struct{}
}

// New constructs a Cipher bound to key and the given session epoch.
func New(key [KeySize]byte, epoch uint32) (*Cipher, error) {
	a, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: a, epoch: epoch, used: make(map[uint64]struct{})}, nil
}

// Seal encrypts pt under the next sequence number in this direction,
// returning the ciphertext (with appended tag) and the nonce used.
func (c *Cipher) Seal(aad, pt []byte) (ct []byte, nonce [NonceSize]byte, err error) {
	seq := c.counter
	c.counter++
	nonce = Nonce(c.epoch, seq)
	ct = c.aead.Seal(nil, nonce[:], pt, aad)
	return ct, nonce, nil
}

// Open decrypts ct sealed under nonce, rejecting any nonce this Cipher has
// already seen in this direction — a fatal protocol violation per
// spec.md §4.1.
func (c *Cipher) Open(nonce [NonceSize]byte, aad, ct []byte) ([]byte, error) {
	seq := binary.BigEndian.Uint64(nonce[4:12])
	if _, seen := c.used[seq]; seen {
		return nil, ErrNonceReuse
	}
	pt, err := c.aead.Open(nil, nonce[:], ct, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	c.used[seq] = struct{}{}
	return pt, nil
}

// Seal is a stateless helper for one-shot sealing (e.g. identity file
// encryption, onion layers) where the caller manages its own nonce.
func Seal(key [KeySize]byte, nonce [NonceSize]byte, aad, pt []byte) ([]byte, error) {
	a, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return a.Seal(nil, nonce[:], pt, aad), nil
}

// Open is the stateless counterpart to Seal.
func Open(key [KeySize]byte, nonce [NonceSize]byte, aad, ct []byte) ([]byte, error) {
	a, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := a.Open(nil, nonce[:], ct, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}
