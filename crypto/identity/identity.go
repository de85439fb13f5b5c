// Package identity implements the on-disk identity file format from
// spec.md §6: a binary blob carrying an ML-DSA keypair and an ML-KEM
// long-term keypair, with the secret halves encrypted by a passphrase-
// derived key via Argon2id.
package identity

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"

	"github.com/qudag/node/crypto/aead"
	"github.com/qudag/node/crypto/hash"
	"github.com/qudag/node/crypto/kem"
	"github.com/qudag/node/crypto/sig"
)

var magic = [4]byte{'Q', 'D', 'I', 'D'}

const fileVersion = 1

// Argon2id parameters from spec.md §6.
const (
	argonMemoryKiB  = 128 * 1024
	argonTime       = 3
	argonThreads    = 1
	argonKeyLen     = aead.KeySize
	saltSize        = 32
	identityNonceSz = aead.NonceSize
)

// ErrIdentityCorrupted is fatal-to-node per spec.md §7: never attempt
// silent recovery.
var ErrIdentityCorrupted = errors.New("identity: corrupted identity file")

// ErrWrongPassphrase is returned when AEAD authentication fails on load.
var ErrWrongPassphrase = errors.New("identity: wrong passphrase or corrupted file")

// Identity holds a node's long-term keypairs. SignPriv and KEMPriv must be
// zeroized via Zero() once the identity is no longer needed.
type Identity struct {
	SignPub  sig.PublicKey
	SignPriv sig.PrivateKey
	KEMPub   kem.PublicKey
	KEMPriv  kem.PrivateKey
}

// Fingerprint is the BLAKE3 fingerprint of SignPub; it is the peer ID used
// throughout spec.md §3 and §4.5.
func (id Identity) Fingerprint() [32]byte {
	return hash.Sum(hash.DomainFingerprint, id.SignPub.Bytes())
}

// Zero overwrites both secret keys.
func (id *Identity) Zero() {
	id.SignPriv.Zero()
	id.KEMPriv.Zero()
}

// Generate creates a fresh identity; it is not yet persisted.
func Generate() (*Identity, error) {
	signPub, signPriv, err := sig.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	kemPub, kemPriv, err := kem.GenerateKeyPair()
	if err != nil {
		signPriv.Zero()
		return nil, fmt.Errorf("generate kem key: %w", err)
	}
	return &Identity{SignPub: signPub, SignPriv: signPriv, KEMPub: kemPub, KEMPriv: kemPriv}, nil
}

// Save writes id to path, encrypting the secret key material with a key
// derived from passphrase via Argon2id.
func Save(path string, passphrase []byte, id *Identity) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}

	var plain bytes.Buffer
	writeBlock(&plain, id.SignPub.Bytes())
	writeBlock(&plain, id.SignPriv.Bytes())
	writeBlock(&plain, id.KEMPub.Bytes())
	writeBlock(&plain, id.KEMPriv.Bytes())

	key := deriveKey(passphrase, salt)
	var nonce [identityNonceSz]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	ct, err := aead.Seal(key, nonce, magic[:], plain.Bytes())
	if err != nil {
		return err
	}

	var out bytes.Buffer
	out.Write(magic[:])
	out.WriteByte(fileVersion)
	out.Write(salt)
	out.Write(nonce[:])
	out.Write(ct)

	return os.WriteFile(path, out.Bytes(), 0o600)
}

// Load reads and decrypts the identity file at path.
func Load(path string, passphrase []byte) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4+1+saltSize+identityNonceSz {
		return nil, ErrIdentityCorrupted
	}
	if !bytes.Equal(raw[0:4], magic[:]) {
		return nil, ErrIdentityCorrupted
	}
	if raw[4] != fileVersion {
		return nil, ErrIdentityCorrupted
	}
	off := 5
	salt := raw[off : off+saltSize]
	off += saltSize
	var nonce [identityNonceSz]byte
	copy(nonce[:], raw[off:off+identityNonceSz])
	off += identityNonceSz
	ct := raw[off:]

	key := deriveKey(passphrase, salt)
	plain, err := aead.Open(key, nonce, magic[:], ct)
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	r := bytes.NewReader(plain)
	signPubB, err := readBlock(r)
	if err != nil {
		return nil, ErrIdentityCorrupted
	}
	signPrivB, err := readBlock(r)
	if err != nil {
		return nil, ErrIdentityCorrupted
	}
	kemPubB, err := readBlock(r)
	if err != nil {
		return nil, ErrIdentityCorrupted
	}
	kemPrivB, err := readBlock(r)
	if err != nil {
		return nil, ErrIdentityCorrupted
	}

	signPub, err := sig.ParsePublicKey(signPubB)
	if err != nil {
		return nil, ErrIdentityCorrupted
	}
	signPriv, err := sig.ParsePrivateKey(signPrivB)
	if err != nil {
		return nil, ErrIdentityCorrupted
	}
	kemPub, err := kem.ParsePublicKey(kemPubB)
	if err != nil {
		return nil, ErrIdentityCorrupted
	}
	kemPriv, err := kem.ParsePrivateKey(kemPrivB)
	if err != nil {
		return nil, ErrIdentityCorrupted
	}

	return &Identity{SignPub: signPub, SignPriv: signPriv, KEMPub: kemPub, KEMPriv: kemPriv}, nil
}

func deriveKey(passphrase, salt []byte) [aead.KeySize]byte {
	derived := argon2.IDKey(passphrase, salt, argonTime, argonMemoryKiB, argonThreads, argonKeyLen)
	var key [aead.KeySize]byte
	copy(key[:], derived)
	return key
}

func writeBlock(buf *bytes.Buffer, b []byte) {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(b)))
	buf.Write(lenBytes[:])
	buf.Write(b)
}

func readBlock(r *bytes.Reader) ([]byte, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBytes[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
