package transport

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/qudag/node/crypto/aead"
	"github.com/qudag/node/peer"
)

// MaxFrameSize is the hard ceiling from spec.md §4.4: exactly 16 MiB is
// accepted, one byte larger closes the session.
const MaxFrameSize = 16 * 1024 * 1024

// frame wire format (spec.md §4.4): [4B length][12B nonce][sealed
// payload][16B tag]. length covers the nonce, sealed payload and tag.
const frameHeaderSize = 4 + aead.NonceSize

// WriteFrame seals plaintext under session and writes the resulting
// frame to w.
func WriteFrame(w io.Writer, session *peer.Session, plaintext []byte) error {
	if len(plaintext) > MaxFrameSize-aead.NonceSize-aead.TagSize {
		return ErrFrameTooLarge
	}
	ciphertext, nonce, err := session.Seal(nil, plaintext)
	if err != nil {
		return err
	}

	body := make([]byte, aead.NonceSize+len(ciphertext))
	copy(body, nonce[:])
	copy(body[aead.NonceSize:], ciphertext)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads and opens the next frame from r.
func ReadFrame(r io.Reader, session *peer.Session) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, ErrPeerDisconnected
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	if bodyLen > MaxFrameSize || int(bodyLen) < aead.NonceSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ErrPeerDisconnected
	}

	var nonce [aead.NonceSize]byte
	copy(nonce[:], body[:aead.NonceSize])
	ciphertext := body[aead.NonceSize:]

	plaintext, err := session.Open(nonce, nil, ciphertext)
	if err != nil {
		if errors.Is(err, aead.ErrNonceReuse) {
			return nil, ErrNonceReuse
		}
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
