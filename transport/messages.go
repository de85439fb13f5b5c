// Package transport implements the encrypted point-to-point link
// (spec.md §4.4): a Noise-style post-quantum handshake, authenticated
// framing, flow control, and the connection pool, grounded on the
// teacher's qzmq transport's message-oriented handshake/Write/Read
// pattern but using real ML-DSA/ML-KEM/ChaCha20-Poly1305 primitives in
// place of qzmq's placeholder byte slices.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/qudag/node/crypto/kem"
	"github.com/qudag/node/crypto/sig"
)

// Handshake message types.
const (
	typeHello       uint8 = 0x01
	typeHelloReply  uint8 = 0x02
	typeConfirm     uint8 = 0x03
)

// hello is the initiator's first handshake message (spec.md §4.4 step 1):
// its long-term ML-DSA public key and a freshly generated ML-KEM
// ephemeral public key, signed with the long-term key.
type hello struct {
	SignPub   sig.PublicKey
	KEMEph    kem.PublicKey
	Signature []byte // over SignPub.Bytes() || KEMEph.Bytes()
}

func (m *hello) signedBody() []byte {
	body := make([]byte, 0, len(m.SignPub.Bytes())+len(m.KEMEph.Bytes()))
	body = append(body, m.SignPub.Bytes()...)
	body = append(body, m.KEMEph.Bytes()...)
	return body
}

func (m *hello) Write(w io.Writer) error {
	if err := writeByte(w, typeHello); err != nil {
		return err
	}
	if err := writeBlock(w, m.SignPub.Bytes()); err != nil {
		return err
	}
	if err := writeBlock(w, m.KEMEph.Bytes()); err != nil {
		return err
	}
	return writeBlock(w, m.Signature)
}

func readHello(r io.Reader) (*hello, error) {
	if err := expectType(r, typeHello); err != nil {
		return nil, err
	}
	signPubB, err := readBlock(r)
	if err != nil {
		return nil, err
	}
	kemEphB, err := readBlock(r)
	if err != nil {
		return nil, err
	}
	signature, err := readBlock(r)
	if err != nil {
		return nil, err
	}
	signPub, err := sig.ParsePublicKey(signPubB)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	kemEph, err := kem.ParsePublicKey(kemEphB)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	return &hello{SignPub: signPub, KEMEph: kemEph, Signature: signature}, nil
}

// helloReply is the responder's message (spec.md §4.4 step 2): the KEM
// ciphertext encapsulated to the initiator's ephemeral key, plus the
// responder's own signed long-term ML-DSA public key.
type helloReply struct {
	SignPub       sig.PublicKey
	KEMCiphertext []byte
	Signature     []byte // over SignPub.Bytes() || KEMCiphertext
}

func (m *helloReply) signedBody() []byte {
	body := make([]byte, 0, len(m.SignPub.Bytes())+len(m.KEMCiphertext))
	body = append(body, m.SignPub.Bytes()...)
	body = append(body, m.KEMCiphertext...)
	return body
}

func (m *helloReply) Write(w io.Writer) error {
	if err := writeByte(w, typeHelloReply); err != nil {
		return err
	}
	if err := writeBlock(w, m.SignPub.Bytes()); err != nil {
		return err
	}
	if err := writeBlock(w, m.KEMCiphertext); err != nil {
		return err
	}
	return writeBlock(w, m.Signature)
}

func readHelloReply(r io.Reader) (*helloReply, error) {
	if err := expectType(r, typeHelloReply); err != nil {
		return nil, err
	}
	signPubB, err := readBlock(r)
	if err != nil {
		return nil, err
	}
	ct, err := readBlock(r)
	if err != nil {
		return nil, err
	}
	signature, err := readBlock(r)
	if err != nil {
		return nil, err
	}
	signPub, err := sig.ParsePublicKey(signPubB)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	return &helloReply{SignPub: signPub, KEMCiphertext: ct, Signature: signature}, nil
}

// confirm carries the confirmation tag each side sends once the session
// key is derived, so a mismatched derivation is caught before any frame
// is accepted (spec.md §4.4 step 4).
type confirm struct {
	Tag []byte
}

func (m *confirm) Write(w io.Writer) error {
	if err := writeByte(w, typeConfirm); err != nil {
		return err
	}
	return writeBlock(w, m.Tag)
}

func readConfirm(r io.Reader) (*confirm, error) {
	if err := expectType(r, typeConfirm); err != nil {
		return nil, err
	}
	tag, err := readBlock(r)
	if err != nil {
		return nil, err
	}
	return &confirm{Tag: tag}, nil
}

func writeByte(w io.Writer, b uint8) error {
	return binary.Write(w, binary.BigEndian, b)
}

func expectType(r io.Reader, want uint8) error {
	var got uint8
	if err := binary.Read(r, binary.BigEndian, &got); err != nil {
		return ErrHandshakeFailed
	}
	if got != want {
		return ErrHandshakeFailed
	}
	return nil
}

func writeBlock(w io.Writer, b []byte) error {
	if len(b) > 0xFFFFFF {
		return fmt.Errorf("transport: block too large: %d", len(b))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBlock(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, ErrHandshakeFailed
	}
	if n > maxHandshakeBlock {
		return nil, ErrHandshakeFailed
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrHandshakeFailed
	}
	return b, nil
}

const maxHandshakeBlock = 64 * 1024
