// Package onion builds and peels the fixed-size layered packets used to
// anonymize message delivery across the overlay (spec.md §4.5). Each hop
// in the path gets its own ML-KEM encapsulation and ChaCha20-Poly1305
// seal, modeled after the layered handshake-then-seal pattern the
// transport package uses for its own link encryption, since the corpus
// carries no direct onion-routing exemplar.
package onion

import (
	"encoding/binary"
	"errors"

	"github.com/qudag/node/crypto/aead"
	"github.com/qudag/node/crypto/hash"
	"github.com/qudag/node/crypto/kem"
)

// PacketSize is the fixed wire size of every onion packet, regardless of
// path length or payload size (spec.md §4.5): constant size defeats
// traffic-size correlation between hops.
const PacketSize = 4096

// MinHops and MaxHops bound path length (spec.md §4.5).
const (
	MinHops = 2
	MaxHops = 5
)

var (
	// ErrPayloadTooLarge is returned when the final payload, plus the
	// per-hop overhead for every layer, would not fit in PacketSize.
	ErrPayloadTooLarge = errors.New("onion: payload too large for packet size")
	// ErrMalformedLayer is returned when a packet fails to parse or
	// authenticate at a hop; the hop should drop it silently rather than
	// signal anything back (an error response would itself leak
	// information to a traffic analyst).
	ErrMalformedLayer = errors.New("onion: malformed or unauthentic layer")
	// ErrPathLength is returned by BuildPacket for a path outside
	// [MinHops, MaxHops].
	ErrPathLength = errors.New("onion: path length out of range")
)

// addrFieldSize is the fixed width reserved for the next-hop address in
// each layer's plaintext; addresses are zero-padded/truncated to this
// width so layer plaintext size never varies with the address string.
const addrFieldSize = 64

const (
	ctLenSize    = 2
	nonceSize    = aead.NonceSize
	innerLenSize = 4
)

var perHopOverhead = ctLenSize + kem.CiphertextSize + nonceSize + aead.TagSize + innerLenSize + addrFieldSize

// Hop describes one relay in a path: its encapsulation key and the
// address the previous hop should forward the packet to in order to
// reach it. The first Hop's Address is not written into the packet; the
// final hop's own layer carries an empty next-hop address, which marks
// delivery.
type Hop struct {
	KEMPub  kem.PublicKey
	Address string
}

// BuildPacket constructs a fixed-size onion packet carrying payload to
// be delivered once it reaches the last hop in path, encrypted so that
// each intermediate hop learns only the address of the next hop and
// nothing about payload or the hops beyond it.
func BuildPacket(path []Hop, payload []byte) ([]byte, error) {
	if len(path) < MinHops || len(path) > MaxHops {
		return nil, ErrPathLength
	}
	if len(payload)+innerLenSize+len(path)*perHopOverhead > PacketSize {
		return nil, ErrPayloadTooLarge
	}

	// inner starts as the destination payload and grows outward as each
	// hop wraps it; addrFieldSize-prefixed next-hop address is prepended
	// at every layer except conceptually there is no "next hop" after
	// the last one, represented by an empty address.
	inner := make([]byte, innerLenSize+len(payload))
	binary.BigEndian.PutUint32(inner[:innerLenSize], uint32(len(payload)))
	copy(inner[innerLenSize:], payload)

	nextAddr := ""
	for i := len(path) - 1; i >= 0; i-- {
		hop := path[i]
		layerPlain := encodeAddr(nextAddr)
		layerPlain = append(layerPlain, inner...)

		ct, ss, err := kem.Encapsulate(hop.KEMPub)
		if err != nil {
			return nil, err
		}
		var key [hash.Size]byte
		copy(key[:], ss)
		derived := hash.Keyed(key, hash.DomainOnionLayer, []byte("layer-key"))
		var aeadKey [aead.KeySize]byte
		copy(aeadKey[:], derived[:])

		nonce := hash.Keyed(key, hash.DomainOnionLayer, []byte("layer-nonce"))
		var n [aead.NonceSize]byte
		copy(n[:], nonce[:])

		sealed, err := aead.Seal(aeadKey, n, nil, layerPlain)
		if err != nil {
			return nil, err
		}

		layer := make([]byte, 0, ctLenSize+len(ct)+nonceSize+innerLenSize+len(sealed))
		var ctLen [ctLenSize]byte
		binary.BigEndian.PutUint16(ctLen[:], uint16(len(ct)))
		layer = append(layer, ctLen[:]...)
		layer = append(layer, ct...)
		layer = append(layer, n[:]...)
		var sealedLen [innerLenSize]byte
		binary.BigEndian.PutUint32(sealedLen[:], uint32(len(sealed)))
		layer = append(layer, sealedLen[:]...)
		layer = append(layer, sealed...)

		inner = layer
		nextAddr = hop.Address
	}

	if len(inner) > PacketSize {
		return nil, ErrPayloadTooLarge
	}
	padded := make([]byte, PacketSize)
	copy(padded, inner)
	return padded, nil
}

// PeelLayer removes the outermost layer of packet using priv, the
// receiving hop's KEM decapsulation key. It returns the next hop's
// address (empty string if this hop is the final destination) and the
// remaining packet bytes to forward (or, at the final hop, the
// delivered payload).
func PeelLayer(priv kem.PrivateKey, packet []byte) (nextAddr string, remainder []byte, err error) {
	if len(packet) < ctLenSize {
		return "", nil, ErrMalformedLayer
	}
	off := 0
	ctLen := int(binary.BigEndian.Uint16(packet[off : off+ctLenSize]))
	off += ctLenSize
	if off+ctLen > len(packet) {
		return "", nil, ErrMalformedLayer
	}
	ct := packet[off : off+ctLen]
	off += ctLen

	if off+nonceSize > len(packet) {
		return "", nil, ErrMalformedLayer
	}
	var n [aead.NonceSize]byte
	copy(n[:], packet[off:off+nonceSize])
	off += nonceSize

	if off+innerLenSize > len(packet) {
		return "", nil, ErrMalformedLayer
	}
	sealedLen := int(binary.BigEndian.Uint32(packet[off : off+innerLenSize]))
	off += innerLenSize
	if sealedLen < 0 || off+sealedLen > len(packet) {
		return "", nil, ErrMalformedLayer
	}
	sealed := packet[off : off+sealedLen]

	ss, derr := kem.Decapsulate(priv, ct)
	if derr != nil {
		return "", nil, ErrMalformedLayer
	}
	var key [hash.Size]byte
	copy(key[:], ss)
	derived := hash.Keyed(key, hash.DomainOnionLayer, []byte("layer-key"))
	var aeadKey [aead.KeySize]byte
	copy(aeadKey[:], derived[:])

	plain, oerr := aead.Open(aeadKey, n, nil, sealed)
	if oerr != nil {
		return "", nil, ErrMalformedLayer
	}
	if len(plain) < addrFieldSize+innerLenSize {
		return "", nil, ErrMalformedLayer
	}
	addr := decodeAddr(plain[:addrFieldSize])
	rest := plain[addrFieldSize:]
	payloadLen := binary.BigEndian.Uint32(rest[:innerLenSize])

	if addr == "" {
		// Final hop: rest is [len][payload], pad stripped.
		if innerLenSize+int(payloadLen) > len(rest) {
			return "", nil, ErrMalformedLayer
		}
		return "", rest[innerLenSize : innerLenSize+int(payloadLen)], nil
	}

	padded := make([]byte, PacketSize)
	copy(padded, rest)
	return addr, padded, nil
}

func encodeAddr(addr string) []byte {
	b := make([]byte, addrFieldSize)
	copy(b, addr)
	return b
}

func decodeAddr(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}
