package dispatch

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/qudag/node/crypto/kem"
	"github.com/qudag/node/vertex"
)

// Tag identifies the body format inside a transport frame's payload
// (spec.md §6): every frame carries exactly one tagged message.
type Tag uint8

const (
	TagVertexGossip     Tag = 0x01
	TagConsensusQuery   Tag = 0x02
	TagConsensusReply   Tag = 0x03
	TagPeerDiscovery    Tag = 0x04
	TagOnionWrapped     Tag = 0x05
	TagWindowUpdate     Tag = 0x06
	TagRekeyInit        Tag = 0x07
	TagRekeyAck         Tag = 0x08
	TagGoodbye          Tag = 0xFF
)

// ErrMalformedFrame is the protocol-violation error from spec.md §7 for
// any envelope that fails to parse.
var ErrMalformedFrame = errors.New("dispatch: malformed frame")

// Envelope is the tag-plus-body unit carried inside one transport frame.
type Envelope struct {
	Tag  Tag
	Body []byte
}

// Encode serializes e as `[1B tag][body]`.
func (e Envelope) Encode() []byte {
	out := make([]byte, 1+len(e.Body))
	out[0] = byte(e.Tag)
	copy(out[1:], e.Body)
	return out
}

// DecodeEnvelope parses the frame payload produced by Encode.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) < 1 {
		return Envelope{}, ErrMalformedFrame
	}
	return Envelope{Tag: Tag(b[0]), Body: b[1:]}, nil
}

// ConsensusQuery is the 0x02 body: a single vertex hash the sender wants
// our preference on (spec.md §4.3 query-response handler).
type ConsensusQuery struct {
	Hash vertex.Hash
}

func (q ConsensusQuery) Encode() []byte {
	return append([]byte(nil), q.Hash[:]...)
}

func DecodeConsensusQuery(b []byte) (ConsensusQuery, error) {
	if len(b) != 32 {
		return ConsensusQuery{}, ErrMalformedFrame
	}
	var q ConsensusQuery
	copy(q.Hash[:], b)
	return q, nil
}

// Preference values for ConsensusReply.Preference, the 1-byte field from
// spec.md §6.
const (
	PreferenceUnknown byte = 0
	PreferenceAccept  byte = 1
	PreferenceReject  byte = 2
)

// ConsensusReply is the 0x03 body: hash, 1-byte preference, signature
// over (hash || preference) proving the responder actually holds that
// preference (spec.md §6).
type ConsensusReply struct {
	Hash       vertex.Hash
	Preference byte
	Signature  []byte
}

// SignedBody is the payload ConsensusReply.Signature covers.
func (r ConsensusReply) SignedBody() []byte {
	body := make([]byte, 0, 33)
	body = append(body, r.Hash[:]...)
	body = append(body, r.Preference)
	return body
}

func (r ConsensusReply) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(r.Hash[:])
	buf.WriteByte(r.Preference)
	var sigLen [4]byte
	binary.BigEndian.PutUint32(sigLen[:], uint32(len(r.Signature)))
	buf.Write(sigLen[:])
	buf.Write(r.Signature)
	return buf.Bytes()
}

func DecodeConsensusReply(b []byte) (ConsensusReply, error) {
	if len(b) < 32+1+4 {
		return ConsensusReply{}, ErrMalformedFrame
	}
	var r ConsensusReply
	copy(r.Hash[:], b[:32])
	r.Preference = b[32]
	sigLen := binary.BigEndian.Uint32(b[33:37])
	rest := b[37:]
	if uint32(len(rest)) < sigLen {
		return ConsensusReply{}, ErrMalformedFrame
	}
	r.Signature = append([]byte(nil), rest[:sigLen]...)
	return r, nil
}

// WindowUpdate is the 0x06 body: a 4-byte flow-control window increment
// (spec.md §4.4).
type WindowUpdate struct {
	Increment uint32
}

func (w WindowUpdate) Encode() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], w.Increment)
	return b[:]
}

func DecodeWindowUpdate(b []byte) (WindowUpdate, error) {
	if len(b) != 4 {
		return WindowUpdate{}, ErrMalformedFrame
	}
	return WindowUpdate{Increment: binary.BigEndian.Uint32(b)}, nil
}

// RekeyInit is the 0x07 body: the initiator's fresh ML-KEM ephemeral
// public key for a mid-session rekey (spec.md §3: sessions are replaced
// every 2^32 frames or one hour, whichever first).
type RekeyInit struct {
	KEMEph kem.PublicKey
}

func (m RekeyInit) Encode() []byte {
	return append([]byte(nil), m.KEMEph.Bytes()...)
}

func DecodeRekeyInit(b []byte) (RekeyInit, error) {
	pub, err := kem.ParsePublicKey(b)
	if err != nil {
		return RekeyInit{}, ErrMalformedFrame
	}
	return RekeyInit{KEMEph: pub}, nil
}

// RekeyAck is the 0x08 body: the responder's KEM ciphertext encapsulated
// to the initiator's ephemeral key from RekeyInit.
type RekeyAck struct {
	Ciphertext []byte
}

func (m RekeyAck) Encode() []byte {
	return append([]byte(nil), m.Ciphertext...)
}

func DecodeRekeyAck(b []byte) (RekeyAck, error) {
	if len(b) == 0 {
		return RekeyAck{}, ErrMalformedFrame
	}
	return RekeyAck{Ciphertext: append([]byte(nil), b...)}, nil
}

// TipRequest is the 0x04 body variant a newly-started node sends to each
// bootstrap peer to begin the synchronization protocol (spec.md §4.7): an
// empty request for the peer's current tip set.
type TipRequest struct{}

const (
	discoveryKindTipRequest byte = 0x01
	discoveryKindTipReply   byte = 0x02
)

func (TipRequest) Encode() []byte { return []byte{discoveryKindTipRequest} }

// TipReply answers a TipRequest with the responder's current tip hashes.
type TipReply struct {
	Tips []vertex.Hash
}

func (r TipReply) Encode() []byte {
	out := make([]byte, 1, 1+len(r.Tips)*32)
	out[0] = discoveryKindTipReply
	for _, h := range r.Tips {
		out = append(out, h[:]...)
	}
	return out
}

// DecodeDiscovery distinguishes TipRequest from TipReply bodies carried
// under TagPeerDiscovery by their leading kind byte.
func DecodeDiscovery(b []byte) (isRequest bool, tips []vertex.Hash, err error) {
	if len(b) < 1 {
		return false, nil, ErrMalformedFrame
	}
	switch b[0] {
	case discoveryKindTipRequest:
		return true, nil, nil
	case discoveryKindTipReply:
		rest := b[1:]
		if len(rest)%32 != 0 {
			return false, nil, ErrMalformedFrame
		}
		tips = make([]vertex.Hash, len(rest)/32)
		for i := range tips {
			copy(tips[i][:], rest[i*32:(i+1)*32])
		}
		return false, tips, nil
	default:
		return false, nil, ErrMalformedFrame
	}
}
