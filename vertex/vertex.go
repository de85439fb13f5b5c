// Package vertex defines the atomic unit of QuDAG state (spec.md §3) and its
// canonical serialization (spec.md §6), shared by the store, consensus, and
// transport layers.
package vertex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/mr-tron/base58"

	"github.com/qudag/node/crypto/hash"
	"github.com/qudag/node/crypto/sig"
)

// Hash is the content address of a vertex: BLAKE3 over its canonical
// serialization sans the hash field itself.
type Hash [32]byte

// String renders a hash as hex for logs and the external API.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Less gives the deterministic tie-break order spec.md §4.2/§4.3 require:
// lexicographic byte order.
func (h Hash) Less(o Hash) bool {
	return bytes.Compare(h[:], o[:]) < 0
}

// Fingerprint identifies a vertex's author; the BLAKE3 fingerprint of their
// ML-DSA public key (spec.md §3).
type Fingerprint [32]byte

// String renders a fingerprint as base58 for peer IDs in logs and the
// external API, the same human-readable-address convention the rest of
// the retrieval pack uses for identifiers meant to be read or copied by
// an operator (as opposed to a content Hash, which stays hex).
func (f Fingerprint) String() string { return base58.Encode(f[:]) }

// MaxParents and MinParents bound the parent list per spec.md §3 and the
// boundary behaviors in spec.md §8 (0 parents rejected except genesis; >8
// rejected).
const (
	MinParents    = 2
	MaxParents    = 8
	MaxPayload    = 1 << 20 // 1 MiB, spec.md §3 and §8
	CanonicalVers = 1
)

// Vertex is the atomic content-addressed ledger entry (spec.md §3).
type Vertex struct {
	Hash      Hash
	Author    Fingerprint
	Timestamp uint32 // 4B monotonic logical timestamp, non-decreasing per author
	Parents   []Hash // 2-8 parent hashes (0 permitted only for the genesis vertex)
	Payload   []byte // opaque payload, <= MaxPayload
	Signature []byte // detached ML-DSA signature over canonical serialization sans signature
}

// Errors surfaced by vertex-level validation; see spec.md §3 and §4.2.
var (
	ErrPayloadTooLarge  = errors.New("vertex: payload exceeds 1 MiB")
	ErrTooFewParents    = errors.New("vertex: fewer than 2 parents (genesis excepted)")
	ErrTooManyParents   = errors.New("vertex: more than 8 parents")
	ErrHashMismatch     = errors.New("vertex: declared hash does not match content")
	ErrInvalidSignature = errors.New("vertex: signature does not verify")
	ErrMalformed        = errors.New("vertex: malformed wire encoding")
)

// CanonicalBytes serializes v for hashing and signing per spec.md §6:
//
//	[varint version][32B author][4B timestamp_le][varint parent_count]
//	[32B x parent_count sorted ascending][varint payload_len][payload]
//
// The signature is never part of this encoding.
func (v *Vertex) CanonicalBytes() []byte {
	parents := make([]Hash, len(v.Parents))
	copy(parents, v.Parents)
	sort.Slice(parents, func(i, j int) bool { return parents[i].Less(parents[j]) })

	var buf bytes.Buffer
	writeUvarint(&buf, CanonicalVers)
	buf.Write(v.Author[:])

	var ts [4]byte
	binary.LittleEndian.PutUint32(ts[:], v.Timestamp)
	buf.Write(ts[:])

	writeUvarint(&buf, uint64(len(parents)))
	for _, p := range parents {
		buf.Write(p[:])
	}

	writeUvarint(&buf, uint64(len(v.Payload)))
	buf.Write(v.Payload)

	return buf.Bytes()
}

// ComputeHash returns BLAKE3(CanonicalBytes()), domain-separated.
func (v *Vertex) ComputeHash() Hash {
	return hash.Sum(hash.DomainVertex, v.CanonicalBytes())
}

// Sign fills in v.Signature using sk, and sets v.Hash to the resulting
// canonical hash. Intended for locally-authored vertices only.
func (v *Vertex) Sign(sk sig.PrivateKey) {
	v.Hash = v.ComputeHash()
	v.Signature = sig.Sign(sk, v.CanonicalBytes())
}

// VerifyHash checks invariant I4: hash(v) = BLAKE3(serialize(v)).
func (v *Vertex) VerifyHash() error {
	if v.ComputeHash() != v.Hash {
		return ErrHashMismatch
	}
	return nil
}

// VerifySignature checks the detached signature against the resolved
// author public key.
func (v *Vertex) VerifySignature(pk sig.PublicKey) error {
	if !sig.Verify(pk, v.CanonicalBytes(), v.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ValidateShape checks the structural invariants that don't require store
// lookups: payload size and the parent-count ceiling. minParents is the
// store-state-aware floor (2 in steady state; 0 for the single configured
// genesis vertex; 1 during the brief bootstrap window where genesis is the
// only admitted vertex and a second distinct parent does not yet exist).
func (v *Vertex) ValidateShape(minParents int) error {
	if len(v.Payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	switch {
	case len(v.Parents) < minParents:
		return ErrTooFewParents
	case len(v.Parents) > MaxParents:
		return ErrTooManyParents
	}
	return nil
}

// Encode produces the full wire body for the 0x01 Vertex gossip message
// (spec.md §6): CanonicalBytes plus a trailing length-prefixed signature.
func (v *Vertex) Encode() []byte {
	body := v.CanonicalBytes()
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(body)))
	buf.Write(body)
	writeUvarint(&buf, uint64(len(v.Signature)))
	buf.Write(v.Signature)
	return buf.Bytes()
}

// Decode parses the wire body produced by Encode, recomputing the hash
// field (it is never transmitted, only derived).
func Decode(b []byte) (*Vertex, error) {
	r := bytes.NewReader(b)

	bodyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrMalformed
	}
	body := make([]byte, bodyLen)
	if _, err := readFull(r, body); err != nil {
		return nil, ErrMalformed
	}

	sigLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrMalformed
	}
	signature := make([]byte, sigLen)
	if _, err := readFull(r, signature); err != nil {
		return nil, ErrMalformed
	}

	v, err := decodeCanonical(body)
	if err != nil {
		return nil, err
	}
	v.Signature = signature
	v.Hash = v.ComputeHash()
	return v, nil
}

func decodeCanonical(body []byte) (*Vertex, error) {
	r := bytes.NewReader(body)

	version, err := binary.ReadUvarint(r)
	if err != nil || version != CanonicalVers {
		return nil, ErrMalformed
	}

	var author Fingerprint
	if _, err := readFull(r, author[:]); err != nil {
		return nil, ErrMalformed
	}

	var tsBytes [4]byte
	if _, err := readFull(r, tsBytes[:]); err != nil {
		return nil, ErrMalformed
	}
	timestamp := binary.LittleEndian.Uint32(tsBytes[:])

	parentCount, err := binary.ReadUvarint(r)
	if err != nil || parentCount > MaxParents {
		return nil, ErrMalformed
	}
	parents := make([]Hash, parentCount)
	for i := range parents {
		if _, err := readFull(r, parents[i][:]); err != nil {
			return nil, ErrMalformed
		}
	}

	payloadLen, err := binary.ReadUvarint(r)
	if err != nil || payloadLen > MaxPayload {
		return nil, ErrMalformed
	}
	payload := make([]byte, payloadLen)
	if _, err := readFull(r, payload); err != nil {
		return nil, ErrMalformed
	}

	return &Vertex{
		Author:    author,
		Timestamp: timestamp,
		Parents:   parents,
		Payload:   payload,
	}, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	if r.Len() < len(b) {
		return 0, ErrMalformed
	}
	return r.Read(b)
}
