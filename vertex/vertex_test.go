package vertex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qudag/node/crypto/sig"
)

func sampleVertex(t *testing.T, parents ...Hash) *Vertex {
	t.Helper()
	pub, priv, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	v := &Vertex{
		Author:    Fingerprint{1, 2, 3},
		Timestamp: 10,
		Parents:   parents,
		Payload:   []byte("hello qudag"),
	}
	v.Sign(priv)
	require.NoError(t, v.VerifySignature(pub))
	return v
}

func TestHashEqualsBlake3OfCanonicalBytes(t *testing.T) {
	v := sampleVertex(t, Hash{1}, Hash{2})
	require.NoError(t, v.VerifyHash(), "invariant I4: hash(v) = BLAKE3(serialize(v))")

	v.Timestamp++
	require.Error(t, v.VerifyHash(), "mutating a signed field must invalidate the stored hash")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := sampleVertex(t, Hash{1}, Hash{2}, Hash{3})

	wire := v.Encode()
	got, err := Decode(wire)
	require.NoError(t, err)

	require.Equal(t, v.Hash, got.Hash)
	require.Equal(t, v.Author, got.Author)
	require.Equal(t, v.Timestamp, got.Timestamp)
	require.Equal(t, v.Payload, got.Payload)
	require.ElementsMatch(t, v.Parents, got.Parents)
	require.Equal(t, v.Signature, got.Signature)
}

func TestCanonicalBytesSortsParentsRegardlessOfInputOrder(t *testing.T) {
	a := &Vertex{Author: Fingerprint{9}, Timestamp: 1, Parents: []Hash{{3}, {1}, {2}}, Payload: []byte("x")}
	b := &Vertex{Author: Fingerprint{9}, Timestamp: 1, Parents: []Hash{{1}, {2}, {3}}, Payload: []byte("x")}
	require.Equal(t, a.CanonicalBytes(), b.CanonicalBytes())
}

func TestValidateShapeBoundaries(t *testing.T) {
	base := &Vertex{Parents: []Hash{{1}, {2}}}

	t.Run("zero parents rejected at steady-state floor", func(t *testing.T) {
		v := &Vertex{}
		require.ErrorIs(t, v.ValidateShape(MinParents), ErrTooFewParents)
	})

	t.Run("zero parents accepted at genesis floor", func(t *testing.T) {
		v := &Vertex{}
		require.NoError(t, v.ValidateShape(0))
	})

	t.Run("nine parents rejected", func(t *testing.T) {
		v := &Vertex{Parents: make([]Hash, MaxParents+1)}
		require.ErrorIs(t, v.ValidateShape(0), ErrTooManyParents)
	})

	t.Run("eight parents accepted", func(t *testing.T) {
		v := &Vertex{Parents: make([]Hash, MaxParents)}
		require.NoError(t, v.ValidateShape(0))
	})

	t.Run("payload exactly 1 MiB accepted", func(t *testing.T) {
		v := &Vertex{Parents: base.Parents, Payload: make([]byte, MaxPayload)}
		require.NoError(t, v.ValidateShape(MinParents))
	})

	t.Run("payload 1 MiB plus one byte rejected", func(t *testing.T) {
		v := &Vertex{Parents: base.Parents, Payload: make([]byte, MaxPayload+1)}
		require.ErrorIs(t, v.ValidateShape(MinParents), ErrPayloadTooLarge)
	})
}

func TestHashLessGivesTotalOrder(t *testing.T) {
	a, b := Hash{1}, Hash{2}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	v := sampleVertex(t, Hash{1}, Hash{2})
	wire := v.Encode()
	_, err := Decode(wire[:len(wire)-1])
	require.Error(t, err)
}
