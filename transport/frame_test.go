package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qudag/node/crypto/aead"
	"github.com/qudag/node/peer"
)

func pairedSessions(t *testing.T) (a, b *peer.Session) {
	t.Helper()
	arena := peer.NewArena()

	var key1, key2 [aead.KeySize]byte
	for i := range key1 {
		key1[i] = byte(i)
		key2[i] = byte(i + 1)
	}

	_, sa, err := arena.New(peer.ID{}, key1, key2, 1)
	require.NoError(t, err)
	_, sb, err := arena.New(peer.ID{}, key2, key1, 1)
	require.NoError(t, err)
	return sa, sb
}

func TestFrameRoundTrip(t *testing.T) {
	a, b := pairedSessions(t)

	var buf bytes.Buffer
	msg := []byte("hello qudag")
	require.NoError(t, WriteFrame(&buf, a, msg))

	got, err := ReadFrame(&buf, b)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	a, _ := pairedSessions(t)
	var buf bytes.Buffer
	big := make([]byte, MaxFrameSize)
	err := WriteFrame(&buf, a, big)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameDetectsTamperedCiphertext(t *testing.T) {
	a, b := pairedSessions(t)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, a, []byte("payload")))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF

	_, err := ReadFrame(bytes.NewReader(raw), b)
	require.ErrorIs(t, err, ErrDecryptFailed)
}
