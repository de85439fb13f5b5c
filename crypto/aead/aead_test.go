package aead

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}

	sender, err := New(key, 1)
	require.NoError(t, err)
	receiver, err := New(key, 1)
	require.NoError(t, err)

	aad := []byte("header")
	pt := []byte("vertex payload")

	ct, nonce, err := sender.Seal(aad, pt)
	require.NoError(t, err)

	got, err := receiver.Open(nonce, aad, ct)
	require.NoError(t, err)
	require.Equal(t, pt, got)
}

func TestOpenRejectsRepeatedNonce(t *testing.T) {
	var key [KeySize]byte
	sender, err := New(key, 0)
	require.NoError(t, err)
	receiver, err := New(key, 0)
	require.NoError(t, err)

	ct, nonce, err := sender.Seal(nil, []byte("one"))
	require.NoError(t, err)

	_, err = receiver.Open(nonce, nil, ct)
	require.NoError(t, err)

	_, err = receiver.Open(nonce, nil, ct)
	require.ErrorIs(t, err, ErrNonceReuse)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	var key [KeySize]byte
	sender, err := New(key, 0)
	require.NoError(t, err)
	receiver, err := New(key, 0)
	require.NoError(t, err)

	ct, nonce, err := sender.Seal([]byte("aad"), []byte("payload"))
	require.NoError(t, err)
	ct[0] ^= 0xFF

	_, err = receiver.Open(nonce, []byte("aad"), ct)
	require.ErrorIs(t, err, ErrOpenFailed)
}

func TestStatelessSealOpenRoundTrip(t *testing.T) {
	var key [KeySize]byte
	key[0] = 0x42
	nonce := Nonce(7, 99)

	ct, err := Seal(key, nonce, []byte("aad"), []byte("onion layer"))
	require.NoError(t, err)

	pt, err := Open(key, nonce, []byte("aad"), ct)
	require.NoError(t, err)
	require.Equal(t, []byte("onion layer"), pt)

	_, err = Open(key, nonce, []byte("wrong aad"), ct)
	require.ErrorIs(t, err, ErrOpenFailed)
}

func TestNonceEncodesEpochAndCounter(t *testing.T) {
	n := Nonce(0x01020304, 0x05060708090a0b0c)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, n[0:4])
	require.Equal(t, []byte{0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c}, n[4:12])
}
