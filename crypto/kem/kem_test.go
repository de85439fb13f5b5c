package kem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncapsulateDecapsulateRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	defer priv.Zero()

	ct, ss, err := Encapsulate(pub)
	require.NoError(t, err)
	require.Len(t, ct, CiphertextSize)
	require.Len(t, ss, SharedKeySize)

	got, err := Decapsulate(priv, ct)
	require.NoError(t, err)
	require.Equal(t, ss, got)
}

func TestDecapsulateRejectsWrongLengthCiphertext(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	defer priv.Zero()

	_, err = Decapsulate(priv, []byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecapsulateWithWrongKeyDiffers(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	_, priv2, err := GenerateKeyPair()
	require.NoError(t, err)
	defer priv2.Zero()

	ct, ss, err := Encapsulate(pub)
	require.NoError(t, err)

	got, err := Decapsulate(priv2, ct)
	require.NoError(t, err)
	require.NotEqual(t, ss, got)
}

func TestPublicKeyParseRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	defer priv.Zero()

	parsed, err := ParsePublicKey(pub.Bytes())
	require.NoError(t, err)
	require.Equal(t, pub.Bytes(), parsed.Bytes())
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey([]byte{0x00, 0x01})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestPrivateKeyZeroClearsBytes(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	priv.Zero()
	for _, b := range priv.Bytes() {
		require.Zero(t, b)
	}
}
