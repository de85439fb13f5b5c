package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.bin")
	passphrase := []byte("correct horse battery staple")
	require.NoError(t, Save(path, passphrase, id))

	loaded, err := Load(path, passphrase)
	require.NoError(t, err)

	require.Equal(t, id.SignPub.Bytes(), loaded.SignPub.Bytes())
	require.Equal(t, id.SignPriv.Bytes(), loaded.SignPriv.Bytes())
	require.Equal(t, id.KEMPub.Bytes(), loaded.KEMPub.Bytes())
	require.Equal(t, id.KEMPriv.Bytes(), loaded.KEMPriv.Bytes())
	require.Equal(t, id.Fingerprint(), loaded.Fingerprint())
}

func TestLoadRejectsWrongPassphrase(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.bin")
	require.NoError(t, Save(path, []byte("right"), id))

	_, err = Load(path, []byte("wrong"))
	require.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestLoadRejectsCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.bin")
	require.NoError(t, os.WriteFile(path, []byte("not an identity file"), 0o600))

	_, err := Load(path, []byte("whatever"))
	require.ErrorIs(t, err, ErrIdentityCorrupted)
}

func TestZeroClearsSecretMaterial(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	id.Zero()
	for _, b := range id.SignPriv.Bytes() {
		require.Zero(t, b)
	}
	for _, b := range id.KEMPriv.Bytes() {
		require.Zero(t, b)
	}
}
