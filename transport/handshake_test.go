package transport

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qudag/node/crypto/kem"
	"github.com/qudag/node/crypto/sig"
)

func generateTestEph(t *testing.T) (kem.PublicKey, kem.PrivateKey, error) {
	t.Helper()
	return kem.GenerateKeyPair()
}

func TestHandshakeEstablishesMatchingKeys(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	clientPub, clientPriv, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	serverPub, serverPriv, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	var clientResult, serverResult *HandshakeResult
	var clientErr, serverErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientResult, clientErr = RunInitiator(clientConn, clientPub, clientPriv)
	}()
	go func() {
		defer wg.Done()
		serverResult, serverErr = RunResponder(serverConn, serverPub, serverPriv)
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	require.Equal(t, clientResult.SendKey, serverResult.RecvKey)
	require.Equal(t, clientResult.RecvKey, serverResult.SendKey)
	require.Equal(t, serverPub.Bytes(), clientResult.RemoteSignPub.Bytes())
	require.Equal(t, clientPub.Bytes(), serverResult.RemoteSignPub.Bytes())
}

func TestHandshakeRejectsForgedHello(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	clientPub, clientPriv, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	serverPub, serverPriv, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	_, otherPriv, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	var serverErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// Sign with a key that doesn't match the advertised SignPub.
		h := &hello{SignPub: clientPub}
		eph, ephPriv, genErr := generateTestEph(t)
		_ = ephPriv
		require.NoError(t, genErr)
		h.KEMEph = eph
		h.Signature = sig.Sign(otherPriv, h.signedBody())
		require.NoError(t, h.Write(clientConn))
	}()
	go func() {
		defer wg.Done()
		_, serverErr = RunResponder(serverConn, serverPub, serverPriv)
	}()
	wg.Wait()

	require.ErrorIs(t, serverErr, ErrAuthenticationFailed)
}
