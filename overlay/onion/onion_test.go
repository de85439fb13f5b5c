package onion

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qudag/node/crypto/kem"
)

func TestBuildAndPeelThreeHopPath(t *testing.T) {
	type hopKeys struct {
		pub  kem.PublicKey
		priv kem.PrivateKey
	}
	var hops []hopKeys
	var path []Hop
	addrs := []string{"relay-a:9000", "relay-b:9000", "relay-c:9000"}
	for _, addr := range addrs {
		pub, priv, err := kem.GenerateKeyPair()
		require.NoError(t, err)
		hops = append(hops, hopKeys{pub, priv})
		path = append(path, Hop{KEMPub: pub, Address: addr})
	}

	payload := []byte("vertex-gossip-message")
	packet, err := BuildPacket(path, payload)
	require.NoError(t, err)
	require.Len(t, packet, PacketSize)

	addr, remainder, err := PeelLayer(hops[0].priv, packet)
	require.NoError(t, err)
	require.Equal(t, "relay-b:9000", addr)
	require.Len(t, remainder, PacketSize)

	addr, remainder, err = PeelLayer(hops[1].priv, remainder)
	require.NoError(t, err)
	require.Equal(t, "relay-c:9000", addr)

	addr, delivered, err := PeelLayer(hops[2].priv, remainder)
	require.NoError(t, err)
	require.Equal(t, "", addr)
	require.Equal(t, payload, delivered)
}

func TestPeelRejectsWrongHopKey(t *testing.T) {
	var path []Hop
	for i := 0; i < MinHops; i++ {
		pub, _, err := kem.GenerateKeyPair()
		require.NoError(t, err)
		path = append(path, Hop{KEMPub: pub, Address: "x"})
	}
	packet, err := BuildPacket(path, []byte("hi"))
	require.NoError(t, err)

	_, wrongPriv, err := kem.GenerateKeyPair()
	require.NoError(t, err)
	_, _, err = PeelLayer(wrongPriv, packet)
	require.ErrorIs(t, err, ErrMalformedLayer)
}

func TestBuildRejectsPathLength(t *testing.T) {
	pub, _, err := kem.GenerateKeyPair()
	require.NoError(t, err)
	_, err = BuildPacket([]Hop{{KEMPub: pub}}, []byte("hi"))
	require.ErrorIs(t, err, ErrPathLength)
}

func TestBuildRejectsOversizedPayload(t *testing.T) {
	var path []Hop
	for i := 0; i < MinHops; i++ {
		pub, _, err := kem.GenerateKeyPair()
		require.NoError(t, err)
		path = append(path, Hop{KEMPub: pub, Address: "x"})
	}
	_, err := BuildPacket(path, make([]byte, PacketSize))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}
