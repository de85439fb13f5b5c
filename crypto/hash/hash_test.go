package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumIsDeterministic(t *testing.T) {
	a := Sum(DomainVertex, []byte("foo"), []byte("bar"))
	b := Sum(DomainVertex, []byte("foo"), []byte("bar"))
	require.Equal(t, a, b)
}

func TestSumDomainSeparation(t *testing.T) {
	a := Sum(DomainVertex, []byte("same input"))
	b := Sum(DomainHandshake, []byte("same input"))
	require.NotEqual(t, a, b)
}

func TestSumSensitiveToInput(t *testing.T) {
	a := Sum(DomainVertex, []byte("a"))
	b := Sum(DomainVertex, []byte("b"))
	require.NotEqual(t, a, b)
}

func TestKeyedDiffersFromUnkeyed(t *testing.T) {
	var key [Size]byte
	key[0] = 0x01
	keyed := Keyed(key, DomainSessionKey, []byte("transcript"))
	unkeyed := Sum(DomainSessionKey, []byte("transcript"))
	require.NotEqual(t, keyed, unkeyed)
}

func TestKeyedSensitiveToKey(t *testing.T) {
	var k1, k2 [Size]byte
	k1[0] = 0x01
	k2[0] = 0x02
	a := Keyed(k1, DomainSessionKey, []byte("transcript"))
	b := Keyed(k2, DomainSessionKey, []byte("transcript"))
	require.NotEqual(t, a, b)
}

func TestDeriveKeyLengthAndDeterminism(t *testing.T) {
	ikm := []byte("shared secret material")
	a := DeriveKey("qudag:test:v1", ikm, 48)
	b := DeriveKey("qudag:test:v1", ikm, 48)
	require.Len(t, a, 48)
	require.Equal(t, a, b)

	other := DeriveKey("qudag:other:v1", ikm, 48)
	require.NotEqual(t, a, other)
}
