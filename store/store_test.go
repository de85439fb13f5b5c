package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qudag/node/crypto/sig"
	"github.com/qudag/node/vertex"
)

type staticResolver struct {
	keys map[vertex.Fingerprint]sig.PublicKey
}

func (r staticResolver) Resolve(fp vertex.Fingerprint) (sig.PublicKey, bool) {
	pk, ok := r.keys[fp]
	return pk, ok
}

func newTestVertex(t *testing.T, sk sig.PrivateKey, fp vertex.Fingerprint, ts uint32, parents []vertex.Hash, payload []byte) *vertex.Vertex {
	t.Helper()
	v := &vertex.Vertex{
		Author:    fp,
		Timestamp: ts,
		Parents:   parents,
		Payload:   payload,
	}
	v.Sign(sk)
	return v
}

func newTestStore(t *testing.T) (*Store, sig.PrivateKey, vertex.Fingerprint) {
	t.Helper()
	pub, priv, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	fp := vertex.Fingerprint{0xAA}

	s := New(Config{
		Identity: staticResolver{keys: map[vertex.Fingerprint]sig.PublicKey{fp: pub}},
	})
	return s, priv, fp
}

// seedGenesisAndSecond admits the genesis vertex, then a single-parent
// vertex referencing it (the one bootstrap moment where a non-genesis
// vertex may have fewer than vertex.MinParents, since a second distinct
// parent cannot yet exist).
func seedGenesisAndSecond(t *testing.T, s *Store, priv sig.PrivateKey, fp vertex.Fingerprint, ts uint32) (genesis, second *vertex.Vertex) {
	t.Helper()
	genesis = newTestVertex(t, priv, fp, ts, nil, []byte("genesis"))
	require.Equal(t, Accepted, s.InsertGenesis(genesis).Outcome)

	second = newTestVertex(t, priv, fp, ts, []vertex.Hash{genesis.Hash}, []byte("second"))
	require.Equal(t, Accepted, s.Insert(second).Outcome)
	return genesis, second
}

func TestInsertGenesisThenChild(t *testing.T) {
	s, priv, fp := newTestStore(t)

	genesis, second := seedGenesisAndSecond(t, s, priv, fp, 1)
	require.True(t, s.Has(genesis.Hash))
	require.ElementsMatch(t, []vertex.Hash{second.Hash}, s.Tips())

	child := newTestVertex(t, priv, fp, 2, []vertex.Hash{genesis.Hash, second.Hash}, []byte("child"))
	res := s.Insert(child)
	require.Equal(t, Accepted, res.Outcome)

	require.ElementsMatch(t, []vertex.Hash{child.Hash}, s.Tips())
}

func TestInsertGenesisRejectedOnNonEmptyStore(t *testing.T) {
	s, priv, fp := newTestStore(t)
	seedGenesisAndSecond(t, s, priv, fp, 1)

	other := newTestVertex(t, priv, fp, 1, nil, []byte("other-genesis"))
	res := s.InsertGenesis(other)
	require.Equal(t, Rejected, res.Outcome)
}

func TestInsertIdempotent(t *testing.T) {
	s, priv, fp := newTestStore(t)
	genesis := newTestVertex(t, priv, fp, 1, nil, []byte("genesis"))
	require.Equal(t, Accepted, s.InsertGenesis(genesis).Outcome)
	require.Equal(t, Accepted, s.InsertGenesis(genesis).Outcome)
	require.Equal(t, 1, s.Len())
}

func TestInsertMissingParentsBuffersOrphan(t *testing.T) {
	s, priv, fp := newTestStore(t)
	genesis, second := seedGenesisAndSecond(t, s, priv, fp, 1)

	child := newTestVertex(t, priv, fp, 2, []vertex.Hash{genesis.Hash, second.Hash}, []byte("c"))
	missingParent := newTestVertex(t, priv, fp, 2, []vertex.Hash{genesis.Hash, second.Hash}, []byte("d"))

	grandchild := newTestVertex(t, priv, fp, 3, []vertex.Hash{child.Hash, missingParent.Hash}, []byte("grandchild"))

	res := s.Insert(grandchild)
	require.Equal(t, Rejected, res.Outcome)
	require.Equal(t, ReasonMissingParents, res.Reason)
	require.False(t, s.Has(grandchild.Hash))

	require.Equal(t, Accepted, s.Insert(child).Outcome)
	require.False(t, s.Has(grandchild.Hash), "still waiting on missingParent")

	require.Equal(t, Accepted, s.Insert(missingParent).Outcome)
	require.True(t, s.Has(grandchild.Hash), "orphan resolved once both parents arrive")
}

func TestInsertRejectsBadSignature(t *testing.T) {
	s, priv, fp := newTestStore(t)
	genesis, second := seedGenesisAndSecond(t, s, priv, fp, 1)

	_, otherPriv, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	v := newTestVertex(t, otherPriv, fp, 2, []vertex.Hash{genesis.Hash, second.Hash}, []byte("x"))
	res := s.Insert(v)
	require.Equal(t, Rejected, res.Outcome)
	require.Equal(t, ReasonInvalidSignature, res.Reason)
}

func TestInsertRejectsTamperedHash(t *testing.T) {
	s, priv, fp := newTestStore(t)
	genesis, second := seedGenesisAndSecond(t, s, priv, fp, 1)

	v := newTestVertex(t, priv, fp, 2, []vertex.Hash{genesis.Hash, second.Hash}, []byte("x"))
	v.Hash[0] ^= 0xFF
	res := s.Insert(v)
	require.Equal(t, Rejected, res.Outcome)
	require.Equal(t, ReasonInvalidHash, res.Reason)
}

func TestInsertRejectsTimestampRegression(t *testing.T) {
	s, priv, fp := newTestStore(t)
	genesis, second := seedGenesisAndSecond(t, s, priv, fp, 10)

	child := newTestVertex(t, priv, fp, 5, []vertex.Hash{genesis.Hash, second.Hash}, []byte("child"))
	res := s.Insert(child)
	require.Equal(t, Rejected, res.Outcome)
	require.Equal(t, ReasonTimestampRegression, res.Reason)
}

func TestInsertRejectsTooManyParents(t *testing.T) {
	s, priv, fp := newTestStore(t)
	genesis, second := seedGenesisAndSecond(t, s, priv, fp, 1)

	parents := make([]vertex.Hash, 0, 9)
	parents = append(parents, genesis.Hash, second.Hash)
	for i := 0; i < 7; i++ {
		p := newTestVertex(t, priv, fp, 1, []vertex.Hash{genesis.Hash, second.Hash}, []byte{byte(i)})
		require.Equal(t, Accepted, s.Insert(p).Outcome)
		parents = append(parents, p.Hash)
	}

	child := newTestVertex(t, priv, fp, 2, parents, []byte("too-many"))
	res := s.Insert(child)
	require.Equal(t, Rejected, res.Outcome)
	require.Equal(t, ReasonInvalidShape, res.Reason)
}

func TestPrunedVertexRejectedByBloomFilter(t *testing.T) {
	s, priv, fp := newTestStore(t)
	genesis, second := seedGenesisAndSecond(t, s, priv, fp, 1)

	// second has no children yet, so it can be evicted; genesis still has
	// second depending on it and must survive this pass.
	evicted := s.Prune(map[vertex.Hash]bool{genesis.Hash: true, second.Hash: true})
	require.Equal(t, 1, evicted)
	require.True(t, s.Has(genesis.Hash))
	require.False(t, s.Has(second.Hash))

	res := s.Insert(second)
	require.Equal(t, Rejected, res.Outcome)
	require.Equal(t, ReasonPreviouslyPruned, res.Reason)
}

func TestAncestors(t *testing.T) {
	s, priv, fp := newTestStore(t)
	genesis, second := seedGenesisAndSecond(t, s, priv, fp, 1)

	child := newTestVertex(t, priv, fp, 2, []vertex.Hash{genesis.Hash, second.Hash}, []byte("child"))
	require.Equal(t, Accepted, s.Insert(child).Outcome)

	ancestors, err := s.Ancestors(child.Hash, 5)
	require.NoError(t, err)
	require.ElementsMatch(t, []vertex.Hash{genesis.Hash, second.Hash}, ancestors)

	_, err = s.Ancestors(vertex.Hash{0xFF}, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSelectTipsOrdersByConfidenceThenHash(t *testing.T) {
	h1 := vertex.Hash{1}
	h2 := vertex.Hash{2}
	h3 := vertex.Hash{3}
	confidence := map[vertex.Hash]int{h1: 5, h2: 5, h3: 1}

	selected := SelectTips([]vertex.Hash{h3, h2, h1}, confidence, 2)
	require.Equal(t, []vertex.Hash{h1, h2}, selected)
}
