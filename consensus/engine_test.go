package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qudag/node/vertex"
)

type fakeStore struct {
	mu       sync.Mutex
	vertices map[vertex.Hash]*vertex.Vertex
}

func newFakeStore() *fakeStore {
	return &fakeStore{vertices: make(map[vertex.Hash]*vertex.Vertex)}
}

func (f *fakeStore) Get(h vertex.Hash) (*vertex.Vertex, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vertices[h]
	return v, ok
}

func (f *fakeStore) put(v *vertex.Vertex) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vertices[v.Hash] = v
}

// allAcceptQuerier always answers accept for every peer, modeling an
// honest majority network.
type allAcceptQuerier struct{}

func (allAcceptQuerier) Query(ctx context.Context, peer PeerID, hash vertex.Hash) (bool, bool) {
	return true, true
}

// allRejectQuerier always answers reject.
type allRejectQuerier struct{}

func (allRejectQuerier) Query(ctx context.Context, peer PeerID, hash vertex.Hash) (bool, bool) {
	return false, true
}

type fakeSampler struct{ n int }

func (f fakeSampler) SamplePeers(k int) []PeerID {
	out := make([]PeerID, f.n)
	for i := range out {
		out[i] = PeerID{byte(i + 1)}
	}
	return out
}

type recordingNotifier struct {
	mu        sync.Mutex
	accepted  []vertex.Hash
	finalized []vertex.Hash
	rejected  []vertex.Hash
	stuck     []vertex.Hash
}

func (n *recordingNotifier) NotifyAccepted(h vertex.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accepted = append(n.accepted, h)
}
func (n *recordingNotifier) NotifyFinalized(h vertex.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finalized = append(n.finalized, h)
}
func (n *recordingNotifier) NotifyRejected(h vertex.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected = append(n.rejected, h)
}
func (n *recordingNotifier) NotifyStuck(h vertex.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stuck = append(n.stuck, h)
}

func (n *recordingNotifier) hasFinalized(h vertex.Hash) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, f := range n.finalized {
		if f == h {
			return true
		}
	}
	return false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.K = 5
	cfg.Alpha = 3
	cfg.Beta1 = 3
	cfg.Beta2 = 5
	cfg.RoundTimeout = 10 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

func TestEngineReachesFinalityWithHonestMajority(t *testing.T) {
	store := newFakeStore()
	notifier := &recordingNotifier{}
	e := New(testConfig(), store, nil, fakeSampler{n: 5}, allAcceptQuerier{}, notifier)
	defer e.Stop()

	v := &vertex.Vertex{Hash: vertex.Hash{1}}
	store.put(v)
	e.Admit(v)

	waitFor(t, 2*time.Second, func() bool { return notifier.hasFinalized(v.Hash) })

	_, _, confidence, status, ok := e.Record(v.Hash)
	require.True(t, ok)
	require.Equal(t, Finalized, status)
	require.GreaterOrEqual(t, confidence, testConfig().Beta2)
}

func TestEngineStaysPendingWithoutQuorum(t *testing.T) {
	store := newFakeStore()
	notifier := &recordingNotifier{}
	e := New(testConfig(), store, nil, fakeSampler{n: 5}, allRejectQuerier{}, notifier)
	defer e.Stop()

	v := &vertex.Vertex{Hash: vertex.Hash{2}}
	store.put(v)
	e.Admit(v)

	time.Sleep(100 * time.Millisecond)

	_, _, _, status, ok := e.Record(v.Hash)
	require.True(t, ok)
	require.Equal(t, Pending, status)
}

func TestConflictSetFinalizesOneRejectsOther(t *testing.T) {
	store := newFakeStore()
	notifier := &recordingNotifier{}

	extractor := func(payload []byte) [][]byte { return [][]byte{[]byte("conflict-key")} }
	e := New(testConfig(), store, extractor, fakeSampler{n: 5}, allAcceptQuerier{}, notifier)
	defer e.Stop()

	v1 := &vertex.Vertex{Hash: vertex.Hash{10}, Payload: []byte("v1")}
	v2 := &vertex.Vertex{Hash: vertex.Hash{20}, Payload: []byte("v2")}
	store.put(v1)
	store.put(v2)

	e.Admit(v1)
	e.Admit(v2)

	waitFor(t, 3*time.Second, func() bool {
		return notifier.hasFinalized(v1.Hash) || notifier.hasFinalized(v2.Hash)
	})

	_, _, _, s1, _ := e.Record(v1.Hash)
	_, _, _, s2, _ := e.Record(v2.Hash)

	finalizedCount := 0
	rejectedCount := 0
	for _, s := range []Status{s1, s2} {
		if s == Finalized {
			finalizedCount++
		}
		if s == Rejected {
			rejectedCount++
		}
	}
	require.Equal(t, 1, finalizedCount, "exactly one conflict-set member finalizes (invariant I1)")
	require.Equal(t, 1, rejectedCount)
}

func TestRecordUnknownVertex(t *testing.T) {
	e := New(testConfig(), newFakeStore(), nil, fakeSampler{n: 5}, allAcceptQuerier{}, &recordingNotifier{})
	defer e.Stop()
	_, _, _, _, ok := e.Record(vertex.Hash{0xFF})
	require.False(t, ok)
}
