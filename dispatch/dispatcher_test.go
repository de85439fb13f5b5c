package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qudag/node/crypto/sig"
	"github.com/qudag/node/peer"
	"github.com/qudag/node/vertex"
)

type recordingFrameSender struct {
	mu   sync.Mutex
	sent []struct {
		peer.ID
		Payload []byte
	}
}

func (r *recordingFrameSender) SendToPeer(id peer.ID, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, struct {
		peer.ID
		Payload []byte
	}{id, payload})
	return nil
}

func (r *recordingFrameSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fakePeerLister struct{ ids []peer.ID }

func (f fakePeerLister) Active() []peer.ID { return f.ids }

type fakeVertexSource struct{}

func (fakeVertexSource) Get(h vertex.Hash) (*vertex.Vertex, bool) { return nil, false }

func newTestDispatcher(t *testing.T, signPriv sig.PrivateKey, frames FrameSender, active []peer.ID) *Dispatcher {
	t.Helper()
	return New(Config{
		LocalSignPriv: signPriv,
		Frames:        frames,
		Peers:         fakePeerLister{ids: active},
		Store:         fakeVertexSource{},
		DedupCapacity: 1024,
	})
}

func TestGossipVertexFansOutToActivePeersOnce(t *testing.T) {
	_, priv, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	var peers []peer.ID
	for i := 0; i < 12; i++ {
		var id peer.ID
		id[0] = byte(i + 1)
		peers = append(peers, id)
	}
	sender := &recordingFrameSender{}
	d := newTestDispatcher(t, priv, sender, peers)
	defer d.Close()

	// Gossip is queued per peer for the node's write loops to drain, so
	// fanout is counted on the outbound queues rather than on the sender.
	queued := func() int {
		total := 0
		for _, p := range peers {
			total += d.Queues().Depth(p)
		}
		return total
	}

	v := &vertex.Vertex{Hash: vertex.Hash{42}, Payload: []byte("x")}
	d.GossipVertex(v)
	require.Equal(t, Fanout, queued(), "first gossip pushes to exactly Fanout peers")

	d.GossipVertex(v)
	require.Equal(t, Fanout, queued(), "re-gossip of an already-seen hash is suppressed")
}

func TestHandleInboundQueryRespondsWithStoredPreference(t *testing.T) {
	_, priv, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	sender := &recordingFrameSender{}
	d := newTestDispatcher(t, priv, sender, nil)
	defer d.Close()

	var from peer.ID
	from[0] = 1
	h := vertex.Hash{5}
	d.HandleInboundQuery(from, ConsensusQuery{Hash: h}.Encode(), func(q vertex.Hash) (bool, bool) {
		require.Equal(t, h, q)
		return true, true
	})

	out, ok := d.Queues().Dequeue(from)
	require.True(t, ok)
	env, err := DecodeEnvelope(out.Payload)
	require.NoError(t, err)
	require.Equal(t, TagConsensusReply, env.Tag)

	reply, err := DecodeConsensusReply(env.Body)
	require.NoError(t, err)
	require.Equal(t, PreferenceAccept, reply.Preference)
}

// TestQueryRoundTripAcrossTwoDispatchers wires two Dispatchers together
// through a frame sender that hands frames directly to the peer,
// simulating the transport layer, to exercise Query end to end
// (spec.md §4.3 step 2/§4.6 unicast query).
func TestQueryRoundTripAcrossTwoDispatchers(t *testing.T) {
	pub1, priv1, err := sig.GenerateKeyPair()
	require.NoError(t, err)
	pub2, priv2, err := sig.GenerateKeyPair()
	require.NoError(t, err)

	var id1, id2 peer.ID
	id1[0], id2[0] = 1, 2

	var d1, d2 *Dispatcher

	resolve := map[peer.ID]sig.PublicKey{id1: pub1, id2: pub2}

	sender1 := &wiringFrameSender{targetID: id2, onFrame: func(payload []byte) {
		env, err := DecodeEnvelope(payload)
		require.NoError(t, err)
		require.Equal(t, TagConsensusQuery, env.Tag)
		d2.HandleInboundQuery(id1, env.Body, func(vertex.Hash) (bool, bool) { return true, true })
		out, ok := d2.Queues().Dequeue(id1)
		require.True(t, ok)
		replyEnv, err := DecodeEnvelope(out.Payload)
		require.NoError(t, err)
		d1.HandleInboundReply(id2, replyEnv.Body, func(p peer.ID) (sig.PublicKey, bool) {
			pk, ok := resolve[p]
			return pk, ok
		})
	}}

	d1 = newTestDispatcher(t, priv1, sender1, []peer.ID{id2})
	d2 = newTestDispatcher(t, priv2, &recordingFrameSender{}, []peer.ID{id1})
	defer d1.Close()
	defer d2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	accept, responded := d1.Query(ctx, id2, vertex.Hash{9})
	require.True(t, responded)
	require.True(t, accept)
}

type wiringFrameSender struct {
	targetID peer.ID
	onFrame  func(payload []byte)
}

func (w *wiringFrameSender) SendToPeer(id peer.ID, payload []byte) error {
	if id == w.targetID {
		go w.onFrame(payload)
	}
	return nil
}
