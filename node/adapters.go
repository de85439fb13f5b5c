package node

import (
	"context"
	"math/rand"
	"sync"

	"github.com/qudag/node/consensus"
	"github.com/qudag/node/overlay"
	"github.com/qudag/node/peer"
	"github.com/qudag/node/store"
	"github.com/qudag/node/transport"
	"github.com/qudag/node/vertex"
)

// storeProxy breaks the construction cycle between the Vertex Store and
// the components that need to read it (the Consensus Engine's StoreView,
// Message Dispatch's VertexSource): both interfaces reduce to the same
// Get method, so one proxy satisfies both. It is constructed empty and
// backfilled with the real *store.Store once that is built.
type storeProxy struct {
	mu    sync.RWMutex
	inner *store.Store
}

func (p *storeProxy) set(s *store.Store) {
	p.mu.Lock()
	p.inner = s
	p.mu.Unlock()
}

func (p *storeProxy) Get(h vertex.Hash) (*vertex.Vertex, bool) {
	p.mu.RLock()
	s := p.inner
	p.mu.RUnlock()
	if s == nil {
		return nil, false
	}
	return s.Get(h)
}

// engineProxy breaks the construction cycle between the Consensus
// Engine and querierAdapter, which needs to read the engine's own
// preference for a self-targeted query before the Engine exists.
type engineProxy struct {
	mu     sync.RWMutex
	engine *consensus.Engine
}

func (p *engineProxy) set(e *consensus.Engine) {
	p.mu.Lock()
	p.engine = e
	p.mu.Unlock()
}

// localPreference reports the node's own consensus preference for hash,
// used both by querierAdapter's self-query shortcut and by the
// dispatcher's inbound-query handler.
func (p *engineProxy) localPreference(h vertex.Hash) (accept bool, known bool) {
	p.mu.RLock()
	e := p.engine
	p.mu.RUnlock()
	if e == nil {
		return false, false
	}
	pref, _, _, _, ok := e.Record(h)
	return pref, ok
}

// querierAdapter implements consensus.Querier over Message Dispatch,
// special-casing a query addressed to the local node itself: spec.md
// §8 scenario 1 (single-node finality) requires every round's sample to
// include a peer who always answers "accept from the author", which for
// a lone node is the node itself — there is no network connection to
// query, so the local engine's own record is read directly instead.
type querierAdapter struct {
	dispatcher dispatchQuerier
	engine     *engineProxy
	self       peer.ID
}

// dispatchQuerier is the narrow slice of *dispatch.Dispatcher the
// querierAdapter needs, kept as an interface so tests can substitute a
// fake without constructing a real Dispatcher.
type dispatchQuerier interface {
	Query(ctx context.Context, p peer.ID, h vertex.Hash) (accept bool, responded bool)
}

func (q *querierAdapter) Query(ctx context.Context, p peer.ID, h vertex.Hash) (accept bool, responded bool) {
	if p == q.self {
		return q.engine.localPreference(h)
	}
	return q.dispatcher.Query(ctx, p, h)
}

// peerSamplerAdapter implements consensus.PeerSampler over the peer
// table, falling back to sampling the local node itself when no peer is
// currently active so a solitary node's consensus rounds still have a
// voter to query (spec.md §8 scenario 1).
type peerSamplerAdapter struct {
	table *peer.Table
	self  peer.ID

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newPeerSamplerAdapter(table *peer.Table, self peer.ID) *peerSamplerAdapter {
	return &peerSamplerAdapter{table: table, self: self, rng: rand.New(rand.NewSource(1))}
}

func (s *peerSamplerAdapter) SamplePeers(k int) []consensus.PeerID {
	active := s.table.Active()
	if len(active) == 0 {
		return []consensus.PeerID{s.self}
	}
	if k >= len(active) {
		return active
	}
	s.rngMu.Lock()
	indices := consensus.SampleIndices(s.rng, len(active), k)
	s.rngMu.Unlock()
	out := make([]consensus.PeerID, k)
	for i, idx := range indices {
		out[i] = active[idx]
	}
	return out
}

// frameSenderAdapter implements dispatch.FrameSender over a transport
// connection pool: the dispatcher only ever addresses peers it already
// has a live session with (gossip fanout and queries both sample from
// the active peer set), so a missing connection is treated as delivery
// failure rather than triggering a dial from inside the dispatch layer.
type frameSenderAdapter struct {
	pool *transport.Pool
}

func (f *frameSenderAdapter) SendToPeer(id peer.ID, payload []byte) error {
	conn, ok := f.pool.Get(id)
	if !ok {
		return transport.ErrPeerDisconnected
	}
	return conn.WriteFrame(payload)
}

// onionSenderAdapter implements dispatch.OnionSender over the overlay
// Router, translating its (packet, path, pathIDs) result into the
// (packet, firstHop) shape Message Dispatch expects: the dispatcher
// only needs to know which already-connected peer to hand the wrapped
// packet to.
type onionSenderAdapter struct {
	router *overlay.Router
}

func (o *onionSenderAdapter) SendTo(dest peer.ID, payload []byte) (packet []byte, firstHop peer.ID, err error) {
	packet, _, pathIDs, err := o.router.SendTo(dest, payload)
	if err != nil {
		return nil, peer.ID{}, err
	}
	if len(pathIDs) == 0 {
		return nil, peer.ID{}, overlay.ErrNoPath
	}
	return packet, pathIDs[0], nil
}

// relayDirectoryAdapter implements overlay.RelayDirectory over the peer
// table, so the router never needs its own copy of peer addressing
// material.
type relayDirectoryAdapter struct {
	table *peer.Table
}

func (r *relayDirectoryAdapter) Relay(id peer.ID) (overlay.RelayInfo, bool) {
	identity, ok := r.table.Identity(id)
	if !ok {
		return overlay.RelayInfo{}, false
	}
	return overlay.RelayInfo{ID: id, Address: identity.Address, KEMPub: identity.KEMPub}, true
}

// admissionFanout implements store.AdmissionNotifier by relaying a
// newly admitted vertex to the two components that each need to react
// to it independently (spec.md §4.2 step 9): the Consensus Engine
// begins query rounds, and Message Dispatch gossips the vertex onward.
// Unlike storeProxy/engineProxy, this needs no late binding: by
// construction order both the Engine and Dispatcher already exist by
// the time the Vertex Store (and therefore this notifier) is built.
type admissionFanout struct {
	engine     admissionTarget
	dispatcher admissionTarget
	onAdmit    func(*vertex.Vertex)
}

// admissionTarget is the shape both the Consensus Engine and the
// Dispatcher satisfy for admission notification.
type admissionTarget interface {
	NotifyAdmitted(v *vertex.Vertex)
}

func (a *admissionFanout) NotifyAdmitted(v *vertex.Vertex) {
	a.engine.NotifyAdmitted(v)
	a.dispatcher.NotifyAdmitted(v)
	if a.onAdmit != nil {
		a.onAdmit(v)
	}
}
