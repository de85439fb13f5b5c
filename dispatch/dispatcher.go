package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	log "github.com/luxfi/log"

	"github.com/qudag/node/crypto/hash"
	"github.com/qudag/node/crypto/sig"
	"github.com/qudag/node/peer"
	"github.com/qudag/node/vertex"
)

// Fanout is the documented gossip fanout (spec.md §4.6/§6): how many
// active peers receive a newly-admitted vertex.
const Fanout = 8

// FrameSender delivers an already-framed message directly to a
// currently-connected peer. The node orchestrator supplies an
// implementation backed by transport.Pool; Dispatch never constructs
// connections itself.
type FrameSender interface {
	SendToPeer(id peer.ID, payload []byte) error
}

// OnionSender builds and addresses an onion packet to dest, returning
// the packet and the peer ID of its first hop (which the caller reaches
// via FrameSender, since the first hop is always one of our own active
// sessions). Supplied by the node orchestrator, backed by overlay.Router.
type OnionSender interface {
	SendTo(dest peer.ID, payload []byte) (packet []byte, firstHop peer.ID, err error)
}

// PeerLister exposes the active peer set Dispatch fans gossip out to.
type PeerLister interface {
	Active() []peer.ID
}

// VertexSource resolves a hash to its full vertex for (re-)gossip and
// for answering a peer's direct vertex request, without Dispatch
// depending on store internals.
type VertexSource interface {
	Get(h vertex.Hash) (*vertex.Vertex, bool)
}

// QueryDeadline bounds how long a consensus query's retry budget may
// run before being dropped (spec.md §5 round_timeout feeding the
// dispatch-level deadline).
const QueryDeadline = 5 * time.Second

// pendingQuery tracks one in-flight consensus query awaiting a reply.
type pendingQuery struct {
	replyCh chan ConsensusReply
}

// Dispatcher glues the Consensus Engine and Vertex Store to the
// Transport/Overlay layers (spec.md §4.6): it owns the per-peer
// priority queues, the inbound dedup cache, and the retry scheduler, and
// implements consensus.Querier plus store.OrphanRequester so neither
// component needs to know transport exists.
type Dispatcher struct {
	log log.Logger

	localSignPriv sig.PrivateKey

	queues *PeerQueues
	dedup  *Dedup
	retry  *RetryScheduler

	frames FrameSender
	onion  OnionSender
	peers  PeerLister
	store  VertexSource

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	queries map[MessageID]*pendingQuery
}

// Config assembles a Dispatcher's collaborators.
type Config struct {
	Log           log.Logger
	LocalSignPriv sig.PrivateKey
	Frames        FrameSender
	Onion         OnionSender // nil disables onion-wrapping; queries go direct
	Peers         PeerLister
	Store         VertexSource
	MaxQueueDepth int
	DedupCapacity int64
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		log:           cfg.Log,
		localSignPriv: cfg.LocalSignPriv,
		queues:        NewPeerQueues(cfg.MaxQueueDepth),
		frames:        cfg.Frames,
		onion:         cfg.Onion,
		peers:         cfg.Peers,
		store:         cfg.Store,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		queries:       make(map[MessageID]*pendingQuery),
	}
	dedup, err := NewDedup(cfg.DedupCapacity)
	if err == nil {
		d.dedup = dedup
	}
	d.retry = NewRetryScheduler(d.onQueryDropped)
	return d
}

// Close releases background resources (dedup cache eviction goroutines).
func (d *Dispatcher) Close() {
	if d.dedup != nil {
		d.dedup.Close()
	}
}

// Queues exposes the per-peer outbound queues for a sender loop to
// drain (one goroutine per connection, per spec.md §5's FIFO-per-peer
// ordering guarantee).
func (d *Dispatcher) Queues() *PeerQueues { return d.queues }

// GossipVertex pushes a newly-admitted vertex to Fanout randomly chosen
// active peers (spec.md §4.6 gossip discipline). Intended to be wired as
// the Vertex Store's AdmissionNotifier (directly, or chained after the
// Consensus Engine's own notifier).
func (d *Dispatcher) GossipVertex(v *vertex.Vertex) {
	if d.dedup != nil && !d.dedup.Mark(v.Hash) {
		return // already gossiped/received this hash; do not re-gossip
	}
	d.gossipTo(v, d.samplePeers(Fanout))
}

// NotifyAdmitted satisfies store.AdmissionNotifier.
func (d *Dispatcher) NotifyAdmitted(v *vertex.Vertex) { d.GossipVertex(v) }

func (d *Dispatcher) samplePeers(n int) []peer.ID {
	active := d.peers.Active()
	d.rngMu.Lock()
	perm := d.rng.Perm(len(active))
	d.rngMu.Unlock()
	if n > len(active) {
		n = len(active)
	}
	out := make([]peer.ID, n)
	for i := 0; i < n; i++ {
		out[i] = active[perm[i]]
	}
	return out
}

func (d *Dispatcher) gossipTo(v *vertex.Vertex, peers []peer.ID) {
	env := Envelope{Tag: TagVertexGossip, Body: v.Encode()}
	wire := env.Encode()
	for _, p := range peers {
		d.queues.Enqueue(&Outbound{Priority: PriorityVertexGossip, Peer: p, Payload: wire})
	}
}

// HandleInboundVertex processes a received 0x01 frame: if the hash is
// already in the dedup cache, it is dropped without re-gossip (spec.md
// §4.6); otherwise admit is invoked (the caller supplies the Vertex
// Store's Insert) and, if accepted, the vertex is fanned back out.
func (d *Dispatcher) HandleInboundVertex(body []byte, admit func(*vertex.Vertex) bool) {
	v, err := vertex.Decode(body)
	if err != nil {
		if d.log != nil {
			d.log.Warn("dispatch: malformed vertex gossip frame", "err", err)
		}
		return // malformed frame: protocol violation, caller docks reputation
	}
	if d.dedup != nil && d.dedup.Seen(v.Hash) {
		return
	}
	if admit(v) {
		if d.dedup != nil {
			d.dedup.Mark(v.Hash)
		}
		d.gossipTo(v, d.samplePeers(Fanout))
	}
}

// RequestVertices satisfies store.OrphanRequester: for each missing hash
// it queues a 0x02 consensus query at discovery priority to every
// currently active peer. A receiving node handles it like any other
// preference query (HandleInboundQuery) and answers with a 0x03
// preference reply; it does not send the vertex itself, so missing
// ancestors arrive only through ordinary gossip.
func (d *Dispatcher) RequestVertices(hashes []vertex.Hash) {
	peers := d.peers.Active()
	for _, h := range hashes {
		env := Envelope{Tag: TagConsensusQuery, Body: ConsensusQuery{Hash: h}.Encode()}
		wire := env.Encode()
		for _, p := range peers {
			d.queues.Enqueue(&Outbound{Priority: PriorityDiscovery, Peer: p, Payload: wire})
		}
	}
}

// Query satisfies consensus.Querier: it asks peer for its preference on
// hash, onion-wrapping the request when an OnionSender is configured
// (spec.md §4.3 step 2, §4.5). responded is false if no reply arrives
// within ctx's deadline or QueryDeadline, whichever is sooner; per
// spec.md §4.3 that counts as "no preference", not a negative vote.
func (d *Dispatcher) Query(ctx context.Context, p peer.ID, h vertex.Hash) (accept bool, responded bool) {
	msgID := queryMessageID(p, h)

	replyCh := make(chan ConsensusReply, 1)
	d.mu.Lock()
	d.queries[msgID] = &pendingQuery{replyCh: replyCh}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.queries, msgID)
		d.mu.Unlock()
	}()

	deadline := time.Now().Add(QueryDeadline)
	d.retry.Schedule(msgID, deadline, func() error { return d.sendQuery(p, h) })
	defer d.retry.Cancel(msgID)

	timeout := time.NewTimer(QueryDeadline)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return false, false
	case <-timeout.C:
		return false, false
	case reply := <-replyCh:
		return reply.Preference == PreferenceAccept, true
	}
}

func (d *Dispatcher) sendQuery(p peer.ID, h vertex.Hash) error {
	env := Envelope{Tag: TagConsensusQuery, Body: ConsensusQuery{Hash: h}.Encode()}
	wire := env.Encode()

	if d.onion != nil {
		packet, firstHop, err := d.onion.SendTo(p, wire)
		if err == nil {
			onionEnv := Envelope{Tag: TagOnionWrapped, Body: packet}
			return d.frames.SendToPeer(firstHop, onionEnv.Encode())
		}
		// Falls through to a direct send if no onion path is currently
		// available (e.g. too few eligible relays); direct delivery
		// still completes the consensus round, just without anonymity
		// for that one query.
		if d.log != nil {
			d.log.Debug("dispatch: onion path unavailable, querying directly", "peer", p.String(), "err", err)
		}
	}
	return d.frames.SendToPeer(p, wire)
}

func (d *Dispatcher) onQueryDropped(id MessageID) {
	d.mu.Lock()
	pq, ok := d.queries[id]
	d.mu.Unlock()
	if ok {
		select {
		case pq.replyCh <- ConsensusReply{Preference: PreferenceUnknown}:
		default:
		}
	}
}

// HandleInboundQuery answers a peer's 0x02 preference query with our own
// admitted preference, or PreferenceUnknown if we have not admitted the
// vertex (spec.md §4.3 query-response handler). The asker's Query
// reports an unknown reply as answered-but-not-accepted; no request for
// the vertex is made in either direction.
func (d *Dispatcher) HandleInboundQuery(from peer.ID, body []byte, localPreference func(vertex.Hash) (accept bool, known bool)) {
	q, err := DecodeConsensusQuery(body)
	if err != nil {
		return
	}
	var pref byte = PreferenceUnknown
	if accept, known := localPreference(q.Hash); known {
		if accept {
			pref = PreferenceAccept
		} else {
			pref = PreferenceReject
		}
	}
	reply := ConsensusReply{Hash: q.Hash, Preference: pref}
	reply.Signature = sig.Sign(d.localSignPriv, reply.SignedBody())
	env := Envelope{Tag: TagConsensusReply, Body: reply.Encode()}
	d.queues.Enqueue(&Outbound{Priority: PriorityConsensusVote, Peer: from, Payload: env.Encode()})
}

// HandleInboundReply delivers a peer's 0x03 response to whichever local
// Query call is waiting on it, after verifying the response's signature
// against the sender's resolved public key.
func (d *Dispatcher) HandleInboundReply(from peer.ID, body []byte, resolve func(peer.ID) (sig.PublicKey, bool)) {
	reply, err := DecodeConsensusReply(body)
	if err != nil {
		return
	}
	pk, ok := resolve(from)
	if !ok || !sig.Verify(pk, reply.SignedBody(), reply.Signature) {
		return
	}
	msgID := queryMessageID(from, reply.Hash)
	d.mu.Lock()
	pq, ok := d.queries[msgID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pq.replyCh <- reply:
	default:
	}
}

// queryMessageID derives the retry/correlation key for a (peer, vertex)
// query so retransmissions of the same logical request collapse on the
// recipient's dedup cache (spec.md §4.6 at-most-once guarantee).
func queryMessageID(p peer.ID, h vertex.Hash) MessageID {
	return MessageID(hash.Sum("qudag:dispatch:query-id:v1", p[:], h[:]))
}
