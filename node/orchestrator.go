// Package node implements the Node Orchestrator (spec.md §4.7): lifecycle
// management, component wiring, and the external operation surface
// (Start/Stop/Submit/Subscribe/QueryStatus) consumed by the excluded
// CLI/RPC/vault/exchange layers (spec.md §1/§6).
//
// Wiring follows the teacher's engine/dag/engine.go plus
// protocol/nebula/nebula.go Config-struct-of-hooks style: every
// collaborator is assembled once in Start and never swapped at runtime,
// matching spec.md §9's "no runtime replacement" rule for the one
// polymorphism point (the conflict extractor) generalized to the whole
// wiring graph.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/qudag/node/consensus"
	"github.com/qudag/node/crypto/identity"
	"github.com/qudag/node/dispatch"
	"github.com/qudag/node/overlay"
	"github.com/qudag/node/overlay/kbucket"
	"github.com/qudag/node/overlay/onion"
	"github.com/qudag/node/overlay/reputation"
	"github.com/qudag/node/peer"
	"github.com/qudag/node/store"
	"github.com/qudag/node/transport"
	"github.com/qudag/node/vertex"
)

// ErrorKind classifies the external API errors from spec.md §7: the core
// never leaks its internal fault taxonomy past the Node boundary.
type ErrorKind int

const (
	ErrInvalidInput ErrorKind = iota
	ErrNotFound
	ErrTemporarilyUnavailable
	ErrPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidInput:
		return "InvalidInput"
	case ErrNotFound:
		return "NotFound"
	case ErrTemporarilyUnavailable:
		return "TemporarilyUnavailable"
	default:
		return "Permanent"
	}
}

// APIError is the only error shape Node's public methods return, carrying
// a human-readable reason alongside its kind (spec.md §7).
type APIError struct {
	Kind   ErrorKind
	Reason string
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Reason) }

func apiErr(kind ErrorKind, format string, args ...any) *APIError {
	return &APIError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Status mirrors a vertex's consensus status on the external API surface
// (spec.md §6 query()), decoupled from consensus.Status so callers never
// import the consensus package directly.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusAccepted
	StatusFinalized
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusFinalized:
		return "finalized"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func fromConsensusStatus(s consensus.Status) Status {
	switch s {
	case consensus.Accepted:
		return StatusAccepted
	case consensus.Finalized:
		return StatusFinalized
	case consensus.Rejected:
		return StatusRejected
	default:
		return StatusPending
	}
}

// VertexInfo answers spec.md §6's query(hash) operation.
type VertexInfo struct {
	Hash       vertex.Hash
	Status     Status
	Confidence int
	Parents    []vertex.Hash
	Payload    []byte
}

// PeerInfo answers spec.md §6's peers() operation.
type PeerInfo struct {
	ID      peer.ID
	Address string
	Score   int
	Banned  bool
}

// Stats answers spec.md §6's stats() operation.
type Stats struct {
	VertexCount int
	TipCount    int
	Pending     int
	Accepted    int
	Finalized   int
	Rejected    int
	PeerCount   int
}

// Health is the supplemented health-check surface (SPEC_FULL.md §10),
// grounded on the teacher's networking/router health-aggregation pattern.
// Kept internal: no HTTP binding, consistent with the metrics Non-goal.
type Health struct {
	Healthy     bool
	VertexCount int
	PeerCount   int
	Pending     int
}

// Node is the single handle through which every started node's state is
// reachable (spec.md §9: "the node is not a singleton"). Tests may
// construct many Node instances in one process.
type Node struct {
	cfg Config
	log log.Logger

	identity *identity.Identity
	self     peer.ID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listener net.Listener

	peerTable *peer.Table
	arena     *peer.Arena
	pool      *transport.Pool
	windows   *windowTracker
	rekeys    *rekeyTracker

	kbucket    *kbucket.Table
	reputation *reputation.Policy
	router     *overlay.Router
	cover      *overlay.CoverTrafficGenerator

	storeProxy  *storeProxy
	engineProxy *engineProxy
	store       *store.Store
	persistent  *store.Persistent
	engine      *consensus.Engine
	dispatcher  *dispatch.Dispatcher

	events  *eventBus
	metrics *metrics

	tsMu          sync.Mutex
	lastTimestamp uint32

	stopOnce sync.Once
}

// Start wires every component (spec.md §2's data-flow graph) and begins
// accepting connections, bootstrapping from seed peers, and running
// consensus rounds on every vertex the store already holds (spec.md §4.7).
func Start(cfg Config) (*Node, error) {
	cfg.setDefaults()

	id, err := loadOrGenerateIdentity(cfg)
	if err != nil {
		return nil, apiErr(ErrPermanent, "identity: %v", err)
	}

	selfFP := id.Fingerprint()
	self := peer.ID(selfFP)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		log:      cfg.Log,
		identity: id,
		self:     self,
		ctx:      ctx,
		cancel:   cancel,
		events:   newEventBus(),
		metrics:  newMetrics(),
		windows:  newWindowTracker(DefaultWindowSize),
		rekeys:   newRekeyTracker(),
	}

	n.peerTable = peer.NewTable(cfg.PeerBan)
	n.peerTable.Upsert(peer.Identity{
		ID:      self,
		SignPub: id.SignPub,
		KEMPub:  id.KEMPub,
		Address: cfg.ListenAddress,
	})

	n.arena = peer.NewArena()
	n.pool = transport.NewPool(self)
	n.kbucket = kbucket.New(kbucket.ID(self))
	n.reputation = reputation.NewPolicy(n.peerTable)
	n.router = overlay.NewRouter(n.kbucket, n.reputation, &relayDirectoryAdapter{table: n.peerTable})

	n.storeProxy = &storeProxy{}
	n.engineProxy = &engineProxy{}

	var onion dispatch.OnionSender
	if cfg.EnableOnion {
		onion = &onionSenderAdapter{router: n.router}
	}

	n.dispatcher = dispatch.New(dispatch.Config{
		Log:           n.log,
		LocalSignPriv: id.SignPriv,
		Frames:        &frameSenderAdapter{pool: n.pool},
		Onion:         onion,
		Peers:         n.peerTable,
		Store:         n.storeProxy,
		MaxQueueDepth: defaultMaxQueueDepth,
		DedupCapacity: defaultDedupCapacity,
	})

	sampler := newPeerSamplerAdapter(n.peerTable, self)
	querier := &querierAdapter{dispatcher: n.dispatcher, engine: n.engineProxy, self: self}
	n.engine = consensus.New(cfg.Consensus, n.storeProxy, cfg.ConflictExtractor, sampler, querier, n)
	n.engineProxy.set(n.engine)

	notifier := &admissionFanout{engine: n.engine, dispatcher: n.dispatcher, onAdmit: n.onAdmitted}

	storeCfg := store.Config{
		Identity:    n.peerTable,
		Extractor:   store.ConflictExtractor(cfg.ConflictExtractor),
		Notifier:    notifier,
		Orphans:     n.dispatcher,
		MaxVertices: cfg.MaxVertices,
		PruneDepth:  cfg.PruneDepth,
	}

	if cfg.StorePath != "" {
		p, err := store.OpenPersistent(cfg.StorePath)
		if err != nil {
			cancel()
			return nil, apiErr(ErrPermanent, "store: %v", err)
		}
		n.persistent = p
		s, err := store.Recover(storeCfg, p)
		if err != nil {
			cancel()
			return nil, apiErr(ErrPermanent, "store: recover: %v", err)
		}
		n.store = s
	} else {
		n.store = store.New(storeCfg)
	}
	n.storeProxy.set(n.store)

	if n.store.Len() == 0 {
		if err := n.seedGenesis(); err != nil {
			cancel()
			return nil, apiErr(ErrPermanent, "genesis: %v", err)
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		cancel()
		return nil, apiErr(ErrTemporarilyUnavailable, "listen: %v", err)
	}
	n.listener = ln

	n.wg.Add(1)
	go n.acceptLoop()
	n.dialBootstrap()

	n.wg.Add(1)
	go n.maintenanceLoop()

	if cfg.EnableOnion {
		n.cover = overlay.NewCoverTrafficGenerator(n.router, cfg.CoverTrafficInterval)
		n.wg.Add(1)
		go n.coverTrafficLoop()
	}

	if n.log != nil {
		n.log.WithFields(
			zap.String("self", n.self.String()),
			zap.String("listen", cfg.ListenAddress),
			zap.Int("bootstrap_peers", len(cfg.BootstrapPeers)),
		).Info("node: started")
	}

	return n, nil
}

const (
	defaultMaxQueueDepth = 4096
	defaultDedupCapacity = 1 << 20
)

func loadOrGenerateIdentity(cfg Config) (*identity.Identity, error) {
	if cfg.IdentityPath == "" {
		return identity.Generate()
	}
	id, err := identity.Load(cfg.IdentityPath, cfg.IdentityPassphrase)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		id, genErr := identity.Generate()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := identity.Save(cfg.IdentityPath, cfg.IdentityPassphrase, id); saveErr != nil {
			return nil, saveErr
		}
		return id, nil
	}
	return nil, err
}

// seedGenesis admits the network's single zero-parent vertex (spec.md §3
// "0 parents rejected except for the single configured genesis vertex").
// When cfg.Genesis is unset, a fresh one is synthesized and signed with
// this node's own identity, suitable for single-node operation; every
// node in a multi-node deployment must be given the same cfg.Genesis to
// share a DAG root.
func (n *Node) seedGenesis() error {
	if n.cfg.Genesis != nil {
		if n.cfg.GenesisAuthorKey != nil && n.cfg.Genesis.Author != vertex.Fingerprint(n.self) {
			n.peerTable.Upsert(peer.Identity{ID: peer.ID(n.cfg.Genesis.Author), SignPub: *n.cfg.GenesisAuthorKey})
		}
		res := n.store.InsertGenesis(n.cfg.Genesis)
		if res.Outcome != store.Accepted {
			return fmt.Errorf("genesis rejected: %s", res.Reason)
		}
		return nil
	}

	g := &vertex.Vertex{Author: vertex.Fingerprint(n.self), Timestamp: 0, Payload: n.cfg.GenesisPayload}
	g.Hash = g.ComputeHash()
	g.Sign(n.identity.SignPriv)
	res := n.store.InsertGenesis(g)
	if res.Outcome != store.Accepted {
		return fmt.Errorf("genesis rejected: %s", res.Reason)
	}
	return nil
}

// onAdmitted runs after a vertex clears the store's admission protocol
// (spec.md §4.2 step 9): it persists the vertex if durable storage is
// configured and publishes the Admitted event.
func (n *Node) onAdmitted(v *vertex.Vertex) {
	if n.persistent != nil {
		if err := n.persistent.PutVertex(v); err != nil && n.log != nil {
			n.log.Warn("node: persist vertex failed", "hash", v.Hash.String(), "err", err)
		}
	}
	n.metrics.vertexAdmitted.Inc()
	n.events.publish(Event{Kind: EventAdmitted, Hash: v.Hash})
}

// NotifyAccepted satisfies consensus.EventNotifier.
func (n *Node) NotifyAccepted(h vertex.Hash) {
	n.events.publish(Event{Kind: EventAccepted, Hash: h})
}

// NotifyFinalized satisfies consensus.EventNotifier.
func (n *Node) NotifyFinalized(h vertex.Hash) {
	n.metrics.vertexFinalized.Inc()
	n.events.publish(Event{Kind: EventFinalized, Hash: h})
	if n.persistent != nil {
		if version, raw, err := n.store.SnapshotPruneFilter(); err == nil {
			_ = n.persistent.SaveBloomSnapshot(version, raw)
		}
	}
}

// NotifyRejected satisfies consensus.EventNotifier.
func (n *Node) NotifyRejected(h vertex.Hash) {
	n.metrics.vertexRejected.WithLabelValues("conflict-lost").Inc()
	n.events.publish(Event{Kind: EventRejected, Hash: h})
}

// NotifyStuck satisfies consensus.EventNotifier (SPEC_FULL.md §10's
// supplemented stuck-vertex operator signal, spec.md §4.3).
func (n *Node) NotifyStuck(h vertex.Hash) {
	n.metrics.vertexStuck.Inc()
	n.events.publish(Event{Kind: EventStuck, Hash: h})
}

// Submit admits a locally-authored vertex carrying payload, choosing
// parents from the current tip set per spec.md §4.2's weighted selection
// and signing with this node's identity. It returns synchronously once
// the vertex clears (or fails) admission; finality is observed later via
// Subscribe or QueryStatus (spec.md §7: "consensus never blocks a
// submission").
func (n *Node) Submit(payload []byte) (vertex.Hash, error) {
	if n.ctx.Err() != nil {
		return vertex.Hash{}, apiErr(ErrPermanent, "node is stopped")
	}
	if len(payload) > vertex.MaxPayload {
		return vertex.Hash{}, apiErr(ErrInvalidInput, "payload exceeds %d bytes", vertex.MaxPayload)
	}

	parents, err := n.chooseParents()
	if err != nil {
		return vertex.Hash{}, err
	}

	ts := n.nextTimestamp(parents)

	v := &vertex.Vertex{
		Author:    vertex.Fingerprint(n.self),
		Timestamp: ts,
		Parents:   parents,
		Payload:   payload,
	}
	v.Hash = v.ComputeHash()
	v.Sign(n.identity.SignPriv)

	res := n.store.Insert(v)
	if res.Outcome != store.Accepted {
		return vertex.Hash{}, apiErr(ErrInvalidInput, "rejected: %s", res.Reason)
	}
	return v.Hash, nil
}

// chooseParents implements spec.md §4.2's tip-selection rule (2-8 tips
// weighted by confidence, deterministic hash tie-break), falling back to
// ancestors of the sole tip when fewer than MinParents tips currently
// exist (a converged DAG can have only one frontier vertex even with many
// admitted ancestors behind it).
func (n *Node) chooseParents() ([]vertex.Hash, error) {
	tips := n.store.Tips()
	if len(tips) == 0 {
		return nil, apiErr(ErrTemporarilyUnavailable, "no tips available yet")
	}

	confidence := make(map[vertex.Hash]int, len(tips))
	for _, h := range tips {
		if _, _, conf, _, ok := n.engine.Record(h); ok {
			confidence[h] = conf
		}
	}

	want := vertex.MaxParents
	if want > len(tips) {
		want = len(tips)
	}
	selected := store.SelectTips(tips, confidence, want)

	if len(selected) >= vertex.MinParents || n.store.Len() == 1 {
		return selected, nil
	}

	// Pad with ancestors of the lone tip until the minimum is met or no
	// further distinct ancestor remains.
	have := map[vertex.Hash]bool{selected[0]: true}
	ancestors, err := n.store.Ancestors(selected[0], vertex.MaxParents*2)
	if err != nil {
		return nil, apiErr(ErrTemporarilyUnavailable, "cannot satisfy minimum parent count")
	}
	for _, a := range ancestors {
		if len(selected) >= vertex.MinParents {
			break
		}
		if have[a] {
			continue
		}
		have[a] = true
		selected = append(selected, a)
	}
	if len(selected) < vertex.MinParents {
		return nil, apiErr(ErrTemporarilyUnavailable, "cannot satisfy minimum parent count")
	}
	return selected, nil
}

func (n *Node) nextTimestamp(parents []vertex.Hash) uint32 {
	n.tsMu.Lock()
	defer n.tsMu.Unlock()

	floor := n.lastTimestamp
	for _, p := range parents {
		if pv, ok := n.store.Get(p); ok && pv.Timestamp > floor {
			floor = pv.Timestamp
		}
	}
	if floor < n.lastTimestamp {
		floor = n.lastTimestamp
	}
	n.lastTimestamp = floor + 1
	return n.lastTimestamp
}

// QueryStatus answers spec.md §6's query(hash) operation.
func (n *Node) QueryStatus(h vertex.Hash) (VertexInfo, error) {
	v, ok := n.store.Get(h)
	if !ok {
		return VertexInfo{}, apiErr(ErrNotFound, "unknown vertex %s", h.String())
	}
	_, _, confidence, status, _ := n.engine.Record(h)
	return VertexInfo{
		Hash:       h,
		Status:     fromConsensusStatus(status),
		Confidence: confidence,
		Parents:    v.Parents,
		Payload:    v.Payload,
	}, nil
}

// Subscribe returns a stream of status-transition events (spec.md §6).
// The returned channel must be passed to Unsubscribe once the caller is
// done, or it leaks until Stop.
func (n *Node) Subscribe() <-chan Event { return n.events.Subscribe() }

// Unsubscribe detaches a previously-subscribed channel.
func (n *Node) Unsubscribe(ch <-chan Event) { n.events.Unsubscribe(ch) }

// ListenAddr returns the address the node actually bound, resolving the
// ephemeral-port form ("host:0") passed to Start into the concrete port
// the OS assigned — the address other nodes must dial to bootstrap.
func (n *Node) ListenAddr() string { return n.listener.Addr().String() }

// Peers answers spec.md §6's peers() operation.
func (n *Node) Peers() []PeerInfo {
	ids := n.peerTable.All()
	out := make([]PeerInfo, 0, len(ids))
	for _, id := range ids {
		identity, ok := n.peerTable.Identity(id)
		if !ok {
			continue
		}
		out = append(out, PeerInfo{
			ID:      id,
			Address: identity.Address,
			Score:   n.peerTable.Score(id),
			Banned:  n.peerTable.IsBanned(id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Stats answers spec.md §6's stats() operation.
func (n *Node) Stats() Stats {
	pending, accepted, finalized, rejected := n.engine.StatusCounts()
	return Stats{
		VertexCount: n.store.Len(),
		TipCount:    len(n.store.Tips()),
		Pending:     pending,
		Accepted:    accepted,
		Finalized:   finalized,
		Rejected:    rejected,
		PeerCount:   len(n.peerTable.Active()),
	}
}

// HealthCheck aggregates liveness signals (SPEC_FULL.md §10), kept
// internal with no HTTP binding per the metrics-endpoint Non-goal.
func (n *Node) HealthCheck(ctx context.Context) (Health, error) {
	select {
	case <-ctx.Done():
		return Health{}, ctx.Err()
	default:
	}
	pending, _, _, _ := n.engine.StatusCounts()
	return Health{
		Healthy:     n.listener != nil,
		VertexCount: n.store.Len(),
		PeerCount:   len(n.peerTable.Active()),
		Pending:     pending,
	}, nil
}

// Metrics exposes the node's Prometheus registry for an embedding caller
// to bind an HTTP handler to however it sees fit; the core never listens
// on a metrics port itself (spec.md §1 Non-goal).
func (n *Node) Metrics() *prometheus.Registry { return n.metrics.registry }

// maintenanceLoop runs the node's periodic housekeeping: reaping idle
// connections, rekeying due sessions, pruning finalized subgraphs, and
// logging the number of stale k-buckets (spec.md §4.2/§4.4/§4.5). Stale
// buckets are not refreshed.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.runMaintenance()
		}
	}
}

func (n *Node) runMaintenance() {
	for _, id := range n.pool.Reap() {
		n.peerTable.UnbindSession(id)
		n.windows.close(id)
	}
	for _, conn := range n.pool.All() {
		n.maybeRekey(conn)
	}

	evicted := n.store.Prune(n.engine.FinalizedSet())
	if evicted > 0 && n.log != nil {
		n.log.Debug("node: pruned finalized subgraph", "count", evicted)
	}

	n.metrics.peersActive.Set(float64(len(n.peerTable.Active())))
	n.metrics.storeSize.Set(float64(n.store.Len()))

	if stale := n.kbucket.StaleBuckets(time.Now()); len(stale) > 0 && n.log != nil {
		// Stale buckets are only counted and logged: no discovery lookup
		// is issued for them, and bootstrap peers are not dialed again
		// (dialBootstrap dials each one once, at startup).
		n.log.Debug("node: stale k-buckets", "count", len(stale))
	}
}

// peerByAddress resolves a dialable address to the peer ID of whichever
// currently-pooled connection matches it, used to turn a Router-selected
// onion hop's address into the peer.ID the frame sender needs.
func (n *Node) peerByAddress(addr string) (peer.ID, bool) {
	for _, c := range n.pool.All() {
		if c.RemoteAddr() == addr {
			return c.PeerID, true
		}
	}
	return peer.ID{}, false
}

func (n *Node) coverTrafficLoop() {
	defer n.wg.Done()
	done := make(chan struct{})
	go func() {
		n.cover.Run(func(packet []byte, path []onion.Hop) {
			if len(path) == 0 {
				return
			}
			firstHop, ok := n.peerByAddress(path[0].Address)
			if !ok {
				return
			}
			env := dispatch.Envelope{Tag: dispatch.TagOnionWrapped, Body: packet}
			n.dispatcher.Queues().Enqueue(&dispatch.Outbound{
				Priority: dispatch.PriorityCoverTraffic,
				Peer:     firstHop,
				Payload:  env.Encode(),
			})
		})
		close(done)
	}()
	select {
	case <-n.ctx.Done():
		n.cover.Stop()
		<-done
	case <-done:
	}
}

// Stop shuts the node down: stops accepting submissions, closes every
// transport connection with a Goodbye frame, and zeroizes in-memory key
// material (spec.md §4.7).
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		_ = n.listener.Close()

		goodbye := dispatch.Envelope{Tag: dispatch.TagGoodbye}
		wire := goodbye.Encode()
		for _, conn := range n.pool.All() {
			_ = conn.WriteFrame(wire)
			conn.Close()
		}

		n.wg.Wait()

		n.engine.Stop()
		n.dispatcher.Close()
		if n.cover != nil {
			n.cover.Stop()
		}
		if n.persistent != nil {
			_ = n.persistent.Close()
		}
		n.events.closeAll()
		n.identity.Zero()

		if n.log != nil {
			n.log.WithFields(zap.String("self", n.self.String())).Info("node: stopped")
		}
	})
}
