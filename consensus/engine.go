// Package consensus implements QR-Avalanche (spec.md §4.3): repeated
// probabilistic sampling over the peer set, confidence accumulation per
// vertex, conflict-set management, and finality detection.
package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/qudag/node/vertex"
)

// Status is a Record's place in the finality state machine. Finalized and
// Rejected are sticky: once reached, a Record never leaves that status
// (invariant I2).
type Status int

const (
	Pending Status = iota
	Accepted
	Finalized
	Rejected
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Finalized:
		return "finalized"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Record is a vertex's mutable consensus state (spec.md §3).
type Record struct {
	mu          sync.Mutex
	Hash        vertex.Hash
	Preference  bool // true = accept; initial preference is always accept
	Consecutive int
	Confidence  int
	Status      Status
	rounds      int
}

func (r *Record) snapshot() (bool, int, int, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Preference, r.Consecutive, r.Confidence, r.Status
}

// ConflictExtractor maps a vertex payload to the conflict keys it
// participates in; identical in shape to store.ConflictExtractor, set
// once at construction (spec.md §9).
type ConflictExtractor func(payload []byte) [][]byte

// StoreView is the narrow slice of the Vertex Store the engine needs: it
// never reaches into store internals or persistence.
type StoreView interface {
	Get(h vertex.Hash) (*vertex.Vertex, bool)
}

// Querier issues a single signed preference query to peer for vertex hash
// and blocks until ctx is done or a response arrives. responded is false
// on timeout, which counts as "no preference" rather than a negative
// vote (spec.md §4.3 step 3).
type Querier interface {
	Query(ctx context.Context, peer PeerID, hash vertex.Hash) (accept bool, responded bool)
}

// EventNotifier reports status transitions to the node orchestrator,
// which relays them on the external Subscribe stream (spec.md §6).
type EventNotifier interface {
	NotifyAccepted(h vertex.Hash)
	NotifyFinalized(h vertex.Hash)
	NotifyRejected(h vertex.Hash)
	// NotifyStuck fires once per vertex, in the round where a pending
	// vertex reaches MaxRoundsPending rounds without reaching Accepted;
	// voting on it continues. Supplemental to spec.md, surfaced
	// so operators can detect a stalled network partition.
	NotifyStuck(h vertex.Hash)
}

// Config holds the QR-Avalanche parameters (spec.md §4.3/§6, defaults
// 20/14/15/150).
type Config struct {
	K                int
	Alpha            int
	Beta1            int
	Beta2            int
	RoundTimeout     time.Duration
	MaxRoundsPending int
}

// DefaultConfig returns the documented default parameters.
func DefaultConfig() Config {
	return Config{
		K:                20,
		Alpha:            14,
		Beta1:            15,
		Beta2:            150,
		RoundTimeout:     5 * time.Second,
		MaxRoundsPending: 1000,
	}
}

// Engine runs independent query-round loops for every pending vertex.
type Engine struct {
	cfg       Config
	store     StoreView
	extractor ConflictExtractor
	sampler   PeerSampler
	querier   Querier
	notifier  EventNotifier

	mu           sync.Mutex
	records      map[vertex.Hash]*Record
	conflictKeys map[vertex.Hash][][]byte
	conflictSet  map[string]map[vertex.Hash]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine. Call Start to begin processing admitted
// vertices delivered through Admit.
func New(cfg Config, store StoreView, extractor ConflictExtractor, sampler PeerSampler, querier Querier, notifier EventNotifier) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:          cfg,
		store:        store,
		extractor:    extractor,
		sampler:      sampler,
		querier:      querier,
		notifier:     notifier,
		records:      make(map[vertex.Hash]*Record),
		conflictKeys: make(map[vertex.Hash][][]byte),
		conflictSet:  make(map[string]map[vertex.Hash]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Stop cancels every in-flight round loop and waits for them to exit.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Admit registers a newly admitted vertex with the engine and starts its
// query-round loop (spec.md §4.2 step 9 / §4.3). Intended to be wired as
// the Vertex Store's AdmissionNotifier.
func (e *Engine) Admit(v *vertex.Vertex) {
	e.mu.Lock()
	if _, exists := e.records[v.Hash]; exists {
		e.mu.Unlock()
		return
	}
	r := &Record{Hash: v.Hash, Preference: true, Status: Pending}
	e.records[v.Hash] = r

	var keys [][]byte
	if e.extractor != nil {
		keys = e.extractor(v.Payload)
	}
	e.conflictKeys[v.Hash] = keys
	for _, k := range keys {
		ks := string(k)
		if e.conflictSet[ks] == nil {
			e.conflictSet[ks] = make(map[vertex.Hash]struct{})
		}
		e.conflictSet[ks][v.Hash] = struct{}{}
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runRounds(v.Hash)
}

// NotifyAdmitted satisfies store.AdmissionNotifier.
func (e *Engine) NotifyAdmitted(v *vertex.Vertex) { e.Admit(v) }

// Record returns a snapshot of a vertex's consensus state, or false if
// the engine has never seen it.
func (e *Engine) Record(h vertex.Hash) (pref bool, consecutive, confidence int, status Status, ok bool) {
	e.mu.Lock()
	r, exists := e.records[h]
	e.mu.Unlock()
	if !exists {
		return false, 0, 0, Pending, false
	}
	pref, consecutive, confidence, status = r.snapshot()
	return pref, consecutive, confidence, status, true
}

// FinalizedSet returns a snapshot of every vertex hash currently
// Finalized, for the Vertex Store's periodic pruning pass (spec.md §3
// prune depth D below the finality frontier).
func (e *Engine) FinalizedSet() map[vertex.Hash]bool {
	e.mu.Lock()
	hashes := make([]vertex.Hash, 0, len(e.records))
	records := make([]*Record, 0, len(e.records))
	for h, r := range e.records {
		hashes = append(hashes, h)
		records = append(records, r)
	}
	e.mu.Unlock()

	out := make(map[vertex.Hash]bool)
	for i, r := range records {
		if _, _, _, status := r.snapshot(); status == Finalized {
			out[hashes[i]] = true
		}
	}
	return out
}

// StatusCounts tallies every tracked vertex by status, for the node
// orchestrator's stats() surface (spec.md §6).
func (e *Engine) StatusCounts() (pending, accepted, finalized, rejected int) {
	e.mu.Lock()
	records := make([]*Record, 0, len(e.records))
	for _, r := range e.records {
		records = append(records, r)
	}
	e.mu.Unlock()

	for _, r := range records {
		_, _, _, status := r.snapshot()
		switch status {
		case Pending:
			pending++
		case Accepted:
			accepted++
		case Finalized:
			finalized++
		case Rejected:
			rejected++
		}
	}
	return
}

func (e *Engine) runRounds(hash vertex.Hash) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RoundTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.doRound(hash) {
				return
			}
		}
	}
}

// doRound runs a single query round and returns true once the vertex has
// reached a terminal status (Finalized or Rejected) and its loop should
// stop.
func (e *Engine) doRound(hash vertex.Hash) bool {
	e.mu.Lock()
	r := e.records[hash]
	e.mu.Unlock()
	if r == nil {
		return true
	}
	if _, _, _, status := r.snapshot(); status == Finalized || status == Rejected {
		return true
	}

	peers := e.sampler.SamplePeers(e.cfg.K)
	count := e.queryPeers(hash, peers)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyRoundResult(hash, r, count)
}

func (e *Engine) queryPeers(hash vertex.Hash, peers []PeerID) int {
	if len(peers) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RoundTimeout)
	defer cancel()

	results := make(chan bool, len(peers))
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(peer PeerID) {
			defer wg.Done()
			accept, responded := e.querier.Query(ctx, peer, hash)
			results <- responded && accept
		}(p)
	}
	go func() { wg.Wait(); close(results) }()

	count := 0
	for accepted := range results {
		if accepted {
			count++
		}
	}
	return count
}

// maxRivalConfidenceLocked returns the highest confidence (and its
// vertex) among hash's conflict-set members other than hash itself.
// Caller must hold e.mu.
func (e *Engine) maxRivalConfidenceLocked(hash vertex.Hash) (vertex.Hash, int, bool) {
	var best vertex.Hash
	bestConfidence := -1
	found := false
	for _, key := range e.conflictKeys[hash] {
		for member := range e.conflictSet[string(key)] {
			if member == hash {
				continue
			}
			r := e.records[member]
			if r == nil {
				continue
			}
			_, _, confidence, _ := r.snapshot()
			if confidence > bestConfidence {
				bestConfidence = confidence
				best = member
				found = true
			}
		}
	}
	return best, bestConfidence, found
}

// applyRoundResult implements spec.md §4.3 steps 4-7. Caller must hold
// e.mu (for conflict-set lookups); returns true if the round loop for
// hash should stop.
func (e *Engine) applyRoundResult(hash vertex.Hash, r *Record, count int) bool {
	rivalHash, rivalConfidence, hasRival := e.maxRivalConfidenceLocked(hash)

	r.mu.Lock()
	if r.Status == Finalized || r.Status == Rejected {
		r.mu.Unlock()
		return true
	}
	r.rounds++

	dominatedByRival := false
	if hasRival {
		if rivalConfidence > r.Confidence {
			dominatedByRival = true
		} else if rivalConfidence == r.Confidence && rivalHash.Less(hash) {
			dominatedByRival = true
		}
	}

	if count >= e.cfg.Alpha && !dominatedByRival {
		r.Consecutive++
	} else {
		r.Consecutive = 0
		if dominatedByRival {
			r.Preference = false
		}
	}
	if r.Consecutive > r.Confidence {
		r.Confidence = r.Consecutive
	}

	// Accepted is a soft state (spec.md §4.3): a rival overtaking the
	// record's preference before it reaches Beta2 reverts it to Pending
	// so it has to re-earn Beta1 on the new preference. Finalized is
	// sticky (invariant I2) and never reverts.
	if r.Status == Accepted && dominatedByRival {
		r.Status = Pending
		r.Confidence = r.Consecutive
	}

	var justAccepted, justFinalized, stuck bool
	if r.Status == Pending && r.Confidence >= e.cfg.Beta1 {
		r.Status = Accepted
		justAccepted = true
	}
	if r.Status == Accepted && r.Confidence >= e.cfg.Beta2 {
		r.Status = Finalized
		justFinalized = true
	}
	if r.Status == Pending && r.rounds == e.cfg.MaxRoundsPending {
		stuck = true
	}
	status := r.Status
	r.mu.Unlock()

	if justAccepted && e.notifier != nil {
		e.notifier.NotifyAccepted(hash)
	}
	if justFinalized {
		if e.notifier != nil {
			e.notifier.NotifyFinalized(hash)
		}
		e.rejectRivalsLocked(hash)
	}
	if stuck && e.notifier != nil {
		e.notifier.NotifyStuck(hash)
	}

	return status == Finalized || status == Rejected
}

// rejectRivalsLocked marks every other member of hash's conflict sets as
// Rejected, enforcing invariant I1: at most one finalized vertex per
// conflict set. Caller must hold e.mu.
func (e *Engine) rejectRivalsLocked(hash vertex.Hash) {
	for _, key := range e.conflictKeys[hash] {
		for member := range e.conflictSet[string(key)] {
			if member == hash {
				continue
			}
			r := e.records[member]
			if r == nil {
				continue
			}
			r.mu.Lock()
			alreadyTerminal := r.Status == Finalized || r.Status == Rejected
			if !alreadyTerminal {
				r.Status = Rejected
			}
			r.mu.Unlock()
			if !alreadyTerminal && e.notifier != nil {
				e.notifier.NotifyRejected(member)
			}
		}
	}
}
