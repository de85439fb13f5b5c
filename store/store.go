// Package store implements the Vertex Store (spec.md §4.2): content-
// addressed DAG storage, parent validation, tip tracking, cycle
// prevention, and bounded-memory pruning.
//
// Storage layout follows spec.md §4.2: a content-addressed map from hash
// to vertex record, a tips set, a conflict-set index, an orphan buffer,
// and a pruning bloom filter; there is no parent-to-child index. Sharding
// (16 shards keyed by first hash byte) follows the reader-writer discipline
// of spec.md §5, grounded on the teacher's engine/dag/state.serializer
// locking pattern generalized from a single mutex to per-shard mutexes.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/qudag/node/crypto/sig"
	"github.com/qudag/node/vertex"
)

const shardCount = 16

// Outcome is the result of Insert.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
)

// RejectReason enumerates the failure kinds from spec.md §4.2's insertion
// protocol.
type RejectReason int

const (
	ReasonNone RejectReason = iota
	ReasonAlreadyPresent
	ReasonPreviouslyPruned
	ReasonInvalidHash
	ReasonMissingParents
	ReasonInvalidSignature
	ReasonTimestampRegression
	ReasonCycleDetected
	ReasonStoreFull
	ReasonInvalidShape
)

func (r RejectReason) String() string {
	switch r {
	case ReasonAlreadyPresent:
		return "AlreadyPresent"
	case ReasonPreviouslyPruned:
		return "PreviouslyPruned"
	case ReasonInvalidHash:
		return "InvalidHash"
	case ReasonMissingParents:
		return "MissingParents"
	case ReasonInvalidSignature:
		return "InvalidSignature"
	case ReasonTimestampRegression:
		return "TimestampRegression"
	case ReasonCycleDetected:
		return "CycleDetected"
	case ReasonStoreFull:
		return "StoreFull"
	case ReasonInvalidShape:
		return "InvalidShape"
	default:
		return "None"
	}
}

// InsertResult is returned by Insert.
type InsertResult struct {
	Outcome       Outcome
	Reason        RejectReason
	MissingParents []vertex.Hash // populated only for ReasonMissingParents
}

// IdentityResolver resolves an author fingerprint to its signing public
// key; supplied by the node orchestrator (backed by the peer table and the
// local identity).
type IdentityResolver interface {
	Resolve(fp vertex.Fingerprint) (sig.PublicKey, bool)
}

// ConflictExtractor is the sole application-supplied polymorphism point
// (spec.md §9): a pure function from payload to a set of opaque conflict
// keys. Set once at construction; never replaced at runtime.
type ConflictExtractor func(payload []byte) [][]byte

// AdmissionNotifier is called after a vertex is durably admitted, so the
// Consensus Engine can begin query rounds (spec.md §4.2 step 9).
type AdmissionNotifier interface {
	NotifyAdmitted(v *vertex.Vertex)
}

// OrphanRequester is invoked when a vertex arrives whose parents are not
// yet known, so Message Dispatch can request them (spec.md §4.2 step 4).
type OrphanRequester interface {
	RequestVertices(hashes []vertex.Hash)
}

const (
	defaultMaxVertices    = 2_000_000
	defaultOrphanCapacity = 200_000
	// PruneDepth (D in spec.md §3/§4.2): fully-finalized subgraphs this far
	// below the finality frontier are evicted from active memory.
	defaultPruneDepth = 64
)

// Config configures a Store.
type Config struct {
	Identity    IdentityResolver
	Extractor   ConflictExtractor
	Notifier    AdmissionNotifier
	Orphans     OrphanRequester
	MaxVertices int // 0 => defaultMaxVertices
	PruneDepth  uint32
}

// Store is the Vertex Store's public operation surface (spec.md §4.2).
type Store struct {
	cfg Config

	shards [shardCount]*shard

	mu       sync.RWMutex // guards tips, conflict, orphans, pruned, size
	tips     map[vertex.Hash]struct{}
	conflict map[string][]vertex.Hash // conflict key -> member vertex hashes
	orphans  map[vertex.Hash][]*pendingOrphan
	pruned   *pruneFilter
	size     int
}

type pendingOrphan struct {
	v        *vertex.Vertex
	waitingOn map[vertex.Hash]struct{}
}

type shard struct {
	mu       sync.RWMutex
	vertices map[vertex.Hash]*record
}

type record struct {
	v *vertex.Vertex
}

// New constructs an empty Store.
func New(cfg Config) *Store {
	if cfg.MaxVertices == 0 {
		cfg.MaxVertices = defaultMaxVertices
	}
	if cfg.PruneDepth == 0 {
		cfg.PruneDepth = defaultPruneDepth
	}
	s := &Store{
		cfg:      cfg,
		tips:     make(map[vertex.Hash]struct{}),
		conflict: make(map[string][]vertex.Hash),
		orphans:  make(map[vertex.Hash][]*pendingOrphan),
		pruned:   newPruneFilter(),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			vertices: make(map[vertex.Hash]*record),
		}
	}
	return s
}

func (s *Store) shardOf(h vertex.Hash) *shard {
	return s.shards[int(h[0])%shardCount]
}

// Has reports whether hash is currently admitted (not pruned-and-forgotten).
func (s *Store) Has(h vertex.Hash) bool {
	sh := s.shardOf(h)
	sh.mu.RLock()
	_, ok := sh.vertices[h]
	sh.mu.RUnlock()
	return ok
}

// Get returns the admitted vertex for hash, if any.
func (s *Store) Get(h vertex.Hash) (*vertex.Vertex, bool) {
	sh := s.shardOf(h)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	r, ok := sh.vertices[h]
	if !ok {
		return nil, false
	}
	return r.v, true
}

// Tips returns the current frontier: admitted vertices with no admitted
// children.
func (s *Store) Tips() []vertex.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vertex.Hash, 0, len(s.tips))
	for h := range s.tips {
		out = append(out, h)
	}
	return out
}

// SelectTips chooses n tips (2-8) for a new local vertex, weighted by
// confidence (provided by the caller, typically the Consensus Engine) with
// a deterministic hash-order tie-break, per spec.md §4.2.
func SelectTips(tips []vertex.Hash, confidence map[vertex.Hash]int, n int) []vertex.Hash {
	sorted := make([]vertex.Hash, len(tips))
	copy(sorted, tips)
	sort.Slice(sorted, func(i, j int) bool {
		ci, cj := confidence[sorted[i]], confidence[sorted[j]]
		if ci != cj {
			return ci > cj
		}
		return sorted[i].Less(sorted[j])
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// ErrNotFound is returned by Ancestors when the starting hash is unknown.
var ErrNotFound = errors.New("store: vertex not found")

// Ancestors returns, in BFS order, up to depth generations of a vertex's
// ancestors (spec.md §4.2).
func (s *Store) Ancestors(h vertex.Hash, depth int) ([]vertex.Hash, error) {
	if !s.Has(h) {
		return nil, ErrNotFound
	}
	seen := map[vertex.Hash]struct{}{h: {}}
	frontier := []vertex.Hash{h}
	var out []vertex.Hash
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []vertex.Hash
		for _, cur := range frontier {
			v, ok := s.Get(cur)
			if !ok {
				continue
			}
			for _, p := range v.Parents {
				if _, dup := seen[p]; dup {
					continue
				}
				seen[p] = struct{}{}
				out = append(out, p)
				next = append(next, p)
			}
		}
		frontier = next
	}
	return out, nil
}

// reachableFrom reports whether target is reachable by walking parent edges
// from start, used for the cycle-freedom check in spec.md §4.2 step 7.
func (s *Store) reachableFrom(start vertex.Hash, target vertex.Hash, maxSteps int) bool {
	seen := map[vertex.Hash]struct{}{}
	stack := []vertex.Hash{start}
	steps := 0
	for len(stack) > 0 && steps < maxSteps {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if _, dup := seen[cur]; dup {
			continue
		}
		seen[cur] = struct{}{}
		steps++
		v, ok := s.Get(cur)
		if !ok {
			continue
		}
		stack = append(stack, v.Parents...)
	}
	return false
}

// Insert runs the full admission protocol from spec.md §4.2.
func (s *Store) Insert(v *vertex.Vertex) InsertResult {
	return s.insert(v, -1)
}

// InsertGenesis admits the single configured zero-parent vertex that
// seeds an otherwise-empty store (spec.md §4.2's genesis exception to the
// 2-parent minimum). It refuses to run against a non-empty store, since
// there is exactly one genesis per network.
func (s *Store) InsertGenesis(v *vertex.Vertex) InsertResult {
	if s.Has(v.Hash) {
		return InsertResult{Outcome: Accepted}
	}
	if s.Len() > 0 {
		return InsertResult{Outcome: Rejected, Reason: ReasonInvalidShape}
	}
	return s.insert(v, 0)
}

// insert runs the admission protocol. forceMinParents pins the parent-count
// floor (used by InsertGenesis to allow 0); -1 means "derive it from store
// state": 2 in steady state, relaxed to 1 while genesis is still the only
// admitted vertex, since a second distinct parent cannot yet exist.
func (s *Store) insert(v *vertex.Vertex, forceMinParents int) InsertResult {
	// (1) idempotent on already-present hash.
	if s.Has(v.Hash) {
		return InsertResult{Outcome: Accepted}
	}

	// (2) negative-cache bloom filter.
	s.mu.RLock()
	wasPruned := s.pruned.Contains(v.Hash)
	s.mu.RUnlock()
	if wasPruned {
		return InsertResult{Outcome: Rejected, Reason: ReasonPreviouslyPruned}
	}

	minParents := forceMinParents
	if minParents < 0 {
		minParents = vertex.MinParents
		if s.Len() == 1 {
			minParents = 1
		}
	}
	if err := v.ValidateShape(minParents); err != nil {
		return InsertResult{Outcome: Rejected, Reason: ReasonInvalidShape}
	}

	// (3) hash correctness.
	if err := v.VerifyHash(); err != nil {
		return InsertResult{Outcome: Rejected, Reason: ReasonInvalidHash}
	}

	// (4) parents must already be admitted.
	var missing []vertex.Hash
	var maxParentTS uint32
	for _, p := range v.Parents {
		pv, ok := s.Get(p)
		if !ok {
			missing = append(missing, p)
			continue
		}
		if pv.Timestamp > maxParentTS {
			maxParentTS = pv.Timestamp
		}
	}
	if len(missing) > 0 {
		s.bufferOrphan(v, missing)
		if s.cfg.Orphans != nil {
			s.cfg.Orphans.RequestVertices(missing)
		}
		return InsertResult{Outcome: Rejected, Reason: ReasonMissingParents, MissingParents: missing}
	}

	// (5) signature.
	if s.cfg.Identity != nil {
		pk, ok := s.cfg.Identity.Resolve(v.Author)
		if !ok {
			return InsertResult{Outcome: Rejected, Reason: ReasonInvalidSignature}
		}
		if err := v.VerifySignature(pk); err != nil {
			return InsertResult{Outcome: Rejected, Reason: ReasonInvalidSignature}
		}
	}

	// (6) timestamp monotonicity against parents.
	if len(v.Parents) > 0 && v.Timestamp < maxParentTS {
		return InsertResult{Outcome: Rejected, Reason: ReasonTimestampRegression}
	}

	// (7) cycle-freedom: v.Hash must not be reachable from any parent.
	for _, p := range v.Parents {
		if s.reachableFrom(p, v.Hash, 1_000_000) {
			return InsertResult{Outcome: Rejected, Reason: ReasonCycleDetected}
		}
	}

	s.mu.Lock()
	if s.size >= s.cfg.MaxVertices {
		s.mu.Unlock()
		return InsertResult{Outcome: Rejected, Reason: ReasonStoreFull}
	}
	s.size++
	s.mu.Unlock()

	// (8) conflict-set extraction.
	if s.cfg.Extractor != nil {
		keys := s.cfg.Extractor(v.Payload)
		s.mu.Lock()
		for _, k := range keys {
			s.conflict[string(k)] = append(s.conflict[string(k)], v.Hash)
		}
		s.mu.Unlock()
	}

	// (9) atomic insert, tip update, notification.
	sh := s.shardOf(v.Hash)
	sh.mu.Lock()
	sh.vertices[v.Hash] = &record{v: v}
	sh.mu.Unlock()

	s.mu.Lock()
	for _, p := range v.Parents {
		delete(s.tips, p)
	}
	s.tips[v.Hash] = struct{}{}
	s.mu.Unlock()

	if s.cfg.Notifier != nil {
		s.cfg.Notifier.NotifyAdmitted(v)
	}

	s.resolveOrphans(v.Hash)

	return InsertResult{Outcome: Accepted}
}

func (s *Store) bufferOrphan(v *vertex.Vertex, missing []vertex.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.orphans) >= defaultOrphanCapacity {
		return // bounded buffer: drop-oldest-with-notification is the
		// caller's responsibility via the retry scheduler in Message
		// Dispatch; the store itself simply stops accepting new orphans.
	}
	waiting := make(map[vertex.Hash]struct{}, len(missing))
	for _, m := range missing {
		waiting[m] = struct{}{}
	}
	po := &pendingOrphan{v: v, waitingOn: waiting}
	for _, m := range missing {
		s.orphans[m] = append(s.orphans[m], po)
	}
}

// resolveOrphans re-attempts admission for any buffered vertex that was
// waiting on newlyAdmitted.
func (s *Store) resolveOrphans(newlyAdmitted vertex.Hash) {
	s.mu.Lock()
	waiters := s.orphans[newlyAdmitted]
	delete(s.orphans, newlyAdmitted)
	s.mu.Unlock()

	for _, po := range waiters {
		delete(po.waitingOn, newlyAdmitted)
		if len(po.waitingOn) == 0 {
			s.Insert(po.v)
		}
	}
}

// Prune evicts fully-finalized subgraphs at depth > D below the current
// finality frontier (spec.md §3/§4.2), retaining their hashes in the bloom
// filter so later re-injection is rejected in O(1).
func (s *Store) Prune(finalized map[vertex.Hash]bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.shards {
		s.shards[i].mu.Lock()
		defer s.shards[i].mu.Unlock()
	}

	// A finalized vertex is only safe to evict once no still-present
	// vertex depends on it as a parent, or ancestor traversal from that
	// descendant would break. Compute live child counts across all
	// shards, then peel leaves of the finalized subgraph repeatedly.
	childCount := make(map[vertex.Hash]int)
	for i := range s.shards {
		for h, r := range s.shards[i].vertices {
			childCount[h] += 0 // ensure every vertex has an entry
			for _, p := range r.v.Parents {
				childCount[p]++
			}
		}
	}

	evicted := 0
	for {
		progressed := false
		for i := range s.shards {
			sh := s.shards[i]
			for h, r := range sh.vertices {
				if !finalized[h] || childCount[h] > 0 {
					continue
				}
				delete(sh.vertices, h)
				s.pruned.Add(h)
				s.size--
				evicted++
				progressed = true
				for _, p := range r.v.Parents {
					childCount[p]--
				}
				delete(childCount, h)
			}
		}
		if !progressed {
			break
		}
	}
	return evicted
}

// Len returns the number of currently admitted (non-pruned) vertices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// SnapshotPruneFilter serializes the current pruning bloom filter for
// persistence (spec.md §6's secondary file), so a caller holding a
// *Persistent backend can save it without the store depending on pebble
// directly from its hot insertion path.
func (s *Store) SnapshotPruneFilter() (version uint32, raw []byte, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err = s.pruned.MarshalBinary()
	if err != nil {
		return 0, nil, err
	}
	return bloomSnapshotVersion, raw, nil
}

// Recover rebuilds an in-memory Store from a persistent backend, replaying
// every durable vertex through the normal admission protocol so all of its
// invariants (hash, signature, cycle-freedom) are re-checked on load, then
// restores the pruning bloom filter snapshot if one exists.
func Recover(cfg Config, p *Persistent) (*Store, error) {
	s := New(cfg)

	if version, raw, ok, err := p.LoadBloomSnapshot(); err != nil {
		return nil, fmt.Errorf("store: load bloom snapshot: %w", err)
	} else if ok && version == bloomSnapshotVersion {
		filter, err := loadPruneFilter(raw)
		if err != nil {
			return nil, fmt.Errorf("store: restore bloom snapshot: %w", err)
		}
		s.pruned = filter
	}

	all, err := p.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("store: load persisted vertices: %w", err)
	}

	// Parents are always persisted before their children (Insert's
	// atomicity guarantees this), but replay in passes until no vertex is
	// admitted in a pass, to tolerate any iteration-order surprises.
	pending := all
	for len(pending) > 0 {
		var next []*vertex.Vertex
		progressed := false
		for _, v := range pending {
			if s.Has(v.Hash) {
				continue
			}
			var res InsertResult
			if len(v.Parents) == 0 {
				res = s.InsertGenesis(v)
			} else {
				res = s.Insert(v)
			}
			if res.Outcome == Accepted {
				progressed = true
			} else if res.Reason == ReasonMissingParents {
				next = append(next, v)
			}
		}
		if !progressed {
			break
		}
		pending = next
	}

	return s, nil
}

// ConflictMembers returns the vertex hashes sharing conflict key.
func (s *Store) ConflictMembers(key []byte) []vertex.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.conflict[string(key)]
	out := make([]vertex.Hash, len(members))
	copy(out, members)
	return out
}
