// Package peer implements the Peer Identity model and peer table
// (spec.md §3/§4.4): long-lived identity, reputation scoring, bans, and
// the session-ID arena that avoids a direct cyclic reference between
// peers and their sessions (spec.md §9).
package peer

import (
	"sync"
	"time"

	"github.com/qudag/node/crypto/kem"
	"github.com/qudag/node/crypto/sig"
	"github.com/qudag/node/vertex"
)

// ID is a peer's stable identifier: the BLAKE3 fingerprint of its
// long-lived ML-DSA public key.
type ID = vertex.Fingerprint

// SessionID indexes the session arena (peer/session.go). The zero value
// never refers to a live session.
type SessionID uint64

const (
	// BanThreshold and BanDuration are the documented defaults (spec.md
	// §4.4/§6); overridable via Config.
	defaultBanThreshold = -50
	defaultBanDuration  = 24 * time.Hour
)

// Identity is the externally-visible, mostly-static half of a peer
// record (spec.md §3).
type Identity struct {
	ID        ID
	SignPub   sig.PublicKey
	KEMPub    kem.PublicKey // rotating session-setup key
	Address   string
}

// Status summarizes a peer for the external peers() API (spec.md §6).
type Status int

const (
	StatusActive Status = iota
	StatusBanned
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// record is the Peer Table's internal per-peer mutable state. The table
// stores a SessionID, never a *Session, so a session teardown cannot
// leave a dangling pointer (spec.md §9).
type record struct {
	identity  Identity
	score     int
	bannedAt  time.Time // zero if not banned
	sessionID SessionID
}

// Config tunes reputation thresholds (spec.md §6).
type Config struct {
	BanThreshold int           // default -50
	BanDuration  time.Duration // default 24h
}

// Table is the reader-writer-locked peer table (spec.md §5).
type Table struct {
	cfg Config

	mu      sync.RWMutex
	records map[ID]*record
}

// NewTable constructs an empty Table.
func NewTable(cfg Config) *Table {
	if cfg.BanThreshold == 0 {
		cfg.BanThreshold = defaultBanThreshold
	}
	if cfg.BanDuration == 0 {
		cfg.BanDuration = defaultBanDuration
	}
	return &Table{cfg: cfg, records: make(map[ID]*record)}
}

// Upsert adds or refreshes a peer's identity, preserving its existing
// score and ban state if already known.
func (t *Table) Upsert(identity Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, exists := t.records[identity.ID]
	if !exists {
		t.records[identity.ID] = &record{identity: identity}
		return
	}
	r.identity = identity
}

// Remove discards a peer entirely (e.g. on explicit operator removal).
func (t *Table) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// Identity returns a peer's stored identity.
func (t *Table) Identity(id ID) (Identity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return Identity{}, false
	}
	return r.identity, true
}

// Resolve satisfies store.IdentityResolver and consensus's identity
// lookups: it returns the signing public key for a fingerprint.
func (t *Table) Resolve(fp ID) (sig.PublicKey, bool) {
	id, ok := t.Identity(fp)
	if !ok {
		return sig.PublicKey{}, false
	}
	return id.SignPub, true
}

// Score returns a peer's current reputation score (0 if unknown).
func (t *Table) Score(id ID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return 0
	}
	return r.score
}

// RecordSuccess increments a peer's score for a successful interaction
// (valid vertex forwarded, correct query answer) per spec.md §4.4.
func (t *Table) RecordSuccess(id ID, delta int) {
	t.adjust(id, delta)
}

// RecordFailure decrements a peer's score for a failed interaction
// (invalid signature, malformed frame, query timeout), banning the peer
// if the score drops below the configured threshold.
func (t *Table) RecordFailure(id ID, delta int) {
	t.adjust(id, -delta)
}

func (t *Table) adjust(id ID, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		r = &record{identity: Identity{ID: id}}
		t.records[id] = r
	}
	if !r.bannedAt.IsZero() {
		return // banned peers' scores are frozen until re-admission
	}
	r.score += delta
	if r.score < t.cfg.BanThreshold {
		r.bannedAt = nowFunc()
	}
}

// IsBanned reports whether id is currently serving a ban. A ban whose
// duration has elapsed is lazily cleared and the peer is re-admitted
// with score reset to 0 (spec.md §4.4).
func (t *Table) IsBanned(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok || r.bannedAt.IsZero() {
		return false
	}
	if nowFunc().Sub(r.bannedAt) >= t.cfg.BanDuration {
		r.bannedAt = time.Time{}
		r.score = 0
		return false
	}
	return true
}

// StatusOf reports a peer's externally-visible status.
func (t *Table) StatusOf(id ID) Status {
	if t.IsBanned(id) {
		return StatusBanned
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.records[id]; !ok {
		return StatusUnknown
	}
	return StatusActive
}

// BindSession records which session arena slot currently serves id.
func (t *Table) BindSession(id ID, sid SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		r = &record{identity: Identity{ID: id}}
		t.records[id] = r
	}
	r.sessionID = sid
}

// SessionOf returns the session arena slot currently bound to id, if any.
func (t *Table) SessionOf(id ID) (SessionID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok || r.sessionID == 0 {
		return 0, false
	}
	return r.sessionID, true
}

// UnbindSession clears a peer's session reference, e.g. on teardown.
func (t *Table) UnbindSession(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		r.sessionID = 0
	}
}

// Active returns every non-banned peer ID, used by the Consensus Engine's
// peer sampler (spec.md §4.3 step 1).
func (t *Table) Active() []ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ID, 0, len(t.records))
	for id, r := range t.records {
		if r.bannedAt.IsZero() {
			out = append(out, id)
		}
	}
	return out
}

// All returns every known peer ID regardless of ban state, for the
// external peers() API (spec.md §6), which reports banned peers too.
func (t *Table) All() []ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ID, 0, len(t.records))
	for id := range t.records {
		out = append(out, id)
	}
	return out
}

// nowFunc is overridden in tests to make ban-expiry deterministic.
var nowFunc = time.Now
