// Package reputation adapts the peer table's trust score into the
// overlay-routing decisions that consume it: which peers are eligible
// hop candidates, and how a failed or successful relay should move a
// peer's score (spec.md §4.5/§9). The score itself is owned by
// peer.Table; this package only interprets it for routing purposes so
// the overlay never reaches into peer internals directly.
package reputation

import (
	"github.com/qudag/node/peer"
)

// Routing-relevant score deltas. Distinct from the dispatch layer's
// deltas for message-level behavior: these are specifically about
// willingness to keep selecting a peer as a relay hop.
const (
	RelaySuccessDelta = 1
	RelayFailureDelta = -5
	RelayTimeoutDelta = -2
)

// Policy consults a peer.Table to decide hop eligibility for path
// selection.
type Policy struct {
	table *peer.Table
}

// NewPolicy wraps table for routing decisions.
func NewPolicy(table *peer.Table) *Policy {
	return &Policy{table: table}
}

// Eligible reports whether id may be selected as a relay hop: known to
// the table and not banned. Whether a session is bound is not checked.
func (p *Policy) Eligible(id peer.ID) bool {
	if p.table.IsBanned(id) {
		return false
	}
	_, ok := p.table.Identity(id)
	return ok
}

// EligiblePool returns every active, non-banned peer ID, the candidate
// set path selection samples from.
func (p *Policy) EligiblePool() []peer.ID {
	return p.table.Active()
}

// RecordRelaySuccess rewards id for successfully forwarding a packet.
func (p *Policy) RecordRelaySuccess(id peer.ID) {
	p.table.RecordSuccess(id, RelaySuccessDelta)
}

// RecordRelayFailure penalizes id for a relay that errored out (e.g. a
// malformed layer it should not have produced, or connection refusal).
func (p *Policy) RecordRelayFailure(id peer.ID) {
	p.table.RecordFailure(id, -RelayFailureDelta)
}

// RecordRelayTimeout penalizes id for failing to forward within the
// expected window, distinct from (and milder than) an explicit failure
// since timeouts are also caused by transient network conditions.
func (p *Policy) RecordRelayTimeout(id peer.ID) {
	p.table.RecordFailure(id, -RelayTimeoutDelta)
}
