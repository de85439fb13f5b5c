package node

import (
	"sync"

	"github.com/qudag/node/peer"
)

// DefaultWindowSize is the default per-connection send/receive window
// from spec.md §4.4: 64 MiB of outstanding gossip payload may be
// in flight to a peer before Message Dispatch backs off sending it more.
const DefaultWindowSize = 64 << 20

// flowWindow is one peer's outbound send credit and the inbound usage
// accumulated since the last credit grant was sent back to them.
type flowWindow struct {
	sendCredit uint32
	recvUsed   uint32
}

// windowTracker implements spec.md §4.4's per-connection flow control.
// A WindowUpdate from a peer grants this node more credit to send them;
// this node grants credit back once it has consumed half of its own
// receive window. Only bulk vertex-gossip frames consume send credit;
// control traffic (queries, replies, rekey, discovery) is exempt, since
// it is small, latency-sensitive, and already bounded by the consensus
// round timeout and retry budget.
type windowTracker struct {
	size uint32

	mu sync.Mutex
	w  map[peer.ID]*flowWindow
}

func newWindowTracker(size uint32) *windowTracker {
	if size == 0 {
		size = DefaultWindowSize
	}
	return &windowTracker{size: size, w: make(map[peer.ID]*flowWindow)}
}

// locked caller must hold t.mu.
func (t *windowTracker) ensureLocked(id peer.ID) *flowWindow {
	w, ok := t.w[id]
	if !ok {
		w = &flowWindow{sendCredit: t.size}
		t.w[id] = w
	}
	return w
}

// open registers a fresh peer with a full send window, called once a
// connection is admitted into the pool.
func (t *windowTracker) open(id peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w[id] = &flowWindow{sendCredit: t.size}
}

// close discards a peer's window state on teardown.
func (t *windowTracker) close(id peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.w, id)
}

// credit grants n additional bytes of outbound send credit for id, in
// response to an inbound WindowUpdate.
func (t *windowTracker) credit(id peer.ID, n uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLocked(id).sendCredit += n
}

// consume deducts n bytes of send credit for id, returning false (no
// deduction) if fewer than n bytes of credit remain.
func (t *windowTracker) consume(id peer.ID, n uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.ensureLocked(id)
	if w.sendCredit < n {
		return false
	}
	w.sendCredit -= n
	return true
}

// recordReceived accounts for n inbound gossip bytes from id, returning
// an increment to grant back once accumulated usage crosses half of the
// window, so the sender's credit is replenished before it ever fully
// depletes.
func (t *windowTracker) recordReceived(id peer.ID, n uint32) (increment uint32, due bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.ensureLocked(id)
	w.recvUsed += n
	if w.recvUsed >= t.size/2 {
		increment = w.recvUsed
		w.recvUsed = 0
		return increment, true
	}
	return 0, false
}
