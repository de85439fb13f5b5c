package node

import (
	"sync"

	"github.com/qudag/node/crypto/kem"
	"github.com/qudag/node/peer"
)

// pendingRekey tracks a rekey this node initiated, awaiting the peer's
// RekeyAck (spec.md §3/§4.4: sessions are replaced every 2^32 frames or
// one hour, whichever first).
type pendingRekey struct {
	ephPriv kem.PrivateKey
	epoch   uint32
}

// rekeyTracker holds at most one in-flight initiator-side rekey per
// peer; only the handshake initiator ever starts a rekey; the responder
// only ever answers one, which avoids both ends racing to rekey the
// same session at once.
type rekeyTracker struct {
	mu      sync.Mutex
	pending map[peer.ID]*pendingRekey
}

func newRekeyTracker() *rekeyTracker {
	return &rekeyTracker{pending: make(map[peer.ID]*pendingRekey)}
}

func (t *rekeyTracker) start(id peer.ID, r *pendingRekey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = r
}

func (t *rekeyTracker) take(id peer.ID) (*pendingRekey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return r, ok
}
