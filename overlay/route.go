// Package overlay wires the routing table, reputation policy, and onion
// packet construction into path selection and cover traffic for the
// anonymous delivery layer (spec.md §4.5).
package overlay

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/qudag/node/crypto/kem"
	"github.com/qudag/node/overlay/kbucket"
	"github.com/qudag/node/overlay/onion"
	"github.com/qudag/node/overlay/reputation"
	"github.com/qudag/node/peer"
)

// Errors returned by path selection.
var (
	ErrNoPath         = errors.New("overlay: no path of the required length available")
	ErrHopUnreachable = errors.New("overlay: hop unreachable")
	ErrPeerBanned     = errors.New("overlay: peer is banned")
)

// RelayInfo is everything path selection needs about a candidate hop:
// its routing address and its onion encapsulation key. The node
// orchestrator keeps this populated from the peer table / identity
// material.
type RelayInfo struct {
	ID      peer.ID
	Address string
	KEMPub  kem.PublicKey
}

// RelayDirectory resolves peer IDs to the data path selection needs.
type RelayDirectory interface {
	Relay(id peer.ID) (RelayInfo, bool)
}

// Router selects onion paths and builds packets, consulting the
// routing table for candidate hops and the reputation policy to
// exclude untrustworthy ones.
type Router struct {
	table      *kbucket.Table
	reputation *reputation.Policy
	directory  RelayDirectory

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRouter constructs a Router over table, using policy to filter
// candidates and directory to resolve them to dialable relay info.
func NewRouter(table *kbucket.Table, policy *reputation.Policy, directory RelayDirectory) *Router {
	return &Router{
		table:      table,
		reputation: policy,
		directory:  directory,
		rng:        rand.New(rand.NewSource(1)),
	}
}

// hopCount draws a uniformly random path length in [onion.MinHops,
// onion.MaxHops] (spec.md §4.5).
func (r *Router) hopCount() int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	span := onion.MaxHops - onion.MinHops + 1
	return onion.MinHops + r.rng.Intn(span)
}

// SelectPath chooses a random onion path of length in [MinHops, MaxHops]
// from currently eligible, non-banned relays, uniformly sampled from the
// reputation policy's eligible pool, and resolved via the directory.
func (r *Router) SelectPath() ([]onion.Hop, error) {
	pool := r.reputation.EligiblePool()
	n := r.hopCount()
	if len(pool) < n {
		return nil, ErrNoPath
	}

	r.rngMu.Lock()
	perm := r.rng.Perm(len(pool))
	r.rngMu.Unlock()

	path := make([]onion.Hop, 0, n)
	for _, idx := range perm {
		if len(path) == n {
			break
		}
		id := pool[idx]
		info, ok := r.directory.Relay(id)
		if !ok {
			continue
		}
		path = append(path, onion.Hop{KEMPub: info.KEMPub, Address: info.Address})
	}
	if len(path) < n {
		return nil, ErrNoPath
	}
	return path, nil
}

// SendViaPath selects a fresh random path and builds the onion packet
// that must be handed to path[0]'s address for delivery.
func (r *Router) SendViaPath(payload []byte) ([]byte, []onion.Hop, error) {
	path, err := r.SelectPath()
	if err != nil {
		return nil, nil, err
	}
	packet, err := onion.BuildPacket(path, payload)
	if err != nil {
		return nil, nil, err
	}
	return packet, path, nil
}

// SendTo builds an onion packet whose final hop is dest: L-1 random
// intermediate relays (L per hopCount, [MinHops, MaxHops]) followed by
// dest itself, so only dest's directory entry need be resolved by the
// caller and every intermediate is anonymizing cover (spec.md §4.5). The
// returned pathIDs parallel path one-for-one so the caller can hand the
// packet to path[0] via the peer ID it already has a session with,
// without needing to resolve path[0].Address back to an ID itself.
func (r *Router) SendTo(dest peer.ID, payload []byte) (packet []byte, path []onion.Hop, pathIDs []peer.ID, err error) {
	destInfo, ok := r.directory.Relay(dest)
	if !ok {
		return nil, nil, nil, ErrNoPath
	}

	n := r.hopCount()
	relayCount := n - 1

	pool := r.reputation.EligiblePool()
	r.rngMu.Lock()
	perm := r.rng.Perm(len(pool))
	r.rngMu.Unlock()

	path = make([]onion.Hop, 0, n)
	pathIDs = make([]peer.ID, 0, n)
	for _, idx := range perm {
		if len(path) == relayCount {
			break
		}
		id := pool[idx]
		if id == dest {
			continue
		}
		info, ok := r.directory.Relay(id)
		if !ok {
			continue
		}
		path = append(path, onion.Hop{KEMPub: info.KEMPub, Address: info.Address})
		pathIDs = append(pathIDs, id)
	}
	if len(path) < relayCount {
		return nil, nil, nil, ErrNoPath
	}
	path = append(path, onion.Hop{KEMPub: destInfo.KEMPub, Address: destInfo.Address})
	pathIDs = append(pathIDs, dest)

	packet, err = onion.BuildPacket(path, payload)
	if err != nil {
		return nil, nil, nil, err
	}
	return packet, path, pathIDs, nil
}

// CoverTrafficGenerator emits dummy onion packets at Poisson-distributed
// intervals so real traffic cannot be distinguished from idle padding
// by inter-arrival timing alone (spec.md §4.5).
type CoverTrafficGenerator struct {
	router   *Router
	meanRate time.Duration // mean interval between cover packets
	rngMu    sync.Mutex
	rng      *rand.Rand

	stop chan struct{}
	done chan struct{}
}

// NewCoverTrafficGenerator constructs a generator emitting dummy
// packets at a Poisson process with the given mean interval.
func NewCoverTrafficGenerator(router *Router, meanInterval time.Duration) *CoverTrafficGenerator {
	return &CoverTrafficGenerator{
		router:   router,
		meanRate: meanInterval,
		rng:      rand.New(rand.NewSource(2)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// nextInterval draws the next inter-packet gap from an exponential
// distribution with mean meanRate, the standard construction for
// Poisson-process arrival times.
func (g *CoverTrafficGenerator) nextInterval() time.Duration {
	g.rngMu.Lock()
	u := g.rng.Float64()
	g.rngMu.Unlock()
	if u <= 0 {
		u = 1e-9
	}
	return time.Duration(-math.Log(u) * float64(g.meanRate))
}

// Run emits cover packets via emit until Stop is called. emit receives
// the dummy packet bytes and the path it was wrapped for; the caller is
// responsible for actually writing it to path[0].
func (g *CoverTrafficGenerator) Run(emit func(packet []byte, path []onion.Hop)) {
	defer close(g.done)
	for {
		select {
		case <-g.stop:
			return
		case <-time.After(g.nextInterval()):
			dummy := make([]byte, 256)
			packet, path, err := g.router.SendViaPath(dummy)
			if err != nil {
				continue
			}
			emit(packet, path)
		}
	}
}

// Stop halts the generator and waits for Run to return.
func (g *CoverTrafficGenerator) Stop() {
	close(g.stop)
	<-g.done
}
