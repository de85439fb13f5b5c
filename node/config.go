package node

import (
	"time"

	log "github.com/luxfi/log"

	"github.com/qudag/node/consensus"
	"github.com/qudag/node/crypto/sig"
	"github.com/qudag/node/peer"
	"github.com/qudag/node/vertex"
)

// DefaultMaxPeers bounds the active connection set (spec.md §4.7/§6).
const DefaultMaxPeers = 50

// DefaultCoverInterval is the mean gap between onion cover-traffic
// packets when cover traffic is enabled (spec.md §4.5).
const DefaultCoverInterval = 2 * time.Second

// DefaultMaintenanceInterval drives the periodic housekeeping loop:
// reaping idle connections, pruning the store, logging stale k-buckets
// (spec.md §4.2/§4.4/§4.5).
const DefaultMaintenanceInterval = 30 * time.Second

// Config assembles everything a Node needs to start, matching the
// Config-struct-of-hooks wiring style the teacher's protocol/nebula
// package uses for its own top-level object.
type Config struct {
	// ListenAddress is the local TCP address to accept inbound
	// connections on ("host:port").
	ListenAddress string

	// BootstrapPeers are dialed at startup to join the network.
	BootstrapPeers []string

	// IdentityPath and IdentityPassphrase locate the node's persisted
	// long-term keypair (spec.md §6). If IdentityPath does not exist, a
	// fresh identity is generated and saved there.
	IdentityPath       string
	IdentityPassphrase []byte

	// StorePath is the pebble database directory for the Vertex Store
	// (spec.md §6). Empty runs the store in-memory only (no Recover on
	// startup, no persistence).
	StorePath string

	// ConflictExtractor is the application-supplied, set-once mapping
	// from a vertex payload to its conflict keys (spec.md §9). A nil
	// extractor means every vertex has an empty conflict set.
	ConflictExtractor consensus.ConflictExtractor

	// Consensus carries the QR-Avalanche parameters; zero-value
	// Config fields fall back to consensus.DefaultConfig().
	Consensus consensus.Config

	// PeerBan tunes the reputation/ban thresholds; zero value falls
	// back to peer's documented defaults.
	PeerBan peer.Config

	// MaxPeers bounds concurrent connections (0 => DefaultMaxPeers).
	MaxPeers int

	// EnableOnion turns on onion-wrapped consensus queries and cover
	// traffic (spec.md §4.5). Disabled by default since it requires a
	// populated relay directory to be useful.
	EnableOnion bool

	// CoverTrafficInterval overrides DefaultCoverInterval when
	// EnableOnion is set (0 => DefaultCoverInterval).
	CoverTrafficInterval time.Duration

	// MaintenanceInterval overrides DefaultMaintenanceInterval (0 =>
	// default).
	MaintenanceInterval time.Duration

	// Genesis optionally supplies a pre-built, already-signed zero-parent
	// vertex shared by every node in the network (spec.md §3's single
	// configured genesis exception). If nil, Start synthesizes and signs
	// a local genesis vertex from this node's own identity — correct for
	// single-node operation and tests, but every node in a multi-node
	// deployment must be given the same Genesis value to share a DAG root.
	Genesis *vertex.Vertex

	// GenesisAuthorKey resolves Genesis.Author's signing public key when
	// it is not this node's own identity. Ignored when Genesis is nil.
	GenesisAuthorKey *sig.PublicKey

	// GenesisPayload seeds the synthesized local genesis vertex's payload
	// when Genesis is nil. Ignored otherwise.
	GenesisPayload []byte

	// MaxVertices and PruneDepth tune the Vertex Store (0 => its own
	// documented defaults).
	MaxVertices int
	PruneDepth  uint32

	// Log receives structured diagnostic output; nil disables logging.
	Log log.Logger
}

func (c *Config) setDefaults() {
	if c.MaxPeers == 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.CoverTrafficInterval == 0 {
		c.CoverTrafficInterval = DefaultCoverInterval
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.Consensus == (consensus.Config{}) {
		c.Consensus = consensus.DefaultConfig()
	}
}
