package consensus

import (
	"math/rand"

	"github.com/qudag/node/vertex"
)

// SampleIndices draws size distinct indices in [0, count) without
// replacement, grounded on the teacher's utils/sampler.Uniform. Exported
// for node.peerSamplerAdapter, which drives the actual peer-set sampling
// this engine consumes through the PeerSampler interface.
func SampleIndices(rng *rand.Rand, count, size int) []int {
	if size > count {
		size = count
	}
	indices := make([]int, size)
	selected := make(map[int]struct{}, size)
	for i := 0; i < size; i++ {
		for {
			idx := rng.Intn(count)
			if _, dup := selected[idx]; !dup {
				indices[i] = idx
				selected[idx] = struct{}{}
				break
			}
		}
	}
	return indices
}

// PeerSampler draws k distinct peer IDs uniformly from the currently
// active peer set (spec.md §4.3 step 1). The node orchestrator supplies
// the live peer view; the engine never reaches into the peer table
// directly.
type PeerSampler interface {
	SamplePeers(k int) []PeerID
}

// PeerID identifies a peer for query routing; the concrete identity (ML-
// DSA fingerprint) lives in the peer package, kept opaque here so the
// consensus engine has no import-time dependency on transport or crypto.
type PeerID = vertex.Fingerprint
