package store

import (
	"encoding/binary"
	"hash"

	bloomfilter "github.com/holiman/bloomfilter/v2"

	qhash "github.com/qudag/node/crypto/hash"
	"github.com/qudag/node/vertex"
)

// pruneBloomCapacity and pruneBloomFPR implement the "1% FPR at 10^7
// elements" sizing from spec.md §4.2.
const (
	pruneBloomCapacity = 10_000_000
	pruneBloomFPR      = 0.01
)

// fixed64 adapts an already-computed 64-bit digest to hash.Hash64, which is
// the input type holiman/bloomfilter/v2 expects.
type fixed64 uint64

func (f fixed64) Write(p []byte) (int, error) { return len(p), nil }
func (f fixed64) Sum(b []byte) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(f))
	return append(b, tmp[:]...)
}
func (f fixed64) Reset()         {}
func (f fixed64) Size() int      { return 8 }
func (f fixed64) BlockSize() int { return 8 }
func (f fixed64) Sum64() uint64  { return uint64(f) }

var _ hash.Hash64 = fixed64(0)

func hashOf(h vertex.Hash) fixed64 {
	// Derive two independent 64-bit lanes from the BLAKE3 digest so the
	// bloom filter's internal k-hashing (double hashing) has good spread,
	// rather than reusing the raw content hash verbatim.
	mixed := qhash.Sum(qhash.DomainVertex+":bloom", h[:])
	return fixed64(binary.BigEndian.Uint64(mixed[:8]))
}

// pruneFilter is the negative-cache bloom filter from spec.md §3/§4.2: it
// remembers the hashes of pruned vertices so a malicious re-injection of an
// already-finalized-and-evicted vertex is rejected without needing the
// full vertex body.
type pruneFilter struct {
	f *bloomfilter.Filter
}

func newPruneFilter() *pruneFilter {
	f, err := bloomfilter.NewOptimal(pruneBloomCapacity, pruneBloomFPR)
	if err != nil {
		// Only fails on invalid (capacity, fpr) pairs, which are fixed
		// constants here.
		panic(err)
	}
	return &pruneFilter{f: f}
}

func (p *pruneFilter) Add(h vertex.Hash) {
	p.f.Add(hashOf(h))
}

func (p *pruneFilter) Contains(h vertex.Hash) bool {
	return p.f.Contains(hashOf(h))
}

// bloomSnapshotVersion guards against loading a snapshot built with
// different (capacity, fpr) parameters than the running binary.
const bloomSnapshotVersion = 1

// MarshalBinary serializes the filter for the b/snapshot pebble key.
func (p *pruneFilter) MarshalBinary() ([]byte, error) {
	return p.f.MarshalBinary()
}

// loadPruneFilter restores a filter from a previously saved snapshot.
func loadPruneFilter(raw []byte) (*pruneFilter, error) {
	f, err := bloomfilter.NewOptimal(pruneBloomCapacity, pruneBloomFPR)
	if err != nil {
		return nil, err
	}
	if err := f.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &pruneFilter{f: f}, nil
}
