package dispatch

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/qudag/node/vertex"
)

// DedupTTL is the documented inbound-dedup retention window (spec.md
// §4.6): a message-id (here, a vertex hash) seen within this window is
// not redelivered to upper layers or re-gossiped.
const DedupTTL = 10 * time.Minute

// Dedup is the inbound deduplication cache (spec.md §4.6), backed by the
// teacher's own indirect ristretto dependency promoted to direct use
// here for its built-in TTL eviction (admission/eviction policy and
// approximate LFU counting come for free, unlike a hand-rolled map).
type Dedup struct {
	cache *ristretto.Cache[string, struct{}]
}

// NewDedup constructs a dedup cache sized for maxItems distinct
// in-flight hashes.
func NewDedup(maxItems int64) (*Dedup, error) {
	if maxItems <= 0 {
		maxItems = 1_000_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Dedup{cache: cache}, nil
}

// Seen reports whether h was already recorded within the TTL window.
func (d *Dedup) Seen(h vertex.Hash) bool {
	_, ok := d.cache.Get(string(h[:]))
	return ok
}

// Mark records h as seen for DedupTTL, returning false if it was already
// present (the caller's signal to skip re-gossip / re-delivery).
func (d *Dedup) Mark(h vertex.Hash) bool {
	if d.Seen(h) {
		return false
	}
	d.cache.SetWithTTL(string(h[:]), struct{}{}, 1, DedupTTL)
	d.cache.Wait()
	return true
}

// Close releases the cache's background goroutines.
func (d *Dedup) Close() {
	d.cache.Close()
}
