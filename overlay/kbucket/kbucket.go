// Package kbucket implements the overlay's peer discovery table: a
// Kademlia-style XOR-distance routing table over the 256-bit BLAKE3
// keyspace peer IDs live in, adapted from the teacher's in-memory
// Kademlia reference (bucket-per-distance-class, nearest-N lookup) to a
// fixed 256-bucket table instead of unbounded per-key storage. The table
// reports stale buckets (StaleBuckets) but issues no refresh lookups.
package kbucket

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/qudag/node/vertex"
)

// ID is a node's identity in the overlay keyspace: its long-term
// fingerprint.
type ID = vertex.Fingerprint

// NumBuckets is the keyspace width: one bucket per bit of the 256-bit ID.
const NumBuckets = 256

// BucketSize is k, the maximum live entries per bucket.
const BucketSize = 20

// RefreshInterval is how long a non-empty bucket may go untouched before
// StaleBuckets reports it.
const RefreshInterval = time.Hour

// Contact is a routing-table entry: a peer's ID and last-seen address.
type Contact struct {
	ID        ID
	Address   string
	LastSeen  time.Time
}

type bucket struct {
	mu       sync.Mutex
	contacts []Contact
	touched  time.Time
}

// Table is the node's routing table, centered on Self.
type Table struct {
	self    ID
	buckets [NumBuckets]*bucket
}

// New constructs an empty table centered on self.
func New(self ID) *Table {
	t := &Table{self: self}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

// Self returns the table's own node ID.
func (t *Table) Self() ID {
	return t.self
}

func distance(a, b ID) ID {
	var d ID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// bucketIndex returns which of the 256 buckets id belongs in, based on
// the position of the highest set bit in distance(self, id). An id
// identical to self has no valid bucket; callers must guard against that.
func bucketIndex(self, id ID) int {
	d := distance(self, id)
	for i := 0; i < len(d); i++ {
		if d[i] == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if d[i]&(1<<uint(bit)) != 0 {
				return (len(d)-1-i)*8 + bit
			}
		}
	}
	return -1
}

// Upsert records a sighting of a peer. A peer already in its bucket is
// moved to the back (the most-recently-seen end); a new peer is appended
// if the bucket has room. If the peer is new and the bucket is already at
// BucketSize, the bucket is left unchanged and Upsert returns false; no
// entry is evicted.
func (t *Table) Upsert(c Contact) bool {
	idx := bucketIndex(t.self, c.ID)
	if idx < 0 {
		return true // self
	}
	b := t.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touched = time.Now()

	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return true
		}
	}
	if len(b.contacts) >= BucketSize {
		return false
	}
	b.contacts = append(b.contacts, c)
	return true
}

// Remove drops id from its bucket, e.g. after it is found unreachable.
func (t *Table) Remove(id ID) {
	idx := bucketIndex(t.self, id)
	if idx < 0 {
		return
	}
	b := t.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.contacts {
		if existing.ID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return
		}
	}
}

// Nearest returns up to count contacts ordered by ascending XOR distance
// to target, searching outward from target's own bucket (widening the
// bucket-index radius in both directions, then sorting the collected
// candidates by exact distance).
func (t *Table) Nearest(target ID, count int) []Contact {
	idx := bucketIndex(t.self, target)
	if idx < 0 {
		idx = 0
	}

	candidates := make([]Contact, 0, count*2)
	for radius := 0; radius < NumBuckets && len(candidates) < count*4; radius++ {
		for _, i := range []int{idx + radius, idx - radius} {
			if i < 0 || i >= NumBuckets || (radius == 0 && i != idx) {
				continue
			}
			b := t.buckets[i]
			b.mu.Lock()
			candidates = append(candidates, b.contacts...)
			b.mu.Unlock()
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := new(big.Int).SetBytes(distance(target, candidates[i].ID)[:])
		dj := new(big.Int).SetBytes(distance(target, candidates[j].ID)[:])
		return di.Cmp(dj) < 0
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// StaleBuckets returns the index of every non-empty bucket not touched
// within RefreshInterval. The node's maintenance loop logs their count.
func (t *Table) StaleBuckets(now time.Time) []int {
	var stale []int
	for i, b := range t.buckets {
		b.mu.Lock()
		empty := len(b.contacts) == 0
		last := b.touched
		b.mu.Unlock()
		if empty {
			continue
		}
		if now.Sub(last) >= RefreshInterval {
			stale = append(stale, i)
		}
	}
	return stale
}

// Len returns the total number of contacts across all buckets.
func (t *Table) Len() int {
	n := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		n += len(b.contacts)
		b.mu.Unlock()
	}
	return n
}
