package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/qudag/node/vertex"
)

// Key-prefix layout for the on-disk store (spec.md §6):
//
//	v/<hash>        vertex wire encoding (vertex.Encode)
//	t/<hash>        tip marker, empty value
//	i/<fingerprint> identity -> last-seen signing public key, cache only
//	b/snapshot      serialized pruning bloom filter
var (
	prefixVertex   = byte('v')
	prefixTip      = byte('t')
	prefixIdentity = byte('i')
	prefixBloom    = byte('b')
)

// Persistent wraps a pebble KV store as the Vertex Store's durable
// backing, grounded on the teacher's go.mod choice of cockroachdb/pebble
// as its embedded storage engine. Every admitted vertex is written in a
// single atomic batch with its tip-set delta, so a crash mid-write leaves
// either the old or the new state, never a torn mix (spec.md §7).
type Persistent struct {
	db *pebble.DB
}

// OpenPersistent opens (or creates) a pebble database at dir.
func OpenPersistent(dir string) (*Persistent, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open pebble db: %w", err)
	}
	return &Persistent{db: db}, nil
}

// Close flushes and closes the underlying database.
func (p *Persistent) Close() error {
	return p.db.Close()
}

func vertexKey(h vertex.Hash) []byte {
	k := make([]byte, 1+len(h))
	k[0] = prefixVertex
	copy(k[1:], h[:])
	return k
}

func tipKey(h vertex.Hash) []byte {
	k := make([]byte, 1+len(h))
	k[0] = prefixTip
	copy(k[1:], h[:])
	return k
}

func identityKey(fp vertex.Fingerprint) []byte {
	k := make([]byte, 1+len(fp))
	k[0] = prefixIdentity
	copy(k[1:], fp[:])
	return k
}

var bloomSnapshotKey = []byte{prefixBloom}

// PutVertex atomically persists v and updates the tip index: v becomes a
// tip, and each of its parents stops being one.
func (p *Persistent) PutVertex(v *vertex.Vertex) error {
	b := p.db.NewBatch()
	defer b.Close()

	if err := b.Set(vertexKey(v.Hash), v.Encode(), nil); err != nil {
		return err
	}
	if err := b.Set(tipKey(v.Hash), nil, nil); err != nil {
		return err
	}
	for _, parent := range v.Parents {
		if err := b.Delete(tipKey(parent), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// GetVertex loads a vertex by hash, returning (nil, false) if absent.
func (p *Persistent) GetVertex(h vertex.Hash) (*vertex.Vertex, bool, error) {
	val, closer, err := p.db.Get(vertexKey(h))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	cp := make([]byte, len(val))
	copy(cp, val)
	v, err := vertex.Decode(cp)
	if err != nil {
		return nil, false, fmt.Errorf("store: decode persisted vertex %s: %w", h, err)
	}
	return v, true, nil
}

// LoadTips returns every hash currently marked as a tip on disk.
func (p *Persistent) LoadTips() ([]vertex.Hash, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixTip},
		UpperBound: []byte{prefixTip + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []vertex.Hash
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 1+32 {
			continue
		}
		var h vertex.Hash
		copy(h[:], key[1:])
		out = append(out, h)
	}
	return out, iter.Error()
}

// LoadAll replays every persisted vertex in insertion-safe (ancestors
// reachable from a vertex always appear in the iteration before it is
// needed) is NOT guaranteed by key order alone; callers rebuild the
// in-memory DAG by repeatedly scanning until no progress is made, or by
// following the natural case where parents were persisted before
// children (true for every vertex admitted through Store.Insert).
func (p *Persistent) LoadAll() ([]*vertex.Vertex, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixVertex},
		UpperBound: []byte{prefixVertex + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*vertex.Vertex
	for iter.First(); iter.Valid(); iter.Next() {
		val := iter.Value()
		cp := make([]byte, len(val))
		copy(cp, val)
		v, err := vertex.Decode(cp)
		if err != nil {
			return nil, fmt.Errorf("store: decode persisted vertex: %w", err)
		}
		out = append(out, v)
	}
	return out, iter.Error()
}

// PutIdentity caches a peer's last-known signing public key bytes.
func (p *Persistent) PutIdentity(fp vertex.Fingerprint, signPubBytes []byte) error {
	return p.db.Set(identityKey(fp), signPubBytes, pebble.Sync)
}

// GetIdentity returns the cached signing public key bytes for fp.
func (p *Persistent) GetIdentity(fp vertex.Fingerprint) ([]byte, bool, error) {
	val, closer, err := p.db.Get(identityKey(fp))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, true, nil
}

// SaveBloomSnapshot persists the pruning bloom filter's state, keyed by a
// version byte so future filter-parameter changes can be detected.
func (p *Persistent) SaveBloomSnapshot(version uint32, raw []byte) error {
	buf := make([]byte, 4+len(raw))
	binary.BigEndian.PutUint32(buf[:4], version)
	copy(buf[4:], raw)
	return p.db.Set(bloomSnapshotKey, buf, pebble.Sync)
}

// LoadBloomSnapshot returns a previously saved bloom filter snapshot, if
// any.
func (p *Persistent) LoadBloomSnapshot() (version uint32, raw []byte, ok bool, err error) {
	val, closer, err := p.db.Get(bloomSnapshotKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	defer closer.Close()
	if len(val) < 4 {
		return 0, nil, false, nil
	}
	version = binary.BigEndian.Uint32(val[:4])
	raw = make([]byte, len(val)-4)
	copy(raw, val[4:])
	return version, raw, true, nil
}
