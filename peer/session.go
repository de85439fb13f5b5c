package peer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qudag/node/crypto/aead"
)

// defaultRekeyFrames and defaultRekeyInterval are the documented defaults: a rekey is
// triggered after 2^32 frames or one hour, whichever first (spec.md §4.5).
const (
	defaultRekeyFrames   = 1 << 32
	defaultRekeyInterval = time.Hour
)

// ErrSessionNotFound is returned for a stale or unknown SessionID.
var ErrSessionNotFound = errors.New("peer: session not found")

// Session is per-connection state: the shared secret's derived AEAD
// ciphers (one per direction), and activity bookkeeping driving rekey
// and idle-timeout decisions (spec.md §3). Session state is exclusively
// owned by the transport task managing the connection; the peer table
// only ever holds its SessionID (spec.md §9).
type Session struct {
	PeerID ID
	Epoch  uint32

	send *aead.Cipher
	recv *aead.Cipher

	framesSinceRekey uint64
	establishedAt     time.Time
	lastActivity      atomic.Int64 // unix nanos
}

// RekeyDue reports whether this session has crossed the frame-count or
// wall-clock rekey threshold.
func (s *Session) RekeyDue() bool {
	if atomic.LoadUint64(&s.framesSinceRekey) >= defaultRekeyFrames {
		return true
	}
	return time.Since(s.establishedAt) >= defaultRekeyInterval
}

// Touch records activity for idle-timeout tracking.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor reports how long it has been since the last recorded activity.
func (s *Session) IdleFor() time.Duration {
	last := s.lastActivity.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// Arena is the slab of live sessions, indexed by SessionID, implementing
// the cyclic-reference-avoidance pattern from spec.md §9: peers reference
// sessions only by ID, never by pointer.
type Arena struct {
	mu      sync.Mutex
	nextID  SessionID
	sessions map[SessionID]*Session
}

// NewArena constructs an empty session arena.
func NewArena() *Arena {
	return &Arena{sessions: make(map[SessionID]*Session)}
}

// New allocates a fresh session slot and returns its ID.
func (a *Arena) New(peerID ID, sendKey, recvKey [aead.KeySize]byte, epoch uint32) (SessionID, *Session, error) {
	send, err := aead.New(sendKey, epoch)
	if err != nil {
		return 0, nil, err
	}
	recv, err := aead.New(recvKey, epoch)
	if err != nil {
		return 0, nil, err
	}
	s := &Session{
		PeerID:        peerID,
		Epoch:         epoch,
		send:          send,
		recv:          recv,
		establishedAt: time.Now(),
	}
	s.Touch()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.sessions[id] = s
	return id, s, nil
}

// Get looks up a session by ID; a stale ID (already invalidated by
// Delete) returns ErrSessionNotFound rather than a dangling reference.
func (a *Arena) Get(id SessionID) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Delete invalidates a session ID. Any peer table entry still pointing
// at it will get ErrSessionNotFound on its next lookup.
func (a *Arena) Delete(id SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, id)
}

// Seal encrypts a frame payload using the session's send cipher.
func (s *Session) Seal(aad, plaintext []byte) (ciphertext []byte, nonce [aead.NonceSize]byte, err error) {
	ct, n, err := s.send.Seal(aad, plaintext)
	if err != nil {
		return nil, n, err
	}
	atomic.AddUint64(&s.framesSinceRekey, 1)
	s.Touch()
	return ct, n, nil
}

// Open decrypts a frame payload using the session's receive cipher.
func (s *Session) Open(nonce [aead.NonceSize]byte, aad, ciphertext []byte) ([]byte, error) {
	pt, err := s.recv.Open(nonce, aad, ciphertext)
	if err != nil {
		return nil, err
	}
	s.Touch()
	return pt, nil
}

// Rekey replaces both directional ciphers with freshly derived keys under
// a bumped epoch, resetting the rekey clock (spec.md §3/§4.4: sessions are
// replaced on rekey, every 2^32 frames or one hour, whichever first).
func (s *Session) Rekey(sendKey, recvKey [aead.KeySize]byte, epoch uint32) error {
	send, err := aead.New(sendKey, epoch)
	if err != nil {
		return err
	}
	recv, err := aead.New(recvKey, epoch)
	if err != nil {
		return err
	}
	s.send = send
	s.recv = recv
	s.Epoch = epoch
	atomic.StoreUint64(&s.framesSinceRekey, 0)
	s.establishedAt = time.Now()
	return nil
}
