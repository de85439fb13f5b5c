package transport

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/qudag/node/peer"
)

// IdleTimeout is the default from spec.md §6/§4.4: a connection with no
// frame activity in either direction for this long is closed.
const IdleTimeout = 5 * time.Minute

// HandshakeTimeout bounds how long RunInitiator/RunResponder may block
// waiting on the peer (spec.md §4.4).
const HandshakeTimeout = 10 * time.Second

// WriteDeadline bounds a single frame write (spec.md §4.4).
const WriteDeadline = 30 * time.Second

// Conn is one logical, post-handshake connection to a peer.
type Conn struct {
	PeerID      peer.ID
	Session     *peer.Session
	Initiator   bool // whether the local node was the handshake initiator

	netConn net.Conn
	writeMu sync.Mutex
}

// NewConn wraps an established net.Conn and its negotiated session.
func NewConn(nc net.Conn, peerID peer.ID, session *peer.Session, initiator bool) *Conn {
	return &Conn{PeerID: peerID, Session: session, Initiator: initiator, netConn: nc}
}

// WriteFrame seals and sends plaintext, serialized against concurrent
// writers on the same connection and bounded by WriteDeadline.
func (c *Conn) WriteFrame(plaintext []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.netConn.SetWriteDeadline(time.Now().Add(WriteDeadline)); err != nil {
		return err
	}
	return WriteFrame(c.netConn, c.Session, plaintext)
}

// ReadFrame reads and opens the next frame. Reads are not serialized:
// callers must run at most one reader goroutine per connection.
func (c *Conn) ReadFrame() ([]byte, error) {
	return ReadFrame(c.netConn, c.Session)
}

// IdleTooLong reports whether the connection has exceeded IdleTimeout
// since its last frame in either direction.
func (c *Conn) IdleTooLong() bool {
	return c.Session.IdleFor() > IdleTimeout
}

// RekeyDue reports whether the connection's session has crossed the
// frame-count or wall-clock rekey threshold (spec.md §4.4 rekey policy).
func (c *Conn) RekeyDue() bool {
	return c.Session.RekeyDue()
}

// Close tears down the underlying socket.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// RemoteAddr returns the underlying socket's remote address, used to
// match an onion packet's next-hop address against a pooled connection.
func (c *Conn) RemoteAddr() string {
	return c.netConn.RemoteAddr().String()
}

// idLess gives a total order over peer IDs so simultaneous-dial
// collisions resolve identically on both ends.
func idLess(a, b peer.ID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Pool holds at most one logical connection per peer ID. Per spec.md
// §4.4: when both sides dial each other at once, the connection whose
// initiator has the lexicographically smaller peer ID survives and the
// other is closed.
type Pool struct {
	localID peer.ID

	mu    sync.Mutex
	conns map[peer.ID]*Conn
}

// NewPool constructs an empty connection pool for the local node
// identified by localID.
func NewPool(localID peer.ID) *Pool {
	return &Pool{localID: localID, conns: make(map[peer.ID]*Conn)}
}

// Offer registers conn as the pool's connection to conn.PeerID. If a
// connection to that peer already exists, the simultaneous-dial
// tie-break decides which one survives; Offer returns false when the
// newly offered connection loses, and the caller must close it.
func (p *Pool) Offer(conn *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.conns[conn.PeerID]
	if !ok {
		p.conns[conn.PeerID] = conn
		return true
	}
	if existing == conn {
		return true
	}

	newInitiator := p.initiatorOf(conn)
	oldInitiator := p.initiatorOf(existing)
	if idLess(newInitiator, oldInitiator) {
		p.conns[conn.PeerID] = conn
		return true
	}
	return false
}

func (p *Pool) initiatorOf(c *Conn) peer.ID {
	if c.Initiator {
		return p.localID
	}
	return c.PeerID
}

// Get returns the active connection to id, if any.
func (p *Pool) Get(id peer.ID) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	return c, ok
}

// Remove drops the pool's entry for id if it currently points at conn,
// avoiding a race where a newer connection has since replaced it.
func (p *Pool) Remove(id peer.ID, conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.conns[id]; ok && cur == conn {
		delete(p.conns, id)
	}
}

// All returns every currently pooled connection.
func (p *Pool) All() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// Reap closes and removes every connection that has been idle past
// IdleTimeout. Intended to be called periodically from the node's
// maintenance loop.
func (p *Pool) Reap() []peer.ID {
	p.mu.Lock()
	stale := make([]*Conn, 0)
	for id, c := range p.conns {
		if c.IdleTooLong() {
			stale = append(stale, c)
			delete(p.conns, id)
		}
	}
	p.mu.Unlock()

	reaped := make([]peer.ID, 0, len(stale))
	for _, c := range stale {
		c.Close()
		reaped = append(reaped, c.PeerID)
	}
	return reaped
}
