package node

import (
	"errors"
	"net"
	"time"

	"github.com/qudag/node/crypto/kem"
	"github.com/qudag/node/dispatch"
	"github.com/qudag/node/overlay/onion"
	"github.com/qudag/node/peer"
	"github.com/qudag/node/store"
	"github.com/qudag/node/transport"
	"github.com/qudag/node/vertex"
)

// acceptLoop accepts inbound connections until the node's context is
// cancelled or the listener is closed.
func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		nc, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				if n.log != nil {
					n.log.Warn("node: accept failed", "err", err)
				}
				return
			}
		}
		n.wg.Add(1)
		go n.handleInbound(nc)
	}
}

// dialBootstrap dials every configured bootstrap peer once at startup.
func (n *Node) dialBootstrap() {
	for _, addr := range n.cfg.BootstrapPeers {
		n.wg.Add(1)
		go n.dialAndHandle(addr)
	}
}

func (n *Node) dialAndHandle(addr string) {
	defer n.wg.Done()
	nc, err := net.DialTimeout("tcp", addr, transport.HandshakeTimeout)
	if err != nil {
		if n.log != nil {
			n.log.Warn("node: dial bootstrap peer failed", "addr", addr, "err", err)
		}
		return
	}
	n.completeHandshake(nc, true, addr)
}

func (n *Node) handleInbound(nc net.Conn) {
	defer n.wg.Done()
	n.completeHandshake(nc, false, nc.RemoteAddr().String())
}

// completeHandshake runs the post-quantum handshake, admits the
// resulting connection into the pool (applying the simultaneous-dial
// tie-break), and starts its read/write loops (spec.md §4.4).
func (n *Node) completeHandshake(nc net.Conn, initiator bool, address string) {
	_ = nc.SetDeadline(time.Now().Add(transport.HandshakeTimeout))

	var result *transport.HandshakeResult
	var err error
	if initiator {
		result, err = transport.RunInitiator(nc, n.identity.SignPub, n.identity.SignPriv)
	} else {
		result, err = transport.RunResponder(nc, n.identity.SignPub, n.identity.SignPriv)
	}
	if err != nil {
		if n.log != nil {
			n.log.Warn("node: handshake failed", "addr", address, "initiator", initiator, "err", err)
		}
		nc.Close()
		return
	}
	_ = nc.SetDeadline(time.Time{})

	sessionID, session, err := n.arena.New(result.RemoteID, result.SendKey, result.RecvKey, 1)
	if err != nil {
		nc.Close()
		return
	}

	conn := transport.NewConn(nc, result.RemoteID, session, initiator)
	if !n.pool.Offer(conn) {
		n.arena.Delete(sessionID)
		nc.Close()
		return
	}

	n.peerTable.Upsert(peer.Identity{ID: result.RemoteID, SignPub: result.RemoteSignPub, Address: address})
	n.peerTable.BindSession(result.RemoteID, sessionID)
	n.peerTable.RecordSuccess(result.RemoteID, 0)
	n.windows.open(result.RemoteID)

	n.wg.Add(2)
	go n.writeLoop(conn)
	go n.readLoop(conn, sessionID)

	n.sendTipRequest(conn)
}

// writeLoop drains the dispatcher's outbound priority queue for conn's
// peer, writing each frame in turn (spec.md §4.6/§5's per-peer FIFO
// ordering guarantee).
func (n *Node) writeLoop(conn *transport.Conn) {
	defer n.wg.Done()
	notify := n.dispatcher.Queues().NotifyChannel(conn.PeerID)
	for {
		for {
			out, ok := n.dispatcher.Queues().Dequeue(conn.PeerID)
			if !ok {
				break
			}
			if out.Priority == dispatch.PriorityVertexGossip && !n.windows.consume(conn.PeerID, uint32(len(out.Payload))) {
				// No send credit left: put it back and wait for the
				// peer's next WindowUpdate (or the idle-timeout poll
				// below) instead of spinning.
				n.dispatcher.Queues().Enqueue(out)
				break
			}
			if err := conn.WriteFrame(out.Payload); err != nil {
				n.teardown(conn)
				return
			}
		}
		select {
		case <-n.ctx.Done():
			return
		case <-notify:
		case <-time.After(n.cfg.MaintenanceInterval):
			if conn.IdleTooLong() {
				return
			}
		}
	}
}

// readLoop decodes and dispatches every inbound frame on conn until it
// closes or a fatal decrypt/protocol error occurs.
func (n *Node) readLoop(conn *transport.Conn, sessionID peer.SessionID) {
	defer n.wg.Done()
	defer n.teardownSession(conn, sessionID)

	for {
		payload, err := conn.ReadFrame()
		if err != nil {
			if n.log != nil && !errors.Is(err, transport.ErrPeerDisconnected) {
				n.log.Debug("node: connection closed", "peer", conn.PeerID.String(), "err", err)
			}
			return
		}
		env, err := dispatch.DecodeEnvelope(payload)
		if err != nil {
			n.peerTable.RecordFailure(conn.PeerID, 10)
			continue
		}
		n.handleEnvelope(conn, env)
	}
}

func (n *Node) handleEnvelope(conn *transport.Conn, env dispatch.Envelope) {
	switch env.Tag {
	case dispatch.TagVertexGossip:
		n.dispatcher.HandleInboundVertex(env.Body, n.admitInbound)
		if increment, due := n.windows.recordReceived(conn.PeerID, uint32(len(env.Body))); due {
			grant := dispatch.Envelope{Tag: dispatch.TagWindowUpdate, Body: dispatch.WindowUpdate{Increment: increment}.Encode()}
			_ = conn.WriteFrame(grant.Encode())
		}
	case dispatch.TagConsensusQuery:
		n.dispatcher.HandleInboundQuery(conn.PeerID, env.Body, n.engineProxy.localPreference)
		n.metrics.queriesAnswered.Inc()
	case dispatch.TagConsensusReply:
		n.dispatcher.HandleInboundReply(conn.PeerID, env.Body, n.peerTable.Resolve)
	case dispatch.TagPeerDiscovery:
		n.handleDiscovery(conn, env.Body)
	case dispatch.TagOnionWrapped:
		n.handleOnion(conn, env.Body)
	case dispatch.TagWindowUpdate:
		n.handleWindowUpdate(conn.PeerID, env.Body)
	case dispatch.TagRekeyInit:
		n.handleRekeyInit(conn, env.Body)
	case dispatch.TagRekeyAck:
		n.handleRekeyAck(conn, env.Body)
	case dispatch.TagGoodbye:
		n.teardown(conn)
	default:
		n.peerTable.RecordFailure(conn.PeerID, 5)
	}
}

// admitInbound runs a gossiped vertex through the Vertex Store's
// admission protocol, used as Message Dispatch's admit callback.
func (n *Node) admitInbound(v *vertex.Vertex) bool {
	res := n.store.Insert(v)
	return res.Outcome == store.Accepted
}

func (n *Node) handleWindowUpdate(id peer.ID, body []byte) {
	w, err := dispatch.DecodeWindowUpdate(body)
	if err != nil {
		n.peerTable.RecordFailure(id, 5)
		return
	}
	n.windows.credit(id, w.Increment)
}

// sendTipRequest asks a newly connected peer for its current tip set,
// the catch-up step of spec.md §4.7's sync protocol.
func (n *Node) sendTipRequest(conn *transport.Conn) {
	env := dispatch.Envelope{Tag: dispatch.TagPeerDiscovery, Body: dispatch.TipRequest{}.Encode()}
	_ = conn.WriteFrame(env.Encode())
}

// handleDiscovery answers a peer's tip request with our own tips, or,
// on receiving a tip reply, requests any tips we don't yet have
// (spec.md §4.7).
func (n *Node) handleDiscovery(conn *transport.Conn, body []byte) {
	isRequest, tips, err := dispatch.DecodeDiscovery(body)
	if err != nil {
		n.peerTable.RecordFailure(conn.PeerID, 5)
		return
	}
	if isRequest {
		reply := dispatch.Envelope{Tag: dispatch.TagPeerDiscovery, Body: dispatch.TipReply{Tips: n.store.Tips()}.Encode()}
		_ = conn.WriteFrame(reply.Encode())
		return
	}

	var missing []vertex.Hash
	for _, h := range tips {
		if !n.store.Has(h) {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		n.dispatcher.RequestVertices(missing)
	}
}

func (n *Node) handleRekeyInit(conn *transport.Conn, body []byte) {
	req, err := dispatch.DecodeRekeyInit(body)
	if err != nil {
		n.peerTable.RecordFailure(conn.PeerID, 10)
		return
	}
	ct, sharedSecret, err := kem.Encapsulate(req.KEMEph)
	if err != nil {
		return
	}
	epoch := conn.Session.Epoch + 1
	sendKey, recvKey := directionalRekeyedKeys(sharedSecret, epoch, conn.Initiator)
	if err := conn.Session.Rekey(sendKey, recvKey, epoch); err != nil {
		n.teardown(conn)
		return
	}
	ack := dispatch.Envelope{Tag: dispatch.TagRekeyAck, Body: dispatch.RekeyAck{Ciphertext: ct}.Encode()}
	_ = conn.WriteFrame(ack.Encode())
}

func (n *Node) handleRekeyAck(conn *transport.Conn, body []byte) {
	ack, err := dispatch.DecodeRekeyAck(body)
	if err != nil {
		n.peerTable.RecordFailure(conn.PeerID, 10)
		return
	}
	pending, ok := n.rekeys.take(conn.PeerID)
	if !ok {
		return
	}
	defer pending.ephPriv.Zero()
	sharedSecret, err := kem.Decapsulate(pending.ephPriv, ack.Ciphertext)
	if err != nil {
		n.teardown(conn)
		return
	}
	sendKey, recvKey := directionalRekeyedKeys(sharedSecret, pending.epoch, conn.Initiator)
	if err := conn.Session.Rekey(sendKey, recvKey, pending.epoch); err != nil {
		n.teardown(conn)
	}
}

// directionalRekeyedKeys picks which half of transport.DeriveRekeyedKeys'
// result is this side's send key, mirroring handshake.go's directional
// convention: the initiator sends on the initiator-to-responder half.
func directionalRekeyedKeys(sharedSecret []byte, epoch uint32, isInitiator bool) (sendKey, recvKey [32]byte) {
	i2r, r2i := transport.DeriveRekeyedKeys(sharedSecret, epoch)
	if isInitiator {
		return i2r, r2i
	}
	return r2i, i2r
}

// maybeRekey starts a new rekey handshake on conn if due. Only the
// handshake initiator ever starts one, so both ends never race to
// rekey the same session simultaneously.
func (n *Node) maybeRekey(conn *transport.Conn) {
	if !conn.Initiator || !conn.RekeyDue() {
		return
	}
	ephPub, ephPriv, err := kem.GenerateKeyPair()
	if err != nil {
		return
	}
	n.rekeys.start(conn.PeerID, &pendingRekey{ephPriv: ephPriv, epoch: conn.Session.Epoch + 1})
	env := dispatch.Envelope{Tag: dispatch.TagRekeyInit, Body: dispatch.RekeyInit{KEMEph: ephPub}.Encode()}
	_ = conn.WriteFrame(env.Encode())
}

// handleOnion peels one layer of an onion packet: if this node is an
// intermediate hop, the remainder is forwarded to the next hop's
// address; if this node is the final hop, the remainder is itself a
// plaintext envelope addressed to the local node (spec.md §4.5).
func (n *Node) handleOnion(conn *transport.Conn, body []byte) {
	nextAddr, remainder, err := onion.PeelLayer(n.identity.KEMPriv, body)
	if err != nil {
		return // malformed/unauthentic layer: drop silently, no error signal
	}
	if nextAddr == "" {
		inner, err := dispatch.DecodeEnvelope(remainder)
		if err != nil {
			return
		}
		n.handleEnvelope(conn, inner)
		return
	}
	if id, ok := n.peerByAddress(nextAddr); ok {
		if c, ok := n.pool.Get(id); ok {
			wrapped := dispatch.Envelope{Tag: dispatch.TagOnionWrapped, Body: remainder}
			_ = c.WriteFrame(wrapped.Encode())
		}
	}
}

// teardown closes conn, drops its pool entry, and discards its
// outbound queue.
func (n *Node) teardown(conn *transport.Conn) {
	n.pool.Remove(conn.PeerID, conn)
	n.dispatcher.Queues().Drop(conn.PeerID)
	conn.Close()
}

func (n *Node) teardownSession(conn *transport.Conn, sessionID peer.SessionID) {
	n.teardown(conn)
	n.peerTable.UnbindSession(conn.PeerID)
	n.arena.Delete(sessionID)
}
