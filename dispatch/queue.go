// Package dispatch implements Message Dispatch (spec.md §4.6): per-peer
// priority outbound queues, gossip fanout, a dedup cache, and a
// retry scheduler, grounded on the teacher's networking/router and
// networking/timeout request-tracking pattern.
package dispatch

import (
	"container/heap"
	"sync"

	"github.com/qudag/node/peer"
)

// Priority orders outbound message classes (spec.md §4.6): consensus
// votes must never queue behind bulk vertex gossip, which must never
// queue behind background discovery or cover traffic.
type Priority int

const (
	PriorityConsensusVote Priority = iota
	PriorityVertexGossip
	PriorityDiscovery
	PriorityCoverTraffic
)

// Outbound is a single queued message bound for one peer.
type Outbound struct {
	Priority Priority
	Peer     peer.ID
	Payload  []byte
	seq      uint64 // FIFO tie-break within a priority band
}

// peerQueue is a binary min-heap ordered by (Priority, seq), giving
// strict priority scheduling with FIFO order inside each band.
type peerQueue struct {
	items []*Outbound
	nextSeq uint64
}

func (q *peerQueue) Len() int { return len(q.items) }
func (q *peerQueue) Less(i, j int) bool {
	if q.items[i].Priority != q.items[j].Priority {
		return q.items[i].Priority < q.items[j].Priority
	}
	return q.items[i].seq < q.items[j].seq
}
func (q *peerQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *peerQueue) Push(x any)    { q.items = append(q.items, x.(*Outbound)) }
func (q *peerQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

// PeerQueues holds one priority queue per destination peer, each with a
// bounded depth so a slow or malicious peer cannot exhaust memory.
type PeerQueues struct {
	maxDepth int

	mu     sync.Mutex
	queues map[peer.ID]*peerQueue
	notify map[peer.ID]chan struct{}
}

// DefaultMaxDepth bounds how many messages may queue for a single peer
// before lower-priority sends start getting dropped.
const DefaultMaxDepth = 4096

// NewPeerQueues constructs an empty set of per-peer queues.
func NewPeerQueues(maxDepth int) *PeerQueues {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &PeerQueues{
		maxDepth: maxDepth,
		queues:   make(map[peer.ID]*peerQueue),
		notify:   make(map[peer.ID]chan struct{}),
	}
}

// Enqueue adds msg to its destination peer's queue. When the queue is
// already at maxDepth, the oldest item of the lowest priority band present
// (which may be msg itself) is dropped to make room; a consensus vote is
// dropped only when every queued item is a consensus vote.
func (p *PeerQueues) Enqueue(msg *Outbound) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[msg.Peer]
	if !ok {
		q = &peerQueue{}
		p.queues[msg.Peer] = q
	}
	msg.seq = q.nextSeq
	q.nextSeq++
	heap.Push(q, msg)

	if q.Len() > p.maxDepth {
		p.dropLowestPriorityLocked(q)
	}

	ch, ok := p.notify[msg.Peer]
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return true
}

// dropLowestPriorityLocked evicts the single worst-priority, oldest item
// from q. Caller holds p.mu.
func (p *PeerQueues) dropLowestPriorityLocked(q *peerQueue) {
	worstIdx := -1
	for i, it := range q.items {
		if worstIdx == -1 {
			worstIdx = i
			continue
		}
		w := q.items[worstIdx]
		if it.Priority > w.Priority || (it.Priority == w.Priority && it.seq < w.seq) {
			worstIdx = i
		}
	}
	if worstIdx >= 0 {
		heap.Remove(q, worstIdx)
	}
}

// Dequeue pops the highest-priority message queued for peer, if any.
func (p *PeerQueues) Dequeue(id peer.ID) (*Outbound, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[id]
	if !ok || q.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(q).(*Outbound)
	return item, true
}

// NotifyChannel returns a channel that receives a signal whenever a new
// message is enqueued for id, so a per-peer sender goroutine can block
// until there's work instead of polling.
func (p *PeerQueues) NotifyChannel(id peer.ID) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.notify[id]
	if !ok {
		ch = make(chan struct{}, 1)
		p.notify[id] = ch
	}
	return ch
}

// Depth returns how many messages are currently queued for id.
func (p *PeerQueues) Depth(id peer.ID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[id]
	if !ok {
		return 0
	}
	return q.Len()
}

// Drop discards a peer's entire queue, e.g. on disconnect.
func (p *PeerQueues) Drop(id peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.queues, id)
	delete(p.notify, id)
}
