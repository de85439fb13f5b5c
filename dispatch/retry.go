package dispatch

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry parameters from spec.md §4.6: base 500ms, cap 30s, jitter ±20%,
// at most 5 attempts.
const (
	RetryBase       = 500 * time.Millisecond
	RetryCap        = 30 * time.Second
	RetryJitter     = 0.2
	RetryMaxAttempts = 5
)

// newBackoff constructs the documented exponential-backoff policy,
// grounded on the teacher's own indirect cenkalti/backoff dependency
// (v2, promoted here to v4 and used directly) rather than a hand-rolled
// interval doubler.
func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryBase
	b.MaxInterval = RetryCap
	b.RandomizationFactor = RetryJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // bounded by RetryMaxAttempts instead, not wall-clock
	return backoff.WithMaxRetries(b, RetryMaxAttempts-1)
}

// MessageID is the retry/dedup key carried unchanged across every
// retransmission of the same logical message, so the recipient's own
// dedup cache collapses duplicates (spec.md §4.6 at-most-once
// guarantee).
type MessageID [32]byte

// pendingRetry tracks one outbound message's redelivery schedule.
type pendingRetry struct {
	id       MessageID
	send     func() error
	backoff  backoff.BackOff
	deadline time.Time
	timer    *time.Timer
}

// RetryScheduler redelivers outbound messages on exponential backoff
// until they succeed, hit RetryMaxAttempts, or their deadline passes
// (spec.md §4.6/§5). Failure past the deadline is reported via onDrop
// and is not itself a fatal error: the consensus engine treats a
// dropped query as "no response" for that round (spec.md §4.6
// cancellation policy).
type RetryScheduler struct {
	onDrop func(id MessageID)

	mu      sync.Mutex
	pending map[MessageID]*pendingRetry
}

// NewRetryScheduler constructs a scheduler that calls onDrop for any
// message that is not acknowledged before its deadline expires or its
// retry budget is exhausted, whichever comes first.
func NewRetryScheduler(onDrop func(id MessageID)) *RetryScheduler {
	return &RetryScheduler{
		onDrop:  onDrop,
		pending: make(map[MessageID]*pendingRetry),
	}
}

// Schedule registers a message for retried delivery via send, with the
// given deadline from submission time. send is attempted immediately;
// a non-nil return schedules the next attempt on the backoff's next
// interval, repeating until send succeeds, the retry budget (spec.md
// §4.6: 5 attempts) is exhausted, or deadline passes.
func (s *RetryScheduler) Schedule(id MessageID, deadline time.Time, send func() error) {
	s.mu.Lock()
	if _, exists := s.pending[id]; exists {
		s.mu.Unlock()
		return
	}
	pr := &pendingRetry{id: id, send: send, backoff: newBackoff(), deadline: deadline}
	s.pending[id] = pr
	s.mu.Unlock()

	if err := send(); err == nil {
		s.Cancel(id)
		return
	}

	s.mu.Lock()
	if _, still := s.pending[id]; still {
		s.armLocked(pr)
	}
	s.mu.Unlock()
}

// armLocked schedules the next retry attempt for pr. Caller holds s.mu.
func (s *RetryScheduler) armLocked(pr *pendingRetry) {
	next := pr.backoff.NextBackOff()
	if next == backoff.Stop {
		delete(s.pending, pr.id)
		if s.onDrop != nil {
			go s.onDrop(pr.id)
		}
		return
	}
	pr.timer = time.AfterFunc(next, func() { s.fire(pr) })
}

func (s *RetryScheduler) fire(pr *pendingRetry) {
	s.mu.Lock()
	if _, still := s.pending[pr.id]; !still {
		s.mu.Unlock()
		return
	}
	if time.Now().After(pr.deadline) {
		delete(s.pending, pr.id)
		s.mu.Unlock()
		if s.onDrop != nil {
			s.onDrop(pr.id)
		}
		return
	}
	s.mu.Unlock()

	if err := pr.send(); err != nil {
		s.mu.Lock()
		if _, still := s.pending[pr.id]; still {
			s.armLocked(pr)
		}
		s.mu.Unlock()
		return
	}
	s.Cancel(pr.id)
}

// Cancel stops retrying id, e.g. once the recipient's response arrives.
func (s *RetryScheduler) Cancel(id MessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr, ok := s.pending[id]; ok {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		delete(s.pending, id)
	}
}

// Pending reports how many messages are currently awaiting retry, for
// the node's stats surface.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
