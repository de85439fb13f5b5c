package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetrySchedulerStopsOnceSendSucceeds(t *testing.T) {
	var attempts int32
	s := NewRetryScheduler(func(MessageID) { t.Fatal("should not drop a message that eventually succeeds") })

	var id MessageID
	id[0] = 1
	s.Schedule(id, time.Now().Add(2*time.Second), func() error {
		atomic.AddInt32(&attempts, 1)
		return nil // succeeds on first attempt
	})

	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestRetrySchedulerDropsAfterDeadline(t *testing.T) {
	var dropped sync.WaitGroup
	dropped.Add(1)
	var droppedID MessageID

	s := NewRetryScheduler(func(id MessageID) {
		droppedID = id
		dropped.Done()
	})

	var id MessageID
	id[0] = 2
	s.Schedule(id, time.Now().Add(20*time.Millisecond), func() error {
		return errThatNeverSucceeds
	})

	done := make(chan struct{})
	go func() { dropped.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never reported a drop for a message past its deadline")
	}
	require.Equal(t, id, droppedID)
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

const errThatNeverSucceeds = staticErr("dispatch: simulated permanent failure")
