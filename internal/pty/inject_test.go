package pty

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failureRecorder struct {
	mu      sync.Mutex
	failed  []Message
	reasons []string
}

func (f *failureRecorder) record(msg Message, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, msg)
	f.reasons = append(f.reasons, reason)
}

func newTestInjector(cfg InjectorConfig) (*Injector, *failureRecorder) {
	rec := &failureRecorder{}
	cfg.Failed = rec.record
	s := newTestSession(nil)
	return NewInjector(s, cfg, nil), rec
}

func TestEnqueueFIFO(t *testing.T) {
	in, _ := newTestInjector(InjectorConfig{QueueCap: 10})

	for i := 0; i < 3; i++ {
		require.NoError(t, in.Enqueue(Message{ID: fmt.Sprintf("m%d", i), Rendered: "x"}))
	}

	assert.Equal(t, 3, in.QueueDepth())
	assert.Equal(t, "m0", in.peek().ID)
}

func TestEnqueueOverflowDropsOldestNonUrgent(t *testing.T) {
	in, rec := newTestInjector(InjectorConfig{QueueCap: 2})

	require.NoError(t, in.Enqueue(Message{ID: "old"}))
	require.NoError(t, in.Enqueue(Message{ID: "mid", Urgent: true}))
	require.NoError(t, in.Enqueue(Message{ID: "new"}))

	assert.Equal(t, 2, in.QueueDepth())
	assert.Equal(t, "mid", in.peek().ID)

	require.Len(t, rec.failed, 1)
	assert.Equal(t, "old", rec.failed[0].ID)
	assert.Equal(t, "queue_overflow", rec.reasons[0])
	assert.Equal(t, uint64(1), in.Metrics().Dropped)
}

func TestEnqueueNonUrgentRejectedWhenAllUrgent(t *testing.T) {
	in, _ := newTestInjector(InjectorConfig{QueueCap: 2})

	require.NoError(t, in.Enqueue(Message{ID: "u1", Urgent: true}))
	require.NoError(t, in.Enqueue(Message{ID: "u2", Urgent: true}))

	err := in.Enqueue(Message{ID: "plain"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, in.QueueDepth())
}

func TestEnqueueUrgentDisplacesOldestUrgent(t *testing.T) {
	in, rec := newTestInjector(InjectorConfig{QueueCap: 2})

	require.NoError(t, in.Enqueue(Message{ID: "u1", Urgent: true}))
	require.NoError(t, in.Enqueue(Message{ID: "u2", Urgent: true}))
	require.NoError(t, in.Enqueue(Message{ID: "u3", Urgent: true}))

	assert.Equal(t, 2, in.QueueDepth())
	assert.Equal(t, "u2", in.peek().ID)
	require.Len(t, rec.failed, 1)
	assert.Equal(t, "u1", rec.failed[0].ID)
}

func TestChargeAttemptDropsAfterMax(t *testing.T) {
	in, rec := newTestInjector(InjectorConfig{QueueCap: 5, MaxAttempts: 2, BackoffCap: time.Millisecond})

	require.NoError(t, in.Enqueue(Message{ID: "m"}))
	msg := in.peek()

	in.chargeAttempt(msg, IdleResult{})
	assert.Equal(t, 1, in.QueueDepth())

	in.chargeAttempt(msg, IdleResult{})
	assert.Equal(t, 0, in.QueueDepth())
	require.Len(t, rec.failed, 1)
	assert.Equal(t, "max_attempts", rec.reasons[0])
	assert.Equal(t, uint64(1), in.Metrics().Failed)
	assert.Equal(t, uint64(1), in.Metrics().Retries)
}

func TestRunFailsQueueWhenSessionExits(t *testing.T) {
	in, rec := newTestInjector(InjectorConfig{QueueCap: 5})
	require.NoError(t, in.Enqueue(Message{ID: "stranded"}))

	// Simulate the child exiting with the message still queued.
	close(in.session.waitDone)

	done := make(chan struct{})
	go func() {
		in.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after session exit")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.failed, 1)
	assert.Equal(t, "session_exited", rec.reasons[0])
}
