package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(8)

	assert.True(t, r.Register("job-1", "reply-1", items(3)))
	assert.False(t, r.Register("job-1", "reply-other", items(5)), "second register is a no-op")
	assert.False(t, r.Register("job-2", "reply-2", nil), "empty jobs are never registered")

	n, ok := r.Outstanding("job-1")
	require.True(t, ok)
	assert.Equal(t, 3, n)
	assert.True(t, r.Contains("job-1"))
	assert.False(t, r.Contains("job-2"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CompletionObservedExactlyOnce(t *testing.T) {
	r := NewRegistry(8)
	payloads := items(200)
	require.True(t, r.Register("job-1", "reply", payloads))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last, err := r.RecordItemDone("job-1", p)
			if err == nil && last {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	n, _ := r.Outstanding("job-1")
	assert.Equal(t, 0, n)
	assert.False(t, r.Contains("job-1"), "a job at zero is no longer outstanding")
}

func TestRegistry_RepeatedResultIsIgnored(t *testing.T) {
	r := NewRegistry(8)
	require.True(t, r.Register("job-1", "reply", []string{"a.png", "b.png"}))

	last, err := r.RecordItemDone("job-1", "a.png")
	require.NoError(t, err)
	assert.False(t, last)
	assert.False(t, r.Pending("job-1", "a.png"))

	_, err = r.RecordItemDone("job-1", "a.png")
	assert.ErrorIs(t, err, ErrDuplicateResult)
	_, err = r.RecordItemDone("job-1", "never-dispatched.png")
	assert.ErrorIs(t, err, ErrDuplicateResult)

	n, _ := r.Outstanding("job-1")
	assert.Equal(t, 1, n, "b.png still outstanding")
	assert.True(t, r.Pending("job-1", "b.png"))

	last, err = r.RecordItemDone("job-1", "b.png")
	require.NoError(t, err)
	assert.True(t, last)
}

func TestRegistry_RepeatedPayloadCountsEachItem(t *testing.T) {
	r := NewRegistry(8)
	require.True(t, r.Register("job-1", "reply", []string{"a.png", "a.png"}))

	last, err := r.RecordItemDone("job-1", "a.png")
	require.NoError(t, err)
	assert.False(t, last)

	last, err = r.RecordItemDone("job-1", "a.png")
	require.NoError(t, err)
	assert.True(t, last)

	_, err = r.RecordItemDone("job-1", "a.png")
	assert.ErrorIs(t, err, ErrDuplicateResult)
}

func TestRegistry_CompleteAndRemove(t *testing.T) {
	r := NewRegistry(8)
	require.True(t, r.Register("job-1", "reply-1", items(1)))

	replyTo, ok := r.CompleteAndRemove("job-1")
	require.True(t, ok)
	assert.Equal(t, "reply-1", replyTo)

	_, ok = r.CompleteAndRemove("job-1")
	assert.False(t, ok)

	assert.True(t, r.IsEmpty())
	assert.True(t, r.Completed("job-1"))
	assert.True(t, r.Known("job-1"))
	assert.False(t, r.Register("job-1", "reply-1", items(1)), "completed jobs cannot be registered again")

	_, err := r.RecordItemDone("job-1", "a.png")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRegistry_TombstonesAreBounded(t *testing.T) {
	r := NewRegistry(2)
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, r.Register(id, "reply", items(1)))
		_, ok := r.CompleteAndRemove(id)
		require.True(t, ok)
	}

	assert.False(t, r.Completed("a"), "oldest tombstone evicted")
	assert.True(t, r.Completed("b"))
	assert.True(t, r.Completed("c"))
}

func TestRegistry_Abandon(t *testing.T) {
	r := NewRegistry(8)
	require.True(t, r.Register("job-1", "reply", items(2)))
	r.Abandon("job-1")

	assert.False(t, r.Known("job-1"))
	assert.True(t, r.Register("job-1", "reply", items(2)), "abandoned jobs can be registered again")
}

func TestRegistry_Jobs(t *testing.T) {
	r := NewRegistry(8)
	require.True(t, r.Register("b", "reply", []string{"b1.png", "b2.png"}))
	require.True(t, r.Register("a", "reply", []string{"a1.png"}))
	_, err := r.RecordItemDone("b", "b2.png")
	require.NoError(t, err)

	assert.Equal(t, []JobStatus{
		{ID: "a", Total: 1, Outstanding: 1},
		{ID: "b", Total: 2, Outstanding: 1},
	}, r.Jobs())
}

func TestRegistry_WaitRegistered(t *testing.T) {
	t.Run("already registered", func(t *testing.T) {
		r := NewRegistry(8)
		require.True(t, r.Register("job-1", "reply", items(1)))
		assert.NoError(t, r.WaitRegistered(context.Background(), "job-1", nil))
	})

	t.Run("wakes on register", func(t *testing.T) {
		r := NewRegistry(8)
		errc := make(chan error, 2)
		for range 2 {
			go func() { errc <- r.WaitRegistered(context.Background(), "job-1", nil) }()
		}
		require.Eventually(t, func() bool { return r.pendingWaiters() == 1 }, time.Second, time.Millisecond)

		require.True(t, r.Register("job-1", "reply", items(1)))
		for range 2 {
			select {
			case err := <-errc:
				assert.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("waiter not woken")
			}
		}
		assert.Equal(t, 0, r.pendingWaiters())
	})

	t.Run("completed job", func(t *testing.T) {
		r := NewRegistry(8)
		require.True(t, r.Register("job-1", "reply", items(1)))
		r.CompleteAndRemove("job-1")
		assert.ErrorIs(t, r.WaitRegistered(context.Background(), "job-1", nil), ErrJobCompleted)
	})

	t.Run("registration closed", func(t *testing.T) {
		r := NewRegistry(8)
		closed := make(chan struct{})
		errc := make(chan error, 1)
		go func() { errc <- r.WaitRegistered(context.Background(), "job-1", closed) }()
		require.Eventually(t, func() bool { return r.pendingWaiters() == 1 }, time.Second, time.Millisecond)

		close(closed)
		assert.ErrorIs(t, <-errc, ErrRegistrationClosed)
		assert.Equal(t, 0, r.pendingWaiters())
	})

	t.Run("context cancelled", func(t *testing.T) {
		r := NewRegistry(8)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, r.WaitRegistered(ctx, "job-1", nil), context.DeadlineExceeded)
		assert.Equal(t, 0, r.pendingWaiters())
	})
}

// waiterRefs is the number of callers blocked in WaitRegistered for jobID.
func (r *Registry) waiterRefs(jobID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.waiters[jobID]; ok {
		return w.refs
	}
	return 0
}
