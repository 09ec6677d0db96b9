package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(testLogger())
	assert.False(t, s.IsRunning())

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_AddReplaceRemove(t *testing.T) {
	s := NewScheduler(testLogger())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddIntervalTask("reconcile", time.Minute, noop))
	require.NoError(t, s.AddIntervalTask("reconcile", 2*time.Minute, noop))
	require.NoError(t, s.AddIntervalTask("alpha", time.Minute, noop))
	assert.Equal(t, []string{"alpha", "reconcile"}, s.ListTasks())
	assert.Len(t, s.cron.Entries(), 2)

	s.RemoveTask("reconcile")
	s.RemoveTask("missing")
	assert.Equal(t, []string{"alpha"}, s.ListTasks())
}

func TestScheduler_RunsIntervalTask(t *testing.T) {
	s := NewScheduler(testLogger())
	var runs atomic.Int32

	require.NoError(t, s.AddIntervalTask("tick", time.Second, func(context.Context) error {
		runs.Add(1)
		return errors.New("failures are logged, not fatal")
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_TaskTimeout(t *testing.T) {
	s := NewScheduler(testLogger())
	s.taskTimeout = 20 * time.Millisecond

	var sawDeadline atomic.Bool
	s.runTask("slow", func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})
	assert.True(t, sawDeadline.Load())
}
