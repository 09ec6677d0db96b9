package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/ocrfleet/internal/compute"
	"github.com/emergent-company/ocrfleet/pkg/apperror"
)

type recordingAlarms struct {
	mu         sync.Mutex
	registered []string
	removed    []string
	failWith   error
}

func (a *recordingAlarms) RegisterHealthAlarm(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		return a.failWith
	}
	a.registered = append(a.registered, id)
	return nil
}

func (a *recordingAlarms) RemoveHealthAlarms(_ context.Context, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, ids...)
	return nil
}

func newTestController(prov compute.Provisioner, alarms compute.Alarms, maxWorkers int) *Controller {
	cfg := Config{
		MaxWorkers:     maxWorkers,
		ReconcileGrace: time.Minute,
		Template: compute.LaunchSpec{
			ImageID:      "ami-123",
			InstanceType: "t2.micro",
			UserData:     "#!/bin/sh\necho hi",
			TagKey:       "Name",
			TagValue:     "worker",
		},
	}
	return NewController(prov, alarms, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEnsureCapacity_LaunchesShortfall(t *testing.T) {
	ctx := context.Background()
	prov := compute.NewMemory()
	alarms := &recordingAlarms{}
	c := newTestController(prov, alarms, 10)

	n, err := c.EnsureCapacity(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, prov.Running())

	launches := prov.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, 3, launches[0].Count)
	assert.Equal(t, "ami-123", launches[0].ImageID)
	assert.Equal(t, "worker", launches[0].TagValue)
	assert.Len(t, alarms.registered, 3)

	n, err = c.EnsureCapacity(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "only the difference is launched")

	n, err = c.EnsureCapacity(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n, "never scales down")
	assert.Equal(t, 5, prov.Running())
}

func TestEnsureCapacity_RespectsCap(t *testing.T) {
	ctx := context.Background()
	prov := compute.NewMemory()
	c := newTestController(prov, nil, 4)

	n, err := c.EnsureCapacity(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = c.EnsureCapacity(ctx, 10)
	assert.ErrorIs(t, err, apperror.ErrCapacityExceeded)
	assert.Equal(t, apperror.CodeCapacityExceeded, apperror.CodeOf(err))
	assert.Zero(t, n, "at cap")
	assert.Equal(t, 4, prov.Running())
	assert.Equal(t, 4, c.Snapshot().Desired)
}

func TestEnsureCapacity_NoDoubleLaunchBeforeVisible(t *testing.T) {
	ctx := context.Background()
	prov := compute.NewMemory()
	prov.HideNewInstances(true)
	c := newTestController(prov, nil, 10)

	n, err := c.EnsureCapacity(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = c.EnsureCapacity(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n, "requested instances count as expected until listed")
	assert.Equal(t, 2, prov.Launched())

	prov.Reveal()
	n, err = c.EnsureCapacity(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEnsureCapacity_LaunchFailure(t *testing.T) {
	ctx := context.Background()
	prov := compute.NewMemory()
	boom := errors.New("insufficient capacity")
	prov.SetLaunchHook(func(compute.LaunchSpec) error { return boom })
	c := newTestController(prov, nil, 10)

	_, err := c.EnsureCapacity(ctx, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, apperror.CodeCollaboratorUnavailable, apperror.CodeOf(err))
	assert.Equal(t, 2, c.Snapshot().Desired, "desired survives the failure for reconcile")
}

func TestEnsureCapacity_AlarmFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	prov := compute.NewMemory()
	c := newTestController(prov, &recordingAlarms{failWith: errors.New("denied")}, 10)

	n, err := c.EnsureCapacity(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcile_RepairsAfterLaunchFailure(t *testing.T) {
	ctx := context.Background()
	prov := compute.NewMemory()
	prov.SetLaunchHook(func(compute.LaunchSpec) error { return errors.New("throttled") })
	c := newTestController(prov, nil, 10)

	_, err := c.EnsureCapacity(ctx, 3)
	require.Error(t, err)

	prov.SetLaunchHook(nil)
	n, err := c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, prov.Running())
}

func TestReconcile_ReplacesDeadWorker(t *testing.T) {
	ctx := context.Background()
	prov := compute.NewMemory()
	c := newTestController(prov, nil, 10)
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.EnsureCapacity(ctx, 2)
	require.NoError(t, err)
	n, err := c.EnsureCapacity(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, n, "both workers listed")
	instances, err := prov.ListInstances(ctx, "Name", "worker")
	require.NoError(t, err)
	prov.Kill(instances[0].ID)

	n, err = c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "skipped within grace")

	now = now.Add(2 * time.Minute)
	n, err = c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, prov.Running())
}

func TestReconcile_CountsUnlistedLaunches(t *testing.T) {
	ctx := context.Background()
	prov := compute.NewMemory()
	prov.HideNewInstances(true)
	c := newTestController(prov, nil, 3)
	now := time.Now()
	c.now = func() time.Time { return now }

	n, err := c.EnsureCapacity(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	now = now.Add(2 * time.Minute)
	n, err = c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "slow listing is not a shortfall")
	assert.Equal(t, 3, prov.Running())

	n, err = c.EnsureCapacity(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, prov.Launched(), "cap held while instances are unlisted")
}

func TestReconcile_ForgetsInstancesNeverListed(t *testing.T) {
	ctx := context.Background()
	prov := compute.NewMemory()
	c := newTestController(prov, nil, 10)
	c.cfg.UnlistedExpiry = 5 * time.Minute
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.EnsureCapacity(ctx, 2)
	require.NoError(t, err)
	instances, err := prov.ListInstances(ctx, "Name", "worker")
	require.NoError(t, err)
	prov.Kill(instances[0].ID)

	now = now.Add(2 * time.Minute)
	n, err := c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "unlisted id still expected")

	now = now.Add(5 * time.Minute)
	n, err = c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, prov.Running())
}

func TestReconcile_NothingDesired(t *testing.T) {
	prov := compute.NewMemory()
	c := newTestController(prov, nil, 10)

	n, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, prov.Launched())
}

func TestTerminateAll(t *testing.T) {
	ctx := context.Background()
	prov := compute.NewMemory()
	alarms := &recordingAlarms{}
	c := newTestController(prov, alarms, 10)

	_, err := c.EnsureCapacity(ctx, 2)
	require.NoError(t, err)
	prov.HideNewInstances(true)
	_, err = c.EnsureCapacity(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 3, prov.Running())

	require.NoError(t, c.TerminateAll(ctx))
	assert.Zero(t, prov.Running(), "includes launched instances not yet listed")
	assert.Len(t, prov.Terminated(), 3)
	assert.ElementsMatch(t, alarms.registered, alarms.removed)
	assert.Zero(t, c.Snapshot().Desired)

	require.NoError(t, c.TerminateAll(ctx))
	assert.Len(t, prov.Terminated(), 3, "second call is a no-op")

	n, err := c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing desired after teardown")
}
