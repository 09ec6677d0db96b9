package coordinator

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	// ErrUnknownJob is returned for a job id that is not registered.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobCompleted is returned for a job id that already completed.
	ErrJobCompleted = errors.New("job already completed")
	// ErrRegistrationClosed is returned by WaitRegistered once no further jobs can be registered.
	ErrRegistrationClosed = errors.New("job registration closed")
	// ErrDuplicateResult is returned for a result whose item is not outstanding.
	ErrDuplicateResult = errors.New("item result already recorded")
)

type job struct {
	replyTo     string
	total       int
	outstanding atomic.Int64

	// pending counts outstanding items per payload; guarded by mu.
	mu      sync.Mutex
	pending map[string]int
}

type waiter struct {
	ch   chan struct{}
	refs int
}

// JobStatus is a snapshot of one registered job.
type JobStatus struct {
	ID          string `json:"id"`
	Total       int    `json:"total"`
	Outstanding int    `json:"outstanding"`
}

// Registry tracks outstanding items for in-flight jobs. The map is guarded by
// mu; each job carries its own lock so result consumers only take the read
// lock on the map.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*job
	waiters   map[string]*waiter
	completed map[string]struct{}
	// completedOrder evicts the oldest tombstone once completedCap is reached.
	completedOrder []string
	completedCap   int
}

// NewRegistry creates an empty registry remembering up to completedCap finished job ids.
func NewRegistry(completedCap int) *Registry {
	return &Registry{
		jobs:         make(map[string]*job),
		waiters:      make(map[string]*waiter),
		completed:    make(map[string]struct{}),
		completedCap: max(completedCap, 0),
	}
}

// Register adds a job whose items are the given payloads and wakes anyone
// waiting on it. It is a no-op returning false if the job is already present,
// already completed, or has no items. A payload listed twice must be
// reported done twice.
func (r *Registry) Register(jobID, replyTo string, payloads []string) bool {
	if len(payloads) == 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; ok {
		return false
	}
	if _, ok := r.completed[jobID]; ok {
		return false
	}

	j := &job{replyTo: replyTo, total: len(payloads), pending: make(map[string]int, len(payloads))}
	for _, p := range payloads {
		j.pending[p]++
	}
	j.outstanding.Store(int64(len(payloads)))
	r.jobs[jobID] = j

	if w, ok := r.waiters[jobID]; ok {
		close(w.ch)
		delete(r.waiters, jobID)
	}
	ActiveJobs.Set(float64(len(r.jobs)))
	return true
}

// RecordItemDone marks one item with the given payload as done and reports
// whether this call brought the job's outstanding count to exactly zero.
// Exactly one caller observes true. A payload that is not outstanding
// returns ErrDuplicateResult and leaves the count unchanged.
func (r *Registry) RecordItemDone(jobID, payload string) (bool, error) {
	r.mu.RLock()
	j, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return false, ErrUnknownJob
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	n := j.pending[payload]
	if n == 0 {
		return false, ErrDuplicateResult
	}
	if n == 1 {
		delete(j.pending, payload)
	} else {
		j.pending[payload] = n - 1
	}
	return j.outstanding.Add(-1) == 0, nil
}

// Pending reports whether an item with the given payload is still outstanding.
func (r *Registry) Pending(jobID, payload string) bool {
	r.mu.RLock()
	j, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pending[payload] > 0
}

// CompleteAndRemove removes the job, remembers it as completed and returns
// its reply address. Only the first call for a job returns true.
func (r *Registry) CompleteAndRemove(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return "", false
	}
	delete(r.jobs, jobID)
	r.tombstone(jobID)
	ActiveJobs.Set(float64(len(r.jobs)))
	return j.replyTo, true
}

// Abandon removes a job without marking it completed, so a redelivered
// submission can register it again.
func (r *Registry) Abandon(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
	ActiveJobs.Set(float64(len(r.jobs)))
}

// tombstone records a completed id. Caller holds mu.
func (r *Registry) tombstone(jobID string) {
	if r.completedCap == 0 {
		return
	}
	if len(r.completedOrder) >= r.completedCap {
		oldest := r.completedOrder[0]
		r.completedOrder = r.completedOrder[1:]
		delete(r.completed, oldest)
	}
	r.completed[jobID] = struct{}{}
	r.completedOrder = append(r.completedOrder, jobID)
}

// Contains reports whether the job is registered with items still outstanding.
func (r *Registry) Contains(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[jobID]
	return ok && j.outstanding.Load() > 0
}

// Known reports whether the job is registered or remembered as completed.
func (r *Registry) Known(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, registered := r.jobs[jobID]
	_, done := r.completed[jobID]
	return registered || done
}

// Completed reports whether the job is remembered as completed.
func (r *Registry) Completed(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.completed[jobID]
	return ok
}

// Outstanding returns the job's remaining item count.
func (r *Registry) Outstanding(jobID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return 0, false
	}
	return int(j.outstanding.Load()), true
}

// IsEmpty reports whether no jobs are registered.
func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Jobs returns a snapshot of registered jobs ordered by id.
func (r *Registry) Jobs() []JobStatus {
	r.mu.RLock()
	out := make([]JobStatus, 0, len(r.jobs))
	for id, j := range r.jobs {
		out = append(out, JobStatus{ID: id, Total: j.total, Outstanding: int(j.outstanding.Load())})
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b JobStatus) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// WaitRegistered blocks until jobID is registered. It returns ErrJobCompleted
// if the job already finished, ErrRegistrationClosed if closed fires first,
// or the context error. No lock is held while blocked.
func (r *Registry) WaitRegistered(ctx context.Context, jobID string, closed <-chan struct{}) error {
	for {
		r.mu.Lock()
		if _, ok := r.jobs[jobID]; ok {
			r.mu.Unlock()
			return nil
		}
		if _, ok := r.completed[jobID]; ok {
			r.mu.Unlock()
			return ErrJobCompleted
		}
		w, ok := r.waiters[jobID]
		if !ok {
			w = &waiter{ch: make(chan struct{})}
			r.waiters[jobID] = w
		}
		w.refs++
		r.mu.Unlock()

		select {
		case <-w.ch:
			// Registered; loop to re-check in case it already completed.
			continue
		case <-closed:
			r.release(jobID, w)
			if r.Known(jobID) {
				continue
			}
			return ErrRegistrationClosed
		case <-ctx.Done():
			r.release(jobID, w)
			return ctx.Err()
		}
	}
}

// release drops one reference to a waiter that was not signalled.
func (r *Registry) release(jobID string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.refs--
	if w.refs == 0 && r.waiters[jobID] == w {
		delete(r.waiters, jobID)
	}
}

// pendingWaiters is the number of job ids with blocked waiters.
func (r *Registry) pendingWaiters() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.waiters)
}
