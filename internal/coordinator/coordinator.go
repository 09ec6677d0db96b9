// Package coordinator admits OCR jobs, fans their items out to workers,
// counts results back in and drives the coordinator through
// Running -> Draining -> Terminated.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emergent-company/ocrfleet/internal/config"
	"github.com/emergent-company/ocrfleet/internal/fleet"
	"github.com/emergent-company/ocrfleet/internal/queue"
	"github.com/emergent-company/ocrfleet/internal/storage"
	"github.com/emergent-company/ocrfleet/pkg/apperror"
	"github.com/emergent-company/ocrfleet/pkg/logger"
	"github.com/emergent-company/ocrfleet/pkg/protocol"
)

// State is the coordinator lifecycle phase.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Fleet is the subset of the fleet controller the coordinator drives.
type Fleet interface {
	EnsureCapacity(ctx context.Context, k int) (int, error)
	TerminateAll(ctx context.Context) error
}

// AdmissionGate decides whether a new job may be admitted right now.
type AdmissionGate interface {
	Admit(ctx context.Context) bool
}

// Status is the coordinator's externally visible state.
type Status struct {
	State              string          `json:"state"`
	RegistrationClosed bool            `json:"registration_closed"`
	IdleArmed          bool            `json:"idle_armed"`
	Jobs               []JobStatus     `json:"jobs"`
	Fleet              *fleet.Snapshot `json:"fleet,omitempty"`
}

const (
	defaultRetryDelay = time.Second
	defaultDrainWait  = 2 * time.Second
	drainBatch        = 10
)

// Coordinator owns the intake and result consumer pools.
type Coordinator struct {
	cfg        config.CoordinatorConfig
	queues     config.QueueConfig
	queue      queue.Client
	store      storage.ObjectStore
	fleet      Fleet
	gate       AdmissionGate
	registry   *Registry
	dispatcher *Dispatcher
	idle       *IdleReaper
	log        *slog.Logger

	state    atomic.Int32
	started  atomic.Bool
	finished atomic.Bool

	intakeURL string
	taskURL   string
	resultURL string

	cancelAdmit        context.CancelFunc
	stopResults        context.CancelFunc
	registrationClosed chan struct{}
	finishOnce         sync.Once

	// teardownMu orders idle teardown against admission: admit holds it for
	// reading from registration until capacity is requested.
	teardownMu sync.RWMutex

	retryDelay time.Duration
	drainWait  time.Duration
}

// New creates a coordinator. It does nothing until Run.
func New(cfg *config.Config, q queue.Client, store storage.ObjectStore, fl Fleet, gate AdmissionGate, reg *Registry, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:                cfg.Coordinator,
		queues:             cfg.Queues,
		queue:              q,
		store:              store,
		fleet:              fl,
		gate:               gate,
		registry:           reg,
		dispatcher:         NewDispatcher(q, cfg.Coordinator.SenderConcurrency, cfg.Coordinator.SendRatePerSecond),
		log:                log.With(logger.Scope("coordinator")),
		registrationClosed: make(chan struct{}),
		retryDelay:         defaultRetryDelay,
		drainWait:          min(defaultDrainWait, cfg.Queues.IntakeWait),
	}
	c.idle = NewIdleReaper(cfg.Coordinator.IdleTimeout, c.onIdle)
	return c
}

// State returns the current lifecycle phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Registry exposes the job registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Status returns a snapshot for the admin API.
func (c *Coordinator) Status() Status {
	s := Status{
		State:              c.State().String(),
		RegistrationClosed: c.isRegistrationClosed(),
		IdleArmed:          c.idle.Armed(),
		Jobs:               c.registry.Jobs(),
	}
	if fc, ok := c.fleet.(*fleet.Controller); ok {
		snap := fc.Snapshot()
		s.Fleet = &snap
	}
	return s
}

// Run consumes until a terminate request has been drained, then tears the
// fleet and queues down. If ctx ends first, teardown still runs and the
// returned error matches apperror.ErrInterruptedShutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}
	if err := c.setup(ctx); err != nil {
		c.state.Store(int32(StateTerminated))
		return err
	}

	admitCtx, cancelAdmit := context.WithCancel(ctx)
	resultsCtx, stopResults := context.WithCancel(ctx)
	defer cancelAdmit()
	defer stopResults()
	c.cancelAdmit = cancelAdmit
	c.stopResults = stopResults

	c.log.Info("coordinator running",
		slog.Int("intake_consumers", c.cfg.IntakeConsumers),
		slog.Int("result_consumers", c.cfg.ResultConsumers))

	var intakeWG, resultWG sync.WaitGroup
	for range c.cfg.IntakeConsumers {
		intakeWG.Add(1)
		go func() {
			defer intakeWG.Done()
			c.intakeLoop(admitCtx, ctx)
			c.drainIntake(ctx)
		}()
	}
	for range c.cfg.ResultConsumers {
		resultWG.Add(1)
		go func() {
			defer resultWG.Done()
			c.resultLoop(resultsCtx, ctx)
		}()
	}

	go func() {
		intakeWG.Wait()
		close(c.registrationClosed)
		c.log.Info("job registration closed", slog.Int("jobs_outstanding", c.registry.Len()))
		c.maybeFinish()
	}()

	done := make(chan struct{})
	go func() {
		intakeWG.Wait()
		resultWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("shutdown requested before drain completed", slog.String("state", c.State().String()))
		<-done
	}

	return c.teardown(ctx, !c.finished.Load())
}

func (c *Coordinator) setup(ctx context.Context) error {
	var err error
	if c.intakeURL, err = c.queue.CreateQueue(ctx, c.queues.IntakeQueue); err != nil {
		return apperror.NewUnavailable("create intake queue", err)
	}
	if c.taskURL, err = c.queue.CreateQueue(ctx, c.queues.TaskQueue); err != nil {
		return apperror.NewUnavailable("create task queue", err)
	}
	if c.resultURL, err = c.queue.CreateQueue(ctx, c.queues.ResultQueue); err != nil {
		return apperror.NewUnavailable("create result queue", err)
	}
	return nil
}

// beginDrain moves Running -> Draining and stops new admissions.
func (c *Coordinator) beginDrain() {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return
	}
	c.log.Info("terminate requested, draining", slog.Int("jobs_outstanding", c.registry.Len()))
	c.idle.Stop()
	c.cancelAdmit()
}

// maybeFinish stops the result consumers once draining, registration is
// closed and no job is outstanding.
func (c *Coordinator) maybeFinish() {
	if c.State() != StateDraining || !c.isRegistrationClosed() || !c.registry.IsEmpty() {
		return
	}
	c.finishOnce.Do(func() {
		c.finished.Store(true)
		c.log.Info("all jobs complete, stopping result consumers")
		c.stopResults()
	})
}

func (c *Coordinator) isRegistrationClosed() bool {
	select {
	case <-c.registrationClosed:
		return true
	default:
		return false
	}
}

// onIdle runs when the idle window passes with no job registered.
func (c *Coordinator) onIdle() {
	c.teardownMu.Lock()
	defer c.teardownMu.Unlock()

	if c.State() != StateRunning || !c.registry.IsEmpty() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TeardownTimeout)
	defer cancel()

	IdleTeardowns.Inc()
	c.log.Info("idle window elapsed, terminating fleet", slog.Duration("idle_timeout", c.cfg.IdleTimeout))
	if err := c.fleet.TerminateAll(ctx); err != nil {
		c.log.Error("idle fleet teardown failed", logger.Error(err))
	}
}

func (c *Coordinator) teardown(ctx context.Context, interrupted bool) error {
	c.idle.Stop()

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TeardownTimeout)
	defer cancel()

	c.teardownMu.Lock()
	var errs []error
	if err := c.fleet.TerminateAll(tctx); err != nil {
		errs = append(errs, err)
	}
	c.teardownMu.Unlock()

	for _, url := range []string{c.taskURL, c.resultURL, c.intakeURL} {
		if err := c.queue.DeleteQueue(tctx, url); err != nil && !errors.Is(err, queue.ErrQueueNotFound) {
			errs = append(errs, err)
		}
	}
	c.state.Store(int32(StateTerminated))

	if len(errs) > 0 {
		c.log.Error("teardown incomplete", logger.Error(errors.Join(errs...)))
	}
	if interrupted {
		c.log.Warn("coordinator terminated before drain completed", slog.Int("jobs_abandoned", c.registry.Len()))
		return apperror.ErrInterruptedShutdown.WithInternal(errors.Join(append([]error{ctx.Err()}, errs...)...))
	}
	c.log.Info("coordinator terminated")
	return nil
}

// ack deletes a processed delivery. Failure only means redelivery.
func (c *Coordinator) ack(ctx context.Context, queueURL string, m queue.Message) {
	if err := c.queue.Delete(ctx, queueURL, m.ReceiptHandle); err != nil {
		c.log.Warn("failed to acknowledge message",
			slog.String("message_id", m.ID),
			logger.Error(err))
	}
}

// notify sends a body-less message to a submitter's reply queue.
func (c *Coordinator) notify(ctx context.Context, replyTo string, msg protocol.Message) error {
	if err := c.queue.Send(ctx, replyTo, protocol.MustEncode(msg)); err != nil {
		NotifyFailures.Inc()
		return apperror.NewUnavailable("notify submitter", err)
	}
	return nil
}

// pause waits retryDelay or until ctx ends.
func (c *Coordinator) pause(ctx context.Context) {
	t := time.NewTimer(c.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
