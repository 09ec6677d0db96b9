package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/ocrfleet/internal/queue"
	"github.com/emergent-company/ocrfleet/internal/storage"
	"github.com/emergent-company/ocrfleet/pkg/apperror"
	"github.com/emergent-company/ocrfleet/pkg/logger"
	"github.com/emergent-company/ocrfleet/pkg/protocol"
	"github.com/emergent-company/ocrfleet/pkg/tracing"
)

// Outcome is what happened to one intake message.
type Outcome string

const (
	OutcomeAdmitted     Outcome = "admitted"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeMissingInput Outcome = "missing_input"
	OutcomeEmpty        Outcome = "empty"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeRejected     Outcome = "rejected"
	OutcomeFailed       Outcome = "failed"
)

// maxItemBytes bounds a single input line.
const maxItemBytes = 1 << 20

// intakeLoop admits jobs until admitCtx ends. Messages already received when
// draining starts are rejected rather than admitted.
func (c *Coordinator) intakeLoop(admitCtx, runCtx context.Context) {
	opts := queue.ReceiveOptions{
		MaxMessages: 1,
		Wait:        c.queues.IntakeWait,
		Visibility:  c.queues.IntakeVisibility,
	}
	for admitCtx.Err() == nil {
		msgs, err := c.queue.Receive(admitCtx, c.intakeURL, opts)
		if err != nil {
			if admitCtx.Err() != nil {
				return
			}
			c.log.Warn("intake receive failed", logger.Error(err))
			c.pause(admitCtx)
			continue
		}
		for _, m := range msgs {
			if c.State() != StateRunning {
				c.reject(runCtx, m)
				continue
			}
			if c.admit(runCtx, m) == OutcomeDeferred {
				c.pause(admitCtx)
			}
		}
	}
}

// drainIntake answers every job still waiting on the intake queue with
// terminated, returning once a receive comes back empty.
func (c *Coordinator) drainIntake(ctx context.Context) {
	opts := queue.ReceiveOptions{
		MaxMessages: drainBatch,
		Wait:        c.drainWait,
		Visibility:  c.queues.IntakeVisibility,
	}
	for ctx.Err() == nil {
		msgs, err := c.queue.Receive(ctx, c.intakeURL, opts)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("intake drain receive failed", logger.Error(err))
			}
			return
		}
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			c.reject(ctx, m)
		}
	}
}

// reject replies terminated to a submission received after draining began.
func (c *Coordinator) reject(ctx context.Context, m queue.Message) {
	msg, err := protocol.Decode(m.Body)
	task, ok := msg.(protocol.NewTask)
	if err != nil || !ok {
		MalformedMessages.WithLabelValues("intake").Inc()
		c.log.Warn("dropping undecodable intake message during drain", slog.String("message_id", m.ID))
		c.ack(ctx, c.intakeURL, m)
		return
	}

	IntakeOutcomes.WithLabelValues(string(OutcomeRejected)).Inc()
	replyTo, err := c.queue.QueueURL(ctx, task.JobID)
	if err != nil {
		c.log.Warn("no reply queue for rejected job", slog.String("job_id", task.JobID), logger.Error(err))
	} else if err := c.notify(ctx, replyTo, protocol.Terminated{}); err != nil {
		c.log.Warn("failed to notify rejected job", slog.String("job_id", task.JobID), logger.Error(err))
	}
	c.log.Info("job rejected, coordinator draining", slog.String("job_id", task.JobID))
	c.ack(ctx, c.intakeURL, m)
}

// admit processes one submission. The message is acknowledged only for
// outcomes that must not be retried.
func (c *Coordinator) admit(ctx context.Context, m queue.Message) Outcome {
	ctx, span := tracing.Start(ctx, "coordinator.admit", attribute.String("message.id", m.ID))
	defer span.End()

	outcome, err := c.admitMessage(ctx, m)
	IntakeOutcomes.WithLabelValues(string(outcome)).Inc()
	span.SetAttributes(attribute.String("intake.outcome", string(outcome)))
	if err != nil {
		tracing.RecordError(span, err)
	}
	return outcome
}

func (c *Coordinator) admitMessage(ctx context.Context, m queue.Message) (Outcome, error) {
	if !c.gate.Admit(ctx) {
		return OutcomeDeferred, apperror.ErrAdmissionDeferred
	}

	msg, err := protocol.Decode(m.Body)
	if err != nil {
		MalformedMessages.WithLabelValues("intake").Inc()
		c.log.Warn("malformed intake message left unacknowledged",
			slog.String("message_id", m.ID),
			logger.Error(err))
		return OutcomeMalformed, err
	}
	task, ok := msg.(protocol.NewTask)
	if !ok {
		MalformedMessages.WithLabelValues("intake").Inc()
		c.log.Warn("unexpected message kind on intake queue",
			slog.String("message_id", m.ID),
			slog.String("kind", string(msg.Kind())))
		return OutcomeMalformed, fmt.Errorf("%w: %s on intake queue", protocol.ErrMalformedMessage, msg.Kind())
	}

	log := c.log.With(slog.String("job_id", task.JobID))

	if c.registry.Known(task.JobID) {
		log.Info("duplicate submission acknowledged")
		c.ack(ctx, c.intakeURL, m)
		c.afterAck(task)
		return OutcomeDuplicate, nil
	}

	replyTo, err := c.queue.QueueURL(ctx, task.JobID)
	if err != nil {
		log.Warn("reply queue lookup failed", logger.Error(err))
		return OutcomeFailed, err
	}

	items, skipped, err := c.readItems(ctx, task)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Warn("job input missing", slog.String("input", task.InputLocator))
		if err := c.notify(ctx, replyTo, protocol.Terminated{}); err != nil {
			log.Warn("failed to notify job with missing input", logger.Error(err))
			return OutcomeFailed, err
		}
		c.ack(ctx, c.intakeURL, m)
		c.afterAck(task)
		return OutcomeMissingInput, nil
	case err != nil:
		log.Warn("job input unreadable", logger.Error(err))
		return OutcomeFailed, err
	}
	if skipped > 0 {
		log.Warn("skipped input lines containing the message delimiter", slog.Int("skipped", skipped))
	}

	if len(items) == 0 {
		log.Info("job has no items")
		if err := c.notify(ctx, replyTo, protocol.DoneTask{}); err != nil {
			log.Warn("failed to notify empty job", logger.Error(err))
			return OutcomeFailed, err
		}
		c.deleteInput(ctx, task)
		c.ack(ctx, c.intakeURL, m)
		c.afterAck(task)
		return OutcomeEmpty, nil
	}

	if err := c.register(ctx, task, replyTo, items); err != nil {
		log.Warn("job fan-out failed, will retry on redelivery", logger.Error(err))
		return OutcomeFailed, err
	}

	c.deleteInput(ctx, task)
	c.ack(ctx, c.intakeURL, m)
	JobsAdmitted.Inc()
	log.Info("job admitted",
		slog.Int("items", len(items)),
		slog.Int("items_per_worker", task.ItemsPerWorker))
	c.afterAck(task)
	return OutcomeAdmitted, nil
}

// register records the job, dispatches its items and asks for workers. It
// holds teardownMu for reading so an idle teardown cannot interleave.
func (c *Coordinator) register(ctx context.Context, task protocol.NewTask, replyTo string, items []string) error {
	c.teardownMu.RLock()
	defer c.teardownMu.RUnlock()

	if !c.registry.Register(task.JobID, replyTo, items) {
		return fmt.Errorf("job %s already registered", task.JobID)
	}
	c.idle.Disarm()

	if err := c.dispatcher.Dispatch(ctx, c.taskURL, task.JobID, items); err != nil {
		c.registry.Abandon(task.JobID)
		if c.registry.IsEmpty() && c.State() == StateRunning {
			c.idle.Arm()
		}
		return err
	}

	workers := (len(items) + task.ItemsPerWorker - 1) / task.ItemsPerWorker
	_, err := c.fleet.EnsureCapacity(ctx, workers)
	switch {
	case errors.Is(err, apperror.ErrCapacityExceeded):
		c.log.Debug("fleet at capacity, items wait for running workers",
			slog.String("job_id", task.JobID),
			slog.Int("workers", workers))
	case err != nil:
		c.log.Error("fleet scale-up failed, reconciliation will retry",
			slog.String("job_id", task.JobID),
			slog.Int("workers", workers),
			logger.Error(err))
	}
	return nil
}

// readItems loads the job's input and splits it into one item per non-blank
// line. Lines containing the wire delimiter cannot be dispatched and are counted
// in skipped.
func (c *Coordinator) readItems(ctx context.Context, task protocol.NewTask) (items []string, skipped int, err error) {
	rc, err := c.store.GetBlob(ctx, task.JobID, task.InputLocator)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()
	return splitItems(rc)
}

func splitItems(r io.Reader) (items []string, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxItemBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.Contains(line, protocol.Delimiter) {
			skipped++
			continue
		}
		items = append(items, line)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read job input: %w", err)
	}
	return items, skipped, nil
}

func (c *Coordinator) deleteInput(ctx context.Context, task protocol.NewTask) {
	if err := c.store.DeleteBlob(ctx, task.JobID, task.InputLocator); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.log.Warn("failed to delete job input",
			slog.String("job_id", task.JobID),
			logger.Error(err))
	}
}

// afterAck starts draining when the acknowledged submission asked for it.
func (c *Coordinator) afterAck(task protocol.NewTask) {
	if task.Terminate {
		c.beginDrain()
	}
}
