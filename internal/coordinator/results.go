package coordinator

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/ocrfleet/internal/queue"
	"github.com/emergent-company/ocrfleet/internal/storage"
	"github.com/emergent-company/ocrfleet/pkg/logger"
	"github.com/emergent-company/ocrfleet/pkg/protocol"
	"github.com/emergent-company/ocrfleet/pkg/tracing"
)

// resultLoop applies worker results until resultsCtx ends.
func (c *Coordinator) resultLoop(resultsCtx, runCtx context.Context) {
	opts := queue.ReceiveOptions{
		MaxMessages: c.queues.ResultBatchSize,
		Wait:        c.queues.ResultWait,
		Visibility:  c.queues.ResultVisibility,
	}
	for resultsCtx.Err() == nil {
		msgs, err := c.queue.Receive(resultsCtx, c.resultURL, opts)
		if err != nil {
			if resultsCtx.Err() != nil {
				return
			}
			c.log.Warn("result receive failed", logger.Error(err))
			c.pause(resultsCtx)
			continue
		}
		for _, m := range msgs {
			c.handleResult(runCtx, m)
		}
	}
}

// handleResult applies one result-queue message and acknowledges it unless
// it should be redelivered.
func (c *Coordinator) handleResult(ctx context.Context, m queue.Message) {
	msg, err := protocol.Decode(m.Body)
	if err != nil {
		MalformedMessages.WithLabelValues("result").Inc()
		c.log.Warn("malformed result message left unacknowledged",
			slog.String("message_id", m.ID),
			logger.Error(err))
		return
	}

	switch r := msg.(type) {
	case protocol.DoneOCRTask:
		if c.applyResult(ctx, r) {
			c.ack(ctx, c.resultURL, m)
		}
	case protocol.TaskFail:
		ResultsDropped.WithLabelValues("task_fail").Inc()
		c.log.Warn("worker reported failure", slog.String("reason", r.Reason))
		c.ack(ctx, c.resultURL, m)
	default:
		MalformedMessages.WithLabelValues("result").Inc()
		c.log.Warn("unexpected message kind on result queue",
			slog.String("message_id", m.ID),
			slog.String("kind", string(msg.Kind())))
	}
}

// applyResult stores one item result and counts it against its job. It
// reports whether the message may be acknowledged.
func (c *Coordinator) applyResult(ctx context.Context, r protocol.DoneOCRTask) bool {
	ctx, span := tracing.Start(ctx, "coordinator.apply_result", attribute.String("ocrfleet.job.id", r.JobID))
	defer span.End()

	log := c.log.With(slog.String("job_id", r.JobID))

	if err := c.waitRegistered(ctx, r.JobID); err != nil {
		if errors.Is(err, ErrJobCompleted) {
			ResultsDropped.WithLabelValues("job_completed").Inc()
			log.Debug("result for completed job dropped")
			return true
		}
		if errors.Is(err, ErrRegistrationClosed) {
			ResultsDropped.WithLabelValues("unknown_job").Inc()
			log.Warn("result for job that was never registered dropped")
			return true
		}
		tracing.RecordError(span, err)
		log.Debug("result left for redelivery", logger.Error(err))
		return false
	}

	if !c.registry.Pending(r.JobID, r.Payload) {
		ResultsDropped.WithLabelValues("duplicate").Inc()
		log.Debug("duplicate item result dropped", slog.String("payload", r.Payload))
		return true
	}

	summary := protocol.ResultSummary(r.Payload, r.Text)
	if err := c.store.PutBlob(ctx, r.JobID, storage.NewResultKey(), []byte(summary)); err != nil {
		tracing.RecordError(span, err)
		log.Warn("failed to store item result, will retry on redelivery", logger.Error(err))
		return false
	}

	last, err := c.registry.RecordItemDone(r.JobID, r.Payload)
	switch {
	case errors.Is(err, ErrDuplicateResult):
		// A concurrent copy of the same result won the race.
		ResultsDropped.WithLabelValues("duplicate").Inc()
		return true
	case err != nil:
		// Completed by a concurrent consumer between the wait and the store.
		ResultsDropped.WithLabelValues("job_completed").Inc()
		return true
	}
	ResultsApplied.Inc()
	if last {
		c.completeJob(ctx, r.JobID)
	}
	return true
}

// waitRegistered blocks until the job is registered, bounded by
// PendingRegistrationTimeout when set.
func (c *Coordinator) waitRegistered(ctx context.Context, jobID string) error {
	if c.cfg.PendingRegistrationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PendingRegistrationTimeout)
		defer cancel()
	}
	return c.registry.WaitRegistered(ctx, jobID, c.registrationClosed)
}

// completeJob notifies the submitter and, once nothing is registered,
// starts the idle window or finishes the drain.
func (c *Coordinator) completeJob(ctx context.Context, jobID string) {
	replyTo, ok := c.registry.CompleteAndRemove(jobID)
	if !ok {
		return
	}
	JobsCompleted.Inc()

	if err := c.notify(ctx, replyTo, protocol.DoneTask{}); err != nil {
		c.log.Error("job completed but submitter could not be notified",
			slog.String("job_id", jobID),
			logger.Error(err))
	} else {
		c.log.Info("job completed", slog.String("job_id", jobID))
	}

	if c.registry.IsEmpty() && c.State() == StateRunning {
		c.idle.Arm()
	}
	c.maybeFinish()
}
