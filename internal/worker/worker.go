// Package worker runs the OCR loop: take an image task, recognize its text and
// report the result back to the coordinator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/ocrfleet/internal/config"
	"github.com/emergent-company/ocrfleet/internal/queue"
	"github.com/emergent-company/ocrfleet/pkg/apperror"
	"github.com/emergent-company/ocrfleet/pkg/logger"
	"github.com/emergent-company/ocrfleet/pkg/ocr"
	"github.com/emergent-company/ocrfleet/pkg/protocol"
	"github.com/emergent-company/ocrfleet/pkg/tracing"
)

// ErrorPrefix marks result text that describes a failure instead of OCR output.
const ErrorPrefix = "ERROR: "

const defaultRetryDelay = time.Second

// Worker consumes new_image_task messages and produces done_ocr_task results.
type Worker struct {
	cfg    *config.WorkerConfig
	queue  queue.Client
	engine ocr.Engine
	fetch  Fetcher
	log    *slog.Logger

	retryDelay time.Duration
}

// New creates a worker.
func New(cfg *config.WorkerConfig, q queue.Client, engine ocr.Engine, fetch Fetcher, log *slog.Logger) *Worker {
	return &Worker{
		cfg:        cfg,
		queue:      q,
		engine:     engine,
		fetch:      fetch,
		log:        log.With(logger.Scope("worker")),
		retryDelay: defaultRetryDelay,
	}
}

// Run processes tasks until ctx ends. It fails only if the queues cannot be
// resolved at startup; later queue errors are reported as task_fail and retried.
func (w *Worker) Run(ctx context.Context) error {
	taskURL, err := w.queue.QueueURL(ctx, w.cfg.TaskQueue)
	if err != nil {
		return apperror.NewUnavailable("resolve task queue", err)
	}
	resultURL, err := w.queue.QueueURL(ctx, w.cfg.ResultQueue)
	if err != nil {
		return apperror.NewUnavailable("resolve result queue", err)
	}

	w.log.Info("worker started",
		slog.String("engine", w.engine.Name()),
		slog.String("task_queue", w.cfg.TaskQueue))

	opts := queue.ReceiveOptions{
		MaxMessages: 1,
		Wait:        w.cfg.Wait,
		Visibility:  w.cfg.Visibility,
	}
	for ctx.Err() == nil {
		msgs, err := w.queue.Receive(ctx, taskURL, opts)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.fail(ctx, resultURL, fmt.Errorf("receive task: %w", err))
			w.pause(ctx)
			continue
		}
		for _, m := range msgs {
			if err := w.handle(ctx, resultURL, m); err != nil {
				w.fail(ctx, resultURL, err)
				// Undecodable tasks never succeed; only send failures are retried.
				if !errors.Is(err, protocol.ErrMalformedMessage) {
					continue
				}
			}
			if err := w.queue.Delete(ctx, taskURL, m.ReceiptHandle); err != nil {
				w.log.Warn("failed to acknowledge task", slog.String("message_id", m.ID), logger.Error(err))
			}
		}
	}
	w.log.Info("worker stopped")
	return nil
}

// handle processes one task and sends its result. A returned error that is
// not ErrMalformedMessage leaves the task for redelivery.
func (w *Worker) handle(ctx context.Context, resultURL string, m queue.Message) error {
	msg, err := protocol.Decode(m.Body)
	if err != nil {
		return err
	}
	task, ok := msg.(protocol.NewImageTask)
	if !ok {
		return fmt.Errorf("%w: %s on task queue", protocol.ErrMalformedMessage, msg.Kind())
	}

	ctx, span := tracing.Start(ctx, "worker.ocr",
		attribute.String("ocrfleet.job.id", task.JobID),
		attribute.String("ocrfleet.item", task.Payload))
	defer span.End()

	text := w.recognize(ctx, task.Payload)
	body, err := protocol.Encode(protocol.DoneOCRTask{
		JobID:   task.JobID,
		Payload: task.Payload,
		Text:    protocol.Scrub(text),
	})
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if err := w.queue.Send(ctx, resultURL, body); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("send result: %w", err)
	}
	return nil
}

// recognize returns the item's text, or ErrorPrefix and the failure.
func (w *Worker) recognize(ctx context.Context, url string) string {
	log := w.log.With(slog.String("item", url))

	image, err := w.fetch.Fetch(ctx, url)
	if err != nil {
		log.Warn("image fetch failed", logger.Error(err))
		return ErrorPrefix + err.Error()
	}
	text, err := w.engine.Recognize(ctx, image, w.cfg.Languages)
	if err != nil {
		log.Warn("ocr failed", logger.Error(err))
		return ErrorPrefix + err.Error()
	}
	log.Debug("ocr done", slog.Int("chars", len(text)))
	return text
}

// fail reports a loop-level failure to the coordinator.
func (w *Worker) fail(ctx context.Context, resultURL string, cause error) {
	w.log.Error("task failed", logger.Error(cause))
	body := protocol.MustEncode(protocol.TaskFail{Reason: protocol.Scrub(cause.Error())})
	if err := w.queue.Send(ctx, resultURL, body); err != nil && ctx.Err() == nil {
		w.log.Error("failed to report task failure", logger.Error(err))
	}
}

func (w *Worker) pause(ctx context.Context) {
	t := time.NewTimer(w.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
