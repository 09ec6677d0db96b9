package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/fx"

	"github.com/emergent-company/ocrfleet/internal/awsconfig"
	"github.com/emergent-company/ocrfleet/internal/config"
	"github.com/emergent-company/ocrfleet/internal/queue"
	"github.com/emergent-company/ocrfleet/internal/tracing"
	"github.com/emergent-company/ocrfleet/pkg/logger"
	"github.com/emergent-company/ocrfleet/pkg/ocr"
	"github.com/emergent-company/ocrfleet/pkg/ocr/tesseract"
)

// Module wires a worker against SQS and Tesseract and runs it with the app.
var Module = fx.Module("worker",
	fx.Provide(
		tracing.NewWorkerProvider,
		NewAWSConfig,
		fx.Annotate(queue.NewSQSClient, fx.As(new(queue.Client))),
		NewEngine,
		NewFetcher,
		New,
		NewRunner,
	),
	fx.Invoke(tracing.RegisterLifecycle, RegisterRunnerLifecycle),
)

// NewAWSConfig loads the SDK configuration for the worker.
func NewAWSConfig(cfg *config.WorkerConfig, log *slog.Logger) (aws.Config, error) {
	return awsconfig.Load(context.Background(), cfg.AWS, log)
}

// NewEngine returns the Tesseract OCR engine.
func NewEngine(cfg *config.WorkerConfig) ocr.Engine {
	return tesseract.NewEngine(cfg.Tessdata)
}

// NewFetcher returns the HTTP image fetcher.
func NewFetcher(cfg *config.WorkerConfig) Fetcher {
	return NewHTTPFetcher(cfg.FetchTimeout)
}

// Runner runs the worker loop in the background.
type Runner struct {
	worker     *Worker
	shutdowner fx.Shutdowner
	log        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewRunner creates a Runner.
func NewRunner(w *Worker, shutdowner fx.Shutdowner, log *slog.Logger) *Runner {
	return &Runner{
		worker:     w,
		shutdowner: shutdowner,
		log:        log.With(logger.Scope("worker.runner")),
		done:       make(chan struct{}),
	}
}

// Err returns the error the worker stopped with, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// RegisterRunnerLifecycle starts the worker with the app and stops it on shutdown.
func RegisterRunnerLifecycle(lc fx.Lifecycle, r *Runner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			r.cancel = cancel
			go func() {
				defer close(r.done)
				err := r.worker.Run(ctx)
				r.mu.Lock()
				r.err = err
				r.mu.Unlock()

				code := 0
				if err != nil {
					r.log.Error("worker stopped with error", logger.Error(err))
					code = 1
				}
				if ctx.Err() != nil {
					// Stopped by the app; nothing to signal.
					return
				}
				if serr := r.shutdowner.Shutdown(fx.ExitCode(code)); serr != nil {
					r.log.Warn("app shutdown request failed", logger.Error(serr))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			r.cancel()
			select {
			case <-r.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
