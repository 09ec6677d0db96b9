package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"go.uber.org/fx"

	"github.com/emergent-company/ocrfleet/internal/config"
	"github.com/emergent-company/ocrfleet/internal/fleet"
	"github.com/emergent-company/ocrfleet/internal/queue"
	"github.com/emergent-company/ocrfleet/internal/storage"
	"github.com/emergent-company/ocrfleet/pkg/logger"
	"github.com/emergent-company/ocrfleet/pkg/syshealth"
)

// Module provides the Coordinator and runs it for the lifetime of the app.
var Module = fx.Module("coordinator",
	fx.Provide(
		NewRegistryFromConfig,
		NewMemoryGate,
		NewFromParams,
		NewRunner,
	),
	fx.Invoke(RegisterRunnerLifecycle),
)

// Params are the dependencies for creating a Coordinator.
type Params struct {
	fx.In

	Config   *config.Config
	Queue    queue.Client
	Store    storage.ObjectStore
	Fleet    *fleet.Controller
	Gate     *syshealth.MemoryGate
	Registry *Registry
	Log      *slog.Logger
}

// NewFromParams creates a Coordinator from injected dependencies.
func NewFromParams(p Params) *Coordinator {
	return New(p.Config, p.Queue, p.Store, p.Fleet, p.Gate, p.Registry, p.Log)
}

// NewRegistryFromConfig sizes the completed-job memory from config.
func NewRegistryFromConfig(cfg *config.Config) *Registry {
	return NewRegistry(cfg.Coordinator.CompletedJobMemory)
}

// NewMemoryGate builds the admission gate from config.
func NewMemoryGate(cfg *config.Config, log *slog.Logger) *syshealth.MemoryGate {
	return syshealth.NewMemoryGate(&syshealth.Config{
		Threshold:    cfg.Coordinator.MemoryThreshold,
		MaxHeapBytes: cfg.Coordinator.MaxHeapBytes,
	}, log)
}

// Runner runs the coordinator in the background and shuts the app down
// when it returns.
type Runner struct {
	coord      *Coordinator
	shutdowner fx.Shutdowner
	log        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewRunner creates a Runner.
func NewRunner(coord *Coordinator, shutdowner fx.Shutdowner, log *slog.Logger) *Runner {
	return &Runner{
		coord:      coord,
		shutdowner: shutdowner,
		log:        log.With(logger.Scope("coordinator.runner")),
		done:       make(chan struct{}),
	}
}

// Err returns the error Run finished with, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Runner) start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go func() {
		defer close(r.done)
		err := r.coord.Run(ctx)

		r.mu.Lock()
		r.err = err
		r.mu.Unlock()

		code := 0
		if err != nil {
			r.log.Error("coordinator stopped with error", logger.Error(err))
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
}

func (r *Runner) stop(ctx context.Context) error {
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterRunnerLifecycle starts the coordinator with the app and interrupts
// it on stop.
func RegisterRunnerLifecycle(lc fx.Lifecycle, r *Runner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return r.stop(ctx)
		},
	})
}
