// Package tracing wires the process TracerProvider into the coordinator app.
package tracing

import (
	"cmp"
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/fx"

	"github.com/emergent-company/ocrfleet/internal/config"
	"github.com/emergent-company/ocrfleet/pkg/logger"
	"github.com/emergent-company/ocrfleet/pkg/tracing"
)

// Module provides the coordinator's *tracing.Provider and traces admin
// requests when export is enabled.
var Module = fx.Module("tracing",
	fx.Provide(NewCoordinatorProvider),
	fx.Invoke(RegisterLifecycle, RegisterEchoMiddleware),
)

// NewCoordinatorProvider builds the provider tagged with the coordinator role
// and its intake queue.
func NewCoordinatorProvider(cfg *config.Config, log *slog.Logger) (*tracing.Provider, error) {
	return newProvider(tracing.Options{
		Endpoint:     cfg.Otel.ExporterEndpoint,
		ServiceName:  cfg.Otel.ServiceName,
		Role:         tracing.RoleCoordinator,
		SamplingRate: cfg.Otel.SamplingRate,
		Queue:        cfg.Queues.IntakeQueue,
	}, log)
}

// NewWorkerProvider builds the provider tagged with the worker role and its task queue.
func NewWorkerProvider(cfg *config.WorkerConfig, log *slog.Logger) (*tracing.Provider, error) {
	return newProvider(tracing.Options{
		Endpoint:     cfg.Otel.ExporterEndpoint,
		ServiceName:  cfg.Otel.ServiceName,
		Role:         tracing.RoleWorker,
		SamplingRate: cfg.Otel.SamplingRate,
		Queue:        cfg.TaskQueue,
	}, log)
}

func newProvider(opts tracing.Options, log *slog.Logger) (*tracing.Provider, error) {
	log = log.With(logger.Scope("tracing"))
	p, err := tracing.NewProvider(context.Background(), opts)
	if err != nil {
		return nil, err
	}
	if !p.Enabled() {
		log.Info("span export disabled", slog.String("role", opts.Role))
		return p, nil
	}
	log.Info("exporting spans",
		slog.String("role", opts.Role),
		slog.String("endpoint", opts.Endpoint),
		slog.Float64("sampling_rate", opts.SamplingRate))
	return p, nil
}

// RegisterLifecycle flushes spans on app stop.
func RegisterLifecycle(lc fx.Lifecycle, p *tracing.Provider) {
	lc.Append(fx.Hook{OnStop: p.Shutdown})
}

// RegisterEchoMiddleware traces the job status endpoints; health checks and
// scrapes are skipped.
func RegisterEchoMiddleware(e *echo.Echo, p *tracing.Provider, cfg *config.Config) {
	if !p.Enabled() {
		return
	}
	e.Use(otelecho.Middleware(
		cmp.Or(cfg.Otel.ServiceName, "ocrfleet-"+tracing.RoleCoordinator),
		otelecho.WithSkipper(func(c echo.Context) bool {
			switch c.Request().URL.Path {
			case "/health", "/ready", "/metrics":
				return true
			}
			return false
		}),
	))
}
