package fleet

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/ocrfleet/internal/compute"
	"github.com/emergent-company/ocrfleet/internal/config"
	"github.com/emergent-company/ocrfleet/internal/scheduler"
)

// Module provides the fleet Controller and schedules its reconciliation.
var Module = fx.Module("fleet",
	fx.Provide(NewConfig, NewController),
	fx.Invoke(RegisterReconcileTask),
)

// NewConfig derives the controller configuration from app config.
func NewConfig(cfg *config.Config) Config {
	f := cfg.Fleet
	return Config{
		MaxWorkers:     f.MaxWorkers,
		ReconcileGrace: f.ReconcileGrace,
		UnlistedExpiry: f.UnlistedExpiry,
		Template: compute.LaunchSpec{
			ImageID:            f.ImageID,
			InstanceType:       f.InstanceType,
			IAMInstanceProfile: f.IAMInstanceProfile,
			KeyName:            f.KeyName,
			UserData:           f.BootstrapScript,
			TagKey:             f.TagKey,
			TagValue:           f.TagValue,
		},
	}
}

// RegisterReconcileTask runs Reconcile on the configured interval.
func RegisterReconcileTask(s *scheduler.Scheduler, c *Controller, cfg *config.Config, log *slog.Logger) error {
	if cfg.Fleet.ReconcileInterval <= 0 {
		log.Info("fleet reconciliation disabled")
		return nil
	}
	return s.AddIntervalTask("fleet_reconcile", cfg.Fleet.ReconcileInterval, func(ctx context.Context) error {
		_, err := c.Reconcile(ctx)
		return err
	})
}
