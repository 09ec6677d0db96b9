package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/ocrfleet/internal/compute"
	"github.com/emergent-company/ocrfleet/pkg/apperror"
	"github.com/emergent-company/ocrfleet/pkg/logger"
	"github.com/emergent-company/ocrfleet/pkg/tracing"
)

// Config configures a Controller.
type Config struct {
	// MaxWorkers is the hard cap on live worker instances.
	MaxWorkers int
	// Template is the launch spec for one worker; Count is ignored.
	Template compute.LaunchSpec
	// ReconcileGrace skips reconciliation this soon after a launch, while new instances may not be listed yet.
	ReconcileGrace time.Duration
	// UnlistedExpiry forgets a launched id that has never been listed after this long.
	// Zero keeps such ids until TerminateAll.
	UnlistedExpiry time.Duration
}

// Snapshot is a point-in-time view of the fleet for status reporting.
type Snapshot struct {
	Desired      int       `json:"desired"`
	LastObserved int       `json:"last_observed"`
	Cap          int       `json:"cap"`
	LastLaunch   time.Time `json:"last_launch,omitempty"`
}

// Controller sizes the worker fleet. Desired count lives here; the active set
// is always re-read from the provisioner. All decisions happen under mu.
type Controller struct {
	prov   compute.Provisioner
	alarms compute.Alarms
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	desired      int
	lastObserved int
	lastLaunch   time.Time
	// launched holds ids we started that have not been listed yet, with their
	// launch time. They count toward the cap and teardown reaches them.
	launched map[string]time.Time
}

// NewController creates a fleet controller
func NewController(prov compute.Provisioner, alarms compute.Alarms, cfg Config, log *slog.Logger) *Controller {
	if alarms == nil {
		alarms = compute.NoopAlarms{}
	}
	return &Controller{
		prov:     prov,
		alarms:   alarms,
		cfg:      cfg,
		log:      log.With(logger.Scope("fleet")),
		now:      time.Now,
		launched: make(map[string]time.Time),
	}
}

// EnsureCapacity makes sure at least min(k, cap) workers are running or
// requested. Instances requested earlier but not yet listed count as expected,
// so repeating a call before they appear launches nothing. It returns the
// number of instances launched by this call, or ErrCapacityExceeded when the
// fleet is already at its cap.
func (c *Controller) EnsureCapacity(ctx context.Context, k int) (int, error) {
	ctx, span := tracing.Start(ctx, "fleet.ensure_capacity", attribute.Int("fleet.requested", k))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.observe(ctx)
	if err != nil {
		return 0, err
	}

	target := min(k, c.cfg.MaxWorkers)
	expected := max(active, c.desired)
	if target > c.desired {
		c.desired = target
		DesiredWorkers.Set(float64(c.desired))
	}

	if active >= c.cfg.MaxWorkers {
		CapacityExceeded.Inc()
		return 0, apperror.ErrCapacityExceeded.WithDetails(map[string]any{
			"requested": k,
			"active":    active,
			"cap":       c.cfg.MaxWorkers,
		})
	}

	toLaunch := min(target-expected, c.cfg.MaxWorkers-active-len(c.launched))
	if toLaunch <= 0 {
		return 0, nil
	}

	c.log.Info("scaling fleet up",
		slog.Int("requested", k),
		slog.Int("active", active),
		slog.Int("desired", c.desired),
		slog.Int("launching", toLaunch))
	return c.launch(ctx, toLaunch)
}

// Reconcile launches the shortfall when fewer instances are running than
// desired, e.g. after a failed launch or a crashed worker.
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	ctx, span := tracing.Start(ctx, "fleet.reconcile")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.desired == 0 {
		return 0, nil
	}
	if !c.lastLaunch.IsZero() && c.now().Sub(c.lastLaunch) < c.cfg.ReconcileGrace {
		c.log.Debug("reconcile skipped within launch grace period")
		return 0, nil
	}

	active, err := c.observe(ctx)
	if err != nil {
		return 0, err
	}

	// Requested but not yet listed ids still count toward the cap.
	expected := active + len(c.launched)
	want := min(c.desired, c.cfg.MaxWorkers)
	if expected >= want {
		return 0, nil
	}

	c.log.Warn("fleet below desired size, repairing",
		slog.Int("active", active),
		slog.Int("unlisted", len(c.launched)),
		slog.Int("desired", want))
	return c.launch(ctx, want-expected)
}

// TerminateAll terminates every worker and resets the desired count to zero.
// Calling it again with nothing running is a no-op.
func (c *Controller) TerminateAll(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "fleet.terminate_all")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.desired = 0
	DesiredWorkers.Set(0)

	instances, err := c.prov.ListInstances(ctx, c.cfg.Template.TagKey, c.cfg.Template.TagValue)
	if err != nil {
		return apperror.NewUnavailable("list instances", err)
	}

	ids := make([]string, 0, len(instances)+len(c.launched))
	seen := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
		seen[inst.ID] = struct{}{}
	}
	for id := range c.launched {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	if err := c.prov.TerminateInstances(ctx, ids); err != nil {
		return apperror.NewUnavailable("terminate instances", err)
	}
	clear(c.launched)
	c.lastObserved = 0
	ActiveWorkers.Set(0)
	c.log.Info("fleet terminated", slog.Int("instances", len(ids)))

	if err := c.alarms.RemoveHealthAlarms(ctx, ids); err != nil {
		c.log.Warn("failed to remove health alarms", logger.Error(err))
	}
	return nil
}

// Snapshot returns the controller's current view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Desired:      c.desired,
		LastObserved: c.lastObserved,
		Cap:          c.cfg.MaxWorkers,
		LastLaunch:   c.lastLaunch,
	}
}

// observe lists live tagged instances and forgets launched ids that are now
// listed or have stayed unlisted past UnlistedExpiry. Caller holds mu.
func (c *Controller) observe(ctx context.Context) (int, error) {
	instances, err := c.prov.ListInstances(ctx, c.cfg.Template.TagKey, c.cfg.Template.TagValue)
	if err != nil {
		c.log.Error("failed to list instances", logger.Error(err))
		return 0, apperror.NewUnavailable("list instances", err)
	}
	for _, inst := range instances {
		delete(c.launched, inst.ID)
	}
	if c.cfg.UnlistedExpiry > 0 {
		now := c.now()
		for id, at := range c.launched {
			if now.Sub(at) >= c.cfg.UnlistedExpiry {
				c.log.Warn("launched instance never listed, no longer counted", slog.String("instance_id", id))
				delete(c.launched, id)
			}
		}
	}
	c.lastObserved = len(instances)
	ActiveWorkers.Set(float64(len(instances)))
	return len(instances), nil
}

// launch starts n workers. Caller holds mu.
func (c *Controller) launch(ctx context.Context, n int) (int, error) {
	spec := c.cfg.Template
	spec.Count = n

	ids, err := c.prov.LaunchInstances(ctx, spec)
	if err != nil {
		LaunchFailures.Inc()
		c.log.Error("failed to launch workers", slog.Int("count", n), logger.Error(err))
		return 0, apperror.NewUnavailable("launch instances", err)
	}

	c.lastLaunch = c.now()
	LaunchedWorkers.Add(float64(len(ids)))
	for _, id := range ids {
		c.launched[id] = c.lastLaunch
		if err := c.alarms.RegisterHealthAlarm(ctx, id); err != nil {
			c.log.Warn("failed to register health alarm",
				slog.String("instance_id", id),
				logger.Error(err))
		}
	}
	return len(ids), nil
}
