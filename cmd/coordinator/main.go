// Package main is the ocrfleet coordinator: it admits OCR jobs from the intake
// queue, scales the worker fleet and reports completion to submitters.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/emergent-company/ocrfleet/internal/awsconfig"
	"github.com/emergent-company/ocrfleet/internal/compute"
	"github.com/emergent-company/ocrfleet/internal/config"
	"github.com/emergent-company/ocrfleet/internal/coordinator"
	"github.com/emergent-company/ocrfleet/internal/fleet"
	"github.com/emergent-company/ocrfleet/internal/queue"
	"github.com/emergent-company/ocrfleet/internal/scheduler"
	"github.com/emergent-company/ocrfleet/internal/server"
	"github.com/emergent-company/ocrfleet/internal/storage"
	"github.com/emergent-company/ocrfleet/internal/tracing"
	"github.com/emergent-company/ocrfleet/pkg/logger"
)

// stopTimeout covers fleet and queue teardown after an interrupt.
const stopTimeout = 5 * time.Minute

type flags struct {
	intakeQueue     string
	bootstrapScript string
	imageID         string
	iamProfile      string
	maxWorkers      int
	haltOnExit      bool
}

var opts flags

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the OCR job coordinator",
	Long: `Consume OCR jobs from the intake queue, fan their items out to a
fleet of worker instances and notify each submitter when its job completes.
Runs until a job carrying the terminate flag has been drained.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.intakeQueue, "intake-queue", "", "intake queue name (overrides INTAKE_QUEUE)")
	f.StringVar(&opts.bootstrapScript, "bootstrap-script", "", "path to the worker bootstrap script (overrides WORKER_BOOTSTRAP_SCRIPT)")
	f.StringVar(&opts.imageID, "image-id", "", "worker machine image id (overrides WORKER_IMAGE_ID)")
	f.StringVar(&opts.iamProfile, "iam-profile", "", "worker IAM instance profile name or ARN (overrides WORKER_IAM_PROFILE)")
	f.IntVar(&opts.maxWorkers, "max-workers", 0, "cap on live workers (overrides MAX_WORKERS)")
	f.BoolVar(&opts.haltOnExit, "halt-on-exit", false, "power the host off after a clean drain (overrides HALT_HOST_ON_EXIT)")
}

// applyFlags overlays explicitly set flags on the env-derived config.
func applyFlags(cmd *cobra.Command, script string) func(*config.Config) (*config.Config, error) {
	return func(cfg *config.Config) (*config.Config, error) {
		changed := cmd.Flags().Changed
		if changed("intake-queue") {
			cfg.Queues.IntakeQueue = opts.intakeQueue
		}
		if script != "" {
			cfg.Fleet.BootstrapScript = script
		}
		if changed("image-id") {
			cfg.Fleet.ImageID = opts.imageID
		}
		if changed("iam-profile") {
			cfg.Fleet.IAMInstanceProfile = opts.iamProfile
		}
		if changed("max-workers") {
			cfg.Fleet.MaxWorkers = opts.maxWorkers
		}
		if changed("halt-on-exit") {
			cfg.HaltHostOnExit = opts.haltOnExit
		}
		return cfg, cfg.Validate()
	}
}

func run(cmd *cobra.Command, _ []string) error {
	var script string
	if opts.bootstrapScript != "" {
		b, err := os.ReadFile(opts.bootstrapScript)
		if err != nil {
			return fmt.Errorf("read bootstrap script: %w", err)
		}
		script = string(b)
	}

	var (
		runner *coordinator.Runner
		cfg    *config.Config
		log    *slog.Logger
	)
	app := fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		fx.StopTimeout(stopTimeout),

		// Infrastructure modules
		logger.Module,
		config.Module,
		fx.Decorate(applyFlags(cmd, script)),
		awsconfig.Module,
		tracing.Module,
		server.Module,
		scheduler.Module,

		// Collaborators
		queue.Module,
		storage.Module,
		compute.Module,

		// Domain modules
		fleet.Module,
		coordinator.Module,

		fx.Populate(&runner, &cfg, &log),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	sig := <-app.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelStop()
	stopErr := app.Stop(stopCtx)

	if err := runner.Err(); err != nil {
		return err
	}
	if stopErr != nil {
		return stopErr
	}
	if sig.ExitCode != 0 {
		return fmt.Errorf("coordinator exited with code %d", sig.ExitCode)
	}

	if cfg.HaltHostOnExit {
		haltHost(log)
	}
	return nil
}

// haltHost powers the machine off once the coordinator has drained.
func haltHost(log *slog.Logger) {
	log.Info("halting host")
	out, err := exec.Command("sudo", "shutdown", "-h", "now").CombinedOutput()
	if err != nil {
		log.Error("host halt failed", slog.String("output", string(out)), logger.Error(err))
	}
}

func main() {
	// Load() won't overwrite existing vars, Overload() lets .env.local win
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
