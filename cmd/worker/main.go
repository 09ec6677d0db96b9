// Package main is the ocrfleet worker: it pulls image tasks, runs OCR and
// posts the text back to the coordinator.
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/emergent-company/ocrfleet/internal/config"
	"github.com/emergent-company/ocrfleet/internal/worker"
	"github.com/emergent-company/ocrfleet/pkg/logger"
)

var opts struct {
	taskQueue   string
	resultQueue string
	languages   string
	tessdata    string
}

var rootCmd = &cobra.Command{
	Use:          "worker [task-queue] [result-queue]",
	Short:        "Run an OCR worker",
	Args:         cobra.MaximumNArgs(2),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.taskQueue, "task-queue", "", "queue to take image tasks from (overrides WORKER_TASK_QUEUE)")
	f.StringVar(&opts.resultQueue, "result-queue", "", "queue to post results to (overrides WORKER_RESULT_QUEUE)")
	f.StringVar(&opts.languages, "languages", "", "comma-separated OCR languages (overrides OCR_LANGUAGES)")
	f.StringVar(&opts.tessdata, "tessdata", "", "tessdata directory (overrides TESSDATA_PREFIX)")
}

func run(cmd *cobra.Command, args []string) error {
	// Positional queue names match how the bootstrap script launches workers.
	if len(args) > 0 && opts.taskQueue == "" {
		opts.taskQueue = args[0]
	}
	if len(args) > 1 && opts.resultQueue == "" {
		opts.resultQueue = args[1]
	}

	var runner *worker.Runner
	app := fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		logger.Module,
		fx.Provide(newWorkerConfig),
		worker.Module,
		fx.Populate(&runner),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	<-app.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		return err
	}
	return runner.Err()
}

func newWorkerConfig() (*config.WorkerConfig, error) {
	cfg, err := config.NewWorkerConfig()
	if err != nil {
		return nil, err
	}
	if opts.taskQueue != "" {
		cfg.TaskQueue = opts.taskQueue
	}
	if opts.resultQueue != "" {
		cfg.ResultQueue = opts.resultQueue
	}
	if opts.languages != "" {
		cfg.Languages = strings.Split(opts.languages, ",")
	}
	if opts.tessdata != "" {
		cfg.Tessdata = opts.tessdata
	}
	return cfg, nil
}

func main() {
	_ = godotenv.Load(".env")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
