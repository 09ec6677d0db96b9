package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

// Module provides configuration
var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all coordinator configuration
type Config struct {
	Environment string `env:"GO_ENV" envDefault:"development"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`

	AWS         AWSConfig
	Queues      QueueConfig
	Coordinator CoordinatorConfig
	Fleet       FleetConfig
	Server      ServerConfig
	Otel        OtelConfig

	// HaltHostOnExit powers the host off after a clean drain.
	HaltHostOnExit bool `env:"HALT_HOST_ON_EXIT" envDefault:"false"`
}

// AWSConfig holds credentials and endpoint overrides shared by every AWS client.
type AWSConfig struct {
	Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	Endpoint        string `env:"AWS_ENDPOINT_URL"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	SessionToken    string `env:"AWS_SESSION_TOKEN"`
}

// StaticCredentials reports whether explicit keys were configured.
func (c AWSConfig) StaticCredentials() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// QueueConfig names the three queues and their receive parameters.
type QueueConfig struct {
	IntakeQueue string `env:"INTAKE_QUEUE" envDefault:"manager_tasks"`
	TaskQueue   string `env:"WORKER_TASK_QUEUE" envDefault:"worker_tasks"`
	ResultQueue string `env:"WORKER_RESULT_QUEUE" envDefault:"worker_results"`

	IntakeWait       time.Duration `env:"INTAKE_WAIT" envDefault:"20s"`
	IntakeVisibility time.Duration `env:"INTAKE_VISIBILITY" envDefault:"45s"`
	ResultBatchSize  int           `env:"RESULT_BATCH_SIZE" envDefault:"10"`
	ResultWait       time.Duration `env:"RESULT_WAIT" envDefault:"15s"`
	ResultVisibility time.Duration `env:"RESULT_VISIBILITY" envDefault:"5m"`
}

// CoordinatorConfig tunes the intake and result pipelines.
type CoordinatorConfig struct {
	IntakeConsumers   int     `env:"INTAKE_CONSUMERS" envDefault:"1"`
	ResultConsumers   int     `env:"RESULT_CONSUMERS" envDefault:"6"`
	SenderConcurrency int     `env:"SENDER_CONCURRENCY" envDefault:"6"`
	SendRatePerSecond float64 `env:"SEND_RATE_PER_SECOND" envDefault:"0"`

	// MemoryThreshold is the heap fraction of MaxHeapBytes above which intake defers.
	MemoryThreshold float64 `env:"MEMORY_THRESHOLD" envDefault:"0.9"`
	// MaxHeapBytes overrides GOMEMLIMIT and host memory as the admission ceiling.
	MaxHeapBytes uint64 `env:"MAX_HEAP_BYTES" envDefault:"0"`

	IdleTimeout time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`
	// PendingRegistrationTimeout bounds how long a result waits for its job; 0 waits until registration closes.
	PendingRegistrationTimeout time.Duration `env:"PENDING_REGISTRATION_TIMEOUT" envDefault:"0s"`
	CompletedJobMemory         int           `env:"COMPLETED_JOB_MEMORY" envDefault:"4096"`

	TeardownTimeout time.Duration `env:"TEARDOWN_TIMEOUT" envDefault:"2m"`
}

// FleetConfig describes worker instances and the reconciliation cadence.
type FleetConfig struct {
	MaxWorkers         int    `env:"MAX_WORKERS" envDefault:"20"`
	ImageID            string `env:"WORKER_IMAGE_ID"`
	InstanceType       string `env:"WORKER_INSTANCE_TYPE" envDefault:"t2.micro"`
	IAMInstanceProfile string `env:"WORKER_IAM_PROFILE"`
	KeyName            string `env:"WORKER_KEY_NAME"`
	BootstrapScript    string `env:"WORKER_BOOTSTRAP_SCRIPT"`
	TagKey             string `env:"WORKER_TAG_KEY" envDefault:"Name"`
	TagValue           string `env:"WORKER_TAG_VALUE" envDefault:"worker"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"2m"`
	ReconcileGrace    time.Duration `env:"RECONCILE_GRACE" envDefault:"90s"`
	UnlistedExpiry    time.Duration `env:"UNLISTED_INSTANCE_EXPIRY" envDefault:"10m"`

	AlarmsEnabled bool   `env:"WORKER_ALARMS_ENABLED" envDefault:"false"`
	AlarmPrefix   string `env:"WORKER_ALARM_PREFIX" envDefault:"ocrfleet"`
}

// ServerConfig configures the admin HTTP surface.
type ServerConfig struct {
	Enabled         bool          `env:"ADMIN_ENABLED" envDefault:"true"`
	Address         string        `env:"ADMIN_ADDRESS" envDefault:"0.0.0.0"`
	Port            int           `env:"ADMIN_PORT" envDefault:"8090"`
	ReadTimeout     time.Duration `env:"ADMIN_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"ADMIN_WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"ADMIN_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// OtelConfig holds OpenTelemetry exporter configuration.
type OtelConfig struct {
	ExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// ServiceName defaults to ocrfleet-<role>.
	ServiceName  string  `env:"OTEL_SERVICE_NAME"`
	SamplingRate float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1.0"`
}

// Enabled reports whether an exporter endpoint is configured.
func (o OtelConfig) Enabled() bool {
	return o.ExporterEndpoint != ""
}

// NewConfig creates a new Config from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("region", cfg.AWS.Region),
		slog.String("intake_queue", cfg.Queues.IntakeQueue),
		slog.Int("max_workers", cfg.Fleet.MaxWorkers),
	)
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Config) Validate() error {
	switch {
	case c.Queues.IntakeQueue == "":
		return fmt.Errorf("invalid config: intake queue name is required")
	case c.Coordinator.IntakeConsumers < 1:
		return fmt.Errorf("invalid config: INTAKE_CONSUMERS must be at least 1")
	case c.Coordinator.ResultConsumers < 1:
		return fmt.Errorf("invalid config: RESULT_CONSUMERS must be at least 1")
	case c.Coordinator.SenderConcurrency < 1:
		return fmt.Errorf("invalid config: SENDER_CONCURRENCY must be at least 1")
	case c.Coordinator.MemoryThreshold <= 0 || c.Coordinator.MemoryThreshold > 1:
		return fmt.Errorf("invalid config: MEMORY_THRESHOLD must be in (0, 1]")
	case c.Fleet.MaxWorkers < 0:
		return fmt.Errorf("invalid config: MAX_WORKERS must not be negative")
	case c.Queues.ResultBatchSize < 1 || c.Queues.ResultBatchSize > 10:
		return fmt.Errorf("invalid config: RESULT_BATCH_SIZE must be between 1 and 10")
	}
	return nil
}

// WorkerConfig configures the OCR worker process.
type WorkerConfig struct {
	AWS          AWSConfig
	TaskQueue    string        `env:"WORKER_TASK_QUEUE" envDefault:"worker_tasks"`
	ResultQueue  string        `env:"WORKER_RESULT_QUEUE" envDefault:"worker_results"`
	Wait         time.Duration `env:"WORKER_WAIT" envDefault:"20s"`
	Visibility   time.Duration `env:"WORKER_VISIBILITY" envDefault:"2m"`
	Languages    []string      `env:"OCR_LANGUAGES" envSeparator:"," envDefault:"eng"`
	Tessdata     string        `env:"TESSDATA_PREFIX"`
	FetchTimeout time.Duration `env:"WORKER_FETCH_TIMEOUT" envDefault:"30s"`
	Otel         OtelConfig
}

// NewWorkerConfig parses WorkerConfig from the environment.
func NewWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse worker config: %w", err)
	}
	return cfg, nil
}
