package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	ListenAddress string        `envconfig:"LISTEN_ADDRESS" default:":8080"`
	MetricsAddr   string        `envconfig:"METRICS_ADDR" default:":9090"`
	ReadTimeout   time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout  time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`

	// Database
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`

	// Optional collaborators
	RedisURL string `envconfig:"REDIS_URL" default:""`
	NATSURL  string `envconfig:"NATS_URL" default:""`

	// Dispatcher
	WorkerCount  int           `envconfig:"WORKER_COUNT" default:"0"` // 0 = min(8, 2*CPU)
	SendTimeout  time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	IdleSleep    time.Duration `envconfig:"IDLE_SLEEP" default:"250ms"`
	IdleSleepMax time.Duration `envconfig:"IDLE_SLEEP_MAX" default:"5s"`

	// Scheduler
	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"60s"`
	ExpirationWindow  time.Duration `envconfig:"EXPIRATION_WINDOW" default:"24h"`

	// Maintenance
	MaintenanceInterval time.Duration `envconfig:"MAINTENANCE_INTERVAL" default:"24h"`
	RetentionSentDays   int           `envconfig:"RETENTION_SENT_DAYS" default:"14"`
	RetentionFailedDays int           `envconfig:"RETENTION_FAILED_DAYS" default:"7"`
	SendingRescueAge    time.Duration `envconfig:"SENDING_RESCUE_AGE" default:"1h"`

	// Retry policy defaults
	MaxAttemptsDefault int           `envconfig:"MAX_ATTEMPTS_DEFAULT" default:"3"`
	BaseDelay          time.Duration `envconfig:"BASE_DELAY" default:"1s"`
	MaxDelay           time.Duration `envconfig:"MAX_DELAY" default:"60s"`

	// Admission
	HighWatermarkQueue int64 `envconfig:"HIGH_WATERMARK_QUEUE" default:"10000"`
	RateLimitRPS       int   `envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst     int   `envconfig:"RATE_LIMIT_BURST" default:"200"`

	// Health thresholds
	QueueDepthWarn     int64   `envconfig:"QUEUE_DEPTH_WARN" default:"100"`
	QueueDepthCritical int64   `envconfig:"QUEUE_DEPTH_CRITICAL" default:"1000"`
	ErrorRateWarn      float64 `envconfig:"ERROR_RATE_WARN" default:"0.10"`
	ErrorRateCritical  float64 `envconfig:"ERROR_RATE_CRITICAL" default:"0.50"`

	// Mock transport
	MockSuccessRate  float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	MockTempFailRate float64 `envconfig:"MOCK_TEMP_FAIL_RATE" default:"0.03"`
	MockPermFailRate float64 `envconfig:"MOCK_PERM_FAIL_RATE" default:"0.02"`
	MockLatencyMs    int     `envconfig:"MOCK_LATENCY_MS" default:"100"`

	// Observability
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
