// Package config loads the pipeline's environment-variable configuration,
// mirroring pkg/config/config.go's flat Config+Load() shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named across spec.md §4 and §10, each with the
// same default the component packages themselves fall back to when wired
// directly (so running with no environment at all still behaves exactly
// like the package defaults).
type Config struct {
	// Streams.
	RedisAddr    string
	IngressKey   string
	CDCKey       string
	DLQKey       string

	// Storage.
	RawStorePath      string
	ConvStorePath     string
	MetricsStorePath  string
	DedupStorePath    string
	FallbackStorePath string

	// Fast path (spec.md §4.2).
	BatchMax     int
	BatchWait    time.Duration
	BlockPoll    time.Duration
	StuckAfter   time.Duration
	RecoveryTick time.Duration
	CDCTimeout   time.Duration
	MaxRetries   int

	// Worker pool (spec.md §4.3).
	NWorkers    int
	MonitorTick time.Duration
	ShedPause   time.Duration

	// Derived-state / custody.
	MetricsGranularity string

	// Recovery (spec.md §4.2 fallback sweep, §4.6 custody check).
	SweepSchedule   string
	CustodySchedule string

	// Shutdown (spec.md §5).
	ShutdownTimeout time.Duration

	// Observability.
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	OTLPInsecure   bool
	LogLevel       string
}

// Load reads configuration from the environment, falling back to
// spec-stated defaults for anything unset.
func Load() *Config {
	return &Config{
		RedisAddr:  getEnv("INGRESS_REDIS_ADDR", "localhost:6379"),
		IngressKey: getEnv("INGRESS_STREAM_KEY", "telemetry:ingress"),
		CDCKey:     getEnv("CDC_STREAM_KEY", "telemetry:cdc"),
		DLQKey:     getEnv("DLQ_STREAM_KEY", "telemetry:dlq"),

		RawStorePath:      getEnv("RAW_STORE_PATH", "./data/raw.db"),
		ConvStorePath:     getEnv("CONV_STORE_PATH", "./data/conversations.db"),
		MetricsStorePath:  getEnv("METRICS_STORE_PATH", "./data/metrics.db"),
		DedupStorePath:    getEnv("DEDUP_STORE_PATH", "./data/dedup.db"),
		FallbackStorePath: getEnv("FALLBACK_STORE_PATH", "./data/fallback.db"),

		BatchMax:     getEnvInt("B_MAX", 100),
		BatchWait:    getEnvMillis("T_WAIT_MS", 100),
		BlockPoll:    getEnvMillis("T_POLL_MS", 100),
		StuckAfter:   getEnvMillis("T_STUCK_MS", 30_000),
		RecoveryTick: getEnvMillis("T_RECOVERY_MS", 30_000),
		CDCTimeout:   getEnvMillis("T_CDC_TIMEOUT_MS", 1_000),
		MaxRetries:   getEnvInt("R_MAX", 5),

		NWorkers:    getEnvInt("N_WORKERS", 4),
		MonitorTick: getEnvMillis("T_MONITOR_MS", 5_000),
		ShedPause:   getEnvMillis("T_SHED_PAUSE_MS", 1_000),

		MetricsGranularity: getEnv("METRICS_GRANULARITY", "minute"),

		SweepSchedule:   getEnv("SWEEP_SCHEDULE", "@every 30s"),
		CustodySchedule: getEnv("CUSTODY_SCHEDULE", "@every 5m"),

		ShutdownTimeout: getEnvMillis("T_SHUTDOWN_MS", 10_000),

		ServiceName:    getEnv("SERVICE_NAME", "telemetry-core"),
		ServiceVersion: getEnv("SERVICE_VERSION", "0.1.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   getEnv("OTLP_INSECURE", "true") == "true",
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),
	}
}

// Validate rejects configurations that would misbehave silently, in the
// style of pkg/config/profile_loader.go's profile checks.
func (c *Config) Validate() error {
	if c.BatchMax <= 0 {
		return fmt.Errorf("config: B_MAX must be positive, got %d", c.BatchMax)
	}
	if c.NWorkers <= 0 {
		return fmt.Errorf("config: N_WORKERS must be positive, got %d", c.NWorkers)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("config: R_MAX must be positive, got %d", c.MaxRetries)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: T_SHUTDOWN_MS must be positive, got %s", c.ShutdownTimeout)
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("config: INGRESS_REDIS_ADDR must not be empty")
	}
	switch c.MetricsGranularity {
	case "minute", "hour", "day":
	default:
		return fmt.Errorf("config: METRICS_GRANULARITY %q is not one of minute|hour|day", c.MetricsGranularity)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvMillis(key string, fallbackMs int) time.Duration {
	n := getEnvInt(key, fallbackMs)
	return time.Duration(n) * time.Millisecond
}
