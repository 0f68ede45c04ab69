package asyncstore

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/asyncstore/internal/opqueue"
)

const (
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultMaxBatch caps how many operations the operation queue hands to the backend per commit.
	DefaultMaxBatch = opqueue.DefaultMaxBatch
	// DefaultFlushInterval is the period of the background flush of dirty queues.
	DefaultFlushInterval = 5 * time.Second
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultShutdownTimeout caps how long shutdown waits for in-flight operations.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultAzureEndpointPattern expands Azure account names into their HTTPS endpoint.
	DefaultAzureEndpointPattern = "https://%s.blob.core.windows.net"
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultLogLevel is the base log level of the CLI.
	DefaultLogLevel = "info"
)

// Config captures the tunables for an asyncstore Server.
type Config struct {
	// Store is the backend URL (mem://, disk:///path, s3://host/bucket,
	// aws://bucket, azure://account/container, redis://host, postgres://...).
	Store string `yaml:"store"`
	// MaxBatch caps operations per backend commit.
	MaxBatch int `yaml:"max-batch"`
	// FlushInterval is the period of the background flush; negative disables it.
	FlushInterval time.Duration `yaml:"flush-interval"`
	// DisableRecovery skips rebuilding queues from the backend at startup.
	DisableRecovery bool `yaml:"disable-recovery"`
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`

	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string `yaml:"metrics-listen"`
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string `yaml:"pprof-listen"`
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool `yaml:"enable-profiling-metrics"`
	// OTLPEndpoint enables OTLP trace export (grpc://, http://, host:port).
	OTLPEndpoint string `yaml:"otlp-endpoint"`
	// DisableStorageTracing drops the logging/tracing wrapper around the backend.
	DisableStorageTracing bool `yaml:"disable-storage-tracing"`

	// StorageRetryMaxAttempts bounds retries of transient storage errors (1 disables retries).
	StorageRetryMaxAttempts int `yaml:"storage-retry-attempts"`
	// StorageRetryBaseDelay is the first backoff delay.
	StorageRetryBaseDelay time.Duration `yaml:"storage-retry-base-delay"`
	// StorageRetryMaxDelay caps the backoff delay.
	StorageRetryMaxDelay time.Duration `yaml:"storage-retry-max-delay"`
	// StorageRetryMultiplier is the exponential backoff ratio.
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`

	// DiskFsync makes disk:// commits durable with fdatasync.
	DiskFsync bool `yaml:"disk-fsync"`

	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken authenticate s3:// stores.
	S3AccessKeyID     string `yaml:"s3-access-key-id"`
	S3SecretAccessKey string `yaml:"s3-secret-access-key"`
	S3SessionToken    string `yaml:"s3-session-token"`

	// AWSRegion is required for aws:// stores.
	AWSRegion string `yaml:"aws-region"`

	// Azure* configure azure:// stores.
	AzureAccount    string `yaml:"azure-account"`
	AzureAccountKey string `yaml:"azure-key"`
	AzureEndpoint   string `yaml:"azure-endpoint"`
	AzureSASToken   string `yaml:"azure-sas-token"`

	// RedisPrefix namespaces keys of redis:// stores.
	RedisPrefix string `yaml:"redis-prefix"`

	// PostgresMaxConns caps the postgres:// connection pool.
	PostgresMaxConns int32 `yaml:"postgres-max-conns"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() Config {
	cfg := Config{Store: DefaultStore}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and rejects invalid combinations.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		return fmt.Errorf("config: store is required")
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if !isSupportedScheme(u.Scheme) {
		return fmt.Errorf("config: store scheme %q not supported (options: %s)", u.Scheme, strings.Join(SupportedSchemes(), ", "))
	}
	if c.MaxBatch < 0 {
		return fmt.Errorf("config: max batch must be >= 0")
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.StorageRetryMaxAttempts < 0 {
		return fmt.Errorf("config: storage retry attempts must be >= 0")
	}
	if c.StorageRetryMaxAttempts == 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay %s below base delay %s", c.StorageRetryMaxDelay, c.StorageRetryBaseDelay)
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.PostgresMaxConns < 0 {
		return fmt.Errorf("config: postgres max conns must be >= 0")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.asyncstore).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("ASYNCSTORE_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".asyncstore"), nil
}
