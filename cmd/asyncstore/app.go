package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/asyncstore"
	"pkt.systems/asyncstore/internal/svcfields"
)

const envPrefix = "ASYNCSTORE"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "asyncstore")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	ran, err := root.ExecuteContextC(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 1
		}
		if ran == root {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// loadEnvFile applies KEY=VALUE pairs from --env-file without overriding
// variables already present in the environment.
func loadEnvFile() (string, error) {
	path := strings.TrimSpace(viper.GetString("env-file"))
	if path == "" {
		return "", nil
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", fmt.Errorf("expand env file path %q: %w", path, err)
	}
	if err := godotenv.Load(expanded); err != nil {
		return "", fmt.Errorf("load env file %q: %w", expanded, err)
	}
	return expanded, nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := asyncstore.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, asyncstore.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// prepare loads the env file and config file, then binds the effective
// configuration. Every command that opens a store goes through it.
func prepare(logger pslog.Logger) (asyncstore.Config, string, error) {
	var cfg asyncstore.Config
	envFile, err := loadEnvFile()
	if err != nil {
		return cfg, "", err
	}
	if envFile != "" {
		logger.Info("loaded env file", "path", envFile)
	}
	configFile, err := loadConfigFile()
	if err != nil {
		return cfg, "", err
	}
	if configFile != "" {
		logger.Info("loaded config file", "path", configFile)
	}
	if err := bindConfig(&cfg); err != nil {
		return cfg, "", err
	}
	return cfg, configFile, nil
}

func levelLogger(base pslog.Logger) pslog.Logger {
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		logLevel = asyncstore.DefaultLogLevel
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		return base.LogLevel(level)
	}
	return base
}

// watchConfigFile reports edits to the loaded config file. Settings are read
// once at startup, so a change to anything that shapes the running server
// is logged together with the keys that differ.
func watchConfigFile(logger pslog.Logger, active asyncstore.Config) {
	viper.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		var next asyncstore.Config
		if err := bindConfig(&next); err != nil {
			logger.Warn("config.reload.invalid", "path", ev.Name, "error", err)
			return
		}
		if err := next.Validate(); err != nil {
			logger.Warn("config.reload.invalid", "path", ev.Name, "error", err)
			return
		}
		changed := changedKeys(active, next)
		if len(changed) == 0 {
			logger.Debug("config.reload.unchanged", "path", ev.Name)
			return
		}
		logger.Warn("config.reload.restart_required", "path", ev.Name, "keys", strings.Join(changed, ","))
	})
	viper.WatchConfig()
}

func changedKeys(a, b asyncstore.Config) []string {
	var keys []string
	add := func(key string, differs bool) {
		if differs {
			keys = append(keys, key)
		}
	}
	add("store", a.Store != b.Store)
	add("max-batch", a.MaxBatch != b.MaxBatch)
	add("flush-interval", a.FlushInterval != b.FlushInterval)
	add("disable-recovery", a.DisableRecovery != b.DisableRecovery)
	add("shutdown-timeout", a.ShutdownTimeout != b.ShutdownTimeout)
	add("metrics-listen", a.MetricsListen != b.MetricsListen)
	add("pprof-listen", a.PprofListen != b.PprofListen)
	add("otlp-endpoint", a.OTLPEndpoint != b.OTLPEndpoint)
	add("storage-retry-attempts", a.StorageRetryMaxAttempts != b.StorageRetryMaxAttempts)
	add("storage-retry-base-delay", a.StorageRetryBaseDelay != b.StorageRetryBaseDelay)
	add("storage-retry-max-delay", a.StorageRetryMaxDelay != b.StorageRetryMaxDelay)
	add("storage-retry-multiplier", a.StorageRetryMultiplier != b.StorageRetryMultiplier)
	add("disk-fsync", a.DiskFsync != b.DiskFsync)
	add("redis-prefix", a.RedisPrefix != b.RedisPrefix)
	add("postgres-max-conns", a.PostgresMaxConns != b.PostgresMaxConns)
	return keys
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "asyncstore",
		Short:         "asyncstore runs durable queues whose storage mutations are persisted asynchronously",
		SilenceErrors: true,
		Example: `
  # Disk backend rooted at /var/lib/asyncstore, fdatasync on every commit
  asyncstore --store disk:///var/lib/asyncstore --disk-fsync

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  ASYNCSTORE_STORE=s3://localhost:9000/asyncstore?insecure=1 ASYNCSTORE_S3_ACCESS_KEY_ID=minioadmin ASYNCSTORE_S3_SECRET_ACCESS_KEY=minioadmin asyncstore

  # PostgreSQL backend with Prometheus metrics
  asyncstore --store postgres://asyncstore@localhost/asyncstore --metrics-listen 127.0.0.1:9464

  # In-memory storage (tests/dev only)
  asyncstore --store mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			cfg, configFile, err := prepare(svcfields.WithSubsystem(baseLogger, "cli.root"))
			if err != nil {
				return err
			}
			logger := levelLogger(baseLogger)
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to asyncstore",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			server, err := asyncstore.NewServer(cfg, asyncstore.WithLogger(logger))
			if err != nil {
				return err
			}
			if configFile != "" {
				watchConfigFile(svcfields.WithSubsystem(logger, "cli.config"), cfg)
			}
			<-ctx.Done()
			cliLogger.Info("shutdown requested")
			if err := server.Close(); err != nil {
				cliLogger.Error("shutdown failed", "error", err)
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.asyncstore/"+asyncstore.DefaultConfigFileName+")")
	persistentFlags.String("env-file", "", "load environment variables from this .env file before reading configuration")
	persistentFlags.String("log-level", asyncstore.DefaultLogLevel, "log level (trace|debug|info|warn|error)")
	persistentFlags.String("store", asyncstore.DefaultStore, fmt.Sprintf("storage backend URL (schemes: %s)", strings.Join(asyncstore.SupportedSchemes(), ", ")))
	persistentFlags.Int("max-batch", asyncstore.DefaultMaxBatch, "maximum operations per backend commit")
	persistentFlags.Duration("flush-interval", asyncstore.DefaultFlushInterval, "period of the background flush of dirty queues (negative disables)")
	persistentFlags.Bool("disable-recovery", false, "do not rebuild queues from the store at startup")
	persistentFlags.Duration("shutdown-timeout", asyncstore.DefaultShutdownTimeout, "maximum time to drain outstanding operations on shutdown")
	persistentFlags.Int("storage-retry-attempts", asyncstore.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts (1 disables retries)")
	persistentFlags.Duration("storage-retry-base-delay", asyncstore.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	persistentFlags.Duration("storage-retry-max-delay", asyncstore.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	persistentFlags.Float64("storage-retry-multiplier", asyncstore.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	persistentFlags.Bool("disable-storage-tracing", false, "skip the tracing/logging wrapper around the storage backend")
	persistentFlags.Bool("disk-fsync", false, "fdatasync disk:// writes on every commit")
	persistentFlags.String("s3-access-key-id", "", "access key for s3:// and aws:// stores")
	persistentFlags.String("s3-secret-access-key", "", "secret key for s3:// and aws:// stores")
	persistentFlags.String("s3-session-token", "", "session token for s3:// stores")
	persistentFlags.String("aws-region", "", "AWS region for aws:// stores")
	persistentFlags.String("azure-account", "", "Azure Storage account (overrides the URL host)")
	persistentFlags.String("azure-key", "", "Azure Storage account key (or use ASYNCSTORE_AZURE_ACCOUNT_KEY)")
	persistentFlags.String("azure-endpoint", "", "Azure Blob service endpoint (defaults to https://<account>.blob.core.windows.net)")
	persistentFlags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")
	persistentFlags.String("redis-prefix", "", "key prefix for redis:// stores")
	persistentFlags.Int32("postgres-max-conns", 0, "maximum pooled connections for postgres:// stores (0 uses pgx default)")

	flags := cmd.Flags()
	flags.String("metrics-listen", asyncstore.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint and /healthz; empty disables)")
	flags.String("pprof-listen", asyncstore.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "env-file", "log-level",
		"store", "max-batch", "flush-interval", "disable-recovery", "shutdown-timeout",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"disable-storage-tracing", "disk-fsync",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "aws-region",
		"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
		"redis-prefix", "postgres-max-conns",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVerifyCommand(svcfields.WithSubsystem(baseLogger, "cli.verify")))
	cmd.AddCommand(newPerfCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *asyncstore.Config) error {
	cfg.Store = viper.GetString("store")
	cfg.MaxBatch = viper.GetInt("max-batch")
	cfg.FlushInterval = viper.GetDuration("flush-interval")
	cfg.DisableRecovery = viper.GetBool("disable-recovery")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableStorageTracing = viper.GetBool("disable-storage-tracing")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.DiskFsync = viper.GetBool("disk-fsync")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.RedisPrefix = viper.GetString("redis-prefix")
	cfg.PostgresMaxConns = viper.GetInt32("postgres-max-conns")
	if cfg.MaxBatch < 0 {
		return fmt.Errorf("max-batch must be >= 0")
	}
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
