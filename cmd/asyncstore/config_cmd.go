package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/asyncstore"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage asyncstore configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.asyncstore/" + asyncstore.DefaultConfigFileName
	if dir, err := asyncstore.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, asyncstore.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default asyncstore configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := asyncstore.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, asyncstore.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root flags; durations are strings so viper
// parses them the same way as flag values.
type configDefaults struct {
	Store                   string  `yaml:"store"`
	LogLevel                string  `yaml:"log-level"`
	MaxBatch                int     `yaml:"max-batch"`
	FlushInterval           string  `yaml:"flush-interval"`
	DisableRecovery         bool    `yaml:"disable-recovery"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	DisableStorageTracing   bool    `yaml:"disable-storage-tracing"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	DiskFsync               bool    `yaml:"disk-fsync"`
	S3AccessKeyID           string  `yaml:"s3-access-key-id"`
	S3SecretAccessKey       string  `yaml:"s3-secret-access-key"`
	AWSRegion               string  `yaml:"aws-region"`
	AzureAccount            string  `yaml:"azure-account"`
	AzureKey                string  `yaml:"azure-key"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	AzureSASToken           string  `yaml:"azure-sas-token"`
	RedisPrefix             string  `yaml:"redis-prefix"`
	PostgresMaxConns        int32   `yaml:"postgres-max-conns"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:                   asyncstore.DefaultStore,
		LogLevel:                asyncstore.DefaultLogLevel,
		MaxBatch:                asyncstore.DefaultMaxBatch,
		FlushInterval:           asyncstore.DefaultFlushInterval.String(),
		ShutdownTimeout:         asyncstore.DefaultShutdownTimeout.String(),
		MetricsListen:           asyncstore.DefaultMetricsListen,
		PprofListen:             asyncstore.DefaultPprofListen,
		StorageRetryMaxAttempts: asyncstore.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   asyncstore.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    asyncstore.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  asyncstore.DefaultStorageRetryMultiplier,
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
