package asyncstore

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{Store: "mem://"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.MaxBatch != DefaultMaxBatch {
		t.Fatalf("expected max batch default %d, got %d", DefaultMaxBatch, cfg.MaxBatch)
	}
	if cfg.FlushInterval != DefaultFlushInterval {
		t.Fatalf("expected flush interval default, got %s", cfg.FlushInterval)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("expected shutdown timeout default, got %s", cfg.ShutdownTimeout)
	}
	if cfg.StorageRetryMaxAttempts != DefaultStorageRetryMaxAttempts || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 0 {
		t.Fatalf("expected storage retry defaults, got %+v", cfg)
	}
}

func TestConfigValidateKeepsNegativeFlushInterval(t *testing.T) {
	cfg := Config{Store: "mem://", FlushInterval: -1}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.FlushInterval != -1 {
		t.Fatalf("expected disabled flush to stay negative, got %s", cfg.FlushInterval)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"empty store":       {},
		"unknown scheme":    {Store: "ftp://host/bucket"},
		"negative batch":    {Store: "mem://", MaxBatch: -1},
		"profiling alone":   {Store: "mem://", EnableProfilingMetrics: true},
		"negative attempts": {Store: "mem://", StorageRetryMaxAttempts: -2},
		"delay inversion":   {Store: "mem://", StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond},
		"negative pool":     {Store: "postgres://localhost/db", PostgresMaxConns: -1},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %+v", cfg)
			}
		})
	}
}

func TestConfigValidateListsSchemes(t *testing.T) {
	cfg := Config{Store: "ftp://host"}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("expected supported schemes in error, got %v", err)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ASYNCSTORE_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %s, got %s", dir, got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Store != DefaultStore {
		t.Fatalf("unexpected store %q", cfg.Store)
	}
	if cfg.MaxBatch == 0 {
		t.Fatal("expected defaults to be applied")
	}
}
