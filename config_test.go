package gridsync

import (
	"errors"
	"testing"
	"time"
)

func TestValidateFillsDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.SessionName != DefaultSessionName || cfg.Store != DefaultStore {
		t.Fatalf("unexpected identity defaults %q %q", cfg.SessionName, cfg.Store)
	}
	if cfg.Partitions != DefaultPartitions || cfg.LedgerSize != DefaultLedgerSize {
		t.Fatalf("unexpected engine defaults %+v", cfg)
	}
	if cfg.StorageRetryMaxAttempts != DefaultStorageRetryMaxAttempts || cfg.StorageRetryMultiplier != DefaultStorageRetryMultiplier {
		t.Fatalf("unexpected retry defaults %+v", cfg)
	}
	if cfg.AcquireMinBackoff != DefaultAcquireMinBackoff || cfg.AcquireMaxBackoff != DefaultAcquireMaxBackoff {
		t.Fatalf("unexpected backoff defaults %+v", cfg)
	}
	if cfg.CASMaxAttempts != DefaultCASMaxAttempts || cfg.WatchPollInterval != DefaultWatchPollInterval {
		t.Fatalf("unexpected object engine defaults %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]Config{
		"scheme":          {Store: "ftp://host/path"},
		"backups":         {BackupCount: 2},
		"partitions":      {Partitions: -1},
		"backoff order":   {AcquireMinBackoff: time.Second, AcquireMaxBackoff: time.Millisecond},
		"retry order":     {StorageRetryBaseDelay: time.Second, StorageRetryMaxDelay: time.Millisecond},
		"multiplier":      {StorageRetryMultiplier: 0.5},
		"queue size":      {QueueMaxSize: -1},
		"runtime metrics": {EnableRuntimeMetrics: true},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
