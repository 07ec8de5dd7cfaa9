// Package config loads the node configuration from a JSON file and fills
// in defaults for everything left unset.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the node configuration loaded from a JSON file.
type Config struct {
	// DataDir is the directory holding the storage engine, the replication
	// log, node metadata, and rollback data files.
	DataDir string `json:"data_dir"`

	// Debug enables verbose logging if true.
	Debug bool `json:"debug"`

	// OplogSizeBytes caps the replication log. 0 selects the platform
	// default based on free disk space.
	OplogSizeBytes int64 `json:"oplog_size_bytes"`

	// InitialSyncMaxAttempts is the number of full initial-sync attempts
	// before the node gives up. Must be at least 1.
	InitialSyncMaxAttempts int `json:"initial_sync_max_attempts"`

	// InitialSyncTransientErrorRetryPeriodSeconds is the outage budget for
	// transient network errors during initial sync.
	InitialSyncTransientErrorRetryPeriodSeconds int `json:"initial_sync_transient_error_retry_period_seconds"`

	// NumInitialSyncConnectAttempts bounds sync-source selection retries.
	NumInitialSyncConnectAttempts int `json:"num_initial_sync_connect_attempts"`

	// NumInitialSyncOplogFindAttempts bounds per-request retries when
	// opening the donor's oplog stream.
	NumInitialSyncOplogFindAttempts int `json:"num_initial_sync_oplog_find_attempts"`

	// InitialSyncOplogFetcherBatchSize is the donor-side fetch batch size.
	InitialSyncOplogFetcherBatchSize int `json:"initial_sync_oplog_fetcher_batch_size"`

	// RollbackTimeLimitSecs is the maximum span of wall-clock history a
	// rollback may discard.
	RollbackTimeLimitSecs int `json:"rollback_time_limit_secs"`

	// CreateRollbackDataFiles writes pre-rollback document values to disk
	// before they are reverted.
	CreateRollbackDataFiles bool `json:"create_rollback_data_files"`

	// ReplBatchLimitBytes caps the byte size of one apply batch.
	ReplBatchLimitBytes int64 `json:"repl_batch_limit_bytes"`

	// BatchLimitOplogEntries caps the entry count of one apply batch.
	BatchLimitOplogEntries int `json:"batch_limit_oplog_entries"`

	// ReplWriterThreadCount is the applier worker pool size.
	ReplWriterThreadCount int `json:"repl_writer_thread_count"`

	// MetricsAddr is the address to bind the Prometheus metrics server
	// (e.g., ":9090"). Empty disables it.
	MetricsAddr string `json:"metrics_addr"`
}

// Default returns the configuration used when a field is absent from the
// file.
func Default() Config {
	return Config{
		DataDir:                ".",
		InitialSyncMaxAttempts: 10,
		InitialSyncTransientErrorRetryPeriodSeconds: 24 * 60 * 60,
		NumInitialSyncConnectAttempts:               10,
		NumInitialSyncOplogFindAttempts:             3,
		InitialSyncOplogFetcherBatchSize:            1000,
		RollbackTimeLimitSecs:                       24 * 60 * 60,
		ReplBatchLimitBytes:                         100 * 1024 * 1024,
		BatchLimitOplogEntries:                      5000,
		ReplWriterThreadCount:                       4,
	}
}

// Load reads the JSON file at path over the defaults and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the replication core cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("'data_dir' must be set")
	}
	if c.OplogSizeBytes < 0 {
		return fmt.Errorf("'oplog_size_bytes' must not be negative")
	}
	if c.InitialSyncMaxAttempts < 1 {
		return fmt.Errorf("'initial_sync_max_attempts' must be at least 1")
	}
	if c.InitialSyncTransientErrorRetryPeriodSeconds < 0 {
		return fmt.Errorf("'initial_sync_transient_error_retry_period_seconds' must not be negative")
	}
	if c.NumInitialSyncConnectAttempts < 1 {
		return fmt.Errorf("'num_initial_sync_connect_attempts' must be at least 1")
	}
	if c.NumInitialSyncOplogFindAttempts < 1 {
		return fmt.Errorf("'num_initial_sync_oplog_find_attempts' must be at least 1")
	}
	if c.InitialSyncOplogFetcherBatchSize < 1 {
		return fmt.Errorf("'initial_sync_oplog_fetcher_batch_size' must be at least 1")
	}
	if c.RollbackTimeLimitSecs < 1 {
		return fmt.Errorf("'rollback_time_limit_secs' must be at least 1")
	}
	if c.ReplBatchLimitBytes < 1 {
		return fmt.Errorf("'repl_batch_limit_bytes' must be at least 1")
	}
	if c.BatchLimitOplogEntries < 1 {
		return fmt.Errorf("'batch_limit_oplog_entries' must be at least 1")
	}
	if c.ReplWriterThreadCount < 1 {
		return fmt.Errorf("'repl_writer_thread_count' must be at least 1")
	}
	return nil
}

// TransientOutage converts the retry-period knob to a duration.
func (c Config) TransientOutage() time.Duration {
	return time.Duration(c.InitialSyncTransientErrorRetryPeriodSeconds) * time.Second
}

// RollbackTimeLimit converts the rollback span knob to a duration.
func (c Config) RollbackTimeLimit() time.Duration {
	return time.Duration(c.RollbackTimeLimitSecs) * time.Second
}

// ResolvePath returns an absolute path. If path is relative, it is joined
// with homeDir. If path is already absolute, it is returned as is.
func ResolvePath(homeDir, path string) string {
	if path == "" {
		return homeDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(homeDir, path)
}

// WriteSample writes the default configuration to path, for bootstrapping
// a new node.
func WriteSample(path string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
