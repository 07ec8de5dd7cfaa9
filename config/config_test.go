package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestResolvePath verifies absolute and relative path resolution logic.
func TestResolvePath(t *testing.T) {
	home := "/app/home"

	tests := []struct {
		name     string
		homeDir  string
		path     string
		expected string
	}{
		{
			name:     "Empty Path",
			homeDir:  home,
			path:     "",
			expected: home,
		},
		{
			name:     "Absolute Path",
			homeDir:  home,
			path:     "/etc/config",
			expected: "/etc/config",
		},
		{
			name:     "Relative Path",
			homeDir:  home,
			path:     "data/db",
			expected: filepath.Join(home, "data/db"),
		},
		{
			name:     "Dot Path",
			homeDir:  home,
			path:     ".",
			expected: home,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePath(tt.homeDir, tt.path)
			if got != tt.expected {
				t.Errorf("ResolvePath(%q, %q) = %q; want %q", tt.homeDir, tt.path, got, tt.expected)
			}
		})
	}
}

// TestLoadOverridesDefaults verifies that file values override defaults and
// untouched fields keep them.
func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"data_dir": "/var/lib/tidedb",
		"initial_sync_max_attempts": 3,
		"create_rollback_data_files": true,
		"oplog_size_bytes": 67108864
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/tidedb" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.InitialSyncMaxAttempts != 3 {
		t.Errorf("InitialSyncMaxAttempts = %d", cfg.InitialSyncMaxAttempts)
	}
	if !cfg.CreateRollbackDataFiles {
		t.Error("CreateRollbackDataFiles not set")
	}
	if cfg.OplogSizeBytes != 64*1024*1024 {
		t.Errorf("OplogSizeBytes = %d", cfg.OplogSizeBytes)
	}
	// Untouched knobs keep their defaults.
	if cfg.BatchLimitOplogEntries != Default().BatchLimitOplogEntries {
		t.Errorf("BatchLimitOplogEntries = %d", cfg.BatchLimitOplogEntries)
	}
	if cfg.RollbackTimeLimitSecs != Default().RollbackTimeLimitSecs {
		t.Errorf("RollbackTimeLimitSecs = %d", cfg.RollbackTimeLimitSecs)
	}
}

// TestValidate verifies each knob's lower bound.
func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"NoDataDir", func(c *Config) { c.DataDir = "" }},
		{"NegativeOplogSize", func(c *Config) { c.OplogSizeBytes = -1 }},
		{"ZeroSyncAttempts", func(c *Config) { c.InitialSyncMaxAttempts = 0 }},
		{"NegativeOutageBudget", func(c *Config) { c.InitialSyncTransientErrorRetryPeriodSeconds = -1 }},
		{"ZeroConnectAttempts", func(c *Config) { c.NumInitialSyncConnectAttempts = 0 }},
		{"ZeroFindAttempts", func(c *Config) { c.NumInitialSyncOplogFindAttempts = 0 }},
		{"ZeroFetcherBatch", func(c *Config) { c.InitialSyncOplogFetcherBatchSize = 0 }},
		{"ZeroRollbackLimit", func(c *Config) { c.RollbackTimeLimitSecs = 0 }},
		{"ZeroBatchBytes", func(c *Config) { c.ReplBatchLimitBytes = 0 }},
		{"ZeroBatchEntries", func(c *Config) { c.BatchLimitOplogEntries = 0 }},
		{"ZeroWriters", func(c *Config) { c.ReplWriterThreadCount = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

// TestWriteSample verifies the sample file round-trips through Load.
func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of sample failed: %v", err)
	}
	if cfg != Default() {
		t.Errorf("sample config = %+v; want defaults", cfg)
	}
}
