package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the engine's full runtime configuration. Fields are explicit
// and defaulted through the Get* accessors below rather than loaded via
// reflection, so a half-populated config (e.g. from an older file on disk)
// degrades to sane defaults field by field instead of all at once.
type Config struct {
	DataDir                string `json:"data_dir"`
	DownloadDir            string `json:"download_dir"`
	MaxConcurrent          int    `json:"max_concurrent"`
	MaxSegmentsPerTask     int    `json:"max_segments_per_task"`
	MaxRetries             int    `json:"max_retries"`
	GlobalRateBytesPerSec  int64  `json:"global_rate_bytes_per_sec"`
	PrecheckCacheTTLSecs   int    `json:"precheck_cache_ttl_secs"`
	MaxDownloadsPerAccount int    `json:"max_downloads_per_account"`
	HistoryRetentionHours  int    `json:"history_retention_hours"`
	SchedulerTickSecs      int    `json:"scheduler_tick_secs"`

	// Accounts lists the host-account identifiers the balancer round-robins
	// over. Real credential material is out of scope (see AccountSource);
	// these are bare labels that give the balancer something to pool
	// concurrency against, the way the teacher's config names NNTP/host
	// accounts without embedding their secrets.
	Accounts []string `json:"accounts"`
}

func DefaultConfig() Config {
	return Config{
		DataDir:                "./data",
		DownloadDir:            "./downloads",
		MaxConcurrent:          4,
		MaxSegmentsPerTask:     8,
		MaxRetries:             3,
		GlobalRateBytesPerSec:  0,
		PrecheckCacheTTLSecs:   300,
		MaxDownloadsPerAccount: 2,
		HistoryRetentionHours:  24,
		SchedulerTickSecs:      1,
		Accounts:               []string{"default"},
	}
}

// GetAccounts returns the configured account identifiers, falling back to
// a single "default" account so a fresh config still lets serve downloads
// actually run.
func (c Config) GetAccounts() []string {
	if len(c.Accounts) == 0 {
		return []string{"default"}
	}
	return c.Accounts
}

func (c Config) GetMaxConcurrent() int {
	if c.MaxConcurrent <= 0 {
		return 4
	}
	return c.MaxConcurrent
}

func (c Config) GetMaxSegmentsPerTask() int {
	if c.MaxSegmentsPerTask <= 0 {
		return 8
	}
	return c.MaxSegmentsPerTask
}

func (c Config) GetMaxRetries() int {
	if c.MaxRetries <= 0 {
		return 3
	}
	return c.MaxRetries
}

func (c Config) GetPrecheckCacheTTL() time.Duration {
	if c.PrecheckCacheTTLSecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.PrecheckCacheTTLSecs) * time.Second
}

func (c Config) GetMaxDownloadsPerAccount() int {
	if c.MaxDownloadsPerAccount <= 0 {
		return 2
	}
	return c.MaxDownloadsPerAccount
}

func (c Config) GetHistoryRetention() time.Duration {
	if c.HistoryRetentionHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.HistoryRetentionHours) * time.Hour
}

func (c Config) GetSchedulerTick() time.Duration {
	if c.SchedulerTickSecs <= 0 {
		return time.Second
	}
	return time.Duration(c.SchedulerTickSecs) * time.Second
}

func (c Config) GetDBPath() string {
	return filepath.Join(c.DataDir, "bridge.db")
}

// LoadConfig reads JSON config from path, falling back to defaults for any
// file that doesn't exist yet.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path atomically (temp file + rename), matching
// the write pattern used for any file a running process might read
// concurrently.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming config into place: %w", err)
	}
	return nil
}
