// Package config loads medsync configuration from a YAML file with
// MEDSYNC_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus/medsync/internal/syncerr"
)

// Config is the full configuration for the CLI and the server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Sync     SyncConfig     `yaml:"sync"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP endpoint.
type ServerConfig struct {
	ListenAddr         string        `yaml:"listen_addr"`
	AdminToken         string        `yaml:"admin_token"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	RateLimitSync      int           `yaml:"rate_limit_sync"` // /v1/sync/* per peer per minute
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins,omitempty"` // admin routes only
}

// DatabaseConfig locates the sqlite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig holds the engine parameters. MaxRetryCount and both batch
// sizes have no built-in value and must be configured.
type SyncConfig struct {
	MaxRetryCount  int           `yaml:"max_retry_count"`
	MaxBatchWeb    int           `yaml:"max_batch_web"`
	MaxBatchFile   int           `yaml:"max_batch_file"`
	Interval       time.Duration `yaml:"interval"` // 0 disables the scheduler
	Relay          bool          `yaml:"relay"`
	LockDir        string        `yaml:"lock_dir"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	HTTPRetries    int           `yaml:"http_retries"`
	HistoryMaxRows int           `yaml:"history_max_rows"`
}

// ArchiveConfig enables archival of every transmission and response.
// URL is a gocloud.dev bucket URL (file://, s3://, gs://, mem://); empty disables.
type ArchiveConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// LogConfig configures slog.
type LogConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
}

// Defaults returns the configuration used before file and environment.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 30 * time.Second,
			RateLimitSync:   120,
			MaxBodyBytes:    10 << 20,
		},
		Database: DatabaseConfig{Path: "./data/medsync.db"},
		Sync: SyncConfig{
			HTTPTimeout:    60 * time.Second,
			HTTPRetries:    2,
			HistoryMaxRows: 10000,
		},
		Archive: ArchiveConfig{Prefix: "transmissions"},
		Log:     LogConfig{Format: "json", Level: "info"},
	}
}

// Template returns the configuration `medsync init` writes, with explicit
// engine parameters for the operator to review.
func Template() *Config {
	cfg := Defaults()
	cfg.Sync.MaxRetryCount = 5
	cfg.Sync.MaxBatchWeb = 50
	cfg.Sync.MaxBatchFile = 50
	cfg.Sync.Interval = 10 * time.Minute
	cfg.Log.Format = "text"
	return cfg
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, syncerr.Wrap(syncerr.InvalidArgument, err, "parse config %s", path)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the engine cannot run without.
func (c *Config) Validate() error {
	var problems []string
	if c.Sync.MaxRetryCount <= 0 {
		problems = append(problems, "sync.max_retry_count must be > 0")
	}
	if c.Sync.MaxBatchWeb <= 0 {
		problems = append(problems, "sync.max_batch_web must be > 0")
	}
	if c.Sync.MaxBatchFile <= 0 {
		problems = append(problems, "sync.max_batch_file must be > 0")
	}
	if c.Sync.Interval < 0 {
		problems = append(problems, "sync.interval must not be negative")
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}
	if len(problems) > 0 {
		return syncerr.New(syncerr.InvalidArgument, "invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Save writes cfg to path using atomic write (temp file + rename).
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "config-*.yaml.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("MEDSYNC_LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("MEDSYNC_ADMIN_TOKEN", &cfg.Server.AdminToken)
	str("MEDSYNC_DB_PATH", &cfg.Database.Path)
	str("MEDSYNC_LOCK_DIR", &cfg.Sync.LockDir)
	str("MEDSYNC_ARCHIVE_URL", &cfg.Archive.URL)
	str("MEDSYNC_LOG_FORMAT", &cfg.Log.Format)
	str("MEDSYNC_LOG_LEVEL", &cfg.Log.Level)

	ints := []struct {
		key string
		dst *int
	}{
		{"MEDSYNC_RATE_LIMIT_SYNC", &cfg.Server.RateLimitSync},
		{"MEDSYNC_MAX_RETRY_COUNT", &cfg.Sync.MaxRetryCount},
		{"MEDSYNC_MAX_BATCH_WEB", &cfg.Sync.MaxBatchWeb},
		{"MEDSYNC_MAX_BATCH_FILE", &cfg.Sync.MaxBatchFile},
		{"MEDSYNC_HTTP_RETRIES", &cfg.Sync.HTTPRetries},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return syncerr.Wrap(syncerr.InvalidArgument, err, "%s", e.key)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"MEDSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout},
		{"MEDSYNC_SYNC_INTERVAL", &cfg.Sync.Interval},
		{"MEDSYNC_HTTP_TIMEOUT", &cfg.Sync.HTTPTimeout},
	}
	for _, e := range durations {
		if v := os.Getenv(e.key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return syncerr.Wrap(syncerr.InvalidArgument, err, "%s", e.key)
			}
			*e.dst = d
		}
	}

	if v := os.Getenv("MEDSYNC_RELAY"); v != "" {
		cfg.Sync.Relay = v == "1" || strings.EqualFold(v, "true")
	}
	return nil
}

// parseDuration accepts Go durations plus a day suffix ("2d").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil && n >= 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}
