package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all application configuration.
type Config struct {
	// Backend API the collectes are delivered to
	Backend BackendConfig `json:"backend" mapstructure:"backend"`

	// Reachability probing
	Probe ProbeConfig `json:"probe" mapstructure:"probe"`

	// Storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Local intercepting proxy
	Proxy ProxyConfig `json:"proxy" mapstructure:"proxy"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// BackendConfig for server communication.
type BackendConfig struct {
	BaseURL    string        `json:"base_url" mapstructure:"base_url"`
	SubmitPath string        `json:"submit_path" mapstructure:"submit_path"`
	HealthPath string        `json:"health_path" mapstructure:"health_path"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	UserAgent  string        `json:"user_agent" mapstructure:"user_agent"`
	Token      string        `json:"token,omitempty" mapstructure:"token"`
}

// ProbeConfig for the connectivity monitor.
type ProbeConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
	// Watch network interfaces and probe as soon as link state changes.
	WatchInterfaces bool          `json:"watch_interfaces" mapstructure:"watch_interfaces"`
	WatchInterval   time.Duration `json:"watch_interval" mapstructure:"watch_interval"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir   string `json:"data_dir" mapstructure:"data_dir"`     // Base directory for all data
	QueuePath string `json:"queue_path" mapstructure:"queue_path"` // SQLite file (default <data_dir>/queue.db)
	CacheDir  string `json:"cache_dir" mapstructure:"cache_dir"`   // Response caches (default <data_dir>/caches)
}

// SyncConfig for queue draining.
type SyncConfig struct {
	MaxRetries             int    `json:"max_retries" mapstructure:"max_retries"`                           // Attempts before an item is held back
	RetentionDays          int    `json:"retention_days" mapstructure:"retention_days"`                     // Synced rows older than this are purged
	CleanupSchedule        string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`                 // cron spec
	BackgroundSyncSchedule string `json:"background_sync_schedule" mapstructure:"background_sync_schedule"` // cron spec, empty disables
	BackgroundSyncTag      string `json:"background_sync_tag" mapstructure:"background_sync_tag"`
}

// ProxyConfig for the request interceptor.
type ProxyConfig struct {
	Listen              string        `json:"listen" mapstructure:"listen"`
	Upstream            string        `json:"upstream,omitempty" mapstructure:"upstream"` // Application origin (default backend.base_url)
	StaticCacheName     string        `json:"static_cache_name" mapstructure:"static_cache_name"`
	RuntimeCacheName    string        `json:"runtime_cache_name" mapstructure:"runtime_cache_name"`
	StaticAssets        []string      `json:"static_assets" mapstructure:"static_assets"`
	ShellPath           string        `json:"shell_path" mapstructure:"shell_path"`
	FetchThroughTimeout time.Duration `json:"fetch_through_timeout" mapstructure:"fetch_through_timeout"` // 0 disables offline fetch-through
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stdout)
	Color  bool   `json:"color" mapstructure:"color"`   // Enable colored output
}

// DefaultStaticAssets is the application shell cached at install time.
var DefaultStaticAssets = []string{
	"/",
	"/index.html",
	"/dist/output.css",
	"/app.js",
	"/modules/api-client.js",
	"/modules/auth.js",
	"/modules/network-detector.js",
	"/modules/offline-manager.js",
	"/modules/router.js",
	"/pages/dashboard.js",
	"/pages/collectes.js",
	"/pages/alertes.js",
	"/pages/login.js",
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:    "http://localhost:8000",
			SubmitPath: "/api/collectes",
			HealthPath: "/health",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
			UserAgent:  "fieldsync/1.0",
		},
		Probe: ProbeConfig{
			Interval:        10 * time.Second,
			Timeout:         5 * time.Second,
			WatchInterfaces: true,
			WatchInterval:   2 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: ".fieldsync",
		},
		Sync: SyncConfig{
			MaxRetries:             5,
			RetentionDays:          7,
			CleanupSchedule:        "@every 6h",
			BackgroundSyncSchedule: "@every 5m",
			BackgroundSyncTag:      "sync-collectes",
		},
		Proxy: ProxyConfig{
			Listen:              "127.0.0.1:8081",
			StaticCacheName:     "sap-v2",
			RuntimeCacheName:    "sap-runtime-v2",
			StaticAssets:        append([]string(nil), DefaultStaticAssets...),
			ShellPath:           "/index.html",
			FetchThroughTimeout: 0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}

	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url is not an absolute URL: %s", c.Backend.BaseURL)
	}

	if !strings.HasPrefix(c.Backend.SubmitPath, "/") {
		return errors.New("backend.submit_path must start with /")
	}

	if !strings.HasPrefix(c.Backend.HealthPath, "/") {
		return errors.New("backend.health_path must start with /")
	}

	if c.Backend.Timeout <= 0 {
		return errors.New("backend.timeout must be positive")
	}

	if c.Probe.Interval <= 0 {
		return errors.New("probe.interval must be positive")
	}

	if c.Probe.Timeout <= 0 {
		return errors.New("probe.timeout must be positive")
	}

	if c.Sync.MaxRetries <= 0 {
		return errors.New("sync.max_retries must be positive")
	}

	if c.Sync.RetentionDays <= 0 {
		return errors.New("sync.retention_days must be positive")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if c.Sync.CleanupSchedule != "" {
		if _, err := parser.Parse(c.Sync.CleanupSchedule); err != nil {
			return fmt.Errorf("invalid sync.cleanup_schedule: %w", err)
		}
	}
	if c.Sync.BackgroundSyncSchedule != "" {
		if _, err := parser.Parse(c.Sync.BackgroundSyncSchedule); err != nil {
			return fmt.Errorf("invalid sync.background_sync_schedule: %w", err)
		}
	}

	if c.Proxy.Upstream != "" {
		if u, err := url.Parse(c.Proxy.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("proxy.upstream is not an absolute URL: %s", c.Proxy.Upstream)
		}
	}

	if c.Proxy.StaticCacheName == "" || c.Proxy.RuntimeCacheName == "" {
		return errors.New("proxy cache names are required")
	}

	if c.Proxy.StaticCacheName == c.Proxy.RuntimeCacheName {
		return errors.New("proxy.static_cache_name and proxy.runtime_cache_name must differ")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// QueueDBPath returns the SQLite file backing the write queue.
func (c *Config) QueueDBPath() string {
	if c.Storage.QueuePath != "" {
		return c.Storage.QueuePath
	}
	return filepath.Join(c.Storage.DataDir, "queue.db")
}

// CachePath returns the directory holding the named response caches.
func (c *Config) CachePath() string {
	if c.Storage.CacheDir != "" {
		return c.Storage.CacheDir
	}
	return filepath.Join(c.Storage.DataDir, "caches")
}

// UpstreamURL returns the origin the interceptor proxies to.
func (c *Config) UpstreamURL() string {
	if c.Proxy.Upstream != "" {
		return c.Proxy.Upstream
	}
	return c.Backend.BaseURL
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Dir(c.QueueDBPath()),
		c.CachePath(),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
