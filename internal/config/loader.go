package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	v          *viper.Viper
}

// NewLoader creates a config loader. An empty path searches the default
// locations and tolerates a missing file.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "FIELDSYNC",
	}
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	l.v = v

	// Start with defaults
	setDefaults(v, DefaultConfig())

	// Environment overrides, e.g. FIELDSYNC_BACKEND_BASE_URL
	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		// Try default locations
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				l.configPath = path
				break
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	// Validate final config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigFile returns the file the last Load read, if any.
func (l *Loader) ConfigFile() string {
	return l.configPath
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"fieldsync.yaml",
		"fieldsync.json",
		".fieldsync.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "fieldsync", "config.yaml"),
			filepath.Join(homeDir, ".config", "fieldsync", "config.json"),
		)
	}

	return paths
}

// setDefaults registers every key so AutomaticEnv can override it.
// Durations are stored in their string form so written examples stay readable.
func setDefaults(v *viper.Viper, cfg *Config) {
	d := func(x time.Duration) string { return x.String() }

	v.SetDefault("backend.base_url", cfg.Backend.BaseURL)
	v.SetDefault("backend.submit_path", cfg.Backend.SubmitPath)
	v.SetDefault("backend.health_path", cfg.Backend.HealthPath)
	v.SetDefault("backend.timeout", d(cfg.Backend.Timeout))
	v.SetDefault("backend.max_retries", cfg.Backend.MaxRetries)
	v.SetDefault("backend.retry_delay", d(cfg.Backend.RetryDelay))
	v.SetDefault("backend.user_agent", cfg.Backend.UserAgent)
	v.SetDefault("backend.token", cfg.Backend.Token)

	v.SetDefault("probe.interval", d(cfg.Probe.Interval))
	v.SetDefault("probe.timeout", d(cfg.Probe.Timeout))
	v.SetDefault("probe.watch_interfaces", cfg.Probe.WatchInterfaces)
	v.SetDefault("probe.watch_interval", d(cfg.Probe.WatchInterval))

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.queue_path", cfg.Storage.QueuePath)
	v.SetDefault("storage.cache_dir", cfg.Storage.CacheDir)

	v.SetDefault("sync.max_retries", cfg.Sync.MaxRetries)
	v.SetDefault("sync.retention_days", cfg.Sync.RetentionDays)
	v.SetDefault("sync.cleanup_schedule", cfg.Sync.CleanupSchedule)
	v.SetDefault("sync.background_sync_schedule", cfg.Sync.BackgroundSyncSchedule)
	v.SetDefault("sync.background_sync_tag", cfg.Sync.BackgroundSyncTag)

	v.SetDefault("proxy.listen", cfg.Proxy.Listen)
	v.SetDefault("proxy.upstream", cfg.Proxy.Upstream)
	v.SetDefault("proxy.static_cache_name", cfg.Proxy.StaticCacheName)
	v.SetDefault("proxy.runtime_cache_name", cfg.Proxy.RuntimeCacheName)
	v.SetDefault("proxy.static_assets", cfg.Proxy.StaticAssets)
	v.SetDefault("proxy.shell_path", cfg.Proxy.ShellPath)
	v.SetDefault("proxy.fetch_through_timeout", d(cfg.Proxy.FetchThroughTimeout))

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.color", cfg.Log.Color)
}

// SaveExample writes an example config file. The format follows the
// extension (.yaml, .json or .toml).
func SaveExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("write example: %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return os.Chmod(path, 0600)
}
