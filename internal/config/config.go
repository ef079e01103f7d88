// Package config loads and watches the syncd configuration file.
//
// Configuration comes from three layers, lowest priority first: built-in
// defaults, the YAML config file, and SYNCD_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full syncd configuration.
type Config struct {
	// DBPath is the local store location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Docstore  DocstoreConfig  `mapstructure:"docstore" yaml:"docstore"`
	GraphTask GraphTaskConfig `mapstructure:"graphtasks" yaml:"graphtasks"`
	Status    StatusConfig    `mapstructure:"status" yaml:"status"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// SyncConfig tunes the scheduler, merge policy, and retry behavior.
type SyncConfig struct {
	// Interval between periodic sync cycles.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// Cooldown after a failed cycle.
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`

	// SkewWindow is the clock-skew tolerance for conflict timestamps.
	SkewWindow time.Duration `mapstructure:"skew_window" yaml:"skew_window"`

	// BatchSize caps journal entries dispatched per cycle.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// MaxAttempts before a journal entry goes terminal.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// BackoffBase and BackoffCap bound the retry delays.
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`

	// PurgeAfter is the tombstone retention window.
	PurgeAfter time.Duration `mapstructure:"purge_after" yaml:"purge_after"`
}

// DocstoreConfig configures the document-DB provider.
type DocstoreConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Project string `mapstructure:"project" yaml:"project"`
	UserID  string `mapstructure:"user_id" yaml:"user_id"`

	// TokenEnv names the environment variable holding the bearer token.
	// Credentials never live in the config file.
	TokenEnv string `mapstructure:"token_env" yaml:"token_env"`
}

// GraphTaskConfig configures the graph-tasks provider.
type GraphTaskConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	ListID   string `mapstructure:"list_id" yaml:"list_id"`
	TokenEnv string `mapstructure:"token_env" yaml:"token_env"`
}

// StatusConfig configures the status server the UI connects to.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// LogConfig configures rotating file logging for the daemon.
type LogConfig struct {
	// File is the log destination; empty logs to stderr only.
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DBPath: filepath.Join(home, ".syncd", "sync.db"),
		Sync: SyncConfig{
			Interval:    5 * time.Minute,
			Cooldown:    time.Minute,
			SkewWindow:  5 * time.Second,
			BatchSize:   100,
			MaxAttempts: 8,
			BackoffBase: 5 * time.Second,
			BackoffCap:  5 * time.Minute,
			PurgeAfter:  24 * time.Hour,
		},
		Docstore: DocstoreConfig{
			TokenEnv: "SYNCD_DOCSTORE_TOKEN",
		},
		GraphTask: GraphTaskConfig{
			TokenEnv: "SYNCD_GRAPHTASKS_TOKEN",
		},
		Status: StatusConfig{
			Enabled: true,
			Port:    7385,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".syncd", "config.yaml")
}

// Load reads configuration from the given file, falling back to defaults
// for anything unset. A missing file is not an error: defaults plus
// environment variables apply.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch reloads the config whenever the file changes and invokes
// onChange with the new value. Invalid edits are reported and skipped,
// keeping the previous configuration live.
func Watch(path string, onChange func(Config), onError func(error)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}

	v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			onError(fmt.Errorf("failed to parse config: %w", err))
			return
		}
		if err := cfg.Validate(); err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// WriteDefault writes a commented starter config to path, creating
// parent directories as needed. Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	d := Default()
	// Durations are written in their string form so the file stays
	// human-editable; viper parses them back on load.
	doc := map[string]any{
		"db_path": d.DBPath,
		"sync": map[string]any{
			"interval":     d.Sync.Interval.String(),
			"cooldown":     d.Sync.Cooldown.String(),
			"skew_window":  d.Sync.SkewWindow.String(),
			"batch_size":   d.Sync.BatchSize,
			"max_attempts": d.Sync.MaxAttempts,
			"backoff_base": d.Sync.BackoffBase.String(),
			"backoff_cap":  d.Sync.BackoffCap.String(),
			"purge_after":  d.Sync.PurgeAfter.String(),
		},
		"docstore": map[string]any{
			"enabled":   d.Docstore.Enabled,
			"project":   d.Docstore.Project,
			"user_id":   d.Docstore.UserID,
			"token_env": d.Docstore.TokenEnv,
		},
		"graphtasks": map[string]any{
			"enabled":   d.GraphTask.Enabled,
			"list_id":   d.GraphTask.ListID,
			"token_env": d.GraphTask.TokenEnv,
		},
		"status": map[string]any{
			"enabled": d.Status.Enabled,
			"port":    d.Status.Port,
		},
		"log": map[string]any{
			"max_size_mb":  d.Log.MaxSizeMB,
			"max_backups":  d.Log.MaxBackups,
			"max_age_days": d.Log.MaxAgeDays,
		},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	header := []byte("# syncd configuration. Tokens are read from the\n# environment variables named by token_env, never from this file.\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Sync.Interval < time.Second {
		return fmt.Errorf("sync.interval %s is too short", c.Sync.Interval)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffCap < c.Sync.BackoffBase {
		return fmt.Errorf("backoff base/cap (%s/%s) are inconsistent", c.Sync.BackoffBase, c.Sync.BackoffCap)
	}
	if c.Docstore.Enabled && (c.Docstore.Project == "" || c.Docstore.UserID == "") {
		return fmt.Errorf("docstore requires project and user_id")
	}
	if c.GraphTask.Enabled && c.GraphTask.ListID == "" {
		return fmt.Errorf("graphtasks requires list_id")
	}
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.cooldown", d.Sync.Cooldown)
	v.SetDefault("sync.skew_window", d.Sync.SkewWindow)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.backoff_base", d.Sync.BackoffBase)
	v.SetDefault("sync.backoff_cap", d.Sync.BackoffCap)
	v.SetDefault("sync.purge_after", d.Sync.PurgeAfter)
	v.SetDefault("docstore.enabled", d.Docstore.Enabled)
	v.SetDefault("docstore.base_url", d.Docstore.BaseURL)
	v.SetDefault("docstore.project", d.Docstore.Project)
	v.SetDefault("docstore.user_id", d.Docstore.UserID)
	v.SetDefault("docstore.token_env", d.Docstore.TokenEnv)
	v.SetDefault("graphtasks.enabled", d.GraphTask.Enabled)
	v.SetDefault("graphtasks.base_url", d.GraphTask.BaseURL)
	v.SetDefault("graphtasks.list_id", d.GraphTask.ListID)
	v.SetDefault("graphtasks.token_env", d.GraphTask.TokenEnv)
	v.SetDefault("status.enabled", d.Status.Enabled)
	v.SetDefault("status.port", d.Status.Port)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}
