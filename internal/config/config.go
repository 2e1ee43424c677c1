// Package config loads photomirror configuration from a YAML file and
// PHOTOMIRROR_* environment variables, with validated defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/photomirror/photomirror/internal/engine"
)

// SourceConfig selects and configures the photo source.
type SourceConfig struct {
	// Kind is "http" or "local".
	Kind string `mapstructure:"kind" yaml:"kind"`

	// BaseURL and Token configure the http source.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Token   string `mapstructure:"token" yaml:"token,omitempty"`

	// Path configures the local directory source.
	Path string `mapstructure:"path" yaml:"path"`

	// Watch enables filesystem watching for the local source so new
	// photos trigger an early cycle.
	Watch bool `mapstructure:"watch" yaml:"watch"`
}

// TargetConfig configures the upload side.
type TargetConfig struct {
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	AccessToken  string `mapstructure:"access_token" yaml:"access_token,omitempty"`
	RefreshToken string `mapstructure:"refresh_token" yaml:"refresh_token,omitempty"`

	// Collection is the album everything syncs into.
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// SyncConfig holds engine and scheduling knobs.
type SyncConfig struct {
	DatabasePath   string        `mapstructure:"database_path" yaml:"database_path"`
	DeletionPolicy string        `mapstructure:"deletion_policy" yaml:"deletion_policy"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	InterItemDelay time.Duration `mapstructure:"inter_item_delay" yaml:"inter_item_delay"`
}

// DashboardConfig configures the operator HTTP surface.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig routes process logs to a rotated file when File is set.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Config is the full photomirror configuration.
type Config struct {
	Source    SourceConfig    `mapstructure:"source" yaml:"source"`
	Target    TargetConfig    `mapstructure:"target" yaml:"target"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// Load reads configuration from path (or the default search locations
// when path is empty), layers PHOTOMIRROR_* environment variables on
// top, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PHOTOMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("photomirror")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/photomirror")
		v.AddConfigPath("/etc/photomirror")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing file is fine when no explicit path was given;
		// defaults plus env vars may be a complete config.
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.kind", "local")
	v.SetDefault("source.watch", true)
	v.SetDefault("target.collection", "photomirror")
	v.SetDefault("sync.database_path", ".photomirror/mappings.db")
	v.SetDefault("sync.deletion_policy", string(engine.HardDelete))
	v.SetDefault("sync.poll_interval", 10*time.Minute)
	v.SetDefault("sync.inter_item_delay", time.Duration(0))
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", "127.0.0.1:8787")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case "http":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("source.base_url is required for the http source")
		}
	case "local":
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for the local source")
		}
	default:
		return fmt.Errorf("unknown source.kind %q (want http or local)", c.Source.Kind)
	}

	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url is required")
	}
	if c.Target.Collection == "" {
		return fmt.Errorf("target.collection cannot be empty")
	}
	if c.Sync.DatabasePath == "" {
		return fmt.Errorf("sync.database_path cannot be empty")
	}
	if err := engine.DeletionPolicy(c.Sync.DeletionPolicy).Validate(); err != nil {
		return fmt.Errorf("sync.deletion_policy: %w", err)
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive")
	}
	if c.Sync.InterItemDelay < 0 {
		return fmt.Errorf("sync.inter_item_delay cannot be negative")
	}
	return nil
}
