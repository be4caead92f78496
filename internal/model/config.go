package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// ListenerConfig holds the knobs for the per-account mailbox listeners.
type ListenerConfig struct {
	// PollIntervalSec is the sleep between checks when the server does
	// not support IDLE.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// IdleCycleMin bounds a single IDLE wait. Many servers drop idle
	// sessions around 30 minutes, so the wait is re-issued before that.
	IdleCycleMin int `mapstructure:"idle_cycle_min" yaml:"idle_cycle_min"`

	// MaxRetries caps consecutive failed connection attempts before the
	// session is marked as errored.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// RetryDelaySec is the backoff base; the n-th retry waits n times
	// this long.
	RetryDelaySec int `mapstructure:"retry_delay_sec" yaml:"retry_delay_sec"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	// Database is the path of the SQLite database file.
	Database string `mapstructure:"database" yaml:"database"`

	// InlineImageDir is where inline images extracted from HTML bodies
	// are materialized.
	InlineImageDir string `mapstructure:"inline_image_dir" yaml:"inline_image_dir"`

	// InlineImageBaseURL prefixes the generated inline-image filenames
	// so HTML bodies reference a resolvable URL.
	InlineImageBaseURL string `mapstructure:"inline_image_base_url" yaml:"inline_image_base_url"`

	Listener ListenerConfig `mapstructure:"listener" yaml:"listener"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/deskmate/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "deskmate", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	dataDir := "."
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "deskmate")
	}
	return &AppConfig{
		Database:           filepath.Join(dataDir, "deskmate.db"),
		InlineImageDir:     filepath.Join(dataDir, "inline_images"),
		InlineImageBaseURL: "http://127.0.0.1:5000/api/email/inline-images",
		Listener: ListenerConfig{
			PollIntervalSec: 30,
			IdleCycleMin:    29,
			MaxRetries:      5,
			RetryDelaySec:   5,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := defaultAppConfig()

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("database", def.Database)
	v.SetDefault("inline_image_dir", def.InlineImageDir)
	v.SetDefault("inline_image_base_url", def.InlineImageBaseURL)
	v.SetDefault("listener.poll_interval_sec", def.Listener.PollIntervalSec)
	v.SetDefault("listener.idle_cycle_min", def.Listener.IdleCycleMin)
	v.SetDefault("listener.max_retries", def.Listener.MaxRetries)
	v.SetDefault("listener.retry_delay_sec", def.Listener.RetryDelaySec)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("inline_image_dir", cfg.InlineImageDir)
	v.Set("inline_image_base_url", cfg.InlineImageBaseURL)
	v.Set("listener", cfg.Listener)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
