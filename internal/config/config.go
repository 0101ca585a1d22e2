// Package config loads satchel configuration from YAML files and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the satchel CLI and daemon read.
type Config struct {
	// DBPath is the SQLite file backing the key-value store
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// SpoolDir is the directory the daemon watches for operation files
	SpoolDir string `mapstructure:"spool_dir" yaml:"spool_dir"`

	// ProbeURL receives connectivity HEAD probes
	ProbeURL string `mapstructure:"probe_url" yaml:"probe_url"`

	// PollInterval is how often the network monitor re-probes
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// DrainInterval is the queue's periodic safety-net drain
	DrainInterval time.Duration `mapstructure:"drain_interval" yaml:"drain_interval"`

	// DashboardPort is where the WebSocket dashboard listens (0 = random)
	DashboardPort int `mapstructure:"dashboard_port" yaml:"dashboard_port"`

	// LogFile receives rotated daemon logs; empty means stderr only
	LogFile string `mapstructure:"log_file" yaml:"log_file"`

	// BaseDelay is the first retry delay for failed operations
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the retry backoff
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay"`

	// MaxRetries is the default retry ceiling per operation
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		DBPath:        filepath.Join(dataDir(), "satchel.db"),
		SpoolDir:      filepath.Join(dataDir(), "spool"),
		ProbeURL:      "https://clients3.google.com/generate_204",
		PollInterval:  3 * time.Second,
		DrainInterval: 30 * time.Second,
		DashboardPort: 8080,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		MaxRetries:    5,
	}
}

// Load merges configuration from the global file, the project file, and
// SATCHEL_* environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Global config first
	if err := loadFile(GlobalConfigPath(), cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s: %w", GlobalConfigPath(), err)
	}

	// Project config overrides global
	if err := loadFile(ProjectConfigPath(), cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load %s: %w", ProjectConfigPath(), err)
	}

	if err := loadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return err
	}

	return v.Unmarshal(cfg)
}

func loadEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix("SATCHEL")
	v.AutomaticEnv()

	keys := []string{
		"db_path", "spool_dir", "probe_url",
		"poll_interval", "drain_interval", "dashboard_port",
		"log_file", "base_delay", "max_delay", "max_retries",
	}
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

// GlobalConfigPath returns the path to the per-user config file.
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".satchel", "config.yaml")
}

// ProjectConfigPath returns the path to the per-project config file.
func ProjectConfigPath() string {
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, ".satchel", "config.yaml")
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".satchel"
	}
	return filepath.Join(home, ".satchel")
}
