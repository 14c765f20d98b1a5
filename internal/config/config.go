// Package config loads the daemon configuration and the policy seed file.
package config

import (
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete daemon configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig defines storage settings
type DatabaseConfig struct {
	Path    string `mapstructure:"path"`
	Key     string `mapstructure:"key"`      // SQLCipher passphrase; takes precedence over key_file
	KeyFile string `mapstructure:"key_file"` // Path to a key file, generated on first use
}

// DaemonConfig defines the monitoring loop settings
type DaemonConfig struct {
	Hostname         string `mapstructure:"hostname"` // defaults to os.Hostname
	Username         string `mapstructure:"username"` // defaults to the current user
	SnapshotInterval string `mapstructure:"snapshot_interval"`
	EvaluateInterval string `mapstructure:"evaluate_interval"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"` // empty means stderr
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix("TIMEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := fillDefaults(&config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "/var/lib/timekeeper/timekeeper.db")
	v.SetDefault("database.key", "")
	v.SetDefault("database.key_file", "")

	v.SetDefault("daemon.snapshot_interval", "1m")
	v.SetDefault("daemon.evaluate_interval", "1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
}

// fillDefaults resolves hostname and username from the environment when the
// config leaves them empty.
func fillDefaults(cfg *Config) error {
	if cfg.Daemon.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to resolve hostname: %w", err)
		}
		cfg.Daemon.Hostname = hostname
	}
	if cfg.Daemon.Username == "" {
		u, err := user.Current()
		if err != nil {
			return fmt.Errorf("failed to resolve current user: %w", err)
		}
		cfg.Daemon.Username = u.Username
	}
	return nil
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if _, err := cfg.SnapshotInterval(); err != nil {
		return fmt.Errorf("invalid snapshot_interval: %w", err)
	}
	if _, err := cfg.EvaluateInterval(); err != nil {
		return fmt.Errorf("invalid evaluate_interval: %w", err)
	}
	return nil
}

// SnapshotInterval returns the parsed snapshot interval.
func (c *Config) SnapshotInterval() (time.Duration, error) {
	return time.ParseDuration(c.Daemon.SnapshotInterval)
}

// EvaluateInterval returns the parsed evaluation interval.
func (c *Config) EvaluateInterval() (time.Duration, error) {
	return time.ParseDuration(c.Daemon.EvaluateInterval)
}
