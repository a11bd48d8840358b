// Package config loads daemon configuration from ~/.warden/warden.yaml with
// WARDEN_-prefixed environment overrides.
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

// Config holds every tunable of the warden daemon.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`

	DatabasePath string `mapstructure:"database_path"`

	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	BatchSize      int           `mapstructure:"batch_size"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration. When file is non-empty it must exist; otherwise
// the default search path is optional and defaults apply.
func Load(file string) (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	wardenDir := filepath.Join(home, ".warden")

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7720)
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", filepath.Join(wardenDir, "warden.db"))
	v.SetDefault("idle_timeout", time.Minute)
	v.SetDefault("batch_size", 10)
	v.SetDefault("sweep_interval", 5*time.Minute)
	v.SetDefault("stale_threshold", 30*time.Minute)

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("warden")
		v.SetConfigType("yaml")
		v.AddConfigPath(wardenDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}
