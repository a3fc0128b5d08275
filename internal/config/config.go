// Package config provides configuration for the xero-auth daemon and
// client. It uses koanf v2 to load an optional YAML file; a missing file
// yields pure defaults, since the daemon must come up with zero
// configuration when launched through pkexec.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPath is the default location of the configuration file.
const DefaultConfigPath = "/etc/xero-auth/config.yaml"

// Config holds the tunable knobs. Every field has a working default.
type Config struct {
	// LogLevel controls logging verbosity: "debug", "info", "warn",
	// "error". Default: "info".
	LogLevel string `koanf:"log_level"`

	// SocketDir overrides the directory holding the daemon socket.
	// Empty derives the per-user runtime directory.
	SocketDir string `koanf:"socket_dir"`

	// ParentPollIntervalSecs is how often (in seconds) the daemon checks
	// that its launching process is still alive. Default: 2.
	ParentPollIntervalSecs int `koanf:"parent_poll_interval"`

	// ConnectTimeoutSecs bounds the client's connection attempt in
	// seconds. Default: 5.
	ConnectTimeoutSecs int `koanf:"connect_timeout"`

	// LaunchTimeoutSecs bounds how long the launch supervisor waits for
	// the daemon socket, in seconds. Default: 60.
	LaunchTimeoutSecs int `koanf:"launch_timeout"`
}

// Validation errors returned by Load.
var (
	ErrInvalidParentPollInterval = errors.New("parent_poll_interval must be positive")
	ErrInvalidConnectTimeout     = errors.New("connect_timeout must be positive")
	ErrInvalidLaunchTimeout      = errors.New("launch_timeout must be positive")
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:               "info",
		ParentPollIntervalSecs: 2,
		ConnectTimeoutSecs:     5,
		LaunchTimeoutSecs:      60,
	}
}

// Load reads configuration from the given YAML file path on top of the
// defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ParentPollIntervalSecs <= 0 {
		return ErrInvalidParentPollInterval
	}
	if c.ConnectTimeoutSecs <= 0 {
		return ErrInvalidConnectTimeout
	}
	if c.LaunchTimeoutSecs <= 0 {
		return ErrInvalidLaunchTimeout
	}
	return nil
}

// ParentPollInterval returns the liveness polling interval as a duration.
func (c *Config) ParentPollInterval() time.Duration {
	return time.Duration(c.ParentPollIntervalSecs) * time.Second
}

// ConnectTimeout returns the client connect timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSecs) * time.Second
}

// LaunchTimeout returns the launch readiness timeout as a duration.
func (c *Config) LaunchTimeout() time.Duration {
	return time.Duration(c.LaunchTimeoutSecs) * time.Second
}
