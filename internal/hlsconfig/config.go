// Package hlsconfig provides configuration management for the playlist
// tracker using Viper, following the same file/environment/default
// precedence as the rest of this codebase.
package hlsconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jmylchreest/hlstrack/internal/hlsretry"
)

const (
	defaultBaseDelay         = 1 * time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultMaxAttempts       = 6
	defaultExclusionDuration = 30 * time.Second
	defaultManifestRetries   = 1
	defaultMediaRetries      = 0
	defaultStuckCoefficient  = 3.5
	defaultMinValidity       = 30 * time.Second
	defaultHTTPTimeout       = 15 * time.Second
)

// Config holds the tunables a Tracker's collaborators are built from.
type Config struct {
	Retry   RetryConfig   `mapstructure:"retry"`
	Bundle  BundleConfig  `mapstructure:"bundle"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RetryConfig configures the hlsretry.Default policy.
type RetryConfig struct {
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	ExclusionDuration time.Duration `mapstructure:"exclusion_duration"`
	ManifestRetries   int           `mapstructure:"manifest_retries"`
	MediaRetries      int           `mapstructure:"media_retries"`
}

// BundleConfig holds per-variant bundle tunables. They are loaded and
// validated here, but nothing passes them to hlsbundle, which always uses
// its built-in stuck coefficient (3.5) and validity floor (30s).
type BundleConfig struct {
	StuckCoefficient    float64       `mapstructure:"stuck_coefficient"`
	MinSnapshotValidity time.Duration `mapstructure:"min_snapshot_validity"`
}

// FetchConfig holds the HTTP data source's request timeout. It is loaded
// and validated here, but hlsload.NewHTTPDataSource does not read it and
// keeps httpclient.DefaultConfig's timeout.
type FetchConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig matches the rest of this codebase's logging shape.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration, are
// prefixed with HLSTRACK_, and use underscores for nesting — e.g.
// HLSTRACK_RETRY_MAX_ATTEMPTS=10.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("hlstrack")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hlstrack")
		v.AddConfigPath("$HOME/.hlstrack")
	}

	v.SetEnvPrefix("HLSTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for every configuration option.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("retry.base_delay", defaultBaseDelay)
	v.SetDefault("retry.max_delay", defaultMaxDelay)
	v.SetDefault("retry.max_attempts", defaultMaxAttempts)
	v.SetDefault("retry.exclusion_duration", defaultExclusionDuration)
	v.SetDefault("retry.manifest_retries", defaultManifestRetries)
	v.SetDefault("retry.media_retries", defaultMediaRetries)

	v.SetDefault("bundle.stuck_coefficient", defaultStuckCoefficient)
	v.SetDefault("bundle.min_snapshot_validity", defaultMinValidity)

	v.SetDefault("fetch.timeout", defaultHTTPTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
}

// NewPolicy builds the hlsretry.Default policy this configuration
// describes.
func (c *RetryConfig) NewPolicy() *hlsretry.Default {
	return &hlsretry.Default{
		MinRetries: map[hlsretry.DataType]int{
			hlsretry.DataTypeManifest:      c.ManifestRetries,
			hlsretry.DataTypeMediaPlaylist: c.MediaRetries,
		},
		BaseDelay:         c.BaseDelay,
		MaxDelay:          c.MaxDelay,
		MaxAttempts:       c.MaxAttempts,
		ExclusionDuration: c.ExclusionDuration,
	}
}

// Validate rejects configuration values this module cannot act on.
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 {
		return errors.New("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry.max_delay must be >= retry.base_delay")
	}
	if c.Bundle.StuckCoefficient <= 1 {
		return errors.New("bundle.stuck_coefficient must be greater than 1")
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout must be positive")
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of trace, debug, info, warn, error", c.Logging.Level)
	}
	return nil
}
