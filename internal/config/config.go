// Package config loads matchsync settings: defaults, then an optional YAML
// file, then MATCHSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/matchsync/internal/engine"
	"github.com/roach88/matchsync/internal/remote"
)

// EnvPrefix is prepended to every environment override, e.g.
// MATCHSYNC_REMOTE_BASE_URL.
const EnvPrefix = "MATCHSYNC"

type Config struct {
	DB           DBConfig           `mapstructure:"db"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	API          APIConfig          `mapstructure:"api"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Token         string        `mapstructure:"token"`
	RatePerSec    float64       `mapstructure:"rate_per_sec"`
	Burst         int           `mapstructure:"burst"`
	GzipThreshold int           `mapstructure:"gzip_threshold"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type SyncConfig struct {
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// ConnectivityConfig configures the health probe. An empty ProbeURL probes
// the remote base URL.
type ConnectivityConfig struct {
	ProbeURL string        `mapstructure:"probe_url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

// LoggingConfig selects the log level and optional rotating file output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.path", "matchsync.db")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.rate_per_sec", 5.0)
	v.SetDefault("remote.burst", 5)
	v.SetDefault("remote.gzip_threshold", remote.DefaultGzipThreshold)
	v.SetDefault("remote.timeout", "30s")

	v.SetDefault("retry.max_attempts", engine.DefaultMaxAttempts)
	v.SetDefault("retry.base_delay", engine.DefaultBaseDelay.String())
	v.SetDefault("retry.max_delay", engine.DefaultMaxDelay.String())

	v.SetDefault("sync.submit_timeout", engine.DefaultSubmitTimeout.String())
	v.SetDefault("sync.poll_interval", engine.DefaultPollInterval.String())

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.interval", "10s")
	v.SetDefault("connectivity.timeout", "3s")

	v.SetDefault("api.listen", "127.0.0.1:8710")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 20)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Load reads configuration. An empty path looks for matchsync.yaml in the
// working directory and is not an error when none exists; an explicit path
// must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("matchsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
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

// Validate reports every invalid setting at once. A missing remote base URL
// is allowed; commands that deliver check it themselves.
func (c *Config) Validate() error {
	var errs []error
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path is required"))
	}
	if c.Remote.RatePerSec < 0 {
		errs = append(errs, errors.New("remote.rate_per_sec must be >= 0"))
	}
	if c.Remote.Timeout < 0 {
		errs = append(errs, errors.New("remote.timeout must be >= 0"))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.SubmitTimeout <= 0 {
		errs = append(errs, errors.New("sync.submit_timeout must be > 0"))
	}
	if c.Sync.PollInterval < 0 {
		errs = append(errs, errors.New("sync.poll_interval must be >= 0"))
	}
	if c.Connectivity.Interval <= 0 {
		errs = append(errs, errors.New("connectivity.interval must be > 0"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the retry settings for the engine.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	p := engine.DefaultRetryPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	p.BaseDelay = c.Retry.BaseDelay
	p.MaxDelay = c.Retry.MaxDelay
	return p
}

// RemoteClient converts the remote settings for remote.NewClient.
func (c *Config) RemoteClient() remote.Config {
	return remote.Config{
		BaseURL:       c.Remote.BaseURL,
		Token:         c.Remote.Token,
		RatePerSec:    c.Remote.RatePerSec,
		Burst:         c.Remote.Burst,
		GzipThreshold: c.Remote.GzipThreshold,
		Timeout:       c.Remote.Timeout,
	}
}

// ProbeURL returns the connectivity probe target.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.Remote.BaseURL
}
