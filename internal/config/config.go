// Package config loads outcal's configuration from config.toml, OUTCAL_*
// environment variables and command-line flags, in increasing precedence.
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

// Config is the resolved configuration.
type Config struct {
	ClientID               string        `mapstructure:"client_id" toml:"client_id"`
	Tenant                 string        `mapstructure:"tenant" toml:"tenant"`
	RedirectURL            string        `mapstructure:"redirect_url" toml:"redirect_url"`
	RefreshIntervalMinutes int           `mapstructure:"refresh_interval_minutes" toml:"refresh_interval_minutes"`
	Debug                  bool          `mapstructure:"debug" toml:"debug"`
	LoginTimeout           time.Duration `mapstructure:"login_timeout" toml:"login_timeout"`
	DataDir                string        `mapstructure:"data_dir" toml:"data_dir"`

	Sync      SyncConfig      `mapstructure:"sync" toml:"sync"`
	Dashboard DashboardConfig `mapstructure:"dashboard" toml:"dashboard"`
	Auth      AuthConfig      `mapstructure:"auth" toml:"auth"`

	Notifications NotificationsConfig `mapstructure:"notifications" toml:"notifications"`

	// File is the config file that was read, empty when none exists.
	File string `mapstructure:"-" toml:"-"`
}

type SyncConfig struct {
	MonthsBack        int           `mapstructure:"months_back" toml:"months_back"`
	MonthsAhead       int           `mapstructure:"months_ahead" toml:"months_ahead"`
	MaxAttempts       int           `mapstructure:"max_attempts" toml:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" toml:"initial_backoff"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" toml:"requests_per_second"`
}

type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Addr    string `mapstructure:"addr" toml:"addr"`
}

type AuthConfig struct {
	// Interactive lets background syncs open a browser when the refresh
	// token no longer works.
	Interactive bool `mapstructure:"interactive" toml:"interactive"`
	// Keyring selects the OS secret store. When false the refresh token is
	// kept in memory only and every process start needs a login.
	Keyring bool `mapstructure:"keyring" toml:"keyring"`
}

// NotificationsConfig controls desktop reminders sent by the daemon.
type NotificationsConfig struct {
	Enabled       bool `mapstructure:"enabled" toml:"enabled"`
	MinutesBefore int  `mapstructure:"minutes_before" toml:"minutes_before"`
}

// Lead is how long before an event starts its reminder is sent.
func (n NotificationsConfig) Lead() time.Duration {
	return time.Duration(n.MinutesBefore) * time.Minute
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Tenant:                 "common",
		RedirectURL:            "http://localhost:8080",
		RefreshIntervalMinutes: 5,
		LoginTimeout:           3 * time.Minute,
		Sync: SyncConfig{
			MonthsBack:        1,
			MonthsAhead:       3,
			MaxAttempts:       3,
			InitialBackoff:    2 * time.Second,
			RequestsPerSecond: 8,
		},
		Dashboard: DashboardConfig{
			Addr: "127.0.0.1:7878",
		},
		Auth: AuthConfig{
			Interactive: true,
			Keyring:     true,
		},
		Notifications: NotificationsConfig{
			Enabled:       true,
			MinutesBefore: 15,
		},
	}
}

// RefreshInterval returns the scheduled sync period.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMinutes) * time.Minute
}

// Validate checks value ranges. A missing client id is not an error here:
// read-only commands work without one.
func (c *Config) Validate() error {
	var errs []error
	if c.RefreshIntervalMinutes < 1 {
		errs = append(errs, fmt.Errorf("refresh_interval_minutes must be at least 1, got %d", c.RefreshIntervalMinutes))
	}
	if c.Sync.MonthsBack < 0 || c.Sync.MonthsAhead < 0 {
		errs = append(errs, errors.New("sync.months_back and sync.months_ahead must not be negative"))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.max_attempts must be at least 1, got %d", c.Sync.MaxAttempts))
	}
	if c.Sync.InitialBackoff <= 0 {
		errs = append(errs, errors.New("sync.initial_backoff must be positive"))
	}
	if c.LoginTimeout <= 0 {
		errs = append(errs, errors.New("login_timeout must be positive"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is empty"))
	}
	if c.Notifications.Enabled && c.Notifications.MinutesBefore < 1 {
		errs = append(errs, fmt.Errorf("notifications.minutes_before must be at least 1, got %d", c.Notifications.MinutesBefore))
	}
	return errors.Join(errs...)
}

// New returns a viper instance with defaults, env binding and the config
// search path set. configFile overrides the search when non-empty.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("toml")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("OUTCAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("client_id", d.ClientID)
	v.SetDefault("tenant", d.Tenant)
	v.SetDefault("redirect_url", d.RedirectURL)
	v.SetDefault("refresh_interval_minutes", d.RefreshIntervalMinutes)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("login_timeout", d.LoginTimeout)
	v.SetDefault("data_dir", "")

	v.SetDefault("sync.months_back", d.Sync.MonthsBack)
	v.SetDefault("sync.months_ahead", d.Sync.MonthsAhead)
	v.SetDefault("sync.max_attempts", d.Sync.MaxAttempts)
	v.SetDefault("sync.initial_backoff", d.Sync.InitialBackoff)
	v.SetDefault("sync.requests_per_second", d.Sync.RequestsPerSecond)

	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.addr", d.Dashboard.Addr)

	v.SetDefault("auth.interactive", d.Auth.Interactive)
	v.SetDefault("auth.keyring", d.Auth.Keyring)

	v.SetDefault("notifications.enabled", d.Notifications.Enabled)
	v.SetDefault("notifications.minutes_before", d.Notifications.MinutesBefore)
}

// Load reads the config file (absent is fine) and resolves the result.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.File); err != nil {
		cfg.File = ""
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DefaultConfigDir is $XDG_CONFIG_HOME/outcal or the OS equivalent.
func DefaultConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "outcal"), nil
}

// DefaultDataDir is $XDG_DATA_HOME/outcal, falling back to
// ~/.local/share/outcal.
func DefaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "outcal"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "outcal"), nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
