package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const header = `# outcal configuration
#
# client_id is the application (client) id of your Microsoft Entra app
# registration. Register a "Mobile and desktop" platform with redirect URI
# matching redirect_url and delegated permissions Calendars.Read, User.Read
# and offline_access.
#
# Every key can also be set with an OUTCAL_ environment variable, e.g.
# OUTCAL_CLIENT_ID or OUTCAL_SYNC_MONTHS_AHEAD.

`

// fileConfig is what `config init` writes. Durations are strings so the
// file stays readable.
type fileConfig struct {
	ClientID               string `toml:"client_id"`
	Tenant                 string `toml:"tenant"`
	RedirectURL            string `toml:"redirect_url"`
	RefreshIntervalMinutes int    `toml:"refresh_interval_minutes"`
	Debug                  bool   `toml:"debug"`
	LoginTimeout           string `toml:"login_timeout"`

	Sync struct {
		MonthsBack        int     `toml:"months_back"`
		MonthsAhead       int     `toml:"months_ahead"`
		MaxAttempts       int     `toml:"max_attempts"`
		InitialBackoff    string  `toml:"initial_backoff"`
		RequestsPerSecond float64 `toml:"requests_per_second"`
	} `toml:"sync"`

	Dashboard DashboardConfig `toml:"dashboard"`
	Auth      AuthConfig      `toml:"auth"`

	Notifications NotificationsConfig `toml:"notifications"`
}

func toFile(c Config) fileConfig {
	var f fileConfig
	f.ClientID = c.ClientID
	f.Tenant = c.Tenant
	f.RedirectURL = c.RedirectURL
	f.RefreshIntervalMinutes = c.RefreshIntervalMinutes
	f.Debug = c.Debug
	f.LoginTimeout = c.LoginTimeout.String()
	f.Sync.MonthsBack = c.Sync.MonthsBack
	f.Sync.MonthsAhead = c.Sync.MonthsAhead
	f.Sync.MaxAttempts = c.Sync.MaxAttempts
	f.Sync.InitialBackoff = c.Sync.InitialBackoff.String()
	f.Sync.RequestsPerSecond = c.Sync.RequestsPerSecond
	f.Dashboard = c.Dashboard
	f.Auth = c.Auth
	f.Notifications = c.Notifications
	return f
}

// Encode renders c as a commented TOML document.
func Encode(c Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)
	if err := toml.NewEncoder(&buf).Encode(toFile(c)); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes c to path. An existing file is only replaced when
// overwrite is set.
func WriteFile(path string, c Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := Encode(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}
