package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OUTCAL_DATA_DIR", filepath.Join(dir, "data"))

	v, err := New(filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	want := Default()
	want.DataDir = filepath.Join(dir, "data")
	if diff := cmp.Diff(want, *cfg, cmpopts.IgnoreFields(Config{}, "File")); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want empty", cfg.File)
	}
	if cfg.RefreshInterval() != 5*time.Minute {
		t.Errorf("RefreshInterval() = %v", cfg.RefreshInterval())
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
client_id = "from-file"
refresh_interval_minutes = 15
login_timeout = "90s"
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[sync]
months_ahead = 6
initial_backoff = "500ms"

[notifications]
minutes_before = 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OUTCAL_CLIENT_ID", "from-env")
	t.Setenv("OUTCAL_SYNC_MAX_ATTEMPTS", "5")

	v, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ClientID != "from-env" {
		t.Errorf("ClientID = %q, want from-env", cfg.ClientID)
	}
	if cfg.RefreshIntervalMinutes != 15 || cfg.LoginTimeout != 90*time.Second {
		t.Errorf("top-level = %+v", cfg)
	}
	if cfg.Sync.MonthsAhead != 6 || cfg.Sync.MonthsBack != 1 || cfg.Sync.MaxAttempts != 5 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Sync.InitialBackoff != 500*time.Millisecond {
		t.Errorf("InitialBackoff = %v", cfg.Sync.InitialBackoff)
	}
	if !cfg.Notifications.Enabled || cfg.Notifications.Lead() != 5*time.Minute {
		t.Errorf("notifications = %+v", cfg.Notifications)
	}
	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.DataDir != filepath.Join(dir, "data") {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	_ = os.WriteFile(path, []byte("refresh_interval_minutes = 0\n[sync]\nmax_attempts = 0\n[notifications]\nminutes_before = 0\n"), 0o600)
	t.Setenv("OUTCAL_DATA_DIR", dir)

	v, _ := New(path)
	_, err := Load(v)
	if err == nil {
		t.Fatal("Load() accepted invalid config")
	}
	for _, want := range []string{"refresh_interval_minutes", "sync.max_attempts", "notifications.minutes_before"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestWriteFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outcal", "config.toml")

	t.Setenv("OUTCAL_DATA_DIR", dir)

	c := Default()
	c.ClientID = "abc-123"
	c.DataDir = dir
	if err := WriteFile(path, c, false); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := WriteFile(path, c, false); err == nil {
		t.Error("WriteFile() overwrote without permission")
	}

	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "# outcal configuration") {
		t.Error("header missing")
	}

	v, _ := New(path)
	got, err := Load(v)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.ClientID != "abc-123" || got.LoginTimeout != c.LoginTimeout || got.Sync.InitialBackoff != c.Sync.InitialBackoff ||
		got.Notifications != c.Notifications {
		t.Errorf("round trip = %+v", got)
	}
}
