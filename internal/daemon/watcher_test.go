package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	other := filepath.Join(dir, "other.toml")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatal(err)
	}

	cw, err := NewConfigWatcher(path, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := cw.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer cw.Stop()

	if err := cw.Start(); err == nil {
		t.Error("second Start() succeeded")
	}

	// Unrelated files are ignored.
	if err := os.WriteFile(other, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cw.Changes():
		t.Fatal("change reported for another file")
	case <-time.After(300 * time.Millisecond):
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0o600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-cw.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
	select {
	case <-cw.Changes():
		t.Error("burst reported more than once")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConfigWatcher_StopClosesChannels(t *testing.T) {
	dir := t.TempDir()
	cw, err := NewConfigWatcher(filepath.Join(dir, "config.toml"), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := cw.Start(); err != nil {
		t.Fatal(err)
	}
	if err := cw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if _, ok := <-cw.Changes(); ok {
		t.Error("Changes() not closed")
	}
	if _, ok := <-cw.Errors(); ok {
		t.Error("Errors() not closed")
	}
}
