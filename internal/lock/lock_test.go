package lock

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestTryLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writer.lock")

	first, err := TryLock(path)
	if err != nil {
		t.Fatalf("TryLock() failed: %v", err)
	}

	if _, err := TryLock(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second TryLock() = %v, want ErrLocked", err)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}
	if err := first.Unlock(); err != nil {
		t.Errorf("second Unlock() = %v, want nil", err)
	}

	again, err := TryLock(path)
	if err != nil {
		t.Fatalf("TryLock() after Unlock failed: %v", err)
	}
	defer again.Unlock()

	if again.Path() != path {
		t.Errorf("Path() = %q, want %q", again.Path(), path)
	}
}
