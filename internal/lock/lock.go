// Package lock provides a non-blocking advisory file lock.
//
// The replica allows one writer at a time. Inside a process the daemon
// guarantees that; across processes (a daemon plus a manual `outcal sync`)
// this lock does.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("lock held by another process")

// File is an acquired lock. Release it with Unlock.
type File struct {
	f    *os.File
	path string
}

// TryLock acquires the lock at path without waiting. The file is created if
// needed and records the holder's pid for diagnostics.
func TryLock(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := tryLock(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())

	return &File{f: f, path: path}, nil
}

// Path returns the lock file path.
func (l *File) Path() string {
	return l.path
}

// Unlock releases the lock. It is safe to call more than once.
func (l *File) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
