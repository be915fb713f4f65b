//go:build !unix

package lock

import (
	"os"
	"sync"
)

// Without flock the lock only excludes holders inside this process.
var (
	heldMu sync.Mutex
	held   = map[string]bool{}
)

func tryLock(f *os.File) error {
	heldMu.Lock()
	defer heldMu.Unlock()
	if held[f.Name()] {
		return ErrLocked
	}
	held[f.Name()] = true
	return nil
}

func unlock(f *os.File) error {
	heldMu.Lock()
	delete(held, f.Name())
	heldMu.Unlock()
	return nil
}
