package credstore

import (
	"errors"
	"sync"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestKeyring_RoundTrip(t *testing.T) {
	keyring.MockInit()
	k := New("", "")

	if _, err := k.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() on empty store = %v, want ErrNotFound", err)
	}

	if err := k.Save("rt-1"); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	got, err := k.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got != "rt-1" {
		t.Errorf("Load() = %q, want %q", got, "rt-1")
	}

	// Rotation replaces the entry.
	if err := k.Save("rt-2"); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if got, _ := k.Load(); got != "rt-2" {
		t.Errorf("Load() after rotation = %q, want %q", got, "rt-2")
	}

	if err := k.Delete(); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := k.Delete(); err != nil {
		t.Errorf("second Delete() = %v, want nil", err)
	}
	if _, err := k.Load(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after Delete = %v, want ErrNotFound", err)
	}
}

func TestKeyring_SaveEmpty(t *testing.T) {
	keyring.MockInit()
	if err := New("svc", "acct").Save(""); err == nil {
		t.Error("Save(\"\") succeeded, want error")
	}
}

func TestKeyring_ConcurrentSave(t *testing.T) {
	keyring.MockInit()
	k := New("svc", "acct")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := k.Save("rt"); err != nil {
				t.Errorf("Save() failed: %v", err)
			}
			if _, err := k.Load(); err != nil {
				t.Errorf("Load() failed: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestMemory(t *testing.T) {
	var m Memory
	var s Store = &m

	if _, err := s.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() = %v, want ErrNotFound", err)
	}
	if err := s.Save("x"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Load(); got != "x" {
		t.Errorf("Load() = %q, want x", got)
	}
	_ = s.Delete()
	if _, err := s.Load(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after Delete = %v, want ErrNotFound", err)
	}
}
