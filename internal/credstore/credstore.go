// Package credstore persists the single refresh credential in the OS secret
// store (Keychain, Secret Service, Windows Credential Manager).
//
// Only the refresh token is stored. Access tokens live in memory for the
// lifetime of the process and are never written anywhere.
package credstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	// DefaultService is the secret store service name.
	DefaultService = "outcal"

	// DefaultAccount is the entry holding the refresh token.
	DefaultAccount = "microsoft_refresh_token"
)

// ErrNotFound is returned by Load when no secret is stored.
var ErrNotFound = errors.New("no stored credential")

// Store is the subset of Keyring used by the session manager. It exists so
// tests can substitute an in-memory implementation.
type Store interface {
	Load() (string, error)
	Save(secret string) error
	Delete() error
}

// Keyring stores one secret under (service, account). Calls are serialized:
// the remote service may rotate the refresh token on every use and two
// concurrent writers would otherwise race on the same entry.
type Keyring struct {
	service string
	account string
	mu      sync.Mutex
}

// New returns a Keyring for the given service and account. Empty values
// select the defaults.
func New(service, account string) *Keyring {
	if service == "" {
		service = DefaultService
	}
	if account == "" {
		account = DefaultAccount
	}
	return &Keyring{service: service, account: account}
}

// Load returns the stored secret, or ErrNotFound.
func (k *Keyring) Load() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	secret, err := keyring.Get(k.service, k.account)
	if errors.Is(err, keyring.ErrNotFound) || (err == nil && secret == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret store: %w", err)
	}
	return secret, nil
}

// Save replaces the stored secret.
func (k *Keyring) Save(secret string) error {
	if secret == "" {
		return fmt.Errorf("refusing to store empty secret")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Set(k.service, k.account, secret); err != nil {
		return fmt.Errorf("failed to write secret store: %w", err)
	}
	return nil
}

// Delete removes the stored secret. Deleting an absent secret is not an error.
func (k *Keyring) Delete() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := keyring.Delete(k.service, k.account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete from secret store: %w", err)
	}
	return nil
}

// Memory is an in-process Store. It backs runs with auth.keyring = false
// and tests.
type Memory struct {
	mu     sync.Mutex
	secret string
}

// Load returns the held secret, or ErrNotFound.
func (m *Memory) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secret == "" {
		return "", ErrNotFound
	}
	return m.secret, nil
}

// Save replaces the held secret.
func (m *Memory) Save(secret string) error {
	if secret == "" {
		return fmt.Errorf("refusing to store empty secret")
	}
	m.mu.Lock()
	m.secret = secret
	m.mu.Unlock()
	return nil
}

// Delete clears the held secret.
func (m *Memory) Delete() error {
	m.mu.Lock()
	m.secret = ""
	m.mu.Unlock()
	return nil
}
