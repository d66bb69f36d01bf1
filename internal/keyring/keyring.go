package keyring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"

	"go.olrik.dev/sockswatch/internal/core"
)

const (
	serviceName = "sockswatch-ssh"
)

// Store reads and writes tunnel passwords keyed by "user@host".
type Store struct {
	ring keyring.Keyring
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

var (
	system     *Store
	systemOnce sync.Once
	systemErr  error
)

// System returns the store backed by the operating system keyring.
func System() (*Store, error) {
	systemOnce.Do(func() {
		var ring keyring.Keyring
		ring, systemErr = keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
				keyring.KWalletBackend,
				keyring.KeychainBackend, // macOS Keychain
				keyring.PassBackend,     // Pass (password-store.org)
			},
		})
		if systemErr != nil {
			systemErr = fmt.Errorf("failed to open keyring: %w", systemErr)
			return
		}
		system = NewStore(ring)
	})
	return system, systemErr
}

// SetPassword stores a password for target
func (s *Store) SetPassword(target, password string) error {
	return s.ring.Set(keyring.Item{
		Key:         target,
		Data:        []byte(password),
		Label:       "sockswatch " + target,
		Description: "SSH password for the sockswatch tunnel",
	})
}

// GetPassword retrieves the password for target.
// Returns empty string if no password is stored
func (s *Store) GetPassword(target string) (string, error) {
	item, err := s.ring.Get(target)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve password: %w", err)
	}
	return string(item.Data), nil
}

// DeletePassword removes the stored password for target
func (s *Store) DeletePassword(target string) error {
	// Not every backend reports missing keys on Remove
	if !s.HasPassword(target) {
		return fmt.Errorf("no password stored for '%s'", target)
	}

	err := s.ring.Remove(target)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("no password stored for '%s'", target)
	}
	return err
}

// HasPassword checks if a password is stored for target
func (s *Store) HasPassword(target string) bool {
	_, err := s.ring.Get(target)
	return err == nil
}

// ResolvePassword returns the password the tunnel should use. A password in
// the configuration wins; the keyring is only consulted when enabled.
func ResolvePassword(cfg core.Config, store func() (*Store, error)) (string, error) {
	if cfg.SSHPassword != "" || !cfg.UseKeyring {
		return cfg.SSHPassword, nil
	}

	s, err := store()
	if err != nil {
		return "", err
	}
	return s.GetPassword(cfg.Target())
}
