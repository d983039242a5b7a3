// Package secrets provides the credential resolution boundary between the
// engine and the platform secret store.
//
// The primary store is the OS keychain. Headless hosts fall back to an
// age-encrypted file whose identity is itself held in the keychain (or in
// an operator-provided identity file). Credentials cross the boundary as
// owned model.Credential values that the caller must Zero after use; the
// stores themselves only ever see opaque bytes.
package secrets

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Sentinel errors classifying store failures. Callers test with errors.Is
// (or the helpers below); the resolver's retry policy keys off them.
var (
	// ErrNotFound means the store is healthy but has no such entry.
	ErrNotFound = errors.New("credential not found")

	// ErrUnavailable means the store itself cannot be reached, for
	// example a keychain daemon missing on a headless host.
	ErrUnavailable = errors.New("secret store unavailable")

	// ErrDecode means the stored bytes exist but cannot be decoded into a
	// credential. Never retried.
	ErrDecode = errors.New("credential decode failed")
)

// IsNotFound reports whether err classifies as a missing entry.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnavailable reports whether err classifies as a store outage.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsDecode reports whether err classifies as a decode failure.
func IsDecode(err error) bool { return errors.Is(err, ErrDecode) }

// Store is the raw secret store surface: named opaque byte payloads.
type Store interface {
	// Read returns the payload stored under name.
	Read(name string) ([]byte, error)

	// Write stores the payload under name, replacing any previous value.
	Write(name string, data []byte) error

	// Remove deletes the entry. Removing a missing entry returns
	// ErrNotFound.
	Remove(name string) error
}

// DefaultService is the keychain service namespace for credentials.
const DefaultService = "netfab"

// KeychainStore backs Store with the operating system keychain.
type KeychainStore struct {
	service string
}

// NewKeychainStore returns a keychain-backed store scoped to service.
// An empty service uses DefaultService.
func NewKeychainStore(service string) *KeychainStore {
	if service == "" {
		service = DefaultService
	}
	return &KeychainStore{service: service}
}

func (s *KeychainStore) Read(name string) ([]byte, error) {
	secret, err := keyring.Get(s.service, name)
	if err != nil {
		return nil, classifyKeyringError(name, err)
	}
	return []byte(secret), nil
}

func (s *KeychainStore) Write(name string, data []byte) error {
	if err := keyring.Set(s.service, name, string(data)); err != nil {
		return classifyKeyringError(name, err)
	}
	return nil
}

func (s *KeychainStore) Remove(name string) error {
	if err := keyring.Delete(s.service, name); err != nil {
		return classifyKeyringError(name, err)
	}
	return nil
}

func classifyKeyringError(name string, err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keychain entry %q: %w", name, ErrNotFound)
	}
	// Anything else (no dbus session, locked keychain, unsupported
	// platform) means the store as a whole is unreachable.
	return fmt.Errorf("keychain entry %q: %v: %w", name, err, ErrUnavailable)
}
