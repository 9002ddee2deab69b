package secret

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

// KeyringStore keeps secrets in the operating system keyring, falling back
// to an encrypted file directory on hosts without one.
type KeyringStore struct {
	ring keyring.Keyring
}

// NewKeyringStore opens the keyring for service
func NewKeyringStore(service, fileDir, filePassword string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// NewFileKeyringStore opens a keyring restricted to the file backend
func NewFileKeyringStore(service, fileDir, filePassword string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      service,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          fileDir,
		FilePasswordFunc: keyring.FixedStringPrompt(filePassword),
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

func (s *KeyringStore) Put(_ context.Context, key string, value []byte) error {
	err := s.ring.Set(keyring.Item{
		Key:  key,
		Data: value,
	})
	if err != nil {
		return fmt.Errorf("setting secret %q: %w", key, err)
	}
	return nil
}

func (s *KeyringStore) Get(_ context.Context, key string) ([]byte, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if isKeyringNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting secret %q: %w", key, err)
	}
	return item.Data, nil
}

func (s *KeyringStore) Delete(_ context.Context, key string) error {
	err := s.ring.Remove(key)
	if err != nil {
		if isKeyringNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting secret %q: %w", key, err)
	}
	return nil
}

// the file backend reports missing items as filesystem errors
func isKeyringNotFound(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, os.ErrNotExist)
}
