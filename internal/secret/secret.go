// Package secret stores opaque secret blobs encrypted at rest. A Store is an
// explicit instance injected where needed; there is no process-wide store.
package secret

import (
	"context"
	"errors"
	"fmt"

	"smart-mail-sorter-go/internal/config"
)

// ErrNotFound is returned when a key does not resolve to a stored secret
var ErrNotFound = errors.New("secret not found")

// Store is the put/get/delete contract every backend satisfies.
// Delete of a missing key returns ErrNotFound.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// New builds the configured backend wrapped in AES-256-GCM encryption
func New(cfg config.SecretsConfig) (Store, error) {
	enc, err := NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		return nil, err
	}

	var backend Store
	switch cfg.Backend {
	case "", "memory":
		backend = NewMemoryStore()
	case "keyring":
		backend, err = NewKeyringStore(cfg.KeyringService, cfg.KeyringDir, cfg.KeyringPassword)
	case "redis":
		backend, err = NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unsupported secrets backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return NewEncryptedStore(backend, enc), nil
}

// EncryptedStore seals values before handing them to the backend
type EncryptedStore struct {
	backend Store
	enc     *Encryptor
}

// NewEncryptedStore wraps backend with enc
func NewEncryptedStore(backend Store, enc *Encryptor) *EncryptedStore {
	return &EncryptedStore{backend: backend, enc: enc}
}

func (s *EncryptedStore) Put(ctx context.Context, key string, value []byte) error {
	sealed, err := s.enc.Seal(value)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, key, sealed)
}

// Get returns ErrNotFound when the stored blob cannot be decrypted, so a
// tampered or foreign-key entry is indistinguishable from a missing one.
func (s *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := s.enc.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return plain, nil
}

func (s *EncryptedStore) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// Close releases the backend's resources when it holds any
func (s *EncryptedStore) Close() error {
	if c, ok := s.backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
