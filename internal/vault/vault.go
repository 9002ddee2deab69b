// Package vault stores OAuth tokens in a secret.Store and hands out opaque
// references to them. Raw token values never leave this package except
// through Retrieve.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/secret"
)

// Token kinds
const (
	KindAccess  = "access_token"
	KindRefresh = "refresh_token"
)

// Payload is the value stored behind a vault reference
type Payload struct {
	Token string `json:"token"`
	Kind  string `json:"kind"`
}

// TokenVault wraps a secret store with reference generation and error hiding
type TokenVault struct {
	store secret.Store
	now   func() time.Time
}

// New creates a TokenVault backed by store
func New(store secret.Store) *TokenVault {
	return &TokenVault{store: store, now: time.Now}
}

// AccessKey and RefreshKey build the logical keys used for a connection's tokens.
func AccessKey(provider, customerID string) string {
	return fmt.Sprintf("%s_access_%s", provider, customerID)
}

func RefreshKey(provider, customerID string) string {
	return fmt.Sprintf("%s_refresh_%s", provider, customerID)
}

// newRef is unique per call even for the same logical key, so a rotated
// token never overwrites the reference it replaces.
func (v *TokenVault) newRef(logicalKey string) string {
	return fmt.Sprintf("%s_%d_%s", logicalKey, v.now().UnixMilli(), uuid.NewString()[:8])
}

// Store saves payload and returns its reference
func (v *TokenVault) Store(ctx context.Context, logicalKey string, payload Payload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", apperr.SecretOperationFailed("store", err)
	}

	ref := v.newRef(logicalKey)
	if err := v.store.Put(ctx, ref, data); err != nil {
		return "", apperr.SecretOperationFailed("store", err)
	}
	return ref, nil
}

// Retrieve returns the payload behind ref. Missing, undecryptable and
// unparseable entries all fail with SECRET_NOT_FOUND.
func (v *TokenVault) Retrieve(ctx context.Context, ref string) (*Payload, error) {
	if ref == "" {
		return nil, apperr.SecretNotFound(secret.ErrNotFound)
	}

	data, err := v.store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, secret.ErrNotFound) {
			return nil, apperr.SecretNotFound(err)
		}
		return nil, apperr.SecretOperationFailed("retrieve", err)
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Token == "" {
		return nil, apperr.SecretNotFound(fmt.Errorf("malformed payload: %v", err))
	}
	return &payload, nil
}

// Delete removes ref. Deleting an absent or empty reference succeeds.
func (v *TokenVault) Delete(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	if err := v.store.Delete(ctx, ref); err != nil && !errors.Is(err, secret.ErrNotFound) {
		return apperr.SecretOperationFailed("delete", err)
	}
	return nil
}
