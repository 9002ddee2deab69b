// Package connection owns the mailbox connection lifecycle: OAuth
// completion, token freshness and revocation. It is the only writer of
// connection state.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/audit"
	"smart-mail-sorter-go/internal/metrics"
	"smart-mail-sorter-go/internal/model"
	"smart-mail-sorter-go/internal/oauthstate"
	"smart-mail-sorter-go/internal/provider"
	"smart-mail-sorter-go/internal/repository"
	"smart-mail-sorter-go/internal/vault"
)

// DisconnectReason is recorded when a customer disconnects a mailbox
const DisconnectReason = "User initiated disconnection"

// Config tunes token handling
type Config struct {
	// RefreshLead is how close to expiry a token may be before it is refreshed
	RefreshLead time.Duration
	StateMaxAge time.Duration
}

// Manager orchestrates providers, the token vault and the connection store
type Manager struct {
	providers *provider.Registry
	vault     *vault.TokenVault
	store     repository.ConnectionStore
	audit     *audit.Logger
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time

	// serializes refreshes of one connection within this process
	refreshLocks sync.Map
}

func NewManager(providers *provider.Registry, v *vault.TokenVault, store repository.ConnectionStore, auditLog *audit.Logger, m *metrics.Metrics, cfg Config) *Manager {
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = 5 * time.Minute
	}
	if cfg.StateMaxAge <= 0 {
		cfg.StateMaxAge = oauthstate.DefaultMaxAge
	}
	return &Manager{
		providers: providers,
		vault:     v,
		store:     store,
		audit:     auditLog,
		metrics:   m,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// InitiateConnect returns the provider consent URL for customerID. No state is persisted.
func (m *Manager) InitiateConnect(ctx context.Context, customerID string, name model.Provider) (string, error) {
	p, err := m.providers.Get(name)
	if err != nil {
		return "", err
	}

	authURL, _ := provider.BuildAuthorizationURL(p, customerID, m.now())
	m.audit.Record(ctx, audit.Event{
		Type:       audit.OAuthInitiated,
		CustomerID: customerID,
		Provider:   string(name),
		Success:    true,
	})
	return authURL, nil
}

// CompleteConnect finishes the OAuth round trip. Repeating it for the same
// customer and provider overwrites the existing connection.
func (m *Manager) CompleteConnect(ctx context.Context, name model.Provider, code, state string) (*model.MailboxConnection, error) {
	customerID, err := oauthstate.Decode(state, m.now(), m.cfg.StateMaxAge)
	if err != nil {
		m.recordConnectFailure(ctx, "", name, err)
		return nil, err
	}

	conn, err := m.completeConnect(ctx, customerID, name, code)
	if err != nil {
		m.recordConnectFailure(ctx, customerID, name, err)
		return nil, err
	}

	m.metrics.ConnectAttempts.WithLabelValues(string(name), "success").Inc()
	m.audit.Record(ctx, audit.Event{
		Type:         audit.ConnectionEstablished,
		CustomerID:   customerID,
		Provider:     string(name),
		ConnectionID: conn.ID,
		Success:      true,
	})
	logrus.WithFields(logrus.Fields{
		"customer_id":   customerID,
		"provider":      name,
		"connection_id": conn.ID,
	}).Info("Mailbox connected")
	return conn, nil
}

func (m *Manager) completeConnect(ctx context.Context, customerID string, name model.Provider, code string) (*model.MailboxConnection, error) {
	p, err := m.providers.Get(name)
	if err != nil {
		return nil, err
	}

	tok, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	identity, err := p.FetchIdentity(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	previous, err := m.store.FindByCustomerProvider(ctx, customerID, name)
	if err != nil {
		return nil, err
	}

	tokens, err := m.storeTokens(ctx, customerID, name, tok.AccessToken, tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	tokens.ProviderUserID = identity.ProviderUserID
	tokens.ProviderEmail = identity.Email
	tokens.AccessTokenExpiresAt = tok.Expiry.UTC()
	tokens.GrantedScope = tok.Scope

	conn, err := m.store.UpsertActive(ctx, customerID, name, tokens, m.now())
	if err != nil {
		m.deleteRefs(ctx, tokens.AccessTokenRef, tokens.RefreshTokenRef)
		return nil, err
	}

	if previous != nil {
		m.deleteRefs(ctx, previous.AccessTokenRef, previous.RefreshTokenRef)
	}
	return conn, nil
}

// storeTokens writes the access and refresh tokens as separate vault entries
func (m *Manager) storeTokens(ctx context.Context, customerID string, name model.Provider, accessToken, refreshToken string) (model.ConnectionTokens, error) {
	var tokens model.ConnectionTokens

	accessRef, err := m.vault.Store(ctx, vault.AccessKey(string(name), customerID), vault.Payload{
		Token: accessToken,
		Kind:  vault.KindAccess,
	})
	if err != nil {
		return tokens, err
	}
	tokens.AccessTokenRef = accessRef

	if refreshToken != "" {
		refreshRef, err := m.vault.Store(ctx, vault.RefreshKey(string(name), customerID), vault.Payload{
			Token: refreshToken,
			Kind:  vault.KindRefresh,
		})
		if err != nil {
			m.deleteRefs(ctx, accessRef)
			return tokens, err
		}
		tokens.RefreshTokenRef = refreshRef
	}
	return tokens, nil
}

func (m *Manager) recordConnectFailure(ctx context.Context, customerID string, name model.Provider, err error) {
	m.metrics.ConnectAttempts.WithLabelValues(string(name), "failure").Inc()
	m.audit.Record(ctx, audit.Event{
		Type:       audit.ConnectionFailed,
		CustomerID: customerID,
		Provider:   string(name),
		Detail:     apperr.As(err).Code,
	})
}

// RecordProviderError audits an error the provider reported on the OAuth
// redirect instead of a code.
func (m *Manager) RecordProviderError(ctx context.Context, name model.Provider, state, providerError string) {
	customerID, _ := oauthstate.Decode(state, m.now(), m.cfg.StateMaxAge)
	m.metrics.ConnectAttempts.WithLabelValues(string(name), "denied").Inc()
	m.audit.Record(ctx, audit.Event{
		Type:       audit.ConnectionFailed,
		CustomerID: customerID,
		Provider:   string(name),
		Detail:     providerError,
	})
}

// GetValidAccessToken returns a token usable for at least RefreshLead, or
// "" when the customer has no usable connection. A token expiring within
// the lead (inclusive) is refreshed synchronously first. A failed refresh
// moves the connection to expired and is never retried here.
func (m *Manager) GetValidAccessToken(ctx context.Context, customerID string, name model.Provider) (string, error) {
	p, err := m.providers.Get(name)
	if err != nil {
		return "", err
	}

	conn, err := m.store.FindByCustomerProvider(ctx, customerID, name)
	if err != nil {
		return "", err
	}
	if conn == nil || conn.Status != model.ConnectionActive {
		return "", nil
	}

	if !m.needsRefresh(conn) {
		return m.accessToken(ctx, conn)
	}
	return m.refresh(ctx, p, conn)
}

func (m *Manager) needsRefresh(conn *model.MailboxConnection) bool {
	if conn.AccessTokenExpiresAt == nil {
		return true
	}
	return !conn.AccessTokenExpiresAt.After(m.now().Add(m.cfg.RefreshLead))
}

func (m *Manager) accessToken(ctx context.Context, conn *model.MailboxConnection) (string, error) {
	payload, err := m.vault.Retrieve(ctx, conn.AccessTokenRef)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeSecretNotFound) {
			m.expire(ctx, conn, "access token missing from vault")
			return "", nil
		}
		return "", err
	}
	return payload.Token, nil
}

func (m *Manager) refreshLock(connectionID string) *sync.Mutex {
	lock, _ := m.refreshLocks.LoadOrStore(connectionID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (m *Manager) refresh(ctx context.Context, p provider.Provider, stale *model.MailboxConnection) (string, error) {
	lock := m.refreshLock(stale.ID)
	lock.Lock()
	defer lock.Unlock()

	// another caller may have refreshed while we waited
	conn, err := m.store.FindConnection(ctx, stale.ID)
	if err != nil {
		return "", err
	}
	if conn == nil || conn.Status != model.ConnectionActive {
		return "", nil
	}
	if !m.needsRefresh(conn) {
		return m.accessToken(ctx, conn)
	}

	log := logrus.WithFields(logrus.Fields{
		"customer_id":   conn.CustomerID,
		"provider":      conn.Provider,
		"connection_id": conn.ID,
	})

	if conn.RefreshTokenRef == "" {
		m.expire(ctx, conn, "no refresh token available")
		return "", nil
	}
	refreshPayload, err := m.vault.Retrieve(ctx, conn.RefreshTokenRef)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeSecretNotFound) {
			m.expire(ctx, conn, "refresh token missing from vault")
			return "", nil
		}
		return "", err
	}

	tok, err := p.Refresh(ctx, refreshPayload.Token)
	if err != nil {
		m.metrics.TokenRefreshes.WithLabelValues(string(conn.Provider), "failure").Inc()
		log.WithError(err).Warn("Token refresh failed, connection marked expired")
		m.expire(ctx, conn, apperr.As(err).Message)
		return "", nil
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = refreshPayload.Token
	}
	tokens, err := m.storeTokens(ctx, conn.CustomerID, conn.Provider, tok.AccessToken, refreshToken)
	if err != nil {
		return "", err
	}
	tokens.ProviderUserID = conn.ProviderUserID
	tokens.ProviderEmail = conn.ProviderEmail
	tokens.AccessTokenExpiresAt = tok.Expiry.UTC()
	tokens.GrantedScope = tok.Scope
	if tokens.GrantedScope == "" {
		tokens.GrantedScope = conn.GrantedScope
	}

	rotated, err := m.store.RotateTokens(ctx, conn.ID, conn.AccessTokenRef, tokens, m.now())
	if err != nil {
		m.deleteRefs(ctx, tokens.AccessTokenRef, tokens.RefreshTokenRef)
		return "", err
	}
	if !rotated {
		// another process rotated first; use its token
		m.deleteRefs(ctx, tokens.AccessTokenRef, tokens.RefreshTokenRef)
		current, err := m.store.FindConnection(ctx, conn.ID)
		if err != nil {
			return "", err
		}
		if current == nil || current.Status != model.ConnectionActive {
			return "", nil
		}
		return m.accessToken(ctx, current)
	}

	m.deleteRefs(ctx, conn.AccessTokenRef, conn.RefreshTokenRef)
	m.metrics.TokenRefreshes.WithLabelValues(string(conn.Provider), "success").Inc()
	log.Info("Access token refreshed")
	return tok.AccessToken, nil
}

func (m *Manager) expire(ctx context.Context, conn *model.MailboxConnection, reason string) {
	if err := m.store.MarkExpired(ctx, conn.ID, reason); err != nil {
		logrus.WithError(err).WithField("connection_id", conn.ID).Error("Failed to mark connection expired")
	}
	m.audit.Record(ctx, audit.Event{
		Type:         audit.TokenRefreshFailed,
		CustomerID:   conn.CustomerID,
		Provider:     string(conn.Provider),
		ConnectionID: conn.ID,
		Detail:       reason,
	})
}

// deleteRefs removes vault entries. Failures leave orphaned secrets
// behind, which is logged but not surfaced.
func (m *Manager) deleteRefs(ctx context.Context, refs ...string) {
	for _, ref := range refs {
		if err := m.vault.Delete(ctx, ref); err != nil {
			logrus.WithError(err).Warn("Failed to delete vault entry")
		}
	}
}

// Disconnect revokes a connection and removes its tokens. Disconnecting an
// already revoked connection succeeds.
func (m *Manager) Disconnect(ctx context.Context, customerID, connectionID string) error {
	conn, err := m.Get(ctx, customerID, connectionID)
	if err != nil {
		return err
	}

	m.deleteRefs(ctx, conn.AccessTokenRef, conn.RefreshTokenRef)

	if conn.Status == model.ConnectionRevoked {
		return nil
	}
	if err := m.store.MarkRevoked(ctx, conn.ID, DisconnectReason, m.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("connection")
		}
		return err
	}

	m.audit.Record(ctx, audit.Event{
		Type:         audit.ConnectionRevoked,
		CustomerID:   customerID,
		Provider:     string(conn.Provider),
		ConnectionID: conn.ID,
		Success:      true,
		Detail:       DisconnectReason,
	})
	return nil
}

// List returns the customer's connections
func (m *Manager) List(ctx context.Context, customerID string) ([]model.MailboxConnection, error) {
	return m.store.ListConnections(ctx, customerID)
}

// Get returns one connection owned by customerID
func (m *Manager) Get(ctx context.Context, customerID, connectionID string) (*model.MailboxConnection, error) {
	conn, err := m.store.FindConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.CustomerID != customerID {
		return nil, apperr.NotFound("connection")
	}
	return conn, nil
}

// Test checks that a connection can still produce an access token
func (m *Manager) Test(ctx context.Context, customerID, connectionID string) (model.ConnectionStatus, error) {
	conn, err := m.Get(ctx, customerID, connectionID)
	if err != nil {
		return "", err
	}
	token, err := m.GetValidAccessToken(ctx, customerID, conn.Provider)
	if err != nil {
		return "", err
	}
	if token == "" {
		current, err := m.Get(ctx, customerID, connectionID)
		if err != nil {
			return "", err
		}
		return current.Status, nil
	}
	return model.ConnectionActive, nil
}

// RecordSync bumps the sync counters after a successful pipeline run
func (m *Manager) RecordSync(ctx context.Context, customerID string, name model.Provider) error {
	conn, err := m.store.FindByCustomerProvider(ctx, customerID, name)
	if err != nil || conn == nil {
		return err
	}
	return m.store.RecordSync(ctx, conn.ID, m.now())
}
