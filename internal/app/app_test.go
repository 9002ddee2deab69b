package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-mail-sorter-go/internal/config"
	"smart-mail-sorter-go/internal/db"
	"smart-mail-sorter-go/internal/middleware"
	"smart-mail-sorter-go/internal/model"
	"smart-mail-sorter-go/internal/repository"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "sorter.db"),
		},
		Secrets: config.SecretsConfig{
			Backend:       "memory",
			EncryptionKey: "test-encryption-key",
		},
		Outlook: config.OutlookConfig{
			ClientID:     "client",
			ClientSecret: "secret",
			TenantID:     "common",
			RedirectURI:  "http://localhost/api/v1/oauth/outlook/callback",
		},
		Classifier: config.ClassifierConfig{BaseURL: "http://127.0.0.1:1"},
		Scheduler:  config.SchedulerConfig{IntervalMinutes: 5},
		Auth:       config.AuthConfig{JWTSecret: "jwt-secret"},
	}
}

func TestNewContainerWiresSQLStack(t *testing.T) {
	c, err := newContainer(testConfig(t))
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.ping(context.Background()))
	assert.Len(t, c.providers.Names(), 1)
	assert.False(t, c.scheduler.IsRunning())

	summary, err := c.scheduler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Customers)
}

func TestNewContainerRejectsUnknownSecretsBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Secrets.Backend = "vaultwarden"

	_, err := newContainer(cfg)
	assert.Error(t, err)
}

func TestSeedCustomerIsRepeatable(t *testing.T) {
	gdb, err := db.OpenInMemory()
	require.NoError(t, err)
	store := repository.New(gdb)
	ctx := context.Background()

	require.NoError(t, seedCustomer(ctx, store, "demo", 25))
	require.NoError(t, seedCustomer(ctx, store, "demo", 500))

	customer, err := store.FindCustomer(ctx, "demo")
	require.NoError(t, err)
	require.NotNil(t, customer)
	assert.Equal(t, 25, customer.CreditsRemaining)
	assert.True(t, customer.IsActive)

	categories, err := store.ListCategories(ctx, "demo")
	require.NoError(t, err)
	assert.Len(t, categories, len(defaultCategories))
}

func TestSeedTokenIdentifiesCustomer(t *testing.T) {
	token, err := middleware.IssueToken("jwt-secret", "demo", seedTokenTTL)
	require.NoError(t, err)

	customerID, err := middleware.ParseToken("jwt-secret", token)
	require.NoError(t, err)
	assert.Equal(t, "demo", customerID)
}

func TestParseRedirect(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		code    string
		state   string
		wantErr bool
	}{
		{name: "code and state", raw: "http://localhost/api/v1/oauth/outlook/callback?code=abc&state=xyz", code: "abc", state: "xyz"},
		{name: "missing state", raw: "http://localhost/callback?code=abc", wantErr: true},
		{name: "provider error", raw: "http://localhost/callback?error=access_denied&error_description=denied", wantErr: true},
		{name: "not a url", raw: "://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, state, err := parseRedirect(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.state, state)
		})
	}
}

func TestAuthorizeRejectsUnsupportedProvider(t *testing.T) {
	c, err := newContainer(testConfig(t))
	require.NoError(t, err)
	defer c.Close()

	var out strings.Builder
	_, err = authorize(context.Background(), c.manager, "demo", model.ProviderICloud, strings.NewReader(""), &out)
	assert.Error(t, err)
	assert.Empty(t, out.String())
}
