package router

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-mail-sorter-go/internal/audit"
	"smart-mail-sorter-go/internal/classifier"
	"smart-mail-sorter-go/internal/config"
	"smart-mail-sorter-go/internal/connection"
	"smart-mail-sorter-go/internal/db"
	"smart-mail-sorter-go/internal/handler"
	"smart-mail-sorter-go/internal/ledger"
	"smart-mail-sorter-go/internal/metrics"
	"smart-mail-sorter-go/internal/middleware"
	"smart-mail-sorter-go/internal/model"
	"smart-mail-sorter-go/internal/oauthstate"
	"smart-mail-sorter-go/internal/pipeline"
	"smart-mail-sorter-go/internal/provider"
	"smart-mail-sorter-go/internal/repository"
	"smart-mail-sorter-go/internal/scheduler"
	"smart-mail-sorter-go/internal/secret"
	"smart-mail-sorter-go/internal/vault"
)

const (
	jwtSecret = "router-test-jwt-secret"
	adminKey  = "router-admin-key"
)

type stubOutlook struct {
	messages []provider.Message
}

func (s *stubOutlook) Name() model.Provider { return model.ProviderOutlook }

func (s *stubOutlook) AuthCodeURL(state string) string {
	return "https://login.example.com/authorize?state=" + url.QueryEscape(state)
}

func (s *stubOutlook) Exchange(context.Context, string) (*provider.TokenResponse, error) {
	return &provider.TokenResponse{
		AccessToken:  "raw-access-token",
		RefreshToken: "raw-refresh-token",
		Expiry:       time.Now().Add(time.Hour),
		Scope:        "Mail.Read",
	}, nil
}

func (s *stubOutlook) Refresh(ctx context.Context, _ string) (*provider.TokenResponse, error) {
	return s.Exchange(ctx, "")
}

func (s *stubOutlook) FetchIdentity(context.Context, string) (*provider.Identity, error) {
	return &provider.Identity{ProviderUserID: "ms-user", Email: "jane@contoso.com"}, nil
}

func (s *stubOutlook) FetchMessages(context.Context, string, provider.FetchOptions) ([]provider.Message, error) {
	return s.messages, nil
}

type testServer struct {
	engine   *gin.Engine
	handlers *handler.Handlers
	repo     *repository.Repository
	outlook  *stubOutlook
	customer *model.Customer
	token    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cls := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"category":"Work","confidence":0.9,"isUrgent":false,"urgencyLevel":"low","reason":"meeting"}}`))
	}))
	t.Cleanup(cls.Close)

	gdb, err := db.OpenInMemory()
	require.NoError(t, err)
	repo := repository.New(gdb)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	auditLog := audit.NewLogger(nil)
	outlook := &stubOutlook{}
	providers := provider.NewRegistry(outlook)

	manager := connection.NewManager(providers, vault.New(secret.NewMemoryStore()), repo, auditLog, m, connection.Config{})
	credits := ledger.New(repo, auditLog, m)
	p := pipeline.New(providers, manager, credits,
		classifier.New(config.ClassifierConfig{BaseURL: cls.URL, Timeout: time.Second}, m),
		repo, m, pipeline.Config{})

	h := handler.NewHandlers(handler.Deps{
		Connections: manager,
		Providers:   providers,
		Ledger:      credits,
		Pipeline:    p,
		Scheduler:   scheduler.New(config.SchedulerConfig{IntervalMinutes: 5}, p),
		History:     repo,
		Ping:        func(context.Context) error { return nil },
	})

	customer := &model.Customer{Name: "contoso", Email: "ops@contoso.com", IsActive: true}
	require.NoError(t, repo.CreateCustomer(context.Background(), customer))
	require.NoError(t, repo.CreateCategory(context.Background(), &model.Category{CustomerID: customer.ID, Name: "Work"}))

	token, err := middleware.IssueToken(jwtSecret, customer.ID, time.Hour)
	require.NoError(t, err)

	return &testServer{
		engine:   SetupRouter(h, Options{JWTSecret: jwtSecret, AdminAPIKey: adminKey, Gatherer: reg}),
		handlers: h,
		repo:     repo,
		outlook:  outlook,
		customer: customer,
		token:    token,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) authed(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	return s.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + s.token})
}

func (s *testServer) connect(t *testing.T) handler.ConnectionResponse {
	t.Helper()
	state := oauthstate.Encode(s.customer.ID, time.Now())
	w := s.do(t, http.MethodGet, "/api/v1/oauth/outlook/callback?code=abc&state="+url.QueryEscape(state), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Connection handler.ConnectionResponse `json:"connection"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Connection
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	var e handler.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)

	w = s.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCustomerRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/email-connections", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, w).Error)
}

func TestAvailableProviders(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/providers/available", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Providers []provider.Availability `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	statuses := map[model.Provider]string{}
	for _, p := range resp.Providers {
		statuses[p.Provider] = p.Status
	}
	assert.Equal(t, provider.StatusAvailable, statuses[model.ProviderOutlook])
	assert.Equal(t, provider.StatusComingSoon, statuses[model.ProviderICloud])
}

func TestInitiateConnect(t *testing.T) {
	s := newTestServer(t)

	w := s.authed(t, http.MethodPost, "/api/v1/oauth/outlook/connect", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp handler.ConnectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.AuthURL, "state="+url.QueryEscape(s.customer.ID+"_"))

	w = s.authed(t, http.MethodPost, "/api/v1/oauth/icloud/connect", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNSUPPORTED_PROVIDER", decodeError(t, w).Error)
}

func TestOAuthCallbackErrors(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/oauth/outlook/callback?error=access_denied&error_description=user+cancelled", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "access_denied")

	w = s.do(t, http.MethodGet, "/api/v1/oauth/outlook/callback?state=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/oauth/outlook/callback?code=abc&state=garbage", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_STATE", decodeError(t, w).Error)

	conns, err := s.repo.ListConnections(context.Background(), s.customer.ID)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestOAuthCallbackRedirectsToFrontend(t *testing.T) {
	s := newTestServer(t)
	s.handlers.FrontendURL = "https://app.example.com/"

	state := oauthstate.Encode(s.customer.ID, time.Now())
	w := s.do(t, http.MethodGet, "/api/v1/oauth/outlook/callback?code=abc&state="+url.QueryEscape(state), nil, nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Location"), "https://app.example.com/email-connections?"))
	assert.Contains(t, w.Header().Get("Location"), "status=success")

	w = s.do(t, http.MethodGet, "/api/v1/oauth/outlook/callback?code=abc&state=bad", nil, nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "status=error")
	assert.Contains(t, w.Header().Get("Location"), "code=INVALID_STATE")
}

func TestConnectionLifecycle(t *testing.T) {
	s := newTestServer(t)
	conn := s.connect(t)
	assert.Equal(t, model.ConnectionActive, conn.Status)
	assert.Equal(t, "jane@contoso.com", conn.ProviderEmail)

	w := s.authed(t, http.MethodGet, "/api/v1/email-connections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, conn.ID)
	assert.NotContains(t, body, "raw-access-token")
	assert.NotContains(t, body, "token_ref")
	assert.NotContains(t, body, "outlook_access_")

	w = s.authed(t, http.MethodPost, "/api/v1/email-connections/"+conn.ID+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":true`)

	w = s.authed(t, http.MethodDelete, "/api/v1/email-connections/"+conn.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.authed(t, http.MethodGet, "/api/v1/email-connections/"+conn.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"revoked"`)

	w = s.authed(t, http.MethodDelete, "/api/v1/email-connections/"+conn.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code, "disconnect is idempotent")
}

func TestConnectionOfAnotherCustomerIsHidden(t *testing.T) {
	s := newTestServer(t)
	conn := s.connect(t)

	other, err := middleware.IssueToken(jwtSecret, "someone-else", time.Hour)
	require.NoError(t, err)
	w := s.do(t, http.MethodGet, "/api/v1/email-connections/"+conn.ID, nil, map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCategorizeFlow(t *testing.T) {
	s := newTestServer(t)
	s.connect(t)
	s.outlook.messages = []provider.Message{{
		ID:         "msg-1",
		Subject:    "Quarterly planning",
		From:       "boss@contoso.com",
		ReceivedAt: time.Now().Add(-time.Hour),
		Body:       "See you at 10.",
	}}

	// no credits yet
	w := s.authed(t, http.MethodPost, "/api/v1/emails/categorize", nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "INSUFFICIENT_CREDITS", decodeError(t, w).Error)

	w = s.do(t, http.MethodPost, "/api/v1/admin/customers/"+s.customer.ID+"/credits", handler.GrantCreditsRequest{Amount: 5}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/customers/"+s.customer.ID+"/credits", handler.GrantCreditsRequest{Amount: 5}, map[string]string{"X-API-Key": adminKey})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.authed(t, http.MethodPost, "/api/v1/emails/categorize", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var run handler.CategorizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	require.Len(t, run.Processed, 1)
	assert.Equal(t, "Work", run.Processed[0].Category)
	require.NotNil(t, run.Credits)
	assert.Equal(t, 4, run.Credits.Remaining)
	assert.NotContains(t, w.Body.String(), "See you at 10.")

	w = s.authed(t, http.MethodGet, "/api/v1/emails/credits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var balance model.CreditBalance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, 4, balance.Remaining)
	assert.Equal(t, 5, balance.Total)

	w = s.authed(t, http.MethodGet, "/api/v1/emails?page=1&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "msg-1")
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = s.authed(t, http.MethodGet, "/api/v1/emails/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), model.OutcomeProcessed)

	// running again charges nothing
	w = s.authed(t, http.MethodPost, "/api/v1/emails/categorize", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Empty(t, run.Processed)
	assert.Equal(t, 4, run.Credits.Remaining)
}

func TestGrantCreditsValidation(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{"X-API-Key": adminKey}

	w := s.do(t, http.MethodPost, "/api/v1/admin/customers/"+s.customer.ID+"/credits", map[string]int{"amount": -3}, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/customers/missing/credits", handler.GrantCreditsRequest{Amount: 3}, headers)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSchedulerEndpoints(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{"X-API-Key": adminKey}

	w := s.do(t, http.MethodGet, "/api/v1/admin/scheduler/status", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"running":false`)

	w = s.do(t, http.MethodPost, "/api/v1/admin/scheduler/run-once", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"summary"`)

	w = s.do(t, http.MethodPost, "/api/v1/admin/scheduler/start", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/admin/scheduler/start", nil, headers)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/admin/scheduler/stop", nil, headers)
	assert.Equal(t, http.StatusOK, w.Code)
}
