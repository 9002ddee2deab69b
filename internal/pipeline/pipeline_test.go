package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/audit"
	"smart-mail-sorter-go/internal/classifier"
	"smart-mail-sorter-go/internal/config"
	"smart-mail-sorter-go/internal/db"
	"smart-mail-sorter-go/internal/ledger"
	"smart-mail-sorter-go/internal/metrics"
	"smart-mail-sorter-go/internal/model"
	"smart-mail-sorter-go/internal/provider"
	"smart-mail-sorter-go/internal/repository"
)

type fakeMailbox struct {
	mu         sync.Mutex
	messages   []provider.Message
	fetchErr   error
	fetchCalls int32
	lastOpts   provider.FetchOptions
}

func (f *fakeMailbox) Name() model.Provider            { return model.ProviderOutlook }
func (f *fakeMailbox) AuthCodeURL(state string) string { return "https://example.com/?state=" + state }
func (f *fakeMailbox) Exchange(context.Context, string) (*provider.TokenResponse, error) {
	return nil, errors.New("not used")
}
func (f *fakeMailbox) Refresh(context.Context, string) (*provider.TokenResponse, error) {
	return nil, errors.New("not used")
}
func (f *fakeMailbox) FetchIdentity(context.Context, string) (*provider.Identity, error) {
	return nil, errors.New("not used")
}

func (f *fakeMailbox) FetchMessages(_ context.Context, token string, opts provider.FetchOptions) ([]provider.Message, error) {
	atomic.AddInt32(&f.fetchCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpts = opts
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if token != "valid-token" {
		return nil, apperr.ProviderFetch("outlook", http.StatusUnauthorized, errors.New("bad token"))
	}
	return append([]provider.Message(nil), f.messages...), nil
}

type fakeTokens struct {
	token     string
	err       error
	calls     int32
	syncCalls int32
}

func (f *fakeTokens) GetValidAccessToken(context.Context, string, model.Provider) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.token, f.err
}

func (f *fakeTokens) RecordSync(context.Context, string, model.Provider) error {
	atomic.AddInt32(&f.syncCalls, 1)
	return nil
}

type fakeClassifier struct {
	calls  int32
	result func(known []string) classifier.Result
}

func (f *fakeClassifier) Classify(_ context.Context, _ classifier.Email, known []string, _ float64) classifier.Result {
	atomic.AddInt32(&f.calls, 1)
	if f.result != nil {
		return f.result(known)
	}
	return classifier.Result{Category: known[0], Confidence: 0.9, UrgencyLevel: "low", Reason: "matched"}
}

type fixture struct {
	pipeline   *Pipeline
	repo       *repository.Repository
	mailbox    *fakeMailbox
	tokens     *fakeTokens
	classifier *fakeClassifier
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.OpenInMemory()
	require.NoError(t, err)
	repo := repository.New(gdb)

	m := metrics.NewNop()
	f := &fixture{
		repo:       repo,
		mailbox:    &fakeMailbox{},
		tokens:     &fakeTokens{token: "valid-token"},
		classifier: &fakeClassifier{},
		metrics:    m,
	}
	f.pipeline = New(
		provider.NewRegistry(f.mailbox),
		f.tokens,
		ledger.New(repo, audit.NewLogger(nil), m),
		f.classifier,
		repo,
		m,
		Config{Lookback: 24 * time.Hour, PageSize: 25},
	)
	return f
}

func (f *fixture) customer(t *testing.T, credits int, categories ...string) *model.Customer {
	t.Helper()
	ctx := context.Background()
	c := &model.Customer{
		Name:             fmt.Sprintf("acme-%d", time.Now().UnixNano()),
		Email:            "ops@acme.test",
		IsActive:         true,
		CreditsRemaining: credits,
		TotalCredits:     credits,
	}
	require.NoError(t, f.repo.CreateCustomer(ctx, c))
	for _, name := range categories {
		require.NoError(t, f.repo.CreateCategory(ctx, &model.Category{CustomerID: c.ID, Name: name}))
	}
	return c
}

func message(id string, received time.Time) provider.Message {
	return provider.Message{
		ID:         id,
		Subject:    "Subject " + id,
		From:       "sender@example.com",
		ReceivedAt: received,
		Body:       "body of " + id,
	}
}

func (f *fixture) credits(t *testing.T, customerID string) int {
	t.Helper()
	c, err := f.repo.FindCustomer(context.Background(), customerID)
	require.NoError(t, err)
	return c.CreditsRemaining
}

func TestRunZeroCreditsMakesNoNetworkCalls(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 0, "Work")
	f.mailbox.messages = []provider.Message{message("m1", time.Now())}

	_, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)

	assert.True(t, apperr.HasCode(err, apperr.CodeInsufficientCredits))
	assert.Zero(t, atomic.LoadInt32(&f.tokens.calls))
	assert.Zero(t, atomic.LoadInt32(&f.mailbox.fetchCalls))
	assert.Zero(t, atomic.LoadInt32(&f.classifier.calls))
}

func TestRunWithoutConnection(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 5, "Work")
	f.tokens.token = ""

	_, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)

	assert.True(t, apperr.HasCode(err, apperr.CodeNoValidConnection))
	assert.Zero(t, atomic.LoadInt32(&f.mailbox.fetchCalls))
	assert.Equal(t, 5, f.credits(t, c.ID))
}

func TestRunProcessesAndCharges(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 10, "Work", "Personal")
	now := time.Now().UTC()
	f.mailbox.messages = []provider.Message{
		message("m2", now.Add(-time.Minute)),
		message("m1", now.Add(-time.Hour)),
	}

	result, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
	require.NoError(t, err)

	require.Len(t, result.Processed, 2)
	assert.Equal(t, "m2", result.Processed[0].ProviderMessageID, "provider order is kept")
	assert.Equal(t, "m1", result.Processed[1].ProviderMessageID)
	assert.Equal(t, "Work", result.Processed[0].Category)
	assert.True(t, result.Processed[0].IsProcessed)
	assert.NotNil(t, result.Processed[0].ProcessedAt)
	assert.Equal(t, 8, f.credits(t, c.ID))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokens.syncCalls))
	assert.Equal(t, 25, f.mailbox.lastOpts.Limit)
	assert.WithinDuration(t, now.Add(-24*time.Hour), f.mailbox.lastOpts.Since, time.Minute)

	stored, total, err := f.repo.ListProcessed(context.Background(), c.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, stored, 2)

	logs, _, err := f.repo.ListLogs(context.Background(), c.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.OutcomeProcessed, logs[0].Status)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 10, "Work")
	f.mailbox.messages = []provider.Message{message("m1", time.Now())}

	first, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
	require.NoError(t, err)
	require.Len(t, first.Processed, 1)

	second, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
	require.NoError(t, err)
	assert.Empty(t, second.Processed)
	assert.Equal(t, 1, second.Skipped)

	assert.Equal(t, 9, f.credits(t, c.ID))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.classifier.calls))
}

func TestRunConcurrentTriggersChargeOnce(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 10, "Work")
	now := time.Now()
	for i := 0; i < 5; i++ {
		f.mailbox.messages = append(f.mailbox.messages, message(fmt.Sprintf("m%d", i), now.Add(time.Duration(i)*time.Second)))
	}

	var wg sync.WaitGroup
	var processed int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
			if assert.NoError(t, err) {
				atomic.AddInt32(&processed, int32(len(result.Processed)))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), processed)
	assert.Equal(t, 5, f.credits(t, c.ID))
}

func TestRunStopsWhenCreditsRunOut(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 2, "Work")
	now := time.Now()
	// newest first, as the providers return them
	f.mailbox.messages = []provider.Message{
		message("m3", now.Add(-1*time.Minute)),
		message("m2", now.Add(-2*time.Minute)),
		message("m1", now.Add(-3*time.Minute)),
	}

	result, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
	require.NoError(t, err)

	require.Len(t, result.Processed, 2)
	assert.Equal(t, "m3", result.Processed[0].ProviderMessageID)
	assert.Equal(t, "m2", result.Processed[1].ProviderMessageID)
	assert.True(t, result.CreditsExhausted)
	assert.Equal(t, 0, f.credits(t, c.ID))

	// the oldest message is released and stays eligible once credit returns
	processed, err := f.repo.IsProcessed(context.Background(), c.ID, "m1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, f.repo.AddCredits(context.Background(), c.ID, 1))
	again, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
	require.NoError(t, err)
	require.Len(t, again.Processed, 1)
	assert.Equal(t, "m1", again.Processed[0].ProviderMessageID)
	assert.Equal(t, 2, again.Skipped)
}

func TestRunPersistsFallbackWhenClassifierFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.pipeline.classifier = classifier.New(config.ClassifierConfig{BaseURL: srv.URL, Timeout: time.Second}, f.metrics)
	c := f.customer(t, 3, "Work", "Personal")
	f.mailbox.messages = []provider.Message{message("m1", time.Now())}

	result, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
	require.NoError(t, err)

	require.Len(t, result.Processed, 1)
	email := result.Processed[0]
	assert.Equal(t, "Work", email.Category)
	assert.Equal(t, 0.5, email.Confidence)
	assert.Equal(t, classifier.FallbackReason, email.UrgencyReason)
	assert.Equal(t, 1, result.Fallbacks)
	assert.Equal(t, 2, f.credits(t, c.ID))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EmailsProcessed.WithLabelValues(model.OutcomeFallback)))
}

func TestRunWithoutCategories(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 3)
	f.mailbox.messages = []provider.Message{message("m1", time.Now())}

	_, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)

	assert.True(t, apperr.HasCode(err, apperr.CodeNoCategoriesDefined))
	assert.Zero(t, atomic.LoadInt32(&f.classifier.calls))
	assert.Equal(t, 3, f.credits(t, c.ID))
}

func TestRunCreatesProposedCategory(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 3, "Work")
	f.classifier.result = func([]string) classifier.Result {
		return classifier.Result{Category: "Travel", Confidence: 0.8, UrgencyLevel: "low", IsNewCategory: true, NewCategoryName: "Travel"}
	}
	now := time.Now()
	f.mailbox.messages = []provider.Message{message("m1", now.Add(-time.Minute)), message("m2", now)}

	result, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
	require.NoError(t, err)
	assert.Len(t, result.Processed, 2)

	categories, err := f.repo.ListCategories(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, categories, 2)

	// the second proposal collides with the first, is swallowed and logged
	logs, _, err := f.repo.ListLogs(context.Background(), c.ID, 1, 20)
	require.NoError(t, err)
	var notCreated int
	for _, l := range logs {
		if l.Status == model.OutcomeCategoryNotCreated {
			notCreated++
		}
	}
	assert.Equal(t, 1, notCreated)
	assert.Equal(t, "Travel", result.Processed[1].Category)
}

func TestRunDropsIncompleteMessages(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 5, "Work")
	incomplete := message("m2", time.Now())
	incomplete.Body = "  "
	f.mailbox.messages = []provider.Message{message("m1", time.Now()), incomplete}

	result, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Fetched)
	assert.Len(t, result.Processed, 1)
}

func TestRunClassifiesFetchErrors(t *testing.T) {
	cases := []struct {
		status int
		code   string
	}{
		{http.StatusUnauthorized, apperr.CodeProviderFetchUnauthorized},
		{http.StatusForbidden, apperr.CodeProviderFetchForbidden},
		{http.StatusInternalServerError, apperr.CodeProviderFetchFailed},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			f := newFixture(t)
			c := f.customer(t, 5, "Work")
			f.mailbox.fetchErr = apperr.ProviderFetch("outlook", tc.status, errors.New("upstream"))

			_, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
			assert.True(t, apperr.HasCode(err, tc.code))
			assert.Equal(t, 5, f.credits(t, c.ID))
		})
	}

	t.Run("untyped error", func(t *testing.T) {
		f := newFixture(t)
		c := f.customer(t, 5, "Work")
		f.mailbox.fetchErr = errors.New("connection reset")

		_, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
		assert.True(t, apperr.HasCode(err, apperr.CodeProviderFetchFailed))
	})
}

func TestRunTakesOverStaleClaim(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 5, "Work")
	f.mailbox.messages = []provider.Message{message("m1", time.Now())}

	abandoned := &model.ProcessedEmail{
		CustomerID:        c.ID,
		ProviderMessageID: "m1",
		Provider:          model.ProviderOutlook,
		CreatedAt:         time.Now().UTC().Add(-time.Hour),
	}
	ok, err := f.repo.Claim(context.Background(), abandoned, time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	result, err := f.pipeline.Run(context.Background(), c.ID, model.ProviderOutlook)
	require.NoError(t, err)
	require.Len(t, result.Processed, 1)
	assert.Equal(t, abandoned.ID, result.Processed[0].ID)
}

// flakyCompleteStore fails the first Complete after the credit was taken
type flakyCompleteStore struct {
	*repository.Repository
	failed int32
}

func (s *flakyCompleteStore) Complete(ctx context.Context, email *model.ProcessedEmail) error {
	if atomic.CompareAndSwapInt32(&s.failed, 0, 1) {
		return errors.New("connection reset")
	}
	return s.Repository.Complete(ctx, email)
}

func TestRunResumesChargedClaimWithoutChargingAgain(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 10, "Work")
	f.mailbox.messages = []provider.Message{message("m1", time.Now())}

	store := &flakyCompleteStore{Repository: f.repo}
	p := New(provider.NewRegistry(f.mailbox), f.tokens, ledger.New(f.repo, audit.NewLogger(nil), f.metrics),
		f.classifier, store, f.metrics, Config{Lookback: 24 * time.Hour, PageSize: 25})

	_, err := p.Run(context.Background(), c.ID, model.ProviderOutlook)
	require.Error(t, err)
	assert.Equal(t, 9, f.credits(t, c.ID))

	processed, err := f.repo.IsProcessed(context.Background(), c.ID, "m1")
	require.NoError(t, err)
	assert.False(t, processed)

	// past the claim TTL another run takes the claim over
	later := time.Now().UTC().Add(20 * time.Minute)
	p.now = func() time.Time { return later }

	result, err := p.Run(context.Background(), c.ID, model.ProviderOutlook)
	require.NoError(t, err)
	require.Len(t, result.Processed, 1)
	assert.Equal(t, "m1", result.Processed[0].ProviderMessageID)
	assert.NotNil(t, result.Processed[0].ChargedAt)
	assert.Equal(t, 9, f.credits(t, c.ID))

	processed, err = f.repo.IsProcessed(context.Background(), c.ID, "m1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mailbox.messages = []provider.Message{message("m1", time.Now())}

	funded := f.customer(t, 5, "Work")
	broke := f.customer(t, 0, "Work")
	unconnected := f.customer(t, 5, "Work")

	for _, c := range []*model.Customer{funded, broke} {
		_, err := f.repo.UpsertActive(ctx, c.ID, model.ProviderOutlook, model.ConnectionTokens{
			ProviderUserID:       "user-" + c.ID,
			AccessTokenRef:       "a-" + c.ID,
			RefreshTokenRef:      "r-" + c.ID,
			AccessTokenExpiresAt: time.Now().Add(time.Hour),
		}, time.Now().UTC())
		require.NoError(t, err)
	}

	summary, err := f.pipeline.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Customers)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 4, f.credits(t, funded.ID))
	assert.Equal(t, 5, f.credits(t, unconnected.ID))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.SweepCustomers))
}
