// Package pipeline fetches a customer's recent mail, classifies each new
// message once and charges one credit per categorized message.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/classifier"
	"smart-mail-sorter-go/internal/metrics"
	"smart-mail-sorter-go/internal/model"
	"smart-mail-sorter-go/internal/provider"
	"smart-mail-sorter-go/internal/repository"
)

// TokenSource hands out fresh access tokens and records sync bookkeeping
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, customerID string, name model.Provider) (string, error)
	RecordSync(ctx context.Context, customerID string, name model.Provider) error
}

// Credits meters processing against a customer's balance
type Credits interface {
	GetBalance(ctx context.Context, customerID string) (*model.CreditBalance, error)
	TryConsume(ctx context.Context, customerID string) (bool, error)
}

// Classifier assigns a category to one email and never fails
type Classifier interface {
	Classify(ctx context.Context, email classifier.Email, known []string, confidenceThreshold float64) classifier.Result
}

// Store is the persistence the pipeline needs
type Store interface {
	repository.ProcessedEmailStore
	repository.CategoryStore
	repository.ProcessingLogStore
	FindCustomer(ctx context.Context, id string) (*model.Customer, error)
	ListSweepCandidates(ctx context.Context, name model.Provider) ([]model.Customer, error)
}

// Config bounds each run
type Config struct {
	Lookback time.Duration
	PageSize int
	// ClaimTTL is how long an unfinished claim blocks other runs
	ClaimTTL time.Duration
}

// Result summarizes one run
type Result struct {
	CustomerID string                 `json:"customer_id"`
	Provider   model.Provider         `json:"provider"`
	Fetched    int                    `json:"fetched"`
	Skipped    int                    `json:"skipped"`
	Fallbacks  int                    `json:"fallbacks"`
	Processed  []model.ProcessedEmail `json:"processed"`
	// CreditsExhausted is set when the run stopped early for lack of credit
	CreditsExhausted bool `json:"credits_exhausted"`
}

// Pipeline is the single entrypoint used by both the HTTP trigger and the scheduler
type Pipeline struct {
	providers  *provider.Registry
	tokens     TokenSource
	credits    Credits
	classifier Classifier
	store      Store
	metrics    *metrics.Metrics
	cfg        Config
	now        func() time.Time
}

func New(providers *provider.Registry, tokens TokenSource, credits Credits, cls Classifier, store Store, m *metrics.Metrics, cfg Config) *Pipeline {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 7 * 24 * time.Hour
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 15 * time.Minute
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Pipeline{
		providers:  providers,
		tokens:     tokens,
		credits:    credits,
		classifier: cls,
		store:      store,
		metrics:    m,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run processes the customer's recent mail from one provider. On an early
// stop for credits it returns the messages processed so far with a nil error.
func (p *Pipeline) Run(ctx context.Context, customerID string, name model.Provider) (*Result, error) {
	start := time.Now()
	result, err := p.run(ctx, customerID, name)
	p.metrics.ProcessingTime.Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = apperr.As(err).Code
	} else if result.CreditsExhausted {
		outcome = "credits_exhausted"
	}
	p.metrics.PipelineRuns.WithLabelValues(outcome).Inc()
	return result, err
}

func (p *Pipeline) run(ctx context.Context, customerID string, name model.Provider) (*Result, error) {
	log := logrus.WithFields(logrus.Fields{"customer_id": customerID, "provider": name})
	result := &Result{CustomerID: customerID, Provider: name, Processed: []model.ProcessedEmail{}}

	src, err := p.providers.Get(name)
	if err != nil {
		return result, err
	}

	balance, err := p.credits.GetBalance(ctx, customerID)
	if err != nil {
		return result, err
	}
	if balance.Remaining <= 0 {
		return result, apperr.InsufficientCredits()
	}

	customer, err := p.store.FindCustomer(ctx, customerID)
	if err != nil {
		return result, fmt.Errorf("failed to load customer: %w", err)
	}
	if customer == nil {
		return result, apperr.NotFound("customer")
	}

	token, err := p.tokens.GetValidAccessToken(ctx, customerID, name)
	if err != nil {
		return result, err
	}
	if token == "" {
		return result, apperr.NoValidConnection(string(name))
	}

	messages, err := src.FetchMessages(ctx, token, provider.FetchOptions{
		Since: p.now().Add(-p.cfg.Lookback),
		Limit: p.cfg.PageSize,
	})
	if err != nil {
		var appErr *apperr.AppError
		if !errors.As(err, &appErr) {
			err = apperr.ProviderFetch(string(name), 0, err)
		}
		log.WithError(err).Warn("Failed to fetch messages")
		return result, err
	}

	messages = completeMessages(messages)
	result.Fetched = len(messages)
	log.Infof("Fetched %d messages", len(messages))

	for _, msg := range messages {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		stop, err := p.processMessage(ctx, customer, name, msg, result)
		if err != nil {
			return result, err
		}
		if stop {
			result.CreditsExhausted = true
			log.Info("Credits exhausted, stopping run")
			break
		}
	}

	if err := p.tokens.RecordSync(ctx, customerID, name); err != nil {
		log.WithError(err).Warn("Failed to record sync")
	}

	log.WithFields(logrus.Fields{
		"processed": len(result.Processed),
		"skipped":   result.Skipped,
		"fallbacks": result.Fallbacks,
	}).Info("Categorization run completed")
	return result, nil
}

// processMessage handles one message. stop reports that no credit is left.
func (p *Pipeline) processMessage(ctx context.Context, customer *model.Customer, name model.Provider, msg provider.Message, result *Result) (bool, error) {
	log := logrus.WithFields(logrus.Fields{
		"customer_id": customer.ID,
		"provider":    name,
		"message_id":  msg.ID,
	})

	processed, err := p.store.IsProcessed(ctx, customer.ID, msg.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check if email is processed: %w", err)
	}
	if processed {
		log.Debug("Email already processed, skipping")
		result.Skipped++
		return false, nil
	}

	// re-read every time since a run may add categories
	categories, err := p.store.ListCategories(ctx, customer.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load categories: %w", err)
	}
	if len(categories) == 0 {
		return false, apperr.NoCategoriesDefined()
	}
	known := make([]string, 0, len(categories))
	for _, c := range categories {
		known = append(known, c.Name)
	}

	email := &model.ProcessedEmail{
		ID:                uuid.NewString(),
		CustomerID:        customer.ID,
		ProviderMessageID: msg.ID,
		Provider:          name,
		Subject:           msg.Subject,
		From:              msg.From,
		ReceivedAt:        msg.ReceivedAt.UTC(),
	}
	won, err := p.store.Claim(ctx, email, p.now().Add(-p.cfg.ClaimTTL))
	if err != nil {
		return false, err
	}
	if !won {
		log.Debug("Email claimed by another run, skipping")
		result.Skipped++
		return false, nil
	}

	cls := p.classifier.Classify(ctx, classifier.Email{
		Subject: msg.Subject,
		From:    msg.From,
		Body:    msg.Body,
	}, known, customer.ConfidenceThreshold)

	if cls.IsNewCategory && cls.NewCategoryName != "" {
		p.createCategory(ctx, customer.ID, msg.ID, cls.NewCategoryName)
	}

	if email.ChargedAt == nil {
		charged, stop, err := p.charge(ctx, email)
		if err != nil || stop {
			return stop, err
		}
		if !charged {
			log.Debug("Email claimed by another run, skipping")
			result.Skipped++
			return false, nil
		}
	} else {
		log.Info("Resuming an already charged claim")
	}

	processedAt := p.now()
	email.Category = cls.Category
	email.Confidence = cls.Confidence
	email.IsUrgent = cls.IsUrgent
	email.UrgencyLevel = cls.UrgencyLevel
	email.UrgencyReason = cls.Reason
	email.ProcessedAt = &processedAt

	if err := p.store.Complete(ctx, email); err != nil {
		// the claim stays marked as charged, so a later takeover completes it for free
		log.WithError(err).Error("Failed to persist processed email")
		p.logOutcome(ctx, customer.ID, msg.ID, model.OutcomeError, cls.Category, err.Error())
		return false, fmt.Errorf("failed to persist processed email: %w", err)
	}

	outcome := model.OutcomeProcessed
	if cls.Degraded {
		outcome = model.OutcomeFallback
		result.Fallbacks++
	}
	p.logOutcome(ctx, customer.ID, msg.ID, outcome, cls.Category, "")
	result.Processed = append(result.Processed, *email)

	log.WithField("category", cls.Category).Info("Email categorized")
	return false, nil
}

// charge marks the claim as charged and then takes one credit. Marking
// first means a takeover of this claim never consumes a second credit.
// stop reports that no credit is left.
func (p *Pipeline) charge(ctx context.Context, email *model.ProcessedEmail) (charged bool, stop bool, err error) {
	chargedAt := p.now()
	marked, err := p.store.MarkCharged(ctx, email.ID, chargedAt)
	if err != nil {
		p.release(ctx, email, err)
		return false, false, err
	}
	if !marked {
		return false, false, nil
	}
	email.ChargedAt = &chargedAt

	granted, err := p.credits.TryConsume(ctx, email.CustomerID)
	if err != nil {
		p.release(ctx, email, err)
		return false, false, err
	}
	if !granted {
		p.release(ctx, email, nil)
		p.logOutcome(ctx, email.CustomerID, email.ProviderMessageID, model.OutcomeCreditExhausted, "", "no credits remaining")
		return false, true, nil
	}
	return true, false, nil
}

func (p *Pipeline) createCategory(ctx context.Context, customerID, messageID, categoryName string) {
	err := p.store.CreateCategory(ctx, &model.Category{CustomerID: customerID, Name: categoryName})
	if err == nil {
		logrus.WithFields(logrus.Fields{"customer_id": customerID, "category": categoryName}).Info("Created new category")
		return
	}
	logrus.WithError(err).WithFields(logrus.Fields{
		"customer_id": customerID,
		"category":    categoryName,
	}).Warn("Failed to create proposed category")
	p.logOutcome(ctx, customerID, messageID, model.OutcomeCategoryNotCreated, categoryName, err.Error())
}

func (p *Pipeline) release(ctx context.Context, email *model.ProcessedEmail, cause error) {
	if err := p.store.Release(ctx, email.ID); err != nil {
		logrus.WithError(err).WithField("message_id", email.ProviderMessageID).Error("Failed to release email claim")
	}
	if cause != nil {
		p.logOutcome(ctx, email.CustomerID, email.ProviderMessageID, model.OutcomeError, "", cause.Error())
	}
}

func (p *Pipeline) logOutcome(ctx context.Context, customerID, messageID, status, category, errMsg string) {
	p.metrics.EmailsProcessed.WithLabelValues(status).Inc()
	entry := &model.ProcessingLog{
		CustomerID:        customerID,
		ProviderMessageID: messageID,
		Status:            status,
		Category:          category,
		ErrorMsg:          errMsg,
	}
	if err := p.store.LogProcessing(ctx, entry); err != nil {
		logrus.WithError(err).WithField("message_id", messageID).Warn("Failed to write processing log")
	}
}

// completeMessages drops incomplete messages and keeps the provider's order
func completeMessages(messages []provider.Message) []provider.Message {
	out := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		if m.Complete() {
			out = append(out, m)
		}
	}
	return out
}
