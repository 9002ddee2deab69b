// Package classifier calls the external categorization service.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"smart-mail-sorter-go/internal/config"
	"smart-mail-sorter-go/internal/metrics"
)

const (
	DefaultPath        = "/api/agents/categorization/run"
	FallbackCategory   = "Uncategorized"
	FallbackReason     = "fallback"
	fallbackConfidence = 0.5
	maxBodyBytes       = 1 << 20
)

// Email is the content sent for classification. It is never persisted by the client.
type Email struct {
	Subject string
	From    string
	Body    string
}

// Result is the classification of one email
type Result struct {
	Category        string  `json:"category"`
	Confidence      float64 `json:"confidence"`
	IsUrgent        bool    `json:"isUrgent"`
	UrgencyLevel    string  `json:"urgencyLevel"`
	Reason          string  `json:"reason"`
	IsNewCategory   bool    `json:"isNewCategory"`
	NewCategoryName string  `json:"newCategoryName,omitempty"`

	// Degraded is set when the result came from the fallback path.
	Degraded bool `json:"-"`
}

type requestData struct {
	Categories          string  `json:"categories"`
	Subject             string  `json:"subject"`
	From                string  `json:"from"`
	Body                string  `json:"body"`
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
}

type requestEnvelope struct {
	Data requestData `json:"data"`
}

type responseEnvelope struct {
	Result *Result `json:"result"`
}

var errMalformed = errors.New("malformed classification response")

// Client classifies emails. Classify never returns an error: any failure
// degrades to a fallback result so a batch keeps moving.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
}

func New(cfg config.ClassifierConfig, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if m == nil {
		m = metrics.NewNop()
	}

	cbSettings := gobreaker.Settings{
		Name:        "categorization-service",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &Client{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + path,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		cb:         gobreaker.NewCircuitBreaker(cbSettings),
		metrics:    m,
	}
}

// Classify asks the service to categorize email among known categories.
func (c *Client) Classify(ctx context.Context, email Email, known []string, confidenceThreshold float64) Result {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.call(ctx, email, known, confidenceThreshold)
	})
	if err != nil {
		logrus.WithError(err).WithField("endpoint", c.endpoint).Warn("Classification failed, using fallback")
		c.metrics.ClassifierFallbacks.Inc()
		return Fallback(known)
	}
	return *out.(*Result)
}

func (c *Client) call(ctx context.Context, email Email, known []string, threshold float64) (*Result, error) {
	payload, err := json.Marshal(requestEnvelope{Data: requestData{
		Categories:          strings.Join(known, ","),
		Subject:             email.Subject,
		From:                email.From,
		Body:                email.Body,
		ConfidenceThreshold: threshold,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("categorization service returned status %d", resp.StatusCode)
	}

	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if err := validate(env.Result); err != nil {
		return nil, err
	}
	return env.Result, nil
}

func validate(r *Result) error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: missing result", errMalformed)
	case strings.TrimSpace(r.Category) == "":
		return fmt.Errorf("%w: missing category", errMalformed)
	case r.Confidence < 0 || r.Confidence > 1:
		return fmt.Errorf("%w: confidence %v out of range", errMalformed, r.Confidence)
	}
	if r.UrgencyLevel == "" {
		r.UrgencyLevel = "low"
	}
	if r.IsNewCategory && strings.TrimSpace(r.NewCategoryName) == "" {
		r.IsNewCategory = false
	}
	return nil
}

// Fallback is the degraded result used when the service cannot be reached.
func Fallback(known []string) Result {
	category := FallbackCategory
	if len(known) > 0 {
		category = known[0]
	}
	return Result{
		Category:     category,
		Confidence:   fallbackConfidence,
		IsUrgent:     false,
		UrgencyLevel: "low",
		Reason:       FallbackReason,
		Degraded:     true,
	}
}
