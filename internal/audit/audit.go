// Package audit records security-relevant connection events.
package audit

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Event types
const (
	OAuthInitiated        = "oauth_initiated"
	ConnectionEstablished = "connection_established"
	ConnectionFailed      = "connection_failed"
	ConnectionRevoked     = "connection_revoked"
	TokenRefreshFailed    = "token_refresh_failed"
	CreditsGranted        = "credits_granted"
)

// Event is one audit record. Detail must never carry token values.
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Type         string    `json:"type"`
	CustomerID   string    `json:"customer_id,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Success      bool      `json:"success"`
	Detail       string    `json:"detail,omitempty"`
}

// Logger writes events to the application log and, when a Redis client is
// configured, appends them to a capped stream.
type Logger struct {
	redis  *redis.Client
	stream string
	maxLen int64
}

// NewLogger creates an audit logger; client may be nil
func NewLogger(client *redis.Client) *Logger {
	return &Logger{redis: client, stream: "audit:events", maxLen: 100000}
}

// Record never fails the caller; stream errors are logged.
func (l *Logger) Record(ctx context.Context, event Event) {
	if l == nil {
		return
	}
	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()

	entry := logrus.WithFields(logrus.Fields{
		"audit":         true,
		"event":         event.Type,
		"customer_id":   event.CustomerID,
		"provider":      event.Provider,
		"connection_id": event.ConnectionID,
		"success":       event.Success,
	})
	if event.Detail != "" {
		entry = entry.WithField("detail", event.Detail)
	}
	if event.Success {
		entry.Info("Audit event")
	} else {
		entry.Warn("Audit event")
	}

	if l.redis == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	err = l.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": string(data)},
	}).Err()
	if err != nil {
		logrus.WithError(err).Warn("Failed to append audit event to stream")
	}
}
