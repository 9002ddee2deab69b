package repository

import (
	"context"
	"errors"
	"time"

	"smart-mail-sorter-go/internal/model"
)

var (
	// ErrNotFound is returned by mutations whose target row does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key already exists
	ErrDuplicate = errors.New("duplicate record")
)

// ConnectionStore persists mailbox connections. Only the connection
// manager writes through it. Finders return nil, nil when nothing matches.
type ConnectionStore interface {
	UpsertActive(ctx context.Context, customerID string, provider model.Provider, tokens model.ConnectionTokens, now time.Time) (*model.MailboxConnection, error)
	FindByCustomerProvider(ctx context.Context, customerID string, provider model.Provider) (*model.MailboxConnection, error)
	FindConnection(ctx context.Context, id string) (*model.MailboxConnection, error)
	ListConnections(ctx context.Context, customerID string) ([]model.MailboxConnection, error)
	// RotateTokens swaps in refreshed tokens only while the row still
	// references oldAccessRef; false means another caller rotated first.
	RotateTokens(ctx context.Context, id, oldAccessRef string, tokens model.ConnectionTokens, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, id, reason string) error
	MarkRevoked(ctx context.Context, id, reason string, now time.Time) error
	RecordSync(ctx context.Context, id string, now time.Time) error
}

// ProcessedEmailStore backs the at-most-once guarantee
type ProcessedEmailStore interface {
	IsProcessed(ctx context.Context, customerID, providerMessageID string) (bool, error)
	// Claim inserts email as an unprocessed placeholder. It returns false when
	// a row for the same (customer, message) exists, unless that row is an
	// unfinished claim created before staleBefore, which is taken over.
	Claim(ctx context.Context, email *model.ProcessedEmail, staleBefore time.Time) (bool, error)
	// MarkCharged flags an open claim as paid for. It returns false when the
	// claim is gone or was already charged.
	MarkCharged(ctx context.Context, id string, at time.Time) (bool, error)
	Complete(ctx context.Context, email *model.ProcessedEmail) error
	Release(ctx context.Context, id string) error
	ListProcessed(ctx context.Context, customerID string, page, limit int) ([]model.ProcessedEmail, int64, error)
}

// CustomerStore reads customers and owns the credit counters
type CustomerStore interface {
	FindCustomer(ctx context.Context, id string) (*model.Customer, error)
	CreateCustomer(ctx context.Context, customer *model.Customer) error
	// DecrementCredit atomically takes one credit if any remain
	DecrementCredit(ctx context.Context, id string) (bool, error)
	AddCredits(ctx context.Context, id string, amount int) error
	ListSweepCandidates(ctx context.Context, provider model.Provider) ([]model.Customer, error)
}

// CategoryStore holds customer categories
type CategoryStore interface {
	ListCategories(ctx context.Context, customerID string) ([]model.Category, error)
	CreateCategory(ctx context.Context, category *model.Category) error
}

// ProcessingLogStore records per-message outcomes
type ProcessingLogStore interface {
	LogProcessing(ctx context.Context, entry *model.ProcessingLog) error
	ListLogs(ctx context.Context, customerID string, page, limit int) ([]model.ProcessingLog, int64, error)
}

// Store is everything the application persists
type Store interface {
	ConnectionStore
	ProcessedEmailStore
	CustomerStore
	CategoryStore
	ProcessingLogStore
}
