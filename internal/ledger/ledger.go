// Package ledger meters categorization against a customer's credit balance.
package ledger

import (
	"context"
	"errors"

	"smart-mail-sorter-go/internal/apperr"
	"smart-mail-sorter-go/internal/audit"
	"smart-mail-sorter-go/internal/metrics"
	"smart-mail-sorter-go/internal/model"
	"smart-mail-sorter-go/internal/repository"
)

// CreditLedger is the only component that changes a credit balance
type CreditLedger struct {
	store   repository.CustomerStore
	audit   *audit.Logger
	metrics *metrics.Metrics
}

func New(store repository.CustomerStore, auditLog *audit.Logger, m *metrics.Metrics) *CreditLedger {
	return &CreditLedger{store: store, audit: auditLog, metrics: m}
}

// TryConsume takes one credit if the balance is positive. It reports false,
// leaving the balance untouched, when no credit remains.
func (l *CreditLedger) TryConsume(ctx context.Context, customerID string) (bool, error) {
	granted, err := l.store.DecrementCredit(ctx, customerID)
	if err != nil {
		return false, err
	}
	if granted {
		l.metrics.CreditsConsumed.Inc()
	} else {
		l.metrics.CreditsDenied.Inc()
	}
	return granted, nil
}

// GetBalance reads the customer's credit account
func (l *CreditLedger) GetBalance(ctx context.Context, customerID string) (*model.CreditBalance, error) {
	customer, err := l.store.FindCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, apperr.NotFound("customer")
	}
	return Balance(customer), nil
}

// Balance derives the credit view of customer. LowBalance is set once
// consumption reaches the warning threshold percentage of total credits.
func Balance(customer *model.Customer) *model.CreditBalance {
	b := &model.CreditBalance{
		Remaining:               customer.CreditsRemaining,
		Total:                   customer.TotalCredits,
		WarningThresholdPercent: customer.WarningThresholdPercent,
	}
	if b.Total > 0 {
		used := b.Total - b.Remaining
		b.LowBalance = used*100 >= b.Total*b.WarningThresholdPercent
	} else {
		b.LowBalance = b.Remaining == 0
	}
	return b
}

// Grant adds credits to a customer's balance and total
func (l *CreditLedger) Grant(ctx context.Context, customerID string, amount int) (*model.CreditBalance, error) {
	if amount <= 0 {
		return nil, apperr.BadRequest("amount must be positive")
	}
	if err := l.store.AddCredits(ctx, customerID, amount); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("customer")
		}
		return nil, err
	}

	l.audit.Record(ctx, audit.Event{
		Type:       audit.CreditsGranted,
		CustomerID: customerID,
		Success:    true,
	})
	return l.GetBalance(ctx, customerID)
}
