package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"smart-mail-sorter-go/internal/model"
)

func (r *Repository) FindCustomer(ctx context.Context, id string) (*model.Customer, error) {
	var customer model.Customer
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&customer)
	if result.Error == nil {
		return &customer, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error: %w", result.Error)
}

func (r *Repository) CreateCustomer(ctx context.Context, customer *model.Customer) error {
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(customer).Error; err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

// DecrementCredit is a single conditional UPDATE; the row filter is what
// keeps the balance from going negative under concurrent callers.
func (r *Repository) DecrementCredit(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.Customer{}).
		Where("id = ? AND credits_remaining > 0", id).
		UpdateColumn("credits_remaining", gorm.Expr("credits_remaining - ?", 1))
	if result.Error != nil {
		return false, fmt.Errorf("failed to decrement credit: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *Repository) AddCredits(ctx context.Context, id string, amount int) error {
	result := r.db.WithContext(ctx).Model(&model.Customer{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"credits_remaining": gorm.Expr("credits_remaining + ?", amount),
			"total_credits":     gorm.Expr("total_credits + ?", amount),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to add credits: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSweepCandidates returns active customers holding an active connection for provider
func (r *Repository) ListSweepCandidates(ctx context.Context, provider model.Provider) ([]model.Customer, error) {
	var customers []model.Customer
	connected := r.db.Model(&model.MailboxConnection{}).
		Select("customer_id").
		Where("provider = ? AND status = ?", provider, model.ConnectionActive)

	result := r.db.WithContext(ctx).
		Where("is_active = ? AND id IN (?)", true, connected).
		Order("created_at").
		Find(&customers)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list sweep candidates: %w", result.Error)
	}
	return customers, nil
}
