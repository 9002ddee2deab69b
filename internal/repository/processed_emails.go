package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"smart-mail-sorter-go/internal/model"
)

// IsProcessed reports whether the message has a completed row. Open claims do not count.
func (r *Repository) IsProcessed(ctx context.Context, customerID, providerMessageID string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&model.ProcessedEmail{}).
		Where("customer_id = ? AND provider_message_id = ? AND is_processed = ?", customerID, providerMessageID, true).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("database error checking processed email: %w", result.Error)
	}
	return count > 0, nil
}

func (r *Repository) Claim(ctx context.Context, email *model.ProcessedEmail, staleBefore time.Time) (bool, error) {
	if email.ID == "" {
		email.ID = uuid.NewString()
	}
	email.IsProcessed = false

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(email)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim email: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	// take over a claim abandoned by a run that never finished
	var existing model.ProcessedEmail
	found := r.db.WithContext(ctx).
		Where("customer_id = ? AND provider_message_id = ?", email.CustomerID, email.ProviderMessageID).
		Limit(1).Find(&existing)
	if found.Error != nil {
		return false, fmt.Errorf("failed to load existing claim: %w", found.Error)
	}
	if found.RowsAffected == 0 || existing.IsProcessed || !existing.CreatedAt.Before(staleBefore) {
		return false, nil
	}

	now := time.Now().UTC()
	takeover := r.db.WithContext(ctx).Model(&model.ProcessedEmail{}).
		Where("id = ? AND is_processed = ? AND created_at < ?", existing.ID, false, staleBefore).
		Update("created_at", now)
	if takeover.Error != nil {
		return false, fmt.Errorf("failed to take over stale claim: %w", takeover.Error)
	}
	if takeover.RowsAffected != 1 {
		return false, nil
	}

	email.ID = existing.ID
	email.CreatedAt = now
	email.ChargedAt = existing.ChargedAt
	return true, nil
}

func (r *Repository) MarkCharged(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.ProcessedEmail{}).
		Where("id = ? AND is_processed = ? AND charged_at IS NULL", id, false).
		Update("charged_at", at)
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark email as charged: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *Repository) Complete(ctx context.Context, email *model.ProcessedEmail) error {
	result := r.db.WithContext(ctx).Model(&model.ProcessedEmail{}).
		Where("id = ?", email.ID).
		Updates(map[string]interface{}{
			"subject":        email.Subject,
			"sender":         email.From,
			"received_at":    email.ReceivedAt,
			"category":       email.Category,
			"confidence":     email.Confidence,
			"is_urgent":      email.IsUrgent,
			"urgency_level":  email.UrgencyLevel,
			"urgency_reason": email.UrgencyReason,
			"is_processed":   true,
			"processed_at":   email.ProcessedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark email as processed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	email.IsProcessed = true
	return nil
}

func (r *Repository) Release(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND is_processed = ?", id, false).
		Delete(&model.ProcessedEmail{})
	if result.Error != nil {
		return fmt.Errorf("failed to release email claim: %w", result.Error)
	}
	return nil
}

func (r *Repository) ListProcessed(ctx context.Context, customerID string, page, limit int) ([]model.ProcessedEmail, int64, error) {
	var emails []model.ProcessedEmail
	var total int64

	query := r.db.WithContext(ctx).Model(&model.ProcessedEmail{}).
		Where("customer_id = ? AND is_processed = ?", customerID, true).
		Session(&gorm.Session{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count processed emails: %w", err)
	}
	if err := query.Order("received_at DESC").Offset(offset(page, limit)).Limit(limit).Find(&emails).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list processed emails: %w", err)
	}
	return emails, total, nil
}
