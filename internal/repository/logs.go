package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"smart-mail-sorter-go/internal/model"
)

func (r *Repository) LogProcessing(ctx context.Context, entry *model.ProcessingLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to log processing outcome: %w", err)
	}
	return nil
}

func (r *Repository) ListLogs(ctx context.Context, customerID string, page, limit int) ([]model.ProcessingLog, int64, error) {
	var logs []model.ProcessingLog
	var total int64

	query := r.db.WithContext(ctx).Model(&model.ProcessingLog{}).Where("customer_id = ?", customerID).Session(&gorm.Session{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count logs: %w", err)
	}
	if err := query.Order("created_at DESC").Offset(offset(page, limit)).Limit(limit).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to get logs: %w", err)
	}
	return logs, total, nil
}
