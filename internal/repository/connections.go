package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"smart-mail-sorter-go/internal/model"
)

func (r *Repository) UpsertActive(ctx context.Context, customerID string, provider model.Provider, tokens model.ConnectionTokens, now time.Time) (*model.MailboxConnection, error) {
	expiresAt := tokens.AccessTokenExpiresAt
	conn := model.MailboxConnection{
		ID:                   uuid.NewString(),
		CustomerID:           customerID,
		Provider:             provider,
		Status:               model.ConnectionActive,
		ProviderUserID:       tokens.ProviderUserID,
		ProviderEmail:        tokens.ProviderEmail,
		AccessTokenRef:       tokens.AccessTokenRef,
		RefreshTokenRef:      tokens.RefreshTokenRef,
		AccessTokenExpiresAt: &expiresAt,
		GrantedScope:         tokens.GrantedScope,
		ConnectedAt:          now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "customer_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "provider_user_id", "provider_email",
			"access_token_ref", "refresh_token_ref", "access_token_expires_at",
			"granted_scope", "oauth_state", "connected_at", "last_sync_error",
			"disconnected_at", "disconnect_reason", "updated_at",
		}),
	}).Create(&conn)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", result.Error)
	}

	stored, err := r.FindByCustomerProvider(ctx, customerID, provider)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("connection missing after upsert")
	}
	return stored, nil
}

func (r *Repository) FindByCustomerProvider(ctx context.Context, customerID string, provider model.Provider) (*model.MailboxConnection, error) {
	var conn model.MailboxConnection
	result := r.db.WithContext(ctx).Where("customer_id = ? AND provider = ?", customerID, provider).First(&conn)
	if result.Error == nil {
		return &conn, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error: %w", result.Error)
}

func (r *Repository) FindConnection(ctx context.Context, id string) (*model.MailboxConnection, error) {
	var conn model.MailboxConnection
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&conn)
	if result.Error == nil {
		return &conn, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error: %w", result.Error)
}

func (r *Repository) ListConnections(ctx context.Context, customerID string) ([]model.MailboxConnection, error) {
	var conns []model.MailboxConnection
	result := r.db.WithContext(ctx).Where("customer_id = ?", customerID).Order("created_at DESC").Find(&conns)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list connections: %w", result.Error)
	}
	return conns, nil
}

func (r *Repository) RotateTokens(ctx context.Context, id, oldAccessRef string, tokens model.ConnectionTokens, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.MailboxConnection{}).
		Where("id = ? AND access_token_ref = ?", id, oldAccessRef).
		Updates(map[string]interface{}{
			"access_token_ref":        tokens.AccessTokenRef,
			"refresh_token_ref":       tokens.RefreshTokenRef,
			"access_token_expires_at": tokens.AccessTokenExpiresAt,
			"granted_scope":           tokens.GrantedScope,
			"token_refresh_count":     gorm.Expr("token_refresh_count + ?", 1),
			"last_sync_at":            now,
			"last_sync_error":         "",
			"updated_at":              now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to rotate tokens: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *Repository) MarkExpired(ctx context.Context, id, reason string) error {
	return r.updateConnection(ctx, id, map[string]interface{}{
		"status":          model.ConnectionExpired,
		"last_sync_error": reason,
	})
}

func (r *Repository) MarkRevoked(ctx context.Context, id, reason string, now time.Time) error {
	return r.updateConnection(ctx, id, map[string]interface{}{
		"status":                  model.ConnectionRevoked,
		"access_token_ref":        "",
		"refresh_token_ref":       "",
		"access_token_expires_at": nil,
		"oauth_state":             "",
		"disconnected_at":         now,
		"disconnect_reason":       reason,
	})
}

func (r *Repository) RecordSync(ctx context.Context, id string, now time.Time) error {
	return r.updateConnection(ctx, id, map[string]interface{}{
		"sync_count":      gorm.Expr("sync_count + ?", 1),
		"last_sync_at":    now,
		"last_sync_error": "",
	})
}

func (r *Repository) updateConnection(ctx context.Context, id string, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&model.MailboxConnection{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update connection: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
