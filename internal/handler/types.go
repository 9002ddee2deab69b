package handler

import (
	"time"

	"smart-mail-sorter-go/internal/model"
)

// ConnectionResponse is the public view of a mailbox connection. Vault
// references and OAuth state never leave the server.
type ConnectionResponse struct {
	ID                   string                 `json:"id"`
	Provider             model.Provider         `json:"provider"`
	ProviderEmail        string                 `json:"provider_email"`
	Status               model.ConnectionStatus `json:"status"`
	GrantedScope         string                 `json:"granted_scope,omitempty"`
	AccessTokenExpiresAt *time.Time             `json:"access_token_expires_at,omitempty"`
	ConnectedAt          time.Time              `json:"connected_at"`
	LastSyncAt           *time.Time             `json:"last_sync_at,omitempty"`
	LastSyncError        string                 `json:"last_sync_error,omitempty"`
	SyncCount            int                    `json:"sync_count"`
	DisconnectedAt       *time.Time             `json:"disconnected_at,omitempty"`
	DisconnectReason     string                 `json:"disconnect_reason,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

func newConnectionResponse(conn *model.MailboxConnection) ConnectionResponse {
	return ConnectionResponse{
		ID:                   conn.ID,
		Provider:             conn.Provider,
		ProviderEmail:        conn.ProviderEmail,
		Status:               conn.Status,
		GrantedScope:         conn.GrantedScope,
		AccessTokenExpiresAt: conn.AccessTokenExpiresAt,
		ConnectedAt:          conn.ConnectedAt,
		LastSyncAt:           conn.LastSyncAt,
		LastSyncError:        conn.LastSyncError,
		SyncCount:            conn.SyncCount,
		DisconnectedAt:       conn.DisconnectedAt,
		DisconnectReason:     conn.DisconnectReason,
		CreatedAt:            conn.CreatedAt,
		UpdatedAt:            conn.UpdatedAt,
	}
}

// ConnectResponse carries the consent URL the browser should open
type ConnectResponse struct {
	AuthURL  string         `json:"auth_url"`
	Provider model.Provider `json:"provider"`
}

// TestConnectionResponse reports the outcome of a connection test
type TestConnectionResponse struct {
	ID     string                 `json:"id"`
	Status model.ConnectionStatus `json:"status"`
	Valid  bool                   `json:"valid"`
}

// CategorizeResponse summarizes an on-demand categorization run
type CategorizeResponse struct {
	Processed        []model.ProcessedEmail `json:"processed"`
	Fetched          int                    `json:"fetched"`
	Skipped          int                    `json:"skipped"`
	Fallbacks        int                    `json:"fallbacks"`
	CreditsExhausted bool                   `json:"credits_exhausted"`
	Credits          *model.CreditBalance   `json:"credits,omitempty"`
}

// GrantCreditsRequest is the admin credit top-up body
type GrantCreditsRequest struct {
	Amount int `json:"amount" binding:"required,gt=0"`
}

// Pagination describes a page of results
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Scheduler map[string]string `json:"scheduler,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
