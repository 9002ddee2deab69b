package model

import "time"

// Provider identifies a mail provider
type Provider string

const (
	ProviderOutlook Provider = "outlook"
	ProviderGmail   Provider = "gmail"
	ProviderYahoo   Provider = "yahoo"
	ProviderICloud  Provider = "icloud"
)

// Providers lists every provider a connection may reference
var Providers = []Provider{ProviderOutlook, ProviderGmail, ProviderYahoo, ProviderICloud}

// Valid reports whether p is a known provider
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// ConnectionStatus is the lifecycle state of a mailbox connection
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionInactive ConnectionStatus = "inactive"
	ConnectionError    ConnectionStatus = "error"
	ConnectionExpired  ConnectionStatus = "expired"
	ConnectionRevoked  ConnectionStatus = "revoked"
)

// MailboxConnection is the persisted link between one customer and one
// provider account. Tokens live in the secret store; only their vault
// references are kept here.
type MailboxConnection struct {
	ID                   string           `json:"id" gorm:"type:varchar(36);primaryKey" bson:"_id"`
	CustomerID           string           `json:"customer_id" gorm:"type:varchar(36);not null;uniqueIndex:idx_connection_customer_provider,priority:1" bson:"customer_id"`
	Provider             Provider         `json:"provider" gorm:"type:varchar(20);not null;uniqueIndex:idx_connection_customer_provider,priority:2" bson:"provider"`
	Status               ConnectionStatus `json:"status" gorm:"type:varchar(20);not null;index" bson:"status"`
	ProviderUserID       string           `json:"provider_user_id" gorm:"type:varchar(255)" bson:"provider_user_id"`
	ProviderEmail        string           `json:"provider_email" gorm:"type:varchar(255)" bson:"provider_email"`
	AccessTokenRef       string           `json:"-" gorm:"type:varchar(255)" bson:"access_token_ref"`
	RefreshTokenRef      string           `json:"-" gorm:"type:varchar(255)" bson:"refresh_token_ref"`
	AccessTokenExpiresAt *time.Time       `json:"access_token_expires_at" gorm:"index" bson:"access_token_expires_at"`
	GrantedScope         string           `json:"granted_scope" gorm:"type:text" bson:"granted_scope"`
	OAuthState           string           `json:"-" gorm:"type:varchar(255)" bson:"oauth_state"`
	ConnectedAt          time.Time        `json:"connected_at" bson:"connected_at"`
	LastSyncAt           *time.Time       `json:"last_sync_at" gorm:"index" bson:"last_sync_at"`
	LastSyncError        string           `json:"last_sync_error,omitempty" gorm:"type:text" bson:"last_sync_error"`
	SyncCount            int              `json:"sync_count" gorm:"not null;default:0" bson:"sync_count"`
	TokenRefreshCount    int              `json:"token_refresh_count" gorm:"not null;default:0" bson:"token_refresh_count"`
	DisconnectedAt       *time.Time       `json:"disconnected_at,omitempty" bson:"disconnected_at"`
	DisconnectReason     string           `json:"disconnect_reason,omitempty" gorm:"type:varchar(255)" bson:"disconnect_reason"`
	CreatedAt            time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at" bson:"updated_at"`
}

// TableName specifies the table name for MailboxConnection
func (MailboxConnection) TableName() string {
	return "mailbox_connections"
}

// ConnectionTokens is the set of fields written by a successful OAuth
// exchange or token refresh.
type ConnectionTokens struct {
	ProviderUserID       string
	ProviderEmail        string
	AccessTokenRef       string
	RefreshTokenRef      string
	AccessTokenExpiresAt time.Time
	GrantedScope         string
}
