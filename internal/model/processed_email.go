package model

import (
	"time"
)

// ProcessedEmail records the classification outcome of one provider message.
// The unique (customer, provider message) index is what makes processing
// at-most-once. Message bodies are never stored.
type ProcessedEmail struct {
	ID                string     `json:"id" gorm:"type:varchar(36);primaryKey" bson:"_id"`
	CustomerID        string     `json:"customer_id" gorm:"type:varchar(36);not null;uniqueIndex:idx_processed_customer_message,priority:1" bson:"customer_id"`
	ProviderMessageID string     `json:"provider_message_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_processed_customer_message,priority:2" bson:"provider_message_id"`
	Provider          Provider   `json:"provider" gorm:"type:varchar(20);not null" bson:"provider"`
	Subject           string     `json:"subject" gorm:"type:text" bson:"subject"`
	From              string     `json:"from" gorm:"column:sender;type:varchar(255)" bson:"from"`
	ReceivedAt        time.Time  `json:"received_at" gorm:"index" bson:"received_at"`
	Category          string     `json:"category" gorm:"type:varchar(255)" bson:"category"`
	Confidence        float64    `json:"confidence" bson:"confidence"`
	IsUrgent          bool       `json:"is_urgent" bson:"is_urgent"`
	UrgencyLevel      string     `json:"urgency_level" gorm:"type:varchar(20)" bson:"urgency_level"`
	UrgencyReason     string     `json:"urgency_reason" gorm:"type:text" bson:"urgency_reason"`
	IsProcessed       bool       `json:"is_processed" gorm:"index" bson:"is_processed"`
	ProcessedAt       *time.Time `json:"processed_at" bson:"processed_at"`
	// ChargedAt is set on the claim before the credit is taken
	ChargedAt *time.Time `json:"charged_at,omitempty" bson:"charged_at"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
}

// TableName specifies the table name for ProcessedEmail
func (ProcessedEmail) TableName() string {
	return "processed_emails"
}
