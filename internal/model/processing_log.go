package model

import (
	"time"
)

// Processing outcomes recorded per message
const (
	OutcomeProcessed          = "processed"
	OutcomeFallback           = "fallback"
	OutcomeCreditExhausted    = "credit_exhausted"
	OutcomeError              = "error"
	OutcomeCategoryNotCreated = "category_not_created"
)

// ProcessingLog represents a log entry for one message handled by a pipeline run
type ProcessingLog struct {
	ID                string    `json:"id" gorm:"type:varchar(36);primaryKey" bson:"_id"`
	CustomerID        string    `json:"customer_id" gorm:"type:varchar(36);not null;index" bson:"customer_id"`
	ProviderMessageID string    `json:"provider_message_id" gorm:"type:varchar(255);not null;index" bson:"provider_message_id"`
	Status            string    `json:"status" gorm:"type:varchar(50);not null" bson:"status"`
	Category          string    `json:"category,omitempty" gorm:"type:varchar(255)" bson:"category"`
	ErrorMsg          string    `json:"error_msg,omitempty" gorm:"type:text" bson:"error_msg"`
	CreatedAt         time.Time `json:"created_at" gorm:"index" bson:"created_at"`
}

// TableName specifies the table name for ProcessingLog
func (ProcessingLog) TableName() string {
	return "processing_logs"
}
