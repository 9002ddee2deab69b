package model

import "time"

// Customer carries the credit account used to meter categorization.
type Customer struct {
	ID                      string    `json:"id" gorm:"type:varchar(36);primaryKey" bson:"_id"`
	Name                    string    `json:"name" gorm:"type:varchar(255);not null;uniqueIndex" bson:"name"`
	Email                   string    `json:"email" gorm:"type:varchar(255);not null" bson:"email"`
	SubscriptionPlan        string    `json:"subscription_plan" gorm:"type:varchar(50)" bson:"subscription_plan"`
	IsActive                bool      `json:"is_active" gorm:"index" bson:"is_active"`
	CreditsRemaining        int       `json:"credits_remaining" gorm:"not null;default:0" bson:"credits_remaining"`
	TotalCredits            int       `json:"total_credits" gorm:"not null;default:0" bson:"total_credits"`
	WarningThresholdPercent int       `json:"warning_threshold_percent" gorm:"not null;default:80" bson:"warning_threshold_percent"`
	ConfidenceThreshold     float64   `json:"confidence_threshold" gorm:"not null;default:0.7" bson:"confidence_threshold"`
	CreatedAt               time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt               time.Time `json:"updated_at" bson:"updated_at"`
}

// TableName specifies the table name for Customer
func (Customer) TableName() string {
	return "customers"
}

// CreditBalance is a read-only view of a customer's credit account
type CreditBalance struct {
	Remaining               int  `json:"remaining"`
	Total                   int  `json:"total"`
	WarningThresholdPercent int  `json:"warning_threshold_percent"`
	LowBalance              bool `json:"low_balance"`
}
