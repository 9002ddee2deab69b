package model

import "time"

// Category is a customer-defined label the classifier may assign
type Category struct {
	ID          string    `json:"id" gorm:"type:varchar(36);primaryKey" bson:"_id"`
	CustomerID  string    `json:"customer_id" gorm:"type:varchar(36);not null;uniqueIndex:idx_category_customer_name,priority:1" bson:"customer_id"`
	Name        string    `json:"name" gorm:"type:varchar(255);not null;uniqueIndex:idx_category_customer_name,priority:2" bson:"name"`
	Description string    `json:"description" gorm:"type:text" bson:"description"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// TableName specifies the table name for Category
func (Category) TableName() string {
	return "categories"
}
