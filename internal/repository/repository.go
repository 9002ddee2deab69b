package repository

import (
	"gorm.io/gorm"
)

// Repository implements Store on top of gorm
type Repository struct {
	db *gorm.DB
}

var _ Store = (*Repository)(nil)

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func offset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}
