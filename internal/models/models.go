// Package models holds the persisted entities of the tab payment engine.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base carries the string UUID primary key and timestamps shared by every
// entity.
type Base struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// All lists every model for migration.
func All() []interface{} {
	return []interface{}{
		&Store{},
		&Tab{},
		&TabItem{},
		&Payment{},
		&Settlement{},
		&Refund{},
	}
}
