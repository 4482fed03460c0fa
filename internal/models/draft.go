// Package models provides data model definitions for the Festivo offline core.
package models

import (
	"encoding/json"
	"time"
)

// Draft is user-composed content saved locally before submission.
// Overwrite on save, delete on commit. Drafts never enter the sync queue.
type Draft struct {
	ID      string          `db:"id" json:"id"`
	Content json.RawMessage `db:"content" json:"content"`
	SavedAt int64           `db:"saved_at" json:"saved_at"` // unix millis
}

// TableName returns the table name for Draft.
func (Draft) TableName() string {
	return "drafts"
}

// SavedAtTime returns the SavedAt as time.Time.
func (d *Draft) SavedAtTime() time.Time {
	return time.UnixMilli(d.SavedAt)
}
