// Package models provides data model definitions for the Festivo offline core.
package models

import (
	"encoding/json"
	"time"
)

// CachedEntity is a read-through cache entry for a previously fetched
// server entity (a story, a community, a profile). The payload is opaque
// to the offline core.
type CachedEntity struct {
	ID       string          `db:"id" json:"id"`
	Data     json.RawMessage `db:"data" json:"data"`
	CachedAt int64           `db:"cached_at" json:"cached_at"` // unix millis
}

// TableName returns the table name for CachedEntity.
func (CachedEntity) TableName() string {
	return "entity_cache"
}

// CachedAtTime returns the CachedAt as time.Time.
func (c *CachedEntity) CachedAtTime() time.Time {
	return time.UnixMilli(c.CachedAt)
}

// Age returns how long ago the entity was cached.
func (c *CachedEntity) Age(now time.Time) time.Duration {
	return now.Sub(c.CachedAtTime())
}
