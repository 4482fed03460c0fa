// Package models provides data model definitions for the Festivo offline core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ActionID is a wrapper around string for queued action identifiers.
// IDs embed the enqueue timestamp so lexicographic order roughly matches
// chronological order without a separate index.
type ActionID string

// Value implements driver.Valuer for ActionID.
func (a ActionID) Value() (driver.Value, error) {
	return string(a), nil
}

// Scan implements sql.Scanner for ActionID.
func (a *ActionID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*a = ""
	case string:
		*a = ActionID(v)
	case []byte:
		*a = ActionID(v)
	default:
		return fmt.Errorf("cannot scan %T into ActionID", value)
	}
	return nil
}

// String returns the string representation of the ActionID.
func (a ActionID) String() string {
	return string(a)
}

// ActionKind identifies which remote mutation a queued action represents.
// The sync core treats it purely as a dispatch key for endpoint resolution.
type ActionKind string

const (
	ActionLike          ActionKind = "like"
	ActionComment       ActionKind = "comment"
	ActionStory         ActionKind = "story"
	ActionFollow        ActionKind = "follow"
	ActionCommunityPost ActionKind = "community_post"
)

// ActionStatus represents the delivery state of a queued action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionSyncing   ActionStatus = "syncing"
	ActionFailed    ActionStatus = "failed"
	ActionCompleted ActionStatus = "completed"
)

// QueuedAction represents a pending mutation awaiting delivery to the remote API.
type QueuedAction struct {
	ID          ActionID        `db:"id" json:"id"`
	Kind        ActionKind      `db:"kind" json:"kind"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      ActionStatus    `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"` // unix millis, 0 = no backoff
	CreatedAt   int64           `db:"created_at" json:"created_at"`       // unix millis
	LastAttempt int64           `db:"last_attempt" json:"last_attempt,omitempty"`
	Error       string          `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for QueuedAction.
func (QueuedAction) TableName() string {
	return "action_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (q *QueuedAction) CreatedAtTime() time.Time {
	return time.UnixMilli(q.CreatedAt)
}

// LastAttemptTime returns the LastAttempt as time.Time (zero if never attempted).
func (q *QueuedAction) LastAttemptTime() time.Time {
	if q.LastAttempt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(q.LastAttempt)
}

// RetriesExhausted reports whether the retry budget is used up.
func (q *QueuedAction) RetriesExhausted() bool {
	return q.RetryCount >= q.MaxRetries
}
