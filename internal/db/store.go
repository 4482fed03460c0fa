// Package db provides CRUD operations over the three offline collections:
// the action queue, the entity cache, and drafts.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/festivo/internal/errors"
	"github.com/kimhsiao/festivo/internal/models"
	"github.com/kimhsiao/festivo/internal/uuid"
)

// Store provides durable operations for queued actions, cached entities,
// and drafts. Every mutating call is committed before it returns; the sync
// manager may crash right after a call and find the new state on restart.
type Store struct {
	db *sql.DB

	// Prepared statement cache for hot queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// newActionID builds an id that sorts roughly by creation time: the enqueue
// timestamp in millis plus a random suffix against same-millisecond collisions.
func newActionID(now int64) models.ActionID {
	return models.ActionID(fmt.Sprintf("act_%d_%s", now, uuid.Suffix(9)))
}

const actionColumns = `id, kind, payload, status, retry_count, max_retries, next_retry_at, created_at, last_attempt, error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*models.QueuedAction, error) {
	var a models.QueuedAction
	var payload []byte
	err := row.Scan(&a.ID, &a.Kind, &payload, &a.Status, &a.RetryCount,
		&a.MaxRetries, &a.NextRetryAt, &a.CreatedAt, &a.LastAttempt, &a.Error)
	if err != nil {
		return nil, err
	}
	a.Payload = json.RawMessage(payload)
	return &a, nil
}

// =====================================================
// Action Queue Operations
// =====================================================

// AddAction persists a new queued action with status pending and a zero
// retry count, returning its generated id.
func (s *Store) AddAction(kind models.ActionKind, payload json.RawMessage, maxRetries int) (models.ActionID, error) {
	now := time.Now().UnixMilli()
	id := newActionID(now)

	query := `
	INSERT INTO action_queue (id, kind, payload, status, retry_count, max_retries, next_retry_at, created_at, last_attempt, error)
	VALUES (?, ?, ?, ?, 0, ?, 0, ?, 0, '')
	`
	_, err := s.db.Exec(query, id, kind, string(payload), models.ActionPending, maxRetries, now)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorage, "failed to enqueue action", err)
	}
	return id, nil
}

// GetAction retrieves a queued action by id.
// Returns sql.ErrNoRows if the action does not exist.
func (s *Store) GetAction(id models.ActionID) (*models.QueuedAction, error) {
	query := `SELECT ` + actionColumns + ` FROM action_queue WHERE id = ?`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanAction(stmt.QueryRow(id))
}

// GetPendingActions returns all pending actions in created_at order.
func (s *Store) GetPendingActions() ([]*models.QueuedAction, error) {
	return s.queryActions(
		`SELECT `+actionColumns+` FROM action_queue WHERE status = ? ORDER BY created_at`,
		models.ActionPending)
}

// GetReadyActions returns pending actions whose retry backoff has elapsed,
// in created_at order. now is a unix-millis timestamp.
func (s *Store) GetReadyActions(now int64) ([]*models.QueuedAction, error) {
	return s.queryActions(
		`SELECT `+actionColumns+` FROM action_queue WHERE status = ? AND next_retry_at <= ? ORDER BY created_at`,
		models.ActionPending, now)
}

// ListActions returns every queued action regardless of status, in
// created_at order. Hosts use this to surface failed actions for manual
// retry or discard.
func (s *Store) ListActions() ([]*models.QueuedAction, error) {
	return s.queryActions(`SELECT ` + actionColumns + ` FROM action_queue ORDER BY created_at`)
}

func (s *Store) queryActions(query string, args ...interface{}) ([]*models.QueuedAction, error) {
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read action queue", err)
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read action queue", err)
	}
	defer rows.Close()

	var actions []*models.QueuedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan action", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read action queue", err)
	}
	return actions, nil
}

// UpdateActionStatus transitions an action's status in a single transaction:
// it stamps last_attempt, appends the error description if given, and
// increments retry_count only when the new status is failed. Returns the
// updated record, or nil when the id no longer exists (deleted concurrently,
// which is not an error).
func (s *Store) UpdateActionStatus(id models.ActionID, status models.ActionStatus, errMsg string) (*models.QueuedAction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	a, err := scanAction(tx.QueryRow(`SELECT `+actionColumns+` FROM action_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read action", err)
	}

	a.Status = status
	a.LastAttempt = time.Now().UnixMilli()
	if errMsg != "" {
		a.Error = errMsg
	}
	if status == models.ActionFailed {
		a.RetryCount++
	}

	query := `UPDATE action_queue SET status = ?, last_attempt = ?, error = ?, retry_count = ? WHERE id = ?`
	if _, err := tx.Exec(query, a.Status, a.LastAttempt, a.Error, a.RetryCount, a.ID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to update action status", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to commit status update", err)
	}
	return a, nil
}

// Requeue moves a failed action back to pending with the given backoff
// deadline, leaving its retry count intact.
func (s *Store) Requeue(id models.ActionID, nextRetryAt int64) error {
	query := `UPDATE action_queue SET status = ?, next_retry_at = ? WHERE id = ? AND status = ?`
	_, err := s.db.Exec(query, models.ActionPending, nextRetryAt, id, models.ActionFailed)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to requeue action", err)
	}
	return nil
}

// DeleteAction removes an action; deleting a missing id is not an error.
func (s *Store) DeleteAction(id models.ActionID) error {
	if _, err := s.db.Exec(`DELETE FROM action_queue WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete action", err)
	}
	return nil
}

// GetActionCount returns the number of queued actions, optionally filtered
// by status (pass "" for all).
func (s *Store) GetActionCount(status models.ActionStatus) (int, error) {
	var query string
	var args []interface{}
	if status != "" {
		query = `SELECT COUNT(*) FROM action_queue WHERE status = ?`
		args = []interface{}{status}
	} else {
		query = `SELECT COUNT(*) FROM action_queue`
	}

	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to count actions", err)
	}

	var count int
	if err := stmt.QueryRow(args...).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to count actions", err)
	}
	return count, nil
}

// ResetSyncing moves actions stuck in syncing back to pending. Called on
// startup: an action left in syncing means the process died mid-delivery
// and the attempt outcome is unknown.
func (s *Store) ResetSyncing() (int64, error) {
	result, err := s.db.Exec(
		`UPDATE action_queue SET status = ? WHERE status = ?`,
		models.ActionPending, models.ActionSyncing)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to reset in-flight actions", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// RetireAction marks an action terminally failed without touching its
// retry count. Used for configuration failures (unroutable kind), where
// retrying cannot help and burning retry budget would be misleading.
func (s *Store) RetireAction(id models.ActionID, errMsg string) error {
	query := `UPDATE action_queue SET status = ?, last_attempt = ?, error = ? WHERE id = ?`
	_, err := s.db.Exec(query, models.ActionFailed, time.Now().UnixMilli(), errMsg, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to retire action", err)
	}
	return nil
}

// RetryFailed resets all terminally failed actions to pending with a fresh
// retry budget. This is the manual "retry" affordance; it is never invoked
// automatically.
func (s *Store) RetryFailed() (int64, error) {
	query := `UPDATE action_queue SET status = ?, retry_count = 0, next_retry_at = 0, error = '' WHERE status = ?`
	result, err := s.db.Exec(query, models.ActionPending, models.ActionFailed)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to reset failed actions", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// RetryAction resets a single failed action to pending with a fresh retry
// budget. Returns sql.ErrNoRows if the id does not name a failed action.
func (s *Store) RetryAction(id models.ActionID) error {
	query := `UPDATE action_queue SET status = ?, retry_count = 0, next_retry_at = 0, error = '' WHERE id = ? AND status = ?`
	result, err := s.db.Exec(query, models.ActionPending, id, models.ActionFailed)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to reset action", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// =====================================================
// Entity Cache Operations
// =====================================================

// CacheEntity writes or overwrites a cached entity, stamping cached_at.
func (s *Store) CacheEntity(id string, data json.RawMessage) error {
	query := `
	INSERT INTO entity_cache (id, data, cached_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET data = excluded.data, cached_at = excluded.cached_at
	`
	_, err := s.db.Exec(query, id, string(data), time.Now().UnixMilli())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to cache entity", err)
	}
	return nil
}

// GetCachedEntity retrieves a cached entity by id.
// Returns sql.ErrNoRows if absent.
func (s *Store) GetCachedEntity(id string) (*models.CachedEntity, error) {
	stmt, err := s.PrepareStmt(`SELECT id, data, cached_at FROM entity_cache WHERE id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read cache", err)
	}

	var e models.CachedEntity
	var data []byte
	if err := stmt.QueryRow(id).Scan(&e.ID, &data, &e.CachedAt); err != nil {
		return nil, err
	}
	e.Data = json.RawMessage(data)
	return &e, nil
}

// GetAllCachedEntities returns all cached entities, most recent first.
func (s *Store) GetAllCachedEntities() ([]*models.CachedEntity, error) {
	rows, err := s.db.Query(`SELECT id, data, cached_at FROM entity_cache ORDER BY cached_at DESC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read cache", err)
	}
	defer rows.Close()

	var entities []*models.CachedEntity
	for rows.Next() {
		var e models.CachedEntity
		var data []byte
		if err := rows.Scan(&e.ID, &data, &e.CachedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan cache entry", err)
		}
		e.Data = json.RawMessage(data)
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

// PruneCachedEntities keeps only the keepCount most recently cached
// entities, deleting the rest. Returns the number deleted.
func (s *Store) PruneCachedEntities(keepCount int) (int64, error) {
	query := `
	DELETE FROM entity_cache WHERE id NOT IN (
		SELECT id FROM entity_cache ORDER BY cached_at DESC LIMIT ?
	)`
	result, err := s.db.Exec(query, keepCount)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to prune cache", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// =====================================================
// Draft Operations
// =====================================================

// SaveDraft writes or overwrites a draft, stamping saved_at.
func (s *Store) SaveDraft(id string, content json.RawMessage) error {
	query := `
	INSERT INTO drafts (id, content, saved_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET content = excluded.content, saved_at = excluded.saved_at
	`
	_, err := s.db.Exec(query, id, string(content), time.Now().UnixMilli())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to save draft", err)
	}
	return nil
}

// GetDraft retrieves a draft by id.
// Returns sql.ErrNoRows if absent.
func (s *Store) GetDraft(id string) (*models.Draft, error) {
	stmt, err := s.PrepareStmt(`SELECT id, content, saved_at FROM drafts WHERE id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read draft", err)
	}

	var d models.Draft
	var content []byte
	if err := stmt.QueryRow(id).Scan(&d.ID, &content, &d.SavedAt); err != nil {
		return nil, err
	}
	d.Content = json.RawMessage(content)
	return &d, nil
}

// DeleteDraft removes a draft; deleting a missing id is not an error.
func (s *Store) DeleteDraft(id string) error {
	if _, err := s.db.Exec(`DELETE FROM drafts WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete draft", err)
	}
	return nil
}

// ClearAll removes every queued action, cached entity, and draft in one
// transaction. Used on logout.
func (s *Store) ClearAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"action_queue", "entity_cache", "drafts"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to clear "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to commit clear", err)
	}
	return nil
}
