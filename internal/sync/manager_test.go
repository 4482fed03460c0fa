package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/kimhsiao/festivo/internal/db"
	apperrors "github.com/kimhsiao/festivo/internal/errors"
	"github.com/kimhsiao/festivo/internal/models"
	"github.com/kimhsiao/festivo/internal/netmon"
)

// stubDeliverer is a programmable in-memory Deliverer.
type stubDeliverer struct {
	mu        stdsync.Mutex
	fail      func(a *models.QueuedAction) error
	delivered []models.ActionID
	attempts  int
	notify    chan struct{}
}

func (s *stubDeliverer) Deliver(ctx context.Context, a *models.QueuedAction, authToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.fail != nil {
		if err := s.fail(a); err != nil {
			return err
		}
	}
	s.delivered = append(s.delivered, a.ID)
	if s.notify != nil {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *stubDeliverer) deliveredIDs() []models.ActionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ActionID(nil), s.delivered...)
}

func (s *stubDeliverer) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

type managerFixture struct {
	store     *db.Store
	deliverer *stubDeliverer
	monitor   *netmon.Monitor
	manager   *Manager
}

// newFixture wires a manager against an in-memory store with immediate
// retries and no scheduler, starting offline so nothing runs until a test
// asks for it.
func newFixture(t *testing.T) *managerFixture {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	if err := db.NewMigrator(conn).Up(); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	store := db.NewStore(conn)
	t.Cleanup(func() { store.Close() })

	deliverer := &stubDeliverer{}
	monitor := netmon.NewMonitor(false)
	manager := NewManager(store, deliverer, monitor, &Config{
		MaxRetries:  3,
		BackoffBase: 0,
	})
	t.Cleanup(manager.Stop)

	return &managerFixture{store: store, deliverer: deliverer, monitor: monitor, manager: manager}
}

func (f *managerFixture) forceSync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.manager.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
}

func TestEnqueueIsDurableWhileOffline(t *testing.T) {
	f := newFixture(t)

	id, err := f.manager.Enqueue(models.ActionLike, json.RawMessage(`{"storyId":"s1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	action, err := f.store.GetAction(id)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if action.Status != models.ActionPending {
		t.Errorf("expected pending, got %s", action.Status)
	}
	if f.deliverer.attemptCount() != 0 {
		t.Errorf("offline enqueue must not attempt delivery, got %d attempts", f.deliverer.attemptCount())
	}
	if got := f.manager.Status().PendingCount; got != 1 {
		t.Errorf("expected pending count 1, got %d", got)
	}
}

func TestSyncDeliversInOrderAndDeletes(t *testing.T) {
	f := newFixture(t)

	var ids []models.ActionID
	for _, story := range []string{"s1", "s2", "s3"} {
		id, err := f.manager.Enqueue(models.ActionLike, json.RawMessage(`{"storyId":"`+story+`"}`))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	f.forceSync(t)

	delivered := f.deliverer.deliveredIDs()
	if len(delivered) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(delivered))
	}
	for i := range ids {
		if delivered[i] != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], delivered[i])
		}
	}

	count, err := f.store.GetActionCount("")
	if err != nil {
		t.Fatalf("GetActionCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("delivered actions must be removed, %d remain", count)
	}
	if got := f.manager.Status().PendingCount; got != 0 {
		t.Errorf("expected pending count 0 after sync, got %d", got)
	}
}

func TestFailedDeliveryReturnsToPendingWithBudget(t *testing.T) {
	f := newFixture(t)
	f.deliverer.fail = func(*models.QueuedAction) error {
		return &DeliveryError{Kind: models.ActionLike, StatusCode: 500}
	}

	id, err := f.manager.Enqueue(models.ActionLike, json.RawMessage(`{"storyId":"s1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	f.forceSync(t)

	action, err := f.store.GetAction(id)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if action.Status != models.ActionPending {
		t.Errorf("expected action back in pending, got %s", action.Status)
	}
	if action.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", action.RetryCount)
	}
	if action.Error == "" {
		t.Error("expected failure description recorded")
	}
}

func TestRetryCeilingMakesActionTerminal(t *testing.T) {
	f := newFixture(t)
	f.deliverer.fail = func(*models.QueuedAction) error {
		return &DeliveryError{Kind: models.ActionLike, StatusCode: 500}
	}

	id, err := f.manager.Enqueue(models.ActionLike, json.RawMessage(`{"storyId":"s1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		f.forceSync(t)
	}

	action, err := f.store.GetAction(id)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if action.Status != models.ActionFailed {
		t.Errorf("expected terminal failed, got %s", action.Status)
	}
	if action.RetryCount != 3 {
		t.Errorf("expected retry count 3, got %d", action.RetryCount)
	}

	// Further passes must leave terminal actions alone.
	f.forceSync(t)
	if f.deliverer.attemptCount() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", f.deliverer.attemptCount())
	}
}

func TestBatchContinuesPastFailingAction(t *testing.T) {
	f := newFixture(t)
	f.deliverer.fail = func(a *models.QueuedAction) error {
		var p struct {
			StoryID string `json:"storyId"`
		}
		json.Unmarshal(a.Payload, &p)
		if p.StoryID == "s2" {
			return &DeliveryError{Kind: a.Kind, StatusCode: 500}
		}
		return nil
	}

	var ids []models.ActionID
	for _, story := range []string{"s1", "s2", "s3"} {
		id, err := f.manager.Enqueue(models.ActionLike, json.RawMessage(`{"storyId":"`+story+`"}`))
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	f.forceSync(t)

	if delivered := f.deliverer.deliveredIDs(); len(delivered) != 2 {
		t.Errorf("expected 2 deliveries, got %d", len(delivered))
	}

	remaining, err := f.store.ListActions()
	if err != nil {
		t.Fatalf("ListActions failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != ids[1] {
		t.Fatalf("expected only the failing action to remain, got %d", len(remaining))
	}
	if remaining[0].Status != models.ActionPending || remaining[0].RetryCount != 1 {
		t.Errorf("expected pending with retry 1, got %s/%d", remaining[0].Status, remaining[0].RetryCount)
	}
}

func TestConfigurationErrorRetiresWithoutBudget(t *testing.T) {
	f := newFixture(t)
	f.deliverer.fail = func(a *models.QueuedAction) error {
		return apperrors.New(apperrors.ErrConfiguration, "no endpoint registered")
	}

	id, err := f.manager.Enqueue(models.ActionLike, json.RawMessage(`{"storyId":"s1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	f.forceSync(t)

	action, err := f.store.GetAction(id)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if action.Status != models.ActionFailed {
		t.Errorf("expected terminal failed, got %s", action.Status)
	}
	if action.RetryCount != 0 {
		t.Errorf("configuration failure must not consume retry budget, got %d", action.RetryCount)
	}

	// Retired actions are never picked up again.
	f.forceSync(t)
	if f.deliverer.attemptCount() != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", f.deliverer.attemptCount())
	}
}

func TestConnectivityRestoredTriggersSync(t *testing.T) {
	f := newFixture(t)
	f.deliverer.notify = make(chan struct{}, 1)

	if _, err := f.manager.Enqueue(models.ActionLike, json.RawMessage(`{"storyId":"s1"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	f.monitor.SetOnline(true)

	select {
	case <-f.deliverer.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("expected delivery after connectivity restored")
	}

	if !f.manager.Status().IsOnline {
		t.Error("expected snapshot to reflect online state")
	}
}

func TestForceSyncBypassesBackoff(t *testing.T) {
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	if err := db.NewMigrator(conn).Up(); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	store := db.NewStore(conn)
	t.Cleanup(func() { store.Close() })

	failures := 0
	deliverer := &stubDeliverer{fail: func(*models.QueuedAction) error {
		if failures == 0 {
			failures++
			return &DeliveryError{Kind: models.ActionLike, StatusCode: 500}
		}
		return nil
	}}
	manager := NewManager(store, deliverer, netmon.NewMonitor(false), &Config{
		MaxRetries:  3,
		BackoffBase: time.Hour,
	})
	t.Cleanup(manager.Stop)

	id, err := manager.Enqueue(models.ActionLike, json.RawMessage(`{"storyId":"s1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First pass fails; the retry deadline is an hour out.
	if err := manager.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync failed: %v", err)
	}
	action, err := store.GetAction(id)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if action.NextRetryAt <= time.Now().UnixMilli() {
		t.Fatalf("expected future retry deadline, got %d", action.NextRetryAt)
	}

	// A forced pass ignores the deadline and delivers.
	if err := manager.ForceSync(ctx); err != nil {
		t.Fatalf("second ForceSync failed: %v", err)
	}
	if _, err := store.GetAction(id); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected action delivered and removed, got %v", err)
	}
}

func TestStartRecoversInFlightActions(t *testing.T) {
	f := newFixture(t)

	id, err := f.manager.Enqueue(models.ActionLike, json.RawMessage(`{"storyId":"s1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Simulate a crash mid-delivery.
	if _, err := f.store.UpdateActionStatus(id, models.ActionSyncing, ""); err != nil {
		t.Fatalf("UpdateActionStatus failed: %v", err)
	}

	if err := f.manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	action, err := f.store.GetAction(id)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if action.Status != models.ActionPending {
		t.Errorf("expected in-flight action reset to pending, got %s", action.Status)
	}
}

func TestRetryFailedRequeuesTerminalActions(t *testing.T) {
	f := newFixture(t)
	f.deliverer.fail = func(*models.QueuedAction) error {
		return &DeliveryError{Kind: models.ActionLike, StatusCode: 500}
	}

	id, err := f.manager.Enqueue(models.ActionLike, json.RawMessage(`{"storyId":"s1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.forceSync(t)
	}

	f.deliverer.mu.Lock()
	f.deliverer.fail = nil
	f.deliverer.mu.Unlock()

	n, err := f.manager.RetryFailed()
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 action requeued, got %d", n)
	}

	f.forceSync(t)
	if _, err := f.store.GetAction(id); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected action delivered after manual retry, got %v", err)
	}
}

func TestStatusEventsDuringPass(t *testing.T) {
	f := newFixture(t)

	var mu stdsync.Mutex
	sawSyncing := false
	f.manager.SubscribeStatus(func(s Status) {
		mu.Lock()
		if s.IsSyncing {
			sawSyncing = true
		}
		mu.Unlock()
	})

	if _, err := f.manager.Enqueue(models.ActionLike, json.RawMessage(`{"storyId":"s1"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	f.forceSync(t)

	mu.Lock()
	defer mu.Unlock()
	if !sawSyncing {
		t.Error("expected a snapshot with is_syncing=true during the pass")
	}

	final := f.manager.Status()
	if final.IsSyncing {
		t.Error("expected is_syncing cleared after the pass")
	}
	if final.PendingCount != 0 {
		t.Errorf("expected pending count 0, got %d", final.PendingCount)
	}
}
