package sync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/festivo/internal/db"
	apperrors "github.com/kimhsiao/festivo/internal/errors"
	"github.com/kimhsiao/festivo/internal/logging"
	"github.com/kimhsiao/festivo/internal/models"
	"github.com/kimhsiao/festivo/internal/netmon"
)

// EventSink receives pass lifecycle events, typically for a realtime feed
// to UI clients. All methods must be non-blocking.
type EventSink interface {
	SyncStarted()
	SyncCompleted(delivered, failed int)
	SyncFailed(err error)
}

// Config holds sync manager tuning knobs.
type Config struct {
	MaxRetries   int           // retry ceiling per action (default: 3)
	BackoffBase  time.Duration // first retry delay, doubled per retry (default: 1 minute; 0 retries immediately)
	BackoffCap   time.Duration // upper bound on retry delay (default: 1 hour)
	SyncInterval time.Duration // periodic pass interval while online (default: 1 minute; 0 disables)
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		BackoffBase:  time.Minute,
		BackoffCap:   time.Hour,
		SyncInterval: time.Minute,
	}
}

// Manager converts queued actions into confirmed remote state. It wakes on
// connectivity-restored and timer events, drains pending actions in
// created_at order, applies the retry state machine, and republishes the
// status snapshot. The manager holds no copy of queue state: it always
// re-reads from the store before acting.
type Manager struct {
	store     *db.Store
	deliverer Deliverer
	monitor   *netmon.Monitor
	board     *StatusBoard
	cfg       Config

	mu         sync.Mutex
	authToken  string
	sink       EventSink
	inProgress bool
	rerun      bool
	rerunAll   bool // queued rerun should bypass the backoff gate
	waiters    []chan error

	unsubscribe func()
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewManager creates a Manager wired to the store, deliverer, and monitor.
func NewManager(store *db.Store, deliverer Deliverer, monitor *netmon.Monitor, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	m := &Manager{
		store:     store,
		deliverer: deliverer,
		monitor:   monitor,
		board:     NewStatusBoard(Status{IsOnline: monitor.IsOnline()}),
		cfg:       *cfg,
		stopCh:    make(chan struct{}),
	}

	m.unsubscribe = monitor.Subscribe(func(online bool) {
		m.updateBoard(func(s *Status) { s.IsOnline = online })
		if online {
			m.TriggerSync()
		}
	})

	return m
}

// Start recovers crash-interrupted state and launches the periodic
// scheduler. An action left in syncing by a previous process is an attempt
// with unknown outcome; it goes back to pending rather than sticking
// forever (at-least-once delivery, so a duplicate attempt is acceptable).
func (m *Manager) Start() error {
	reset, err := m.store.ResetSyncing()
	if err != nil {
		return err
	}
	if reset > 0 {
		logging.Warn("reset in-flight actions from previous run", logrus.Fields{"count": reset})
	}

	if err := m.refreshPending(); err != nil {
		return err
	}

	if m.cfg.SyncInterval > 0 {
		m.wg.Add(1)
		go m.schedulerLoop()
	}

	return nil
}

// Stop halts the scheduler and detaches from the connectivity monitor.
// An in-flight pass is not interrupted.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.unsubscribe()
	m.wg.Wait()
}

// SetEventSink attaches a pass lifecycle listener.
func (m *Manager) SetEventSink(sink EventSink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// SetAuthToken updates the credentials used for subsequent delivery
// attempts. Pass "" to clear. Takes effect on the next delivery without a
// restart.
func (m *Manager) SetAuthToken(token string) {
	m.mu.Lock()
	m.authToken = token
	m.mu.Unlock()
}

func (m *Manager) token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authToken
}

func (m *Manager) eventSink() EventSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	return m.board.Current()
}

// SubscribeStatus registers a snapshot-change callback and returns an
// unsubscribe func. Rapid changes may coalesce.
func (m *Manager) SubscribeStatus(cb func(Status)) func() {
	return m.board.Subscribe(cb)
}

// Enqueue persists a new action locally. It always succeeds regardless of
// connectivity (storage permitting); when online it also kicks off a pass.
func (m *Manager) Enqueue(kind models.ActionKind, payload []byte) (models.ActionID, error) {
	id, err := m.store.AddAction(kind, payload, m.cfg.MaxRetries)
	if err != nil {
		return "", err
	}

	if err := m.refreshPending(); err != nil {
		logging.Error("failed to refresh pending count", err, logrus.Fields{"action_id": id})
	}

	logging.Debug("action enqueued", logrus.Fields{"action_id": id, "kind": kind})

	if m.monitor.IsOnline() {
		m.TriggerSync()
	}
	return id, nil
}

// TriggerSync requests an asynchronous pass. If one is already in flight it
// coalesces: the in-flight pass reruns once after it drains.
func (m *Manager) TriggerSync() {
	m.request(false, nil)
}

// ForceSync runs a pass that ignores per-action backoff deadlines and waits
// for the triggered pass (or the currently in-flight one) to complete. The
// ctx bounds only the wait, not the pass itself; there is no mid-action
// cancellation.
func (m *Manager) ForceSync(ctx context.Context) error {
	done := make(chan error, 1)
	m.request(true, done)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryFailed resets terminally failed actions to pending and triggers a
// pass. This is the manual recovery path surfaced to the user.
func (m *Manager) RetryFailed() (int64, error) {
	n, err := m.store.RetryFailed()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := m.refreshPending(); err != nil {
			return n, err
		}
		m.TriggerSync()
	}
	return n, nil
}

// request starts a pass or coalesces into the in-flight one. done, if
// non-nil, receives the outcome of the pass covering this request.
func (m *Manager) request(ignoreBackoff bool, done chan error) {
	m.mu.Lock()
	if done != nil {
		m.waiters = append(m.waiters, done)
	}
	if m.inProgress {
		m.rerun = true
		if ignoreBackoff {
			m.rerunAll = true
		}
		m.mu.Unlock()
		return
	}
	m.inProgress = true
	m.mu.Unlock()

	go m.loop(ignoreBackoff)
}

// loop runs passes until no rerun is queued. Guarded by inProgress, so at
// most one loop exists per manager; no two passes ever overlap.
func (m *Manager) loop(ignoreBackoff bool) {
	for {
		err := m.pass(context.Background(), ignoreBackoff)

		m.mu.Lock()
		waiters := m.waiters
		m.waiters = nil
		again := m.rerun
		ignoreBackoff = m.rerunAll
		m.rerun = false
		m.rerunAll = false
		if !again {
			m.inProgress = false
		}
		m.mu.Unlock()

		for _, w := range waiters {
			w <- err
		}
		if !again {
			return
		}
	}
}

// pass drains the queue once, sequentially in created_at order. Per-action
// delivery failures never abort the batch; only a storage failure does.
func (m *Manager) pass(ctx context.Context, ignoreBackoff bool) (err error) {
	m.updateBoard(func(s *Status) { s.IsSyncing = true })
	if sink := m.eventSink(); sink != nil {
		sink.SyncStarted()
	}

	var delivered, failed int
	defer func() {
		if refreshErr := m.refreshPending(); refreshErr != nil && err == nil {
			err = refreshErr
		}
		m.updateBoard(func(s *Status) { s.IsSyncing = false })

		sink := m.eventSink()
		if err != nil {
			logging.Error("sync pass aborted", err, logrus.Fields{"delivered": delivered, "failed": failed})
			if sink != nil {
				sink.SyncFailed(err)
			}
		} else {
			logging.Info("sync pass completed", logrus.Fields{"delivered": delivered, "failed": failed})
			if sink != nil {
				sink.SyncCompleted(delivered, failed)
			}
		}
	}()

	var actions []*models.QueuedAction
	if ignoreBackoff {
		actions, err = m.store.GetPendingActions()
	} else {
		actions, err = m.store.GetReadyActions(time.Now().UnixMilli())
	}
	if err != nil {
		return err
	}

	for _, action := range actions {
		// Claim the action before delivering so a concurrent pass could
		// never pick it up, and so a crash mid-delivery is detectable.
		claimed, err := m.store.UpdateActionStatus(action.ID, models.ActionSyncing, "")
		if err != nil {
			return err
		}
		if claimed == nil {
			continue // deleted underneath us
		}

		deliverErr := m.deliverer.Deliver(ctx, claimed, m.token())
		if deliverErr == nil {
			if err := m.store.DeleteAction(action.ID); err != nil {
				return err
			}
			delivered++
			continue
		}

		failed++
		if apperrors.Is(deliverErr, apperrors.ErrConfiguration) {
			// Unroutable action: retrying cannot help, retire immediately.
			logging.Error("action unroutable, retiring", deliverErr, logrus.Fields{"action_id": action.ID, "kind": action.Kind})
			if err := m.store.RetireAction(action.ID, deliverErr.Error()); err != nil {
				return err
			}
			continue
		}

		updated, err := m.store.UpdateActionStatus(action.ID, models.ActionFailed, deliverErr.Error())
		if err != nil {
			return err
		}
		if updated == nil {
			continue
		}

		if updated.RetriesExhausted() {
			logging.Warn("action failed permanently", logrus.Fields{
				"action_id": action.ID, "kind": action.Kind, "retries": updated.RetryCount,
			})
			continue
		}

		delay := m.backoff(updated.RetryCount)
		if err := m.store.Requeue(action.ID, time.Now().Add(delay).UnixMilli()); err != nil {
			return err
		}
		logging.Debug("action requeued", logrus.Fields{
			"action_id": action.ID, "retry": updated.RetryCount, "delay": delay.String(),
		})
	}

	return nil
}

// backoff returns the delay before retry number retryCount (1-based):
// base doubled per retry, capped.
func (m *Manager) backoff(retryCount int) time.Duration {
	if m.cfg.BackoffBase <= 0 {
		return 0
	}
	delay := m.cfg.BackoffBase << uint(retryCount-1)
	if m.cfg.BackoffCap > 0 && delay > m.cfg.BackoffCap {
		delay = m.cfg.BackoffCap
	}
	return delay
}

// refreshPending recomputes the pending counter from the store.
func (m *Manager) refreshPending() error {
	count, err := m.store.GetActionCount(models.ActionPending)
	if err != nil {
		return err
	}
	m.updateBoard(func(s *Status) { s.PendingCount = count })
	return nil
}

func (m *Manager) updateBoard(mutate func(*Status)) {
	m.board.Update(mutate)
}

// schedulerLoop triggers periodic passes while online, catching actions
// enqueued between explicit triggers.
func (m *Manager) schedulerLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if !m.monitor.IsOnline() {
				continue
			}
			count, err := m.store.GetActionCount(models.ActionPending)
			if err != nil {
				logging.Error("failed to poll pending count", err, nil)
				continue
			}
			if count > 0 {
				m.TriggerSync()
			}
		}
	}
}
