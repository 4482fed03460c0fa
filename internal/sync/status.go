package sync

import "sync"

// Status is the derived snapshot UI layers bind to. It is a pure
// projection over the connectivity monitor, the manager's in-progress
// flag, and the store's pending count; it is never mutated independently.
type Status struct {
	IsOnline     bool `json:"is_online"`
	IsSyncing    bool `json:"is_syncing"`
	PendingCount int  `json:"pending_count"`
}

// StatusBoard broadcasts Status snapshots to any number of subscribers.
// Rapid successive changes may coalesce into a single notification.
type StatusBoard struct {
	mu      sync.RWMutex
	current Status
	subs    map[int]func(Status)
	nextID  int
}

// NewStatusBoard creates a board seeded with the given snapshot.
func NewStatusBoard(initial Status) *StatusBoard {
	return &StatusBoard{
		current: initial,
		subs:    make(map[int]func(Status)),
	}
}

// Current returns the latest snapshot.
func (b *StatusBoard) Current() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Update atomically mutates the snapshot and notifies subscribers if it
// changed. The mutate func runs under the board lock and must not block.
func (b *StatusBoard) Update(mutate func(*Status)) {
	b.mu.Lock()
	next := b.current
	mutate(&next)
	if b.current == next {
		b.mu.Unlock()
		return
	}
	b.current = next
	callbacks := make([]func(Status), 0, len(b.subs))
	for _, cb := range b.subs {
		callbacks = append(callbacks, cb)
	}
	b.mu.Unlock()

	for _, cb := range callbacks {
		cb(next)
	}
}

// Subscribe registers a callback fired on any snapshot change and returns
// an unsubscribe func.
func (b *StatusBoard) Subscribe(cb func(Status)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = cb
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
