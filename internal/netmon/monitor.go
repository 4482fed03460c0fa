// Package netmon tracks network reachability as reported by the host
// platform and notifies subscribers on transitions.
//
// The monitor performs no probing of its own: reachability is taken at face
// value from whatever feeds SetOnline. A false "online" signal only costs a
// delivery attempt that fails and retries normally, so correctness is
// preserved and only latency suffers.
package netmon

import "sync"

// Monitor holds the current online flag and a set of transition subscribers.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(initiallyOnline bool) *Monitor {
	return &Monitor{
		online: initiallyOnline,
		subs:   make(map[int]func(bool)),
	}
}

// IsOnline returns the current reachability flag.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a reachability report from the platform. Subscribers are
// notified only when the flag actually transitions.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	callbacks := make([]func(bool), 0, len(m.subs))
	for _, cb := range m.subs {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()

	// Callbacks run outside the lock so they may call back into the monitor.
	for _, cb := range callbacks {
		cb(online)
	}
}

// Subscribe registers a transition callback and returns an unsubscribe func.
func (m *Monitor) Subscribe(cb func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
