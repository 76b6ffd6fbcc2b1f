// Package netmon tracks online/offline transitions. The signal is a hint:
// it reflects the platform's connectivity state, not server reachability,
// and a flip can be missed entirely across a process restart. Consumers
// must keep their own safety nets (the mutation queue drains on start and
// on a timer regardless of flips).
package netmon

import "sync"

//go:generate moq -out monitor_mock.go . Monitor

// Monitor exposes a cheap synchronous online predicate plus change
// notifications. Listeners are fire-and-forget: they must not block, and
// a panicking listener does not stop the others from being notified.
type Monitor interface {
	// Online reports the last observed connectivity state.
	Online() bool

	// Subscribe registers fn to be called on every connectivity flip
	// with the new state. The returned function unsubscribes.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Manual is a Monitor whose state is set explicitly. It is the building
// block for Probe and the monitor of choice in tests and in environments
// where the host app pushes connectivity events down (mobile shells).
type Manual struct {
	mu        sync.Mutex
	listeners map[int]func(bool)
	nextID    int
	online    bool
}

var _ Monitor = (*Manual)(nil)

// NewManual creates a Manual monitor with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{
		listeners: make(map[int]func(bool)),
		online:    online,
	}
}

// Online reports the current state.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the new state and, if it flipped, notifies listeners.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		notify(fn, online)
	}
}

// Subscribe registers fn for flip notifications.
func (m *Manual) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// notify shields the fan-out from a panicking listener.
func notify(fn func(bool), online bool) {
	defer func() {
		_ = recover()
	}()
	fn(online)
}
