package resilient

import (
	"github.com/liveq-labs/resilient/pkg/network"
)

// ConnectionState is the unified connection-state value broadcast to
// observers. It folds network reachability and the manager's own health into
// one snapshot; Connected is never true while Offline is true.
type ConnectionState struct {
	// Connected reports that the network is reachable and the manager
	// believes data can flow.
	Connected bool

	// Reconnecting reports that the manager is actively driving listeners
	// back toward live delivery.
	Reconnecting bool

	// Offline mirrors the network observer's reachability signal.
	Offline bool

	// SlowConnection mirrors the network observer's degraded-link signal.
	SlowConnection bool

	// LastError is the most recent live-listener or fetch error, nil once a
	// snapshot has been delivered again.
	LastError error

	// ReconnectAttempts counts recovery rounds (manual ReconnectAll calls
	// and offline-to-online transitions).
	ReconnectAttempts int

	// NetworkStatus is the coarse connectivity classification.
	NetworkStatus network.Quality
}

// ConnectionState returns a snapshot copy of the current broadcast state.
func (m *Manager) ConnectionState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnConnectionStateChange registers an observer for state transitions. The
// observer set has no ordering guarantee; callbacks may run synchronously on
// the next transition. The returned function removes the observer.
func (m *Manager) OnConnectionStateChange(fn func(ConnectionState)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextStateSub
	m.nextStateSub++
	m.stateSubs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.stateSubs, id)
		m.mu.Unlock()
	}
}

// broadcast delivers a state snapshot to every observer. A panicking
// observer is isolated so it cannot break delivery to the others.
func (m *Manager) broadcast(st ConnectionState) {
	m.mu.Lock()
	fns := make([]func(ConnectionState), 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		m.notifyOne(fn, st)
	}
}

func (m *Manager) notifyOne(fn func(ConnectionState), st ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("connection state observer panicked", "panic", r)
		}
	}()
	fn(st)
}
