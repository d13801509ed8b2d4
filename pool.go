package resilient

import (
	"time"
)

// transportMode records which delivery path a pooled entry last used.
type transportMode int

const (
	modeIdle transportMode = iota
	modeLive
	modePolling
)

func (m transportMode) String() string {
	switch m {
	case modeLive:
		return "live"
	case modePolling:
		return "polling"
	case modeIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// connMeta is per-subscription connection metadata kept for observability
// and idle eviction. Entries outlive their subscription until the cleanup
// sweep evicts them.
type connMeta struct {
	id         string
	createdAt  time.Time
	lastActive time.Time
	mode       transportMode
}

func (m *Manager) poolTouchLocked(id string, mode transportMode) {
	meta, ok := m.pool[id]
	if !ok {
		meta = &connMeta{id: id, createdAt: time.Now()}
		m.pool[id] = meta
	}
	meta.mode = mode
	meta.lastActive = time.Now()
}

// cleanupPool evicts pooled entries whose idle age exceeds the configured
// timeout. Runs on the scheduler.
func (m *Manager) cleanupPool() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	for id, meta := range m.pool {
		if time.Since(meta.lastActive) > m.opts.PoolIdleTimeout.Std() {
			delete(m.pool, id)
			m.log.Debug("evicted idle connection metadata", "id", id, "mode", meta.mode.String())
		}
	}
}

// Stats is a point-in-time view of the manager's internals.
type Stats struct {
	ActiveSubscriptions      int
	PollingSubscriptions     int
	PooledConnections        int
	Breaker                  BreakerState
	ConsecutiveNetworkErrors int
}

// Stats returns a snapshot of subscription, pool and breaker counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		PooledConnections:        len(m.pool),
		Breaker:                  m.breaker.State(),
		ConsecutiveNetworkErrors: m.consecutiveNetworkErrors,
	}
	for _, sub := range m.subs {
		if !sub.active {
			continue
		}
		st.ActiveSubscriptions++
		if sub.usingPolling {
			st.PollingSubscriptions++
		}
	}
	return st
}
