// Package network models device connectivity as seen by the resilience
// layer. The platform-specific reachability probe is an external input; apps
// feed its transitions into a Notifier, and the connection manager consumes
// them through the Monitor interface.
package network

import (
	"sync"
)

// Status is a connectivity-change event.
type Status struct {
	// Connected reports whether the network is reachable at all.
	Connected bool

	// Slow reports a coarse "usable but degraded" classification.
	Slow bool
}

// Quality is the derived connectivity classification. It drives the polling
// fallback interval: good shrinks it toward the floor, poor and offline grow
// it toward the ceiling.
type Quality int

const (
	QualityGood Quality = iota
	QualityPoor
	QualityOffline
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Quality classifies the status.
func (s Status) Quality() Quality {
	switch {
	case !s.Connected:
		return QualityOffline
	case s.Slow:
		return QualityPoor
	default:
		return QualityGood
	}
}

// Monitor delivers connectivity transitions to a subscriber. The callback is
// invoked once with the current status on subscription, then on every
// transition, until the returned unsubscribe function is called.
type Monitor interface {
	Subscribe(fn func(Status)) (unsubscribe func())
}

// Notifier is a fan-out Monitor implementation. Applications publish
// reachability transitions into it from whatever platform API they have;
// tests drive it directly.
type Notifier struct {
	mu      sync.Mutex
	current Status
	subs    map[int]func(Status)
	nextID  int
}

// NewNotifier returns a Notifier with an optimistic initial status
// (connected, not slow).
func NewNotifier() *Notifier {
	return &Notifier{
		current: Status{Connected: true},
		subs:    make(map[int]func(Status)),
	}
}

var _ Monitor = (*Notifier)(nil)

// Subscribe implements Monitor. The callback observes the current status
// synchronously before Subscribe returns.
func (n *Notifier) Subscribe(fn func(Status)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	current := n.current
	n.mu.Unlock()

	fn(current)

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Current returns the most recently published status.
func (n *Notifier) Current() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Publish records a new status and notifies subscribers. Publishing a status
// equal to the current one is a no-op.
func (n *Notifier) Publish(st Status) {
	n.mu.Lock()
	if st == n.current {
		n.mu.Unlock()
		return
	}
	n.current = st
	subs := make([]func(Status), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}
