// Package poll implements the pull-based fallback for live subscriptions: it
// re-issues a query on an interval, diffs each result set against the
// previous one, and forwards only real changes to the caller.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/liveq-labs/resilient/pkg/logger"
	"github.com/liveq-labs/resilient/pkg/store"
)

// fetchTimeout bounds a single one-shot fetch. A fetch that outlives it is
// reported as an error on that tick; the loop keeps going.
const fetchTimeout = 30 * time.Second

// Engine runs polling loops for any number of subscriptions, keyed by the
// subscription id.
type Engine struct {
	client store.Client
	log    logger.Logger

	mu    sync.Mutex
	loops map[string]*loop
}

type loop struct {
	id      string
	query   store.Query
	onNext  func(store.Snapshot)
	onErr   func(error)
	onFetch func()

	mu        sync.Mutex
	interval  time.Duration
	last      store.Snapshot
	delivered bool
	stopped   bool

	stopCh chan struct{}
}

// NewEngine returns an Engine that fetches through the given client.
func NewEngine(client store.Client, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		client: client,
		log:    log,
		loops:  make(map[string]*loop),
	}
}

// Start begins polling for id. The first fetch happens immediately and its
// result is always delivered; subsequent ticks deliver only when the result
// set changed. Fetch errors go to onErr and never stop the loop. onFetch, if
// non-nil, fires on every successful fetch regardless of change, so callers
// can track data freshness.
//
// Starting an id that is already polling restarts its loop. The returned
// function is equivalent to Stop(id).
func (e *Engine) Start(
	id string,
	q store.Query,
	onNext func(store.Snapshot),
	onErr func(error),
	interval time.Duration,
	onFetch func(),
) (stop func()) {
	l := &loop{
		id:       id,
		query:    q,
		onNext:   onNext,
		onErr:    onErr,
		onFetch:  onFetch,
		interval: interval,
		stopCh:   make(chan struct{}),
	}

	e.mu.Lock()
	if prev, ok := e.loops[id]; ok {
		prev.markStopped()
	}
	e.loops[id] = l
	e.mu.Unlock()

	e.log.Debug("polling started", "id", id, "interval", interval)

	go e.run(l)

	return func() { e.Stop(id) }
}

// Stop cancels the polling loop for id and discards its cached snapshot.
// Unknown ids and repeated calls are no-ops.
func (e *Engine) Stop(id string) {
	e.mu.Lock()
	l, ok := e.loops[id]
	if ok {
		delete(e.loops, id)
	}
	e.mu.Unlock()

	if ok {
		l.markStopped()
		e.log.Debug("polling stopped", "id", id)
	}
}

// StopAll cancels every tracked polling loop.
func (e *Engine) StopAll() {
	e.mu.Lock()
	loops := e.loops
	e.loops = make(map[string]*loop)
	e.mu.Unlock()

	for id, l := range loops {
		l.markStopped()
		e.log.Debug("polling stopped", "id", id)
	}
}

// SetInterval adjusts the polling interval for id, taking effect from the
// next tick. Unknown ids are ignored.
func (e *Engine) SetInterval(id string, interval time.Duration) {
	e.mu.Lock()
	l, ok := e.loops[id]
	e.mu.Unlock()

	if !ok {
		return
	}
	l.mu.Lock()
	l.interval = interval
	l.mu.Unlock()

	e.log.Debug("polling interval updated", "id", id, "interval", interval)
}

// Active reports whether a polling loop is currently tracked for id.
func (e *Engine) Active(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loops[id]
	return ok
}

func (e *Engine) run(l *loop) {
	e.tick(l)

	for {
		timer := time.NewTimer(l.currentInterval())
		select {
		case <-l.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		e.tick(l)
	}
}

func (e *Engine) tick(l *loop) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	snap, err := e.client.Fetch(ctx, l.query)
	cancel()

	// A fetch dispatched before Stop may resolve after it; its result must
	// not reach the caller.
	if l.isStopped() {
		return
	}

	if err != nil {
		e.log.Debug("polling fetch failed", "id", l.id, "error", err)
		if l.onErr != nil {
			l.onErr(err)
		}
		return
	}

	if l.onFetch != nil {
		l.onFetch()
	}

	l.mu.Lock()
	changed := !l.delivered || !snap.Equal(l.last)
	if changed {
		l.delivered = true
		l.last = snap
	}
	l.mu.Unlock()

	if changed {
		l.onNext(snap)
	}
}

func (l *loop) currentInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

func (l *loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *loop) markStopped() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	close(l.stopCh)
}
