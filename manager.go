package resilient

import (
	"context"
	"sync"
	"time"

	"github.com/liveq-labs/resilient/pkg/logger"
	"github.com/liveq-labs/resilient/pkg/network"
	"github.com/liveq-labs/resilient/pkg/poll"
	"github.com/liveq-labs/resilient/pkg/store"
)

// Manager owns every active subscription and decides, per subscription,
// whether data is delivered by the store's live-listener push path or by the
// polling fallback engine. Callers see one uniform subscription API either
// way.
//
// A Manager is constructed explicitly with New and shut down with Close;
// there is no process-wide singleton.
type Manager struct {
	store   store.Client
	monitor network.Monitor
	log     logger.Logger
	opts    Options

	engine  *poll.Engine
	breaker *circuitBreaker
	sched   *scheduler

	mu           sync.Mutex
	subs         map[string]*subscription
	pool         map[string]*connMeta
	state        ConnectionState
	stateSubs    map[int]func(ConnectionState)
	nextStateSub int

	// Fleet-wide failure signal, shared across all subscriptions: an aborted
	// or network-class failure on one listener is treated as a
	// transport-level symptom, not a per-listener one.
	consecutiveNetworkErrors int
	consecutiveAborted       int
	lastSnapshotAt           time.Time
	lastNetworkErrAt         time.Time

	quality      network.Quality
	pollInterval time.Duration

	stopMonitor func()
	closed      bool
}

// subscription tracks one caller-registered listener.
type subscription struct {
	id      string
	query   store.Query
	onData  func(store.Snapshot)
	onError func(error)

	maxRetries int
	retryDelay time.Duration

	retryCount    int
	active        bool
	lastErr       error
	usingPolling  bool
	networkErrors int
	receivedData  bool

	attachTimer *time.Timer
	retryTimer  *time.Timer
	cancelLive  func()
}

// SubscribeOption overrides per-subscription retry settings.
type SubscribeOption func(*subscription)

// WithMaxRetries overrides the live-listener retry budget for one
// subscription.
func WithMaxRetries(n int) SubscribeOption {
	return func(s *subscription) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryDelay overrides the base delay of the standard backoff for one
// subscription.
func WithRetryDelay(d time.Duration) SubscribeOption {
	return func(s *subscription) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// New constructs a Manager over the given store client and network monitor.
// The monitor may be nil when no reachability signal is available; the
// manager then assumes the network is up and relies on error classification
// alone.
func New(client store.Client, monitor network.Monitor, opts Options) *Manager {
	o := opts.withDefaults()

	m := &Manager{
		store:     client,
		monitor:   monitor,
		log:       o.Logger,
		opts:      o,
		subs:      make(map[string]*subscription),
		pool:      make(map[string]*connMeta),
		stateSubs: make(map[int]func(ConnectionState)),
		state: ConnectionState{
			Connected:     true,
			NetworkStatus: network.QualityGood,
		},
		quality:        network.QualityGood,
		pollInterval:   o.PollInterval.Std(),
		lastSnapshotAt: time.Now(),
	}

	m.engine = poll.NewEngine(client, o.Logger)
	m.breaker = newCircuitBreaker(o.BreakerThreshold, o.BreakerCoolDown.Std())

	m.sched = newScheduler()
	m.sched.every(o.HealthCheckInterval.Std(), m.healthCheck)
	m.sched.every(o.ReconnectInterval.Std(), m.reconnectSweep)
	m.sched.every(o.PoolCleanupInterval.Std(), m.cleanupPool)

	if monitor != nil {
		m.stopMonitor = monitor.Subscribe(m.handleNetworkStatus)
	}

	return m
}

// Subscribe registers a listener for the query. onData receives result-set
// snapshots whichever transport is active underneath; onError (optional)
// fires only on retry exhaustion or polling fetch failures. The returned
// function cancels the subscription and is idempotent.
//
// The id must be unique among active subscriptions. Reusing a live id
// replaces the existing subscription; this is logged as it is almost always
// a caller bug.
func (m *Manager) Subscribe(
	id string,
	q store.Query,
	onData func(store.Snapshot),
	onError func(error),
	opts ...SubscribeOption,
) (unsubscribe func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}

	var cancels []func()
	if prev, ok := m.subs[id]; ok {
		m.log.Warn("subscription id reused, replacing existing subscription", "id", id)
		cancels = append(cancels, m.teardownLocked(prev))
	}

	sub := &subscription{
		id:         id,
		query:      q,
		onData:     onData,
		onError:    onError,
		maxRetries: m.opts.MaxRetries,
		retryDelay: m.opts.RetryDelay.Std(),
		active:     true,
	}
	for _, opt := range opts {
		opt(sub)
	}
	m.subs[id] = sub

	// While the breaker is open the live path is known bad; start straight
	// on polling instead of rediscovering the failure.
	direct := !m.breaker.Allow()
	if direct {
		m.startPollingLocked(sub)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if !direct {
		m.attachLive(sub)
	}

	return func() { m.Unsubscribe(id) }
}

// Unsubscribe cancels the subscription with the given id. Unknown ids and
// repeated calls are no-ops.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	var cancel func()
	if ok {
		cancel = m.teardownLocked(sub)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ok {
		m.log.Debug("unsubscribed", "id", id)
	}
}

// ReconnectAll forces every subscription back onto the live path with its
// retry counters reset. This is the manual "refresh" trigger: it attempts
// live delivery even while the breaker is open, and a successful snapshot
// will close the breaker.
func (m *Manager) ReconnectAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	var cancels []func()
	var attach []*subscription
	for _, sub := range m.subs {
		if sub.usingPolling {
			m.engine.Stop(sub.id)
			sub.usingPolling = false
		}
		cancels = append(cancels, m.detachLiveLocked(sub))
		sub.active = true
		sub.retryCount = 0
		sub.networkErrors = 0
		sub.lastErr = nil
		attach = append(attach, sub)
	}
	m.consecutiveNetworkErrors = 0
	m.consecutiveAborted = 0
	m.state.Reconnecting = true
	m.state.ReconnectAttempts++
	st := m.state
	m.mu.Unlock()

	m.log.Info("reconnecting all subscriptions", "count", len(attach))
	m.broadcast(st)

	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
	for _, sub := range attach {
		m.attachLive(sub)
	}
}

// Close tears down every subscription, stops all timers, unsubscribes from
// the network monitor and drops all state-change observers. Call once at
// shutdown; the manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	var cancels []func()
	for id, sub := range m.subs {
		cancels = append(cancels, m.teardownLocked(sub))
		delete(m.subs, id)
	}
	m.pool = make(map[string]*connMeta)
	m.stateSubs = make(map[int]func(ConnectionState))
	stopMonitor := m.stopMonitor
	m.stopMonitor = nil
	m.mu.Unlock()

	if stopMonitor != nil {
		stopMonitor()
	}
	m.sched.stop()
	m.engine.StopAll()
	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}

	m.log.Info("connection manager closed")
}

// BreakerState exposes the circuit breaker state for observability.
func (m *Manager) BreakerState() BreakerState {
	return m.breaker.State()
}

// validLocked reports whether sub is still the registered, active
// subscription for its id. Callbacks captured by a replaced or cancelled
// listener fail this check and must not mutate anything.
func (m *Manager) validLocked(sub *subscription) bool {
	current, ok := m.subs[sub.id]
	return ok && current == sub && sub.active
}

// attachLive registers a live listener for sub. Must be called without the
// manager lock held.
func (m *Manager) attachLive(sub *subscription) {
	cancel, err := m.store.Subscribe(
		context.Background(),
		sub.query,
		func(snap store.Snapshot) { m.handleLiveSnapshot(sub, snap) },
		func(err error) { m.handleLiveError(sub, err) },
	)

	m.mu.Lock()
	if m.closed || !m.validLocked(sub) || sub.usingPolling {
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		m.handleLiveError(sub, err)
		return
	}

	sub.cancelLive = cancel
	m.poolTouchLocked(sub.id, modeLive)
	m.lastSnapshotAt = time.Now()
	m.armAttachTimerLocked(sub)
	m.mu.Unlock()

	m.log.Debug("live listener attached", "id", sub.id)
}

// armAttachTimerLocked starts the no-ack guard: a live listener that
// delivers neither a snapshot nor an error within the attach timeout is
// silently broken and gets switched to polling.
func (m *Manager) armAttachTimerLocked(sub *subscription) {
	if sub.attachTimer != nil {
		sub.attachTimer.Stop()
	}
	if sub.receivedData {
		return
	}
	sub.attachTimer = time.AfterFunc(m.opts.AttachTimeout.Std(), func() {
		m.attachTimedOut(sub)
	})
}

func (m *Manager) attachTimedOut(sub *subscription) {
	m.mu.Lock()
	if m.closed || !m.validLocked(sub) || sub.usingPolling || sub.receivedData {
		m.mu.Unlock()
		return
	}

	m.log.Warn("no snapshot within attach timeout, switching to polling", "id", sub.id)
	cancel := m.detachLiveLocked(sub)
	m.startPollingLocked(sub)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (m *Manager) handleLiveSnapshot(sub *subscription, snap store.Snapshot) {
	m.mu.Lock()
	if m.closed || !m.validLocked(sub) || sub.usingPolling {
		m.mu.Unlock()
		return
	}

	sub.receivedData = true
	sub.retryCount = 0
	sub.networkErrors = 0
	sub.lastErr = nil
	if sub.attachTimer != nil {
		sub.attachTimer.Stop()
		sub.attachTimer = nil
	}

	m.lastSnapshotAt = time.Now()
	m.consecutiveNetworkErrors = 0
	m.consecutiveAborted = 0
	m.breaker.RecordSuccess()
	m.resetQualityLocked()
	m.poolTouchLocked(sub.id, modeLive)

	var changed bool
	if !m.state.Offline && (!m.state.Connected || m.state.Reconnecting || m.state.LastError != nil) {
		m.state.Connected = true
		m.state.Reconnecting = false
		m.state.LastError = nil
		changed = true
	}
	st := m.state
	onData := sub.onData
	m.mu.Unlock()

	if changed {
		m.broadcast(st)
	}
	onData(snap)
}

// handleLiveError is the failure classification and escalation path for live
// listeners.
func (m *Manager) handleLiveError(sub *subscription, err error) {
	m.mu.Lock()
	if m.closed || !m.validLocked(sub) || sub.usingPolling {
		m.mu.Unlock()
		return
	}

	sub.lastErr = err
	sub.networkErrors++
	m.state.LastError = err

	kind := Classify(err)
	m.log.Debug("live listener error", "id", sub.id, "kind", kind.String(), "error", err)

	if kind.TripsBreaker() {
		// One aborted/network failure predicts failure on every listener
		// sharing the transport: open the breaker and move the whole fleet
		// to polling at once instead of letting each listener fail on its
		// own seconds apart.
		m.consecutiveNetworkErrors++
		if kind == KindAborted {
			m.consecutiveAborted++
		}
		m.lastNetworkErrAt = time.Now()
		m.breaker.Trip()
		m.degradeQualityLocked()

		m.log.Warn("breaker opened, migrating all subscriptions to polling",
			"trigger", sub.id, "kind", kind.String(), "error", err)

		cancels := m.fallbackAllLocked()
		st := m.state
		m.mu.Unlock()

		m.broadcast(st)
		for _, cancel := range cancels {
			if cancel != nil {
				cancel()
			}
		}
		return
	}

	if !m.breaker.Allow() {
		cancel := m.detachLiveLocked(sub)
		m.startPollingLocked(sub)
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}

	m.breaker.RecordFailure()

	if sub.retryCount >= sub.maxRetries {
		m.log.Warn("retries exhausted", "id", sub.id, "retries", sub.retryCount, "error", err)
		cancel := m.detachLiveLocked(sub)
		sub.active = false
		onErr := sub.onError
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if onErr != nil {
			onErr(err)
		}
		return
	}

	attempt := sub.retryCount
	sub.retryCount++

	policy, base := standardBackoff, sub.retryDelay
	if kind.Transient() {
		policy, base = transientBackoff, 0
	}
	delay := policy.delay(attempt, base)

	m.log.Debug("scheduling live retry", "id", sub.id, "attempt", sub.retryCount, "delay", delay)

	if sub.retryTimer != nil {
		sub.retryTimer.Stop()
	}
	sub.retryTimer = time.AfterFunc(delay, func() {
		m.retryLive(sub)
	})
	m.mu.Unlock()
}

func (m *Manager) retryLive(sub *subscription) {
	m.mu.Lock()
	if m.closed || !m.validLocked(sub) || sub.usingPolling {
		m.mu.Unlock()
		return
	}

	// The breaker may have opened between scheduling and firing.
	if !m.breaker.Allow() {
		cancel := m.detachLiveLocked(sub)
		m.startPollingLocked(sub)
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}

	cancel := m.detachLiveLocked(sub)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.attachLive(sub)
}

// startPollingLocked routes sub to the polling fallback engine at the
// current adaptive interval.
func (m *Manager) startPollingLocked(sub *subscription) {
	sub.usingPolling = true
	m.poolTouchLocked(sub.id, modePolling)

	m.engine.Start(
		sub.id,
		sub.query,
		func(snap store.Snapshot) { m.handlePollData(sub, snap) },
		func(err error) { m.handlePollError(sub, err) },
		m.pollInterval,
		m.markFetched,
	)

	m.log.Info("subscription on polling fallback", "id", sub.id, "interval", m.pollInterval)
}

func (m *Manager) handlePollData(sub *subscription, snap store.Snapshot) {
	m.mu.Lock()
	if m.closed || !m.validLocked(sub) || !sub.usingPolling {
		m.mu.Unlock()
		return
	}

	sub.receivedData = true
	sub.lastErr = nil
	m.poolTouchLocked(sub.id, modePolling)
	onData := sub.onData
	m.mu.Unlock()

	onData(snap)
}

func (m *Manager) handlePollError(sub *subscription, err error) {
	m.mu.Lock()
	if m.closed || !m.validLocked(sub) || !sub.usingPolling {
		m.mu.Unlock()
		return
	}

	sub.lastErr = err
	kind := Classify(err)
	if kind.TripsBreaker() {
		m.lastNetworkErrAt = time.Now()
		m.consecutiveNetworkErrors++
		if kind == KindAborted {
			m.consecutiveAborted++
		}
		m.degradeQualityLocked()
	}
	onErr := sub.onError
	m.mu.Unlock()

	// Polling errors surface to the caller but never stop the loop.
	if onErr != nil {
		onErr(err)
	}
}

// markFetched records fleet-wide data freshness on every successful poll
// fetch, change or not.
func (m *Manager) markFetched() {
	m.mu.Lock()
	m.lastSnapshotAt = time.Now()
	m.mu.Unlock()
}

// fallbackAllLocked migrates every active live subscription to polling and
// returns their listener cancel functions for the caller to invoke outside
// the lock.
func (m *Manager) fallbackAllLocked() []func() {
	var cancels []func()
	for _, sub := range m.subs {
		if !sub.active || sub.usingPolling {
			continue
		}
		if cancel := m.detachLiveLocked(sub); cancel != nil {
			cancels = append(cancels, cancel)
		}
		m.startPollingLocked(sub)
	}
	return cancels
}

// detachLiveLocked stops sub's timers and detaches its live listener,
// returning the cancel function to be invoked outside the lock (a listener
// cancel may block on an in-flight callback that needs the lock).
func (m *Manager) detachLiveLocked(sub *subscription) func() {
	if sub.attachTimer != nil {
		sub.attachTimer.Stop()
		sub.attachTimer = nil
	}
	if sub.retryTimer != nil {
		sub.retryTimer.Stop()
		sub.retryTimer = nil
	}
	cancel := sub.cancelLive
	sub.cancelLive = nil
	return cancel
}

// teardownLocked fully deactivates sub: live listener detached, polling
// stopped. Returns the live cancel function for invocation outside the lock.
func (m *Manager) teardownLocked(sub *subscription) func() {
	cancel := m.detachLiveLocked(sub)
	if sub.usingPolling {
		m.engine.Stop(sub.id)
		sub.usingPolling = false
	}
	sub.active = false
	return cancel
}

// healthCheck is the silent-hang guard: a transport that neither delivers
// data nor raises an error gets no classification signal, so freshness is
// the only tell. Runs on the scheduler.
func (m *Manager) healthCheck() {
	m.mu.Lock()
	if m.closed || !m.state.Connected {
		m.mu.Unlock()
		return
	}

	hasLive := false
	for _, sub := range m.subs {
		if sub.active && !sub.usingPolling {
			hasLive = true
			break
		}
	}

	if !hasLive || time.Since(m.lastSnapshotAt) <= m.opts.SnapshotTimeout.Std() {
		m.mu.Unlock()
		return
	}

	m.log.Warn("no snapshots within timeout, assuming hung transport",
		"timeout", m.opts.SnapshotTimeout.Std())

	m.state.Reconnecting = true
	cancels := m.fallbackAllLocked()
	st := m.state
	m.mu.Unlock()

	m.broadcast(st)
	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
}

// reconnectSweep periodically drives polling subscriptions back toward live
// delivery, but only after a quiet period without network errors. Runs on
// the scheduler.
func (m *Manager) reconnectSweep() {
	m.mu.Lock()
	fresh := !m.lastNetworkErrAt.IsZero() &&
		time.Since(m.lastNetworkErrAt) < m.opts.ReconnectInterval.Std()
	m.mu.Unlock()

	if fresh {
		return
	}
	m.migratePollingToLive()
}

// migratePollingToLive restarts every polling subscription as a live
// listener, resetting its retry and error counters. No-op while offline or
// while the breaker refuses the live path.
func (m *Manager) migratePollingToLive() {
	m.mu.Lock()
	if m.closed || m.state.Offline || !m.breaker.Allow() {
		m.mu.Unlock()
		return
	}

	var attach []*subscription
	for _, sub := range m.subs {
		if !sub.active || !sub.usingPolling {
			continue
		}
		m.engine.Stop(sub.id)
		sub.usingPolling = false
		sub.retryCount = 0
		sub.networkErrors = 0
		attach = append(attach, sub)
	}
	m.mu.Unlock()

	if len(attach) == 0 {
		return
	}

	m.log.Info("migrating polling subscriptions back to live", "count", len(attach))
	for _, sub := range attach {
		m.attachLive(sub)
	}
}

// handleNetworkStatus folds connectivity transitions from the monitor into
// the broadcast state. An offline-to-online transition restarts every
// listener on the live path, with a delayed follow-up migration for any that
// immediately fell back to polling.
func (m *Manager) handleNetworkStatus(st network.Status) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	wasOffline := m.state.Offline
	offline := !st.Connected

	m.state.Offline = offline
	m.state.SlowConnection = st.Slow
	m.state.NetworkStatus = st.Quality()

	if offline {
		m.state.Connected = false
		m.setQualityLocked(network.QualityOffline)
	} else {
		m.state.Connected = true
		if st.Slow {
			m.setQualityLocked(network.QualityPoor)
		} else {
			m.setQualityLocked(network.QualityGood)
		}
	}

	recovered := wasOffline && !offline
	if recovered {
		m.state.Reconnecting = true
		m.breaker.Reset()
		m.consecutiveNetworkErrors = 0
		m.consecutiveAborted = 0
		m.lastSnapshotAt = time.Now()
	}
	snapshot := m.state
	m.mu.Unlock()

	m.log.Info("network status changed",
		"connected", st.Connected, "slow", st.Slow, "quality", st.Quality().String())
	m.broadcast(snapshot)

	if recovered {
		m.ReconnectAll()
		time.AfterFunc(m.opts.ReconnectDelay.Std(), m.migratePollingToLive)
	}
}

// resetQualityLocked returns the polling interval to its floor once live
// data flows again.
func (m *Manager) resetQualityLocked() {
	m.setQualityLocked(network.QualityGood)
}

// degradeQualityLocked grows the polling interval one step toward the
// ceiling. Repeated aborted/network detections keep growing it.
func (m *Manager) degradeQualityLocked() {
	if m.quality == network.QualityOffline {
		return
	}
	m.quality = network.QualityPoor
	grown := time.Duration(float64(m.pollInterval) * pollGrowth)
	m.applyPollIntervalLocked(grown)
}

func (m *Manager) setQualityLocked(q network.Quality) {
	m.quality = q
	switch q {
	case network.QualityGood:
		m.applyPollIntervalLocked(m.opts.PollInterval.Std())
	case network.QualityPoor:
		grown := time.Duration(float64(m.pollInterval) * pollGrowth)
		m.applyPollIntervalLocked(grown)
	case network.QualityOffline:
		m.applyPollIntervalLocked(m.opts.PollMaxInterval.Std())
	}
}

// applyPollIntervalLocked clamps the interval to [floor, ceiling] and pushes
// it down to every active polling loop.
func (m *Manager) applyPollIntervalLocked(interval time.Duration) {
	floor := m.opts.PollInterval.Std()
	ceiling := m.opts.PollMaxInterval.Std()
	if interval < floor {
		interval = floor
	}
	if interval > ceiling {
		interval = ceiling
	}
	if interval == m.pollInterval {
		return
	}

	m.pollInterval = interval
	for _, sub := range m.subs {
		if sub.active && sub.usingPolling {
			m.engine.SetInterval(sub.id, interval)
		}
	}

	m.log.Debug("polling interval adjusted", "interval", interval, "quality", m.quality.String())
}
