// Package resilient is a connection-resilience layer for document stores
// with live-subscription APIs.
//
// The Manager wraps a store client's two primitives, a push-based live
// subscription and a pull-based one-shot fetch, behind one uniform
// subscription API. It watches live listeners for failure, classifies every
// error at the boundary, retries with exponential backoff, and trips a
// fleet-wide circuit breaker on aborted or network-class failures, at which
// point all subscriptions are transparently served by a polling fallback
// that diffs result sets and forwards only real changes. Background timers
// probe the live path and migrate subscriptions back once the transport
// recovers.
//
// A minimal setup:
//
//	mgr := resilient.New(client, notifier, resilient.DefaultOptions())
//	defer mgr.Close()
//
//	stop := mgr.Subscribe("inbox", query,
//		func(snap store.Snapshot) { render(snap) },
//		func(err error) { log.Printf("inbox: %v", err) },
//	)
//	defer stop()
//
// Subscribers never learn which transport is active underneath; the
// ConnectionState broadcast exists for UI affordances like an "offline"
// banner, not for correctness.
package resilient
