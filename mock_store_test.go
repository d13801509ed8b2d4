package resilient

import (
	"context"
	"sync"

	"github.com/liveq-labs/resilient/pkg/store"
)

// fakeStore is a controllable store.Client. Live listeners are recorded in
// subscription order; tests push snapshots and errors into them directly.
type fakeStore struct {
	mu        sync.Mutex
	listeners []*fakeListener

	subscribeErr error

	fetchSnap  store.Snapshot
	fetchErr   error
	fetchCount int
}

type fakeListener struct {
	query     store.Query
	onNext    func(store.Snapshot)
	onErr     func(error)
	cancelled bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) Subscribe(
	_ context.Context,
	q store.Query,
	onNext func(store.Snapshot),
	onErr func(error),
) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}

	l := &fakeListener{query: q, onNext: onNext, onErr: onErr}
	f.listeners = append(f.listeners, l)

	return func() {
		f.mu.Lock()
		l.cancelled = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeStore) Fetch(_ context.Context, _ store.Query) (store.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetchCount++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetchSnap, nil
}

func (f *fakeStore) setFetch(snap store.Snapshot, err error) {
	f.mu.Lock()
	f.fetchSnap = snap
	f.fetchErr = err
	f.mu.Unlock()
}

func (f *fakeStore) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCount
}

func (f *fakeStore) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// listener returns the i-th registered listener (0-based).
func (f *fakeStore) listener(i int) *fakeListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[i]
}

// lastListener returns the most recently registered listener.
func (f *fakeStore) lastListener() *fakeListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[len(f.listeners)-1]
}

func (f *fakeStore) isCancelled(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners[i].cancelled
}

func (l *fakeListener) pushSnapshot(snap store.Snapshot) {
	l.onNext(snap)
}

func (l *fakeListener) pushError(err error) {
	l.onErr(err)
}
