package resilient

import (
	"sync"
	"time"
)

// scheduler owns every periodic task of a Manager, so that Close tears all
// of them down in one place and no ticker leaks across manager instances.
type scheduler struct {
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newScheduler() *scheduler {
	return &scheduler{done: make(chan struct{})}
}

// every runs fn on the given interval until the scheduler stops.
func (s *scheduler) every(interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// stop cancels all tasks and waits for them to exit. Safe to call more than
// once.
func (s *scheduler) stop() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
