// Package worker holds the plumbing shared by the background BIOS and VM provisioning
// workers: the concurrency limiter, the operation status publishers and the NATS liveness checkin.
package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLimiterConcurrency = errors.New("error running operation, reached concurrency limit")
	ErrLimiterDrain       = errors.New("draining operations")

	drainCheckInterval = 200 * time.Millisecond
)

// Limiter runs background operations in goroutines, limiting them by the defined concurrency.
//
// Dispatch never queues, an operation beyond the limit is refused so the caller can report
// the resource as busy instead of blocking its request.
type Limiter struct {
	// wg tracks the dispatcher and the running operations.
	wg sync.WaitGroup
	// operations spawned return once complete on this channel.
	doneCh chan struct{}
	// dispatcherCh is where the dispatch() method listens for funcs to run.
	dispatcherCh chan func()
	// concurrency is the maximum number of operations that can be running.
	concurrency int32
	// mu orders Dispatch against StopWait.
	mu sync.RWMutex
	// running is the count of dispatched operations which have not returned.
	running atomic.Int32
	// drain is set when StopWait() is invoked, with drain set no further operations are accepted.
	drain atomic.Bool
}

// NewLimiter returns a new limiting goroutine runner, StopWait must be invoked to stop it.
func NewLimiter(concurrency int) *Limiter {
	l := &Limiter{
		concurrency:  int32(concurrency),
		doneCh:       make(chan struct{}),
		dispatcherCh: make(chan func()),
	}

	l.wg.Add(1)

	go l.dispatcher()

	return l
}

// Dispatch runs f in its own goroutine, all error handling must be wrapped in the closure.
func (l *Limiter) Dispatch(f func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.drain.Load() {
		return ErrLimiterDrain
	}

	// reserve the slot here so two callers can not both pass the check
	if l.running.Add(1) > l.concurrency {
		l.running.Add(-1)
		return ErrLimiterConcurrency
	}

	l.dispatcherCh <- f

	return nil
}

// dispatcher runs dispatched operations, it returns once drain is set and nothing is running.
func (l *Limiter) dispatcher() {
	defer l.wg.Done()

	ticker := time.NewTicker(drainCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-l.dispatcherCh:
			l.wg.Add(1)

			go func() {
				defer l.wg.Done()

				f()
				l.doneCh <- struct{}{}
			}()

		case <-l.doneCh:
			l.running.Add(-1)

		case <-ticker.C:
			if l.drain.Load() && l.running.Load() == 0 {
				return
			}
		}
	}
}

// ActiveCount returns the count of running operations.
func (l *Limiter) ActiveCount() int {
	return int(l.running.Load())
}

// StopWait refuses any further operations and waits until the running ones complete.
func (l *Limiter) StopWait() {
	l.mu.Lock()
	l.drain.Store(true)
	l.mu.Unlock()

	l.wg.Wait()
}
