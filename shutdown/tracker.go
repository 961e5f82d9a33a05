// Package shutdown drains the worker on SIGINT/SIGTERM: it stops admitting
// requests, waits for in-flight generations, then runs cleanup steps in
// stage order.
package shutdown

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrTrackerClosed is returned when an operation starts after draining began.
var ErrTrackerClosed = errors.New("operation tracker is closed")

// ErrWaitTimeout is returned when in-flight operations outlive the wait.
var ErrWaitTimeout = errors.New("wait timeout: operations did not complete in time")

// OperationTracker counts in-flight operations per name so a drain can
// report which kinds of work are still running.
//
// Usage:
//
//	done, ok := tracker.Begin("runsync")
//	if !ok {
//	    return // draining
//	}
//	defer done()
type OperationTracker struct {
	mu     sync.Mutex
	active map[string]int
	total  int64
	closed bool
	idle   chan struct{} // closed while total == 0
}

// NewOperationTracker creates an open tracker.
func NewOperationTracker() *OperationTracker {
	idle := make(chan struct{})
	close(idle)
	return &OperationTracker{
		active: make(map[string]int),
		idle:   idle,
	}
}

// Begin registers an operation. When ok is true the caller must call done
// exactly once; done is safe to call more than once.
func (t *OperationTracker) Begin(name string) (done func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}
	if t.total == 0 {
		t.idle = make(chan struct{})
	}
	t.total++
	t.active[name]++

	var once sync.Once
	return func() { once.Do(func() { t.end(name) }) }, true
}

func (t *OperationTracker) end(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total--
	if t.active[name]--; t.active[name] <= 0 {
		delete(t.active, name)
	}
	if t.total == 0 {
		close(t.idle)
	}
}

// Wait blocks until no operation is running or ctx ends, in which case it
// returns ErrWaitTimeout.
func (t *OperationTracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ErrWaitTimeout
	}
}

// Close stops admitting operations. Running ones are unaffected.
func (t *OperationTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// ActiveCount returns the number of running operations.
func (t *OperationTracker) ActiveCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ActiveNames returns the names of running operations, sorted, one entry per
// distinct name.
func (t *OperationTracker) ActiveNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.active))
	for name := range t.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *OperationTracker) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
