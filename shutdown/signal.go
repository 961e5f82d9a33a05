package shutdown

import (
	"os"
	"sync"
	"syscall"

	"refgen_worker/core"
)

// SignalCounter implements "first signal drains, a later one forces exit".
type SignalCounter struct {
	mu         sync.Mutex
	count      int
	forceAfter int
	onForce    func(exitCode int)
	forced     bool
}

// NewSignalCounter calls onForce once, on the forceAfter-th signal, with the
// conventional exit code for that signal.
func NewSignalCounter(forceAfter int, onForce func(exitCode int)) *SignalCounter {
	if forceAfter < 1 {
		forceAfter = 2
	}
	return &SignalCounter{forceAfter: forceAfter, onForce: onForce}
}

// Observe records one signal and returns the running count.
func (s *SignalCounter) Observe(sig os.Signal) int {
	s.mu.Lock()
	s.count++
	count := s.count
	fire := count >= s.forceAfter && !s.forced && s.onForce != nil
	if fire {
		s.forced = true
	}
	onForce := s.onForce
	s.mu.Unlock()

	if fire {
		onForce(ExitCodeFor(sig))
	}
	return count
}

func (s *SignalCounter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// ExitCodeFor maps a signal to its 128+N exit code.
func ExitCodeFor(sig os.Signal) int {
	switch sig {
	case os.Interrupt:
		return core.ExitCodeSIGINT
	case syscall.SIGTERM:
		return core.ExitCodeSIGTERM
	default:
		return core.ExitCodeError
	}
}
