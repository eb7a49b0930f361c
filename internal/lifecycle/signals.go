package lifecycle

import (
	"sync"
	"time"
)

// Signals is the coordination object shared by every long-running unit
// (forwarder, endpoint watcher, network watchdog). It carries exactly two
// flags:
//
//   - shutdown: one-way. Once requested it is never cleared; every unit is
//     expected to observe it and reach a terminal state within its polling
//     granularity.
//   - restart: level-triggered and coalescing. Any monitor may request a
//     restart; the forwarder is the sole consumer and clears the flag after
//     acting on it. Multiple requests before consumption collapse into one.
//
// Units never share any other mutable state, so this mutex is the only
// cross-unit lock in the program.
type Signals struct {
	mu       sync.Mutex
	shutdown bool
	restart  bool
	done     chan struct{}
}

// NewSignals returns a Signals pair with neither flag raised.
func NewSignals() *Signals {
	return &Signals{done: make(chan struct{})}
}

// RequestShutdown raises the shutdown flag. Repeated calls are no-ops.
func (s *Signals) RequestShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true
	close(s.done)
}

// ShuttingDown reports whether shutdown has been requested.
func (s *Signals) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Done returns a channel that is closed once shutdown has been requested,
// for select-based waits.
func (s *Signals) Done() <-chan struct{} {
	return s.done
}

// RequestRestart raises the restart flag. Safe to call from any monitor at
// any time; requests made while the flag is already raised coalesce.
func (s *Signals) RequestRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restart = true
}

// RestartRequested reports whether a restart is currently owed, without
// clearing it.
func (s *Signals) RestartRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restart
}

// ConsumeRestart atomically reads and clears the restart flag. Only the
// forwarder calls this, after it has cycled its child process.
func (s *Signals) ConsumeRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	owed := s.restart
	s.restart = false
	return owed
}

// Wait sleeps for up to d, returning true early if shutdown is requested
// while waiting. It is the interruptible sleep used by every polling loop so
// shutdown latency stays bounded by one polling granularity.
func (s *Signals) Wait(d time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(d):
		return s.ShuttingDown()
	}
}
