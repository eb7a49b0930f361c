// Package supervisor runs the forwarder, watcher and watchdog units as
// goroutines, translates SIGINT/SIGTERM into a shutdown request, and joins
// the units with a bounded wait before the process exits.
package supervisor

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"kpf/internal/lifecycle"
	"kpf/pkg/logging"
)

const subsystem = "supervisor"

// defaultJoinTimeout bounds how long the supervisor waits for each unit to
// stop after shutdown was requested.
const defaultJoinTimeout = 3 * time.Second

// Unit is a long-running component driven by the supervisor. Run blocks
// until the unit stops; a non-nil error marks the whole run as failed.
type Unit struct {
	Name string
	Run  func() error
}

type Supervisor struct {
	signals     *lifecycle.Signals
	units       []Unit
	joinTimeout time.Duration

	// Mockable for testing.
	notifyFn func(c chan<- os.Signal, sig ...os.Signal)
	sweepFn  func()
	exitFn   func(code int)
}

func New(signals *lifecycle.Signals, units ...Unit) *Supervisor {
	return &Supervisor{
		signals:     signals,
		units:       units,
		joinTimeout: defaultJoinTimeout,
		notifyFn:    signal.Notify,
		sweepFn:     sweepStrayForwards,
		exitFn:      os.Exit,
	}
}

type result struct {
	name string
	err  error
}

// Run starts every unit, waits for shutdown (a signal, or a unit failing or
// finishing), then joins the remaining units. It returns the process exit
// code: 0 for a clean shutdown, 1 when any unit failed or did not stop in
// time.
func (s *Supervisor) Run() int {
	results := make(chan result, len(s.units))
	for _, u := range s.units {
		u := u
		go func() {
			logging.Debug(subsystem, "Unit %s started", u.Name)
			results <- result{name: u.Name, err: u.Run()}
		}()
	}

	sigCh := make(chan os.Signal, 2)
	s.notifyFn(sigCh, os.Interrupt, syscall.SIGTERM)
	go s.handleSignals(sigCh)

	unclean := false
	remaining := len(s.units)

	// Run until shutdown is raised or a unit stops on its own. Any unit
	// finishing early, even cleanly, means the run cannot continue.
	for !s.signals.ShuttingDown() && remaining > 0 {
		select {
		case r := <-results:
			remaining--
			if r.err != nil {
				logging.Error(subsystem, r.err, "Unit %s failed", r.name)
				unclean = true
			} else {
				logging.Warn(subsystem, "Unit %s stopped unexpectedly", r.name)
			}
			s.signals.RequestShutdown()
		case <-s.signals.Done():
		}
	}
	s.signals.RequestShutdown()

	// Bounded join: each remaining unit gets up to joinTimeout to stop.
	for remaining > 0 {
		select {
		case r := <-results:
			remaining--
			if r.err != nil {
				logging.Error(subsystem, r.err, "Unit %s failed during shutdown", r.name)
				unclean = true
			} else {
				logging.Debug(subsystem, "Unit %s stopped", r.name)
			}
		case <-time.After(s.joinTimeout):
			logging.Warn(subsystem, "%d unit(s) did not stop within %s, abandoning them", remaining, s.joinTimeout)
			unclean = true
			remaining = 0
		}
	}

	// The sweep is a last resort for children that escaped the forwarder's
	// termination. After a clean join nothing can be left behind, and other
	// kubectl port-forward processes on the host are not ours to kill.
	if unclean {
		s.sweepFn()
		return 1
	}
	return 0
}

// handleSignals implements the double-interrupt policy: the first signal
// requests a graceful shutdown, the second forces the process out.
func (s *Supervisor) handleSignals(sigCh <-chan os.Signal) {
	<-sigCh
	logging.Info(subsystem, "Interrupt received, shutting down (press Ctrl-C again to force quit)")
	s.signals.RequestShutdown()
	<-sigCh
	logging.Warn(subsystem, "Second interrupt received, forcing exit")
	s.exitFn(1)
}

// sweepStrayForwards kills any kubectl port-forward processes left behind,
// a last resort in case a child escaped the forwarder's termination.
// pkill exits non-zero when nothing matched, which is the common case.
func sweepStrayForwards() {
	if err := exec.Command("pkill", "-f", "kubectl port-forward").Run(); err != nil {
		logging.Debug(subsystem, "Stray process sweep found nothing to kill")
	} else {
		logging.Warn(subsystem, "Killed stray kubectl port-forward processes")
	}
}
