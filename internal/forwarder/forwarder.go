package forwarder

import (
	"fmt"
	"time"

	"kpf/internal/config"
	"kpf/internal/lifecycle"
	"kpf/internal/target"
	"kpf/pkg/logging"
)

const subsystem = "port-forward"

// runningProbeInterval is how often the Running state re-probes the local
// port so a sustained HTTP stall can be escalated into a restart.
const runningProbeInterval = 2 * time.Second

// HealthChecker probes the forwarded local port. Implemented by
// connectivity.Checker.
type HealthChecker interface {
	CheckPort(port int) bool
	MarkSuccess()
	HTTPTimeoutExceeded() bool
	ResetEpisode()
}

// Child is a live kubectl port-forward process as seen by the forwarder:
// something that can be signalled and whose exit can be awaited.
type Child interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Terminate asks the process to exit (SIGTERM).
	Terminate() error
	// Kill forcibly ends the process.
	Kill() error
}

// Forwarder owns the kubectl port-forward child process. It is the only
// component that spawns or terminates that process, and the sole consumer of
// the restart signal: it clears the flag after cycling the child.
//
// Lifecycle per iteration: launch, health check, run until a signal fires,
// terminate (gracefully, then forcibly), loop. A child that never becomes
// healthy fails the whole run.
type Forwarder struct {
	signals *lifecycle.Signals
	tgt     *target.Target
	checker HealthChecker

	settleDelay   time.Duration
	healthTimeout time.Duration
	grace         time.Duration
	pollInterval  time.Duration
	probeInterval time.Duration

	// launchFn starts the child process. Mockable for testing.
	launchFn func() (Child, error)
}

// New builds a forwarder for the given target.
func New(signals *lifecycle.Signals, tgt *target.Target, checker HealthChecker, settings config.ForwarderSettings) *Forwarder {
	f := &Forwarder{
		signals:       signals,
		tgt:           tgt,
		checker:       checker,
		settleDelay:   time.Duration(settings.SettleDelaySeconds) * time.Second,
		healthTimeout: time.Duration(settings.HealthCheckTimeoutSeconds) * time.Second,
		grace:         time.Duration(settings.TerminateGraceSeconds) * time.Second,
		pollInterval:  time.Duration(settings.PollIntervalMillis) * time.Millisecond,
		probeInterval: runningProbeInterval,
	}
	f.launchFn = f.launchKubectl
	return f
}

type exitReason int

const (
	reasonShutdown exitReason = iota
	reasonRestart
	reasonChildExited
)

// Run drives the forward loop until shutdown. It returns nil on a clean
// shutdown and an error when the run fails (launch failure, or a child that
// never passes its health check); fatal paths also raise shutdown so the
// other units stop.
func (f *Forwarder) Run() error {
	for !f.signals.ShuttingDown() {
		logging.Info(subsystem, "Starting kubectl port-forward for %s (%d:%d in namespace %s)",
			f.tgt.Resource(), f.tgt.LocalPort, f.tgt.RemotePort, f.tgt.Namespace)

		child, err := f.launchFn()
		if err != nil {
			f.signals.RequestShutdown()
			return fmt.Errorf("failed to start kubectl port-forward: %w", err)
		}

		if !f.healthCheck() {
			logging.Error(subsystem, nil, "Port-forward never became healthy on local port %d within %s",
				f.tgt.LocalPort, f.healthTimeout)
			f.terminateChild(child)
			f.signals.RequestShutdown()
			return fmt.Errorf("port-forward health check failed on local port %d", f.tgt.LocalPort)
		}

		switch f.runUntilSignal(child) {
		case reasonShutdown:
			f.terminateChild(child)
			logging.Debug(subsystem, "Forwarder exiting on shutdown")
			return nil

		case reasonRestart:
			logging.Info(subsystem, "Restarting kubectl port-forward for %s", f.tgt.Resource())
			f.terminateChild(child)
			// Clear the restart flag only after acting on it; requests that
			// arrived meanwhile coalesced into this cycle.
			f.signals.ConsumeRestart()
			// Any measured HTTP stall belonged to the old child; a fresh
			// tunnel starts with a clean slate.
			f.checker.ResetEpisode()

		case reasonChildExited:
			logging.Warn(subsystem, "kubectl port-forward exited unexpectedly, restarting")
			f.signals.ConsumeRestart()
			f.checker.ResetEpisode()
		}
	}
	return nil
}

// healthCheck waits for the child to settle, then polls local-port
// connectivity up to the configured timeout. A shutdown request during the
// check aborts it as passed; the run loop handles shutdown next.
func (f *Forwarder) healthCheck() bool {
	if f.signals.Wait(f.settleDelay) {
		return true
	}

	deadline := time.Now().Add(f.healthTimeout)
	for time.Now().Before(deadline) {
		if f.checker.CheckPort(f.tgt.LocalPort) {
			f.checker.MarkSuccess()
			logging.Info(subsystem, "Port-forward is healthy on local port %d", f.tgt.LocalPort)
			return true
		}
		if f.signals.Wait(f.pollInterval) {
			return true
		}
	}
	return false
}

// runUntilSignal is the Running state: it blocks, polling the signal pair at
// the configured cadence, until restart or shutdown fires or the child
// exits on its own. It also re-probes the local port every couple of
// seconds; a sustained HTTP stall past the checker's threshold escalates
// into a restart even though single probe failures never do (those are the
// watchdog's to count).
func (f *Forwarder) runUntilSignal(child Child) exitReason {
	lastProbe := time.Now()
	for {
		select {
		case <-f.signals.Done():
			return reasonShutdown
		case <-child.Done():
			return reasonChildExited
		case <-time.After(f.pollInterval):
		}

		if f.signals.RestartRequested() {
			return reasonRestart
		}

		if time.Since(lastProbe) >= f.probeInterval {
			lastProbe = time.Now()
			if f.checker.CheckPort(f.tgt.LocalPort) {
				f.checker.MarkSuccess()
			}
			if f.checker.HTTPTimeoutExceeded() {
				logging.Info(subsystem, "Local port %d has been stalling HTTP for too long, requesting restart", f.tgt.LocalPort)
				return reasonRestart
			}
		}
	}
}

// terminateChild stops the child with graceful-then-forced escalation:
// SIGTERM, a bounded wait, then SIGKILL and a short final wait. The handle
// is not reused afterwards.
func (f *Forwarder) terminateChild(child Child) {
	if child == nil {
		return
	}

	select {
	case <-child.Done():
		return // already gone
	default:
	}

	logging.Debug(subsystem, "Terminating kubectl port-forward")
	if err := child.Terminate(); err != nil {
		logging.Debug(subsystem, "SIGTERM failed (%v), killing", err)
		_ = child.Kill()
	}

	select {
	case <-child.Done():
		return
	case <-time.After(f.grace):
	}

	logging.Warn(subsystem, "kubectl did not exit within %s, killing", f.grace)
	_ = child.Kill()

	select {
	case <-child.Done():
	case <-time.After(2 * time.Second):
		logging.Warn(subsystem, "kubectl still not reaped after kill")
	}
}
