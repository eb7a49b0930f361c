package watcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"kpf/internal/lifecycle"
	"kpf/pkg/logging"
)

const subsystem = "endpoint-watcher"

// reopenDelay is the pause before relaunching the watch stream after it
// ends (endpoints object deleted, API connection dropped, kubectl exited).
const reopenDelay = time.Second

// maxOpenFailures is how many consecutive stream-open failures are tolerated
// before the watcher gives up and brings the run down.
const maxOpenFailures = 2

// Watcher streams endpoint changes for one resource and requests a
// port-forward restart on every change. The first line of a watch stream is
// the current-state snapshot, not a change, and is discarded; every
// subsequent line means the endpoint set moved and the tunnel is pointing at
// stale pods.
type Watcher struct {
	signals      *lifecycle.Signals
	namespace    string
	resourceName string

	// openStream launches the watch subprocess. Mockable for testing.
	openStream func(ctx context.Context) (io.ReadCloser, func() error, error)
}

// New builds a watcher for the named resource's endpoints.
func New(signals *lifecycle.Signals, namespace, resourceName string) *Watcher {
	w := &Watcher{
		signals:      signals,
		namespace:    namespace,
		resourceName: resourceName,
	}
	w.openStream = w.kubectlWatchStream
	return w
}

// Run blocks reading the watch stream until shutdown. A stream that ends is
// reopened; a stream that cannot be opened at all is fatal: the watcher
// requests shutdown and returns the error.
func (w *Watcher) Run() error {
	logging.Debug(subsystem, "Watching endpoints for %s in namespace %s", w.resourceName, w.namespace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// Tear down the subprocess as soon as shutdown is requested so the
		// blocking read below unblocks.
		<-w.signals.Done()
		cancel()
	}()

	openFailures := 0
	for !w.signals.ShuttingDown() {
		if err := w.watchOnce(ctx); err != nil {
			openFailures++
			if openFailures >= maxOpenFailures {
				logging.Error(subsystem, err, "Endpoint watch cannot continue")
				w.signals.RequestShutdown()
				return err
			}
			// kubectl passed preflight, so a single failed fork/exec is
			// likely transient. Only a persisting failure is fatal.
			logging.Warn(subsystem, "Failed to open endpoint watch, retrying: %v", err)
			w.signals.Wait(reopenDelay)
			continue
		}
		openFailures = 0
		if w.signals.ShuttingDown() {
			break
		}
		logging.Debug(subsystem, "Endpoint watch stream ended, relaunching")
		w.signals.Wait(reopenDelay)
	}

	logging.Debug(subsystem, "Endpoint watcher exiting")
	return nil
}

// watchOnce consumes one watch stream to its end. Only a failure to open
// the stream is an error; the stream ending is normal and handled by the
// caller's relaunch loop.
func (w *Watcher) watchOnce(ctx context.Context) error {
	stream, wait, err := w.openStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to start endpoint watch for %s/%s: %w", w.namespace, w.resourceName, err)
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			logging.Debug(subsystem, "Initial endpoint state (ignored): %s", line)
			continue
		}
		if w.signals.ShuttingDown() {
			break
		}
		logging.Info(subsystem, "Endpoints changed for %s/%s, requesting port-forward restart", w.namespace, w.resourceName)
		logging.Debug(subsystem, "Endpoint change: %s", line)
		w.signals.RequestRestart()
	}

	if wait != nil {
		// The exit status does not matter: a killed or crashed kubectl is
		// handled the same as a clean stream end.
		_ = wait()
	}
	return nil
}

// kubectlWatchStream launches `kubectl get --no-headers ep -w` for the
// resource and returns its stdout stream. The context cancels the process.
func (w *Watcher) kubectlWatchStream(ctx context.Context) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, "kubectl", "get", "--no-headers", "ep", "-w", "-n", w.namespace, w.resourceName)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return stdout, cmd.Wait, nil
}
