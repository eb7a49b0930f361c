package watchdog

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"k8s.io/client-go/tools/clientcmd"

	"kpf/internal/config"
	"kpf/internal/lifecycle"
	"kpf/pkg/logging"
)

const subsystem = "watchdog"

const (
	defaultSettleDelay = 2 * time.Second
	probeTimeout       = 2 * time.Second
)

// ResolveAPIServerFn resolves the API server host/port of the active
// kubeconfig context. Variable for mocking in tests. A failed resolution
// returns ("", 0) and the watchdog then treats API checks as always-pass.
var ResolveAPIServerFn = resolveAPIServer

// Watchdog periodically probes control-plane reachability and, only when the
// control plane is reachable, the locally forwarded port. That ordering is
// the zombie-tunnel detector: API up with the local port dead means kubectl
// is still running but its tunnel died, typically after sleep/resume. After
// a configured number of consecutive combined failures it requests a restart.
type Watchdog struct {
	signals          *lifecycle.Signals
	interval         time.Duration
	failureThreshold int
	localPort        int

	consecutiveFailures int

	// API server address, resolved once per instance and cached for its
	// lifetime.
	apiHost     string
	apiPort     int
	apiResolved bool

	// Mockable for testing.
	settleDelay time.Duration
	dialFn      func(network, address string, timeout time.Duration) (net.Conn, error)
	checkFn     func() bool
}

// New builds a watchdog for the given local port.
func New(signals *lifecycle.Signals, settings config.WatchdogSettings, localPort int) *Watchdog {
	w := &Watchdog{
		signals:          signals,
		interval:         time.Duration(settings.IntervalSeconds) * time.Second,
		failureThreshold: settings.FailureThreshold,
		localPort:        localPort,
		settleDelay:      defaultSettleDelay,
		dialFn:           net.DialTimeout,
	}
	w.checkFn = w.CheckConnectivity
	return w
}

// apiServerAddress returns the cached API server address, resolving it on
// first use. There is no re-resolution on context switches within a run.
func (w *Watchdog) apiServerAddress() (string, int) {
	if w.apiResolved {
		return w.apiHost, w.apiPort
	}
	w.apiHost, w.apiPort = ResolveAPIServerFn()
	w.apiResolved = true
	if w.apiHost != "" {
		logging.Debug(subsystem, "API server is %s:%d", w.apiHost, w.apiPort)
	}
	return w.apiHost, w.apiPort
}

// CheckAPIConnectivity probes the API server over TCP. When no address
// could be resolved the check passes, since an unreachable kubeconfig is
// not evidence of a dead network.
func (w *Watchdog) CheckAPIConnectivity() bool {
	host, port := w.apiServerAddress()
	if host == "" {
		logging.DebugRL(subsystem, "No API server address available, skipping API check")
		return true
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := w.dialFn("tcp", addr, probeTimeout)
	if err != nil {
		logging.Debug(subsystem, "API server unreachable (%s): %v", addr, err)
		return false
	}
	conn.Close()
	logging.DebugRL(subsystem, "API server reachable (%s)", addr)
	return true
}

// CheckLocalPort probes the forwarded local port over TCP. A refusal means
// nothing is listening: the tunnel is dead even if kubectl is alive.
func (w *Watchdog) CheckLocalPort() bool {
	if w.localPort <= 0 {
		return true
	}

	addr := net.JoinHostPort("localhost", strconv.Itoa(w.localPort))
	conn, err := w.dialFn("tcp", addr, probeTimeout)
	if err != nil {
		logging.Debug(subsystem, "Local port %d not accepting connections: %v", w.localPort, err)
		return false
	}
	conn.Close()
	logging.DebugRL(subsystem, "Local port %d accepting connections", w.localPort)
	return true
}

// CheckConnectivity combines the two probes. The local port is only checked
// when the API server is reachable; with the upstream down there is nothing
// a restart could fix.
func (w *Watchdog) CheckConnectivity() bool {
	if !w.CheckAPIConnectivity() {
		return false
	}
	if !w.CheckLocalPort() {
		logging.Debug(subsystem, "API reachable but local port %d is dead, zombie tunnel detected", w.localPort)
		return false
	}
	return true
}

// Run is the watchdog loop. It returns when shutdown is requested; it never
// returns an error because every failure it sees is absorbed into the
// threshold logic.
func (w *Watchdog) Run() error {
	logging.Debug(subsystem, "Network watchdog started (interval %s, threshold %d)", w.interval, w.failureThreshold)

	// Let the port-forward establish before the first probe.
	if w.signals.Wait(w.settleDelay) {
		return nil
	}

	for !w.signals.ShuttingDown() {
		if !w.checkFn() {
			w.consecutiveFailures++
			logging.Debug(subsystem, "Connectivity failure %d/%d", w.consecutiveFailures, w.failureThreshold)

			if w.consecutiveFailures >= w.failureThreshold {
				logging.Info(subsystem, "Connectivity failure threshold reached, requesting port-forward restart")
				w.signals.RequestRestart()
				w.consecutiveFailures = 0
			}
		} else {
			if w.consecutiveFailures > 0 {
				logging.Debug(subsystem, "Connectivity restored")
			}
			w.consecutiveFailures = 0
		}

		w.signals.Wait(w.interval)
	}

	logging.Debug(subsystem, "Network watchdog exiting")
	return nil
}

// resolveAPIServer reads the current context's cluster server URL from the
// kubeconfig and splits it into host and port, defaulting to 443.
func resolveAPIServer() (string, int) {
	pathOptions := clientcmd.NewDefaultPathOptions()
	kubeCfg, err := pathOptions.GetStartingConfig()
	if err != nil {
		logging.Debug(subsystem, "Failed to load kubeconfig: %v", err)
		return "", 0
	}

	ctx, ok := kubeCfg.Contexts[kubeCfg.CurrentContext]
	if !ok {
		return "", 0
	}
	cluster, ok := kubeCfg.Clusters[ctx.Cluster]
	if !ok || cluster.Server == "" {
		return "", 0
	}

	parsed, err := url.Parse(cluster.Server)
	if err != nil {
		logging.Debug(subsystem, "Failed to parse API server URL %q: %v", cluster.Server, err)
		return "", 0
	}

	port := 443
	if p := parsed.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return parsed.Hostname(), port
}
