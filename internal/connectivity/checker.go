package connectivity

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"kpf/internal/config"
	"kpf/pkg/logging"
)

const subsystem = "connectivity"

// Reason classifies the outcome of a single probe.
type Reason string

const (
	ReasonAccepted    Reason = "accepted"
	ReasonRefused     Reason = "connection-refused"
	ReasonTimeout     Reason = "timeout"
	ReasonDNSFailure  Reason = "dns-failure"
	ReasonOSError     Reason = "os-error"
	ReasonHTTPStatus  Reason = "http-status"
	ReasonHTTPTimeout Reason = "http-timeout"
	ReasonHTTPError   Reason = "http-error"
	ReasonCached      Reason = "cached"
)

// Checker probes a locally forwarded port over TCP and HTTP, tracking two
// independent failure classes: transport-level (socket) failures and
// application-level (HTTP) stalls. A recovered transport blip does not erase
// evidence of an ongoing HTTP stall.
//
// A Checker is driven by a single health-check path per run; it is not safe
// for concurrent callers.
type Checker struct {
	probeTimeout  time.Duration
	httpThreshold time.Duration
	cacheWindow   time.Duration

	// httpTimeoutStart marks the beginning of an open HTTP-timeout
	// episode; zero means none is open.
	httpTimeoutStart time.Time
	// transportFailureStart marks the first socket failure since the last
	// MarkSuccess; zero means none.
	transportFailureStart time.Time

	lastHTTPResult bool
	lastHTTPProbe  time.Time

	// Mockable for testing.
	dialFn    func(network, address string, timeout time.Duration) (net.Conn, error)
	httpGetFn func(client *http.Client, url string) (*http.Response, error)
	nowFn     func() time.Time
}

// NewChecker builds a Checker from the connectivity settings.
func NewChecker(settings config.ConnectivitySettings) *Checker {
	return &Checker{
		probeTimeout:  time.Duration(settings.ProbeTimeoutSeconds) * time.Second,
		httpThreshold: time.Duration(settings.HTTPTimeoutThresholdSeconds) * time.Second,
		cacheWindow:   time.Duration(settings.ProbeCacheMillis) * time.Millisecond,
		dialFn:        net.DialTimeout,
		httpGetFn: func(client *http.Client, url string) (*http.Response, error) {
			return client.Get(url)
		},
		nowFn: time.Now,
	}
}

// TestSocket opens a short-timeout TCP connection to localhost:port. An
// accepted connection and an explicit refusal both mean a process owns the
// port; timeouts, DNS failures and other OS errors are hard failures.
func (c *Checker) TestSocket(port int) (bool, Reason) {
	addr := fmt.Sprintf("localhost:%d", port)
	conn, err := c.dialFn("tcp", addr, c.probeTimeout)
	if err == nil {
		conn.Close()
		logging.DebugRL(subsystem, "Socket probe: port %d accepting connections", port)
		return true, ReasonAccepted
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		logging.Debug(subsystem, "Socket probe: port %d refused connection", port)
		return true, ReasonRefused
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		logging.Debug(subsystem, "Socket probe: DNS resolution failed for %s: %v", addr, err)
		return false, ReasonDNSFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		logging.Debug(subsystem, "Socket probe: timeout connecting to %s", addr)
		return false, ReasonTimeout
	}

	logging.Debug(subsystem, "Socket probe: error connecting to %s: %v", addr, err)
	return false, ReasonOSError
}

// TestHTTP issues a short-timeout GET against the local port. Any HTTP
// status counts as success: the probe validates transport, not application
// correctness. Probes within the cache window short-circuit to the last
// known result so a healthy-but-slow target is not hammered.
func (c *Checker) TestHTTP(port int) (bool, Reason) {
	now := c.nowFn()
	if !c.lastHTTPProbe.IsZero() && now.Sub(c.lastHTTPProbe) < c.cacheWindow {
		return c.lastHTTPResult, ReasonCached
	}

	client := &http.Client{Timeout: c.probeTimeout}
	resp, err := c.httpGetFn(client, fmt.Sprintf("http://localhost:%d/", port))

	var ok bool
	var reason Reason
	switch {
	case err == nil:
		resp.Body.Close()
		logging.DebugRL(subsystem, "HTTP probe: port %d answered with status %d", port, resp.StatusCode)
		ok, reason = true, ReasonHTTPStatus
	case isTimeout(err):
		logging.Debug(subsystem, "HTTP probe: timeout on port %d", port)
		ok, reason = false, ReasonHTTPTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		logging.Debug(subsystem, "HTTP probe: connection refused on port %d", port)
		ok, reason = false, ReasonRefused
	default:
		logging.Debug(subsystem, "HTTP probe: error on port %d: %v", port, err)
		ok, reason = false, ReasonHTTPError
	}

	c.lastHTTPProbe = now
	c.lastHTTPResult = ok
	return ok, reason
}

// CheckPort composes the socket and HTTP probes. A socket failure
// short-circuits to failure. With the socket up, an HTTP success finalizes
// success and closes any open HTTP-timeout episode; an HTTP failure opens or
// continues an episode instead of failing immediately, leaving escalation to
// HTTPTimeoutExceeded.
func (c *Checker) CheckPort(port int) bool {
	ok, reason := c.TestSocket(port)
	if !ok {
		if c.transportFailureStart.IsZero() {
			c.transportFailureStart = c.nowFn()
		}
		logging.Debug(subsystem, "Port %d check failed at socket level (%s)", port, reason)
		return false
	}

	httpOK, httpReason := c.TestHTTP(port)
	if httpOK {
		if !c.httpTimeoutStart.IsZero() {
			logging.Debug(subsystem, "Port %d HTTP stall recovered", port)
		}
		c.httpTimeoutStart = time.Time{}
		return true
	}

	if c.httpTimeoutStart.IsZero() {
		c.httpTimeoutStart = c.nowFn()
		logging.Debug(subsystem, "Port %d HTTP stall started (%s)", port, httpReason)
	}
	return true
}

// HTTPTimeoutExceeded reports whether an open HTTP-timeout episode has
// persisted beyond the threshold, turning a sustained stall into a restart
// decision for the caller.
func (c *Checker) HTTPTimeoutExceeded() bool {
	if c.httpTimeoutStart.IsZero() {
		return false
	}
	return c.nowFn().Sub(c.httpTimeoutStart) > c.httpThreshold
}

// MarkSuccess clears the transport-failure timer. It deliberately leaves any
// open HTTP-timeout episode in place: a brief transport blip recovering is
// not evidence that an application-level stall has ended.
func (c *Checker) MarkSuccess() {
	c.transportFailureStart = time.Time{}
}

// ResetEpisode closes any open HTTP-timeout episode and drops the cached
// probe result. Called after the port-forward child has been cycled: the
// stall that was measured belonged to the old tunnel, and carrying it over
// would condemn the fresh one before its first probe.
func (c *Checker) ResetEpisode() {
	c.httpTimeoutStart = time.Time{}
	c.lastHTTPProbe = time.Time{}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
