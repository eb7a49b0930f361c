package connectivity

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpf/internal/config"
)

func newTestChecker() *Checker {
	return NewChecker(config.DefaultConfig().Connectivity)
}

// timeoutError satisfies net.Error with Timeout() == true.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestTestSocketAccepted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	c := newTestChecker()
	ok, reason := c.TestSocket(port)
	assert.True(t, ok)
	assert.Equal(t, ReasonAccepted, reason)
}

func TestTestSocketRefusedStillMeansPresent(t *testing.T) {
	c := newTestChecker()
	c.dialFn = func(network, address string, timeout time.Duration) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	}

	ok, reason := c.TestSocket(8080)
	assert.True(t, ok, "refusal means something owns the port state, not a hard failure")
	assert.Equal(t, ReasonRefused, reason)
}

func TestTestSocketTimeoutIsHardFailure(t *testing.T) {
	c := newTestChecker()
	c.dialFn = func(network, address string, timeout time.Duration) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: timeoutError{}}
	}

	ok, reason := c.TestSocket(8080)
	assert.False(t, ok)
	assert.Equal(t, ReasonTimeout, reason)
}

func TestTestSocketDNSFailure(t *testing.T) {
	c := newTestChecker()
	c.dialFn = func(network, address string, timeout time.Duration) (net.Conn, error) {
		return nil, &net.DNSError{Err: "no such host", Name: "localhost"}
	}

	ok, reason := c.TestSocket(8080)
	assert.False(t, ok)
	assert.Equal(t, ReasonDNSFailure, reason)
}

func TestTestSocketOtherError(t *testing.T) {
	c := newTestChecker()
	c.dialFn = func(network, address string, timeout time.Duration) (net.Conn, error) {
		return nil, errors.New("network is unreachable")
	}

	ok, reason := c.TestSocket(8080)
	assert.False(t, ok)
	assert.Equal(t, ReasonOSError, reason)
}

func TestTestHTTPAnyStatusIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	port := portOf(t, srv.URL)

	c := newTestChecker()
	ok, reason := c.TestHTTP(port)
	assert.True(t, ok, "a 404 still proves the tunnel carries traffic")
	assert.Equal(t, ReasonHTTPStatus, reason)
}

func TestTestHTTPCachesWithinWindow(t *testing.T) {
	calls := 0
	c := newTestChecker()
	c.httpGetFn = func(client *http.Client, url string) (*http.Response, error) {
		calls++
		return nil, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	}

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	c.nowFn = func() time.Time { return current }

	ok, reason := c.TestHTTP(9999)
	assert.False(t, ok)
	assert.Equal(t, ReasonRefused, reason)

	// Second probe inside the window short-circuits to the cached result.
	current = base.Add(500 * time.Millisecond)
	ok, reason = c.TestHTTP(9999)
	assert.False(t, ok)
	assert.Equal(t, ReasonCached, reason)
	assert.Equal(t, 1, calls)

	// Past the window, the probe runs again.
	current = base.Add(2 * time.Second)
	_, reason = c.TestHTTP(9999)
	assert.NotEqual(t, ReasonCached, reason)
	assert.Equal(t, 2, calls)
}

func TestCheckPortSocketFailureShortCircuits(t *testing.T) {
	httpCalls := 0
	c := newTestChecker()
	c.dialFn = func(network, address string, timeout time.Duration) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: timeoutError{}}
	}
	c.httpGetFn = func(client *http.Client, url string) (*http.Response, error) {
		httpCalls++
		return nil, errors.New("should not be called")
	}

	assert.False(t, c.CheckPort(8080))
	assert.Equal(t, 0, httpCalls, "HTTP probe must be skipped when the socket probe fails")
}

func TestCheckPortHTTPStallOpensEpisode(t *testing.T) {
	c := newTestChecker()
	ln := listenerFor(t)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	c.httpGetFn = func(client *http.Client, url string) (*http.Response, error) {
		return nil, timeoutError{}
	}

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	c.nowFn = func() time.Time { return current }

	// Socket up + HTTP stalled: not an immediate failure.
	assert.True(t, c.CheckPort(port))
	assert.False(t, c.HTTPTimeoutExceeded(), "episode just opened, below threshold")

	// Once the stall persists past the threshold it becomes a restart signal.
	current = base.Add(6 * time.Second)
	assert.True(t, c.HTTPTimeoutExceeded())
}

func TestHTTPSuccessClosesEpisode(t *testing.T) {
	c := newTestChecker()
	ln := listenerFor(t)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	c.nowFn = func() time.Time { return current }

	httpOK := false
	c.httpGetFn = func(client *http.Client, url string) (*http.Response, error) {
		if httpOK {
			rec := httptest.NewRecorder()
			rec.WriteHeader(http.StatusOK)
			return rec.Result(), nil
		}
		return nil, timeoutError{}
	}

	assert.True(t, c.CheckPort(port))

	// A later HTTP success closes the episode even after the threshold.
	httpOK = true
	current = base.Add(10 * time.Second)
	assert.True(t, c.CheckPort(port))
	assert.False(t, c.HTTPTimeoutExceeded())
}

func TestMarkSuccessLeavesHTTPEpisodeOpen(t *testing.T) {
	c := newTestChecker()
	ln := listenerFor(t)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	c.nowFn = func() time.Time { return current }

	c.httpGetFn = func(client *http.Client, url string) (*http.Response, error) {
		return nil, timeoutError{}
	}

	require.True(t, c.CheckPort(port))

	// A transport-level all-clear must not erase the application-level stall.
	c.MarkSuccess()
	current = base.Add(6 * time.Second)
	assert.True(t, c.HTTPTimeoutExceeded())
}

func TestResetEpisodeClosesStallAndCache(t *testing.T) {
	c := newTestChecker()
	ln := listenerFor(t)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	c.nowFn = func() time.Time { return current }

	httpCalls := 0
	c.httpGetFn = func(client *http.Client, url string) (*http.Response, error) {
		httpCalls++
		return nil, timeoutError{}
	}

	// Open an episode and push it past the threshold, as it would be right
	// before the forwarder cycles the child.
	require.True(t, c.CheckPort(port))
	current = base.Add(6 * time.Second)
	require.True(t, c.HTTPTimeoutExceeded())

	c.ResetEpisode()

	// The old stall is gone: a fresh probe against a target that never
	// answers HTTP opens a brand new episode below the threshold instead of
	// condemning the new tunnel immediately.
	assert.False(t, c.HTTPTimeoutExceeded())
	assert.True(t, c.CheckPort(port))
	assert.Equal(t, 2, httpCalls, "the cached pre-reset result must not be reused")
	assert.False(t, c.HTTPTimeoutExceeded())
}

// listenerFor opens a real localhost listener so the socket probe passes.
func listenerFor(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func portOf(t *testing.T, url string) int {
	t.Helper()
	idx := strings.LastIndex(url, ":")
	require.Positive(t, idx)
	port, err := strconv.Atoi(url[idx+1:])
	require.NoError(t, err, fmt.Sprintf("unexpected test server URL %q", url))
	return port
}
