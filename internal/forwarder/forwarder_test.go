package forwarder

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpf/internal/config"
	"kpf/internal/lifecycle"
	"kpf/internal/target"
)

type fakeChecker struct {
	mu      sync.Mutex
	healthy bool
	stalled bool
	marks   int
	resets  int
}

func (c *fakeChecker) CheckPort(port int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *fakeChecker) MarkSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks++
}

func (c *fakeChecker) HTTPTimeoutExceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

func (c *fakeChecker) ResetEpisode() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	c.stalled = false
}

func (c *fakeChecker) resetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

func (c *fakeChecker) setStalled(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalled = v
}

type fakeChild struct {
	mu         sync.Mutex
	done       chan struct{}
	terms      int
	kills      int
	exitOnTerm bool
}

func newFakeChild(exitOnTerm bool) *fakeChild {
	return &fakeChild{done: make(chan struct{}), exitOnTerm: exitOnTerm}
}

func (c *fakeChild) Done() <-chan struct{} { return c.done }

func (c *fakeChild) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terms++
	if c.exitOnTerm {
		c.exitLocked()
	}
	return nil
}

func (c *fakeChild) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kills++
	c.exitLocked()
	return nil
}

func (c *fakeChild) exitLocked() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *fakeChild) exit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitLocked()
}

func (c *fakeChild) counts() (terms, kills int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terms, c.kills
}

// testForwarder builds a forwarder with fast timings, a healthy checker and
// a launcher that records every spawned child.
func testForwarder(t *testing.T) (*Forwarder, *lifecycle.Signals, *fakeChecker, func() []*fakeChild) {
	t.Helper()
	signals := lifecycle.NewSignals()
	checker := &fakeChecker{healthy: true}
	tgt := &target.Target{
		Kind: target.KindService, Name: "frontend", Namespace: "default",
		LocalPort: 8080, RemotePort: 80,
		Args: []string{"svc/frontend", "8080:80"},
	}
	f := New(signals, tgt, checker, config.DefaultConfig().Forwarder)
	f.settleDelay = 0
	f.healthTimeout = 200 * time.Millisecond
	f.grace = 50 * time.Millisecond
	f.pollInterval = 5 * time.Millisecond
	f.probeInterval = time.Hour // individual tests lower this when they need probing

	var mu sync.Mutex
	var children []*fakeChild
	f.launchFn = func() (Child, error) {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeChild(true)
		children = append(children, c)
		return c, nil
	}
	snapshot := func() []*fakeChild {
		mu.Lock()
		defer mu.Unlock()
		return append([]*fakeChild(nil), children...)
	}
	return f, signals, checker, snapshot
}

func runAsync(f *Forwarder) chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run() }()
	return errCh
}

func waitForChildren(t *testing.T, snapshot func() []*fakeChild, n int) []*fakeChild {
	t.Helper()
	require.Eventually(t, func() bool { return len(snapshot()) >= n },
		2*time.Second, 2*time.Millisecond)
	return snapshot()
}

func TestHealthyChildRunsUntilShutdown(t *testing.T) {
	f, signals, _, snapshot := testForwarder(t)
	errCh := runAsync(f)

	children := waitForChildren(t, snapshot, 1)
	time.Sleep(20 * time.Millisecond)
	signals.RequestShutdown()

	require.NoError(t, <-errCh)
	assert.Len(t, snapshot(), 1)
	terms, _ := children[0].counts()
	assert.GreaterOrEqual(t, terms, 1, "child should be terminated on shutdown")
}

func TestShutdownBeforeStartLaunchesNothing(t *testing.T) {
	f, signals, _, snapshot := testForwarder(t)
	signals.RequestShutdown()

	require.NoError(t, f.Run())
	assert.Empty(t, snapshot())
}

func TestLaunchFailureIsFatal(t *testing.T) {
	f, signals, _, _ := testForwarder(t)
	f.launchFn = func() (Child, error) {
		return nil, assert.AnError
	}

	err := f.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, signals.ShuttingDown(), "launch failure should raise shutdown")
}

func TestHealthCheckFailureIsFatal(t *testing.T) {
	f, signals, checker, snapshot := testForwarder(t)
	checker.healthy = false

	err := f.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check failed")
	assert.True(t, signals.ShuttingDown())

	children := snapshot()
	require.Len(t, children, 1)
	terms, _ := children[0].counts()
	assert.GreaterOrEqual(t, terms, 1, "unhealthy child should still be terminated")
}

func TestRestartCyclesChild(t *testing.T) {
	f, signals, _, snapshot := testForwarder(t)
	errCh := runAsync(f)

	waitForChildren(t, snapshot, 1)
	signals.RequestRestart()

	children := waitForChildren(t, snapshot, 2)
	terms, _ := children[0].counts()
	assert.GreaterOrEqual(t, terms, 1, "old child should be terminated before relaunch")
	assert.False(t, signals.RestartRequested(), "restart flag should be cleared after the cycle")
	assert.GreaterOrEqual(t, f.checker.(*fakeChecker).resetCount(), 1)

	signals.RequestShutdown()
	require.NoError(t, <-errCh)
}

func TestChildExitRelaunches(t *testing.T) {
	f, signals, _, snapshot := testForwarder(t)
	errCh := runAsync(f)

	children := waitForChildren(t, snapshot, 1)
	children[0].exit()

	waitForChildren(t, snapshot, 2)
	signals.RequestShutdown()
	require.NoError(t, <-errCh)
}

func TestSustainedHTTPStallTriggersRestart(t *testing.T) {
	f, signals, checker, snapshot := testForwarder(t)
	f.probeInterval = 5 * time.Millisecond
	errCh := runAsync(f)

	waitForChildren(t, snapshot, 1)
	checker.setStalled(true)

	children := waitForChildren(t, snapshot, 2)
	terms, _ := children[0].counts()
	assert.GreaterOrEqual(t, terms, 1)
	assert.GreaterOrEqual(t, checker.resetCount(), 1,
		"the stall episode must be closed when the child it belongs to is cycled")

	// The episode was reset with the restart, so the replacement child must
	// keep running instead of being cycled again for the same stall.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, snapshot(), 2, "a single stall escalates into a single restart")

	signals.RequestShutdown()
	require.NoError(t, <-errCh)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	f, _, _, _ := testForwarder(t)
	f.grace = 20 * time.Millisecond

	child := newFakeChild(false) // ignores SIGTERM
	f.terminateChild(child)

	terms, kills := child.counts()
	assert.Equal(t, 1, terms)
	assert.GreaterOrEqual(t, kills, 1, "stubborn child should be killed after the grace period")
}

func TestTerminateAlreadyExitedChildIsNoop(t *testing.T) {
	f, _, _, _ := testForwarder(t)

	child := newFakeChild(true)
	child.exit()
	f.terminateChild(child)

	terms, kills := child.counts()
	assert.Zero(t, terms)
	assert.Zero(t, kills)
}
