package config

// Config is the top-level configuration structure for kpf. Every field has a
// built-in default (see defaults.go); user and project config files only need
// to name the values they want to change.
type Config struct {
	Watchdog     WatchdogSettings     `yaml:"watchdog"`
	Forwarder    ForwarderSettings    `yaml:"forwarder"`
	Connectivity ConnectivitySettings `yaml:"connectivity"`
}

// WatchdogSettings tune the network watchdog that detects zombie tunnels.
type WatchdogSettings struct {
	// IntervalSeconds is the pause between connectivity checks.
	IntervalSeconds int `yaml:"intervalSeconds,omitempty"`
	// FailureThreshold is how many consecutive failed checks trigger a
	// restart of the port-forward.
	FailureThreshold int `yaml:"failureThreshold,omitempty"`
}

// ForwarderSettings tune the kubectl child process lifecycle.
type ForwarderSettings struct {
	// SettleDelaySeconds is how long to wait after launching kubectl before
	// the first health probe.
	SettleDelaySeconds int `yaml:"settleDelaySeconds,omitempty"`
	// HealthCheckTimeoutSeconds bounds the post-launch health check. A
	// forwarder that is not accepting connections by then fails the run.
	HealthCheckTimeoutSeconds int `yaml:"healthCheckTimeoutSeconds,omitempty"`
	// TerminateGraceSeconds is the SIGTERM-to-SIGKILL escalation window.
	TerminateGraceSeconds int `yaml:"terminateGraceSeconds,omitempty"`
	// PollIntervalMillis is the cadence at which the forwarder polls the
	// restart/shutdown signals while running.
	PollIntervalMillis int `yaml:"pollIntervalMillis,omitempty"`
}

// ConnectivitySettings tune the low-level port probes.
type ConnectivitySettings struct {
	// ProbeTimeoutSeconds is the per-probe TCP/HTTP timeout.
	ProbeTimeoutSeconds int `yaml:"probeTimeoutSeconds,omitempty"`
	// HTTPTimeoutThresholdSeconds is how long a sustained HTTP stall must
	// persist before it escalates into a restart.
	HTTPTimeoutThresholdSeconds int `yaml:"httpTimeoutThresholdSeconds,omitempty"`
	// ProbeCacheMillis is the window within which repeated HTTP probes
	// short-circuit to the last known result.
	ProbeCacheMillis int `yaml:"probeCacheMillis,omitempty"`
}
