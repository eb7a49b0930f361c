package config

// DefaultConfig returns the built-in configuration. These values mirror the
// tool's long-standing behavior: a 5s watchdog cadence with two strikes, a 2s
// settle before health checking, and seconds-scale termination grace.
func DefaultConfig() Config {
	return Config{
		Watchdog: WatchdogSettings{
			IntervalSeconds:  5,
			FailureThreshold: 2,
		},
		Forwarder: ForwarderSettings{
			SettleDelaySeconds:        2,
			HealthCheckTimeoutSeconds: 10,
			TerminateGraceSeconds:     5,
			PollIntervalMillis:        500,
		},
		Connectivity: ConnectivitySettings{
			ProbeTimeoutSeconds:         2,
			HTTPTimeoutThresholdSeconds: 5,
			ProbeCacheMillis:            1000,
		},
	}
}
