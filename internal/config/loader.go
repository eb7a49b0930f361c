package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/kpf"
	projectConfigDir = ".kpf"
	configFileName   = "config.yaml"
)

// LoadConfig loads the kpf configuration by layering default, user, and
// project settings. Missing files are not an error; malformed files are.
func LoadConfig() (Config, error) {
	// 1. Start with the default configuration
	cfg := DefaultConfig()

	// 2. Overlay user-specific configuration
	userConfigPath, err := getUserConfigPath()
	if err != nil {
		// User config is optional; note the problem and continue.
		fmt.Fprintf(os.Stderr, "Warning: Could not determine user config path: %v\n", err)
	} else {
		if _, err := os.Stat(userConfigPath); !os.IsNotExist(err) {
			userCfg, err := loadConfigFromFile(userConfigPath)
			if err != nil {
				return Config{}, fmt.Errorf("error loading user config from %s: %w", userConfigPath, err)
			}
			cfg = mergeConfigs(cfg, userCfg)
		}
	}

	// 3. Overlay project-specific configuration
	projectConfigPath, err := getProjectConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not determine project config path: %v\n", err)
	} else {
		if _, err := os.Stat(projectConfigPath); !os.IsNotExist(err) {
			projectCfg, err := loadConfigFromFile(projectConfigPath)
			if err != nil {
				return Config{}, fmt.Errorf("error loading project config from %s: %w", projectConfigPath, err)
			}
			cfg = mergeConfigs(cfg, projectCfg)
		}
	}

	return cfg, nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

func loadConfigFromFile(filePath string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeConfigs merges 'overlay' into 'base'. A zero value in the overlay
// means "not set" and leaves the base value in place.
func mergeConfigs(base, overlay Config) Config {
	merged := base

	if overlay.Watchdog.IntervalSeconds > 0 {
		merged.Watchdog.IntervalSeconds = overlay.Watchdog.IntervalSeconds
	}
	if overlay.Watchdog.FailureThreshold > 0 {
		merged.Watchdog.FailureThreshold = overlay.Watchdog.FailureThreshold
	}

	if overlay.Forwarder.SettleDelaySeconds > 0 {
		merged.Forwarder.SettleDelaySeconds = overlay.Forwarder.SettleDelaySeconds
	}
	if overlay.Forwarder.HealthCheckTimeoutSeconds > 0 {
		merged.Forwarder.HealthCheckTimeoutSeconds = overlay.Forwarder.HealthCheckTimeoutSeconds
	}
	if overlay.Forwarder.TerminateGraceSeconds > 0 {
		merged.Forwarder.TerminateGraceSeconds = overlay.Forwarder.TerminateGraceSeconds
	}
	if overlay.Forwarder.PollIntervalMillis > 0 {
		merged.Forwarder.PollIntervalMillis = overlay.Forwarder.PollIntervalMillis
	}

	if overlay.Connectivity.ProbeTimeoutSeconds > 0 {
		merged.Connectivity.ProbeTimeoutSeconds = overlay.Connectivity.ProbeTimeoutSeconds
	}
	if overlay.Connectivity.HTTPTimeoutThresholdSeconds > 0 {
		merged.Connectivity.HTTPTimeoutThresholdSeconds = overlay.Connectivity.HTTPTimeoutThresholdSeconds
	}
	if overlay.Connectivity.ProbeCacheMillis > 0 {
		merged.Connectivity.ProbeCacheMillis = overlay.Connectivity.ProbeCacheMillis
	}

	return merged
}
