package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kpf/internal/color"
	"kpf/internal/config"
	"kpf/internal/connectivity"
	"kpf/internal/forwarder"
	"kpf/internal/lifecycle"
	"kpf/internal/preflight"
	"kpf/internal/supervisor"
	"kpf/internal/target"
	"kpf/internal/watchdog"
	"kpf/internal/watcher"
	"kpf/pkg/logging"
)

// osExit is swapped out in tests.
var osExit = os.Exit

// runForward is the RunE of the root command: parse the pass-through
// arguments, run preflight, then supervise the forwarder, the endpoint
// watcher and the network watchdog until shutdown.
func runForward(cmd *cobra.Command, args []string) error {
	args, debug := extractDebugFlag(args)

	if len(args) == 0 {
		return cmd.Help()
	}
	for _, a := range args {
		if a == "-h" || a == "--help" {
			return cmd.Help()
		}
		// Flag parsing is disabled on the root command, so its own version
		// flag is handled here.
		if a == "--version" {
			fmt.Fprintf(cmd.OutOrStdout(), "kpf version %s\n", rootCmd.Version)
			return nil
		}
	}

	level := logging.LevelInfo
	if debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tgt, err := target.Parse(args)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), color.Info(fmt.Sprintf(
		"Forwarding %s %d:%d in namespace %s",
		tgt.Resource(), tgt.LocalPort, tgt.RemotePort, tgt.Namespace)))

	if err := preflight.Run(context.Background(), tgt); err != nil {
		return fmt.Errorf("preflight check failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), color.Success("Preflight checks passed"))

	signals := lifecycle.NewSignals()
	checker := connectivity.NewChecker(cfg.Connectivity)

	sup := supervisor.New(signals,
		supervisor.Unit{Name: "forwarder", Run: forwarder.New(signals, tgt, checker, cfg.Forwarder).Run},
		supervisor.Unit{Name: "endpoint-watcher", Run: watcher.New(signals, tgt.Namespace, tgt.Name).Run},
		supervisor.Unit{Name: "watchdog", Run: watchdog.New(signals, cfg.Watchdog, tgt.LocalPort).Run},
	)

	if code := sup.Run(); code != 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), color.Error("Shut down with errors"))
		osExit(code)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), color.Muted("Shut down cleanly"))
	return nil
}

// extractDebugFlag removes --debug from the arguments so it is not passed
// on to kubectl.
func extractDebugFlag(args []string) ([]string, bool) {
	out := args[:0:0]
	debug := false
	for _, a := range args {
		if a == "--debug" {
			debug = true
			continue
		}
		out = append(out, a)
	}
	return out, debug
}
