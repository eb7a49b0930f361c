package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the forward runner itself: everything after the binary name is
// handed to kubectl port-forward, so flag parsing is disabled and the few
// flags kpf owns (--debug, -h) are picked out by hand.
var rootCmd = &cobra.Command{
	Use:   "kpf <resource>/<name> <local-port>:<remote-port> [kubectl port-forward flags]",
	Short: "Keep a kubectl port-forward alive",
	Long: `kpf wraps kubectl port-forward and keeps the tunnel alive: it watches the
target's endpoints for changes, probes the forwarded port and the API
server, and restarts the forward whenever it goes stale instead of letting
it die silently.

All arguments are passed through to kubectl port-forward:

  kpf svc/frontend 8080:80
  kpf pod/api-0 9000:9000 -n production
  kpf deploy/api 8080:80 --context staging

Use --debug to log every probe and subprocess line.`,
	// SilenceUsage prevents printing the usage message on errors we handle
	// ourselves (bad arguments, failed preflight, failed forwards).
	SilenceUsage:       true,
	DisableFlagParsing: true,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "kpf version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func init() {
	// Assigned here rather than in the literal to avoid an initialization
	// cycle: runForward refers back to rootCmd.
	rootCmd.RunE = runForward

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}
