// cbictl is the operator CLI for a running CBI server: queue and
// conversation status, officer token minting, threshold file checks and
// simulated channel messages for smoke tests.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// options are the persistent flags shared by every command.
type options struct {
	server  string
	token   string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "cbictl",
		Short: "Operate a CBI health report ingestion server",
		Long: `cbictl talks to the CBI server's operator API and helps with local setup.

Quick Start:
  cbictl queue stats                         # ingestion backlog
  cbictl conversations active                # open intake conversations
  cbictl token mint --officer dr-amina       # dashboard token
  cbictl thresholds check thresholds.yaml    # validate a threshold file`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.PersistentFlags().StringVar(&opts.server, "server", envOr("CBI_SERVER", "http://localhost:8080"), "CBI server base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CBI_API_TOKEN"), "bearer token for the operator API")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newQueueCmd(opts),
		newConversationsCmd(opts),
		newTokenCmd(),
		newThresholdsCmd(),
		newSimulateCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
