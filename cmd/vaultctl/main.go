// vaultctl is the operator CLI for a sealvault gateway.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

var (
	serverURL      string
	requestTimeout time.Duration
	verbose        bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vaultctl",
		Short: "vaultctl - operate a sealvault gateway",
		Long: `vaultctl uploads files to a sealvault gateway, manages the gateway's
access-control session and fetches or inspects sealed content.

Examples:
  # Store a session credential issued by the access-control service
  vaultctl session set --token $TOKEN --expires 2026-12-31T00:00:00Z

  # Encrypt and publish a file, following progress
  vaultctl upload report.pdf --predicate @predicate.json --watch

  # Fetch the first kilobyte of a file
  vaultctl fetch <manifest-id> --range bytes=0-1023 -o head.bin`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	serverDefault := os.Getenv("SEALVAULT_URL")
	if serverDefault == "" {
		serverDefault = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", serverDefault, "gateway URL (env SEALVAULT_URL)")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 0, "overall request timeout (0 disables)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newSessionCmd())
	rootCmd.AddCommand(newBenchCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			version.Version = buildVersion
			version.Revision = buildCommit
			fmt.Fprintln(cmd.OutOrStdout(), version.Print("vaultctl"))
		},
	})

	return rootCmd
}
