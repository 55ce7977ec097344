package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	fetchRange  string
	fetchOutput string
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <manifest-id>",
		Short: "Download and decrypt content",
		Long: `Download content through the gateway's decryption proxy. The gateway
must hold a live session that satisfies the manifest's predicate.

Examples:
  vaultctl fetch <manifest-id> -o report.pdf
  vaultctl fetch <manifest-id> --range bytes=-1024 > tail.bin`,
		Args: cobra.ExactArgs(1),
		RunE: runFetch,
	}
	cmd.Flags().StringVarP(&fetchRange, "range", "r", "", "HTTP Range header, e.g. bytes=0-1023")
	cmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	c, err := newGatewayClient(serverURL)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if fetchOutput != "" {
		f, err := os.Create(fetchOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	header, n, err := c.fetch(cmd.Context(), args[0], fetchRange, out)
	if err != nil {
		if fetchOutput != "" {
			os.Remove(fetchOutput)
		}
		return err
	}

	if fetchOutput != "" {
		msg := fmt.Sprintf("wrote %s to %s (%s)", formatBytes(n), fetchOutput, header.Get("Content-Type"))
		if cr := header.Get("Content-Range"); cr != "" {
			msg += ", " + cr
		}
		fmt.Fprintln(cmd.ErrOrStderr(), msg)
	}
	return nil
}
