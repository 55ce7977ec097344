package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kenneth/sealvault/internal/api"
	"github.com/kenneth/sealvault/internal/store"
)

var (
	inspectFile bool
	inspectJSON bool
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <manifest-id | path>",
		Short: "Show the cleartext fields of a manifest",
		Long: `Show what a manifest exposes without decrypting it: the header version,
the predicate and, for V3 manifests, the file and chunk topology.

With --file the argument is a local manifest blob and no gateway is needed.`,
		Args: cobra.ExactArgs(1),
		RunE: runInspect,
	}
	cmd.Flags().BoolVarP(&inspectFile, "file", "f", false, "read the manifest from a local file")
	cmd.Flags().BoolVar(&inspectJSON, "json", false, "print as JSON")
	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	var (
		info *api.ManifestInfo
		err  error
	)
	if inspectFile {
		info, err = inspectLocal(args[0])
	} else {
		var c *gatewayClient
		c, err = newGatewayClient(serverURL)
		if err == nil {
			info, err = c.inspect(cmd.Context(), args[0])
		}
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if inspectJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	printManifestInfo(out, info)
	return nil
}

func inspectLocal(path string) (*api.ManifestInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := api.Inspect(store.Address(data), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return info, nil
}

func printManifestInfo(w io.Writer, info *api.ManifestInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", info.ID)
	fmt.Fprintf(tw, "Version:\t%s\n", info.Version)
	fmt.Fprintf(tw, "Created:\t%s\n", info.Created.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(tw, "Predicate:\t%s\n", string(info.Predicate))
	fmt.Fprintf(tw, "Predicate hash:\t%s\n", info.PredicateHash)
	if info.Binding != nil {
		fmt.Fprintf(tw, "Binding:\t%s %s %s\n", info.Binding.Network, info.Binding.Contract, info.Binding.Recipient)
	}
	if info.File != nil {
		fmt.Fprintf(tw, "File:\t%s (%s, %s)\n", info.File.Name, info.File.Type, formatBytes(info.File.Size))
		fmt.Fprintf(tw, "File hash:\t%s\n", info.FileHash)
		fmt.Fprintf(tw, "Key hash:\t%s\n", info.KeyHash)
		fmt.Fprintf(tw, "Chunks:\t%d\n", len(info.Chunks))
	}
	tw.Flush()

	if len(info.Chunks) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tOFFSET\tSIZE\tADDRESS")
	for _, c := range info.Chunks {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", c.Index, c.Offset, c.Size, c.Address)
	}
	tw.Flush()
}
