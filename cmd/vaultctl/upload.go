package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kenneth/sealvault/internal/uploader"
)

var (
	uploadPredicate string
	uploadFormat    string
	uploadWatch     bool
	uploadJSON      bool
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Encrypt and publish files",
		Long: `Encrypt one or more files on the gateway and publish a manifest for each.

The predicate is the access-control condition JSON. Pass it inline or as
@path to read it from a file.

Examples:
  vaultctl upload a.bin b.bin --predicate @predicate.json
  vaultctl upload report.pdf --predicate '{"chain":"base"}' --format v3 --watch`,
		Args: cobra.MinimumNArgs(1),
		RunE: runUpload,
	}
	cmd.Flags().StringVarP(&uploadPredicate, "predicate", "p", "", "access-control predicate JSON, or @file")
	cmd.Flags().StringVar(&uploadFormat, "format", "", "manifest format: v3 or v4 (gateway default when empty)")
	cmd.Flags().BoolVarP(&uploadWatch, "watch", "w", false, "print progress while uploading")
	cmd.Flags().BoolVar(&uploadJSON, "json", false, "print results as JSON")
	_ = cmd.MarkFlagRequired("predicate")
	return cmd
}

// readPredicate returns the predicate bytes from an inline value or @file.
func readPredicate(v string) ([]byte, error) {
	var data []byte
	if path, ok := strings.CutPrefix(v, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read predicate: %w", err)
		}
		data = b
	} else {
		data = []byte(v)
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, fmt.Errorf("predicate is not valid JSON")
	}
	return data, nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	predicate, err := readPredicate(uploadPredicate)
	if err != nil {
		return err
	}
	for _, p := range args {
		if _, err := os.Stat(p); err != nil {
			return err
		}
	}

	c, err := newGatewayClient(serverURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var uploadID string
	done := make(chan struct{})
	if uploadWatch {
		uploadID = uuid.NewString()
		events, err := c.watchUpload(ctx, uploadID)
		if err != nil {
			return fmt.Errorf("watch upload: %w", err)
		}
		go func() {
			defer close(done)
			printProgress(cmd.ErrOrStderr(), events)
		}()
	} else {
		close(done)
	}

	results, err := c.uploadFiles(ctx, args, predicate, uploadFormat, uploadID)
	if err != nil {
		cancel()
		<-done
		return err
	}
	<-done

	out := cmd.OutOrStdout()
	if uploadJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	printResults(out, results)
	return nil
}

func printProgress(w io.Writer, events <-chan uploader.Event) {
	for ev := range events {
		switch ev.Type {
		case uploader.EventProgress:
			if p := ev.Progress; p != nil {
				if p.Total > 0 {
					fmt.Fprintf(w, "\r[%d/%d] %s chunk %d  %5.1f%%  %s/s   ",
						p.FileIndex+1, p.FileCount, p.File, p.Chunk, p.Percent(), formatBytes(int64(p.Rate())))
				} else {
					fmt.Fprintf(w, "\r[%d/%d] %s chunk %d  %s   ",
						p.FileIndex+1, p.FileCount, p.File, p.Chunk, formatBytes(p.Bytes))
				}
			}
		case uploader.EventFileComplete:
			if r := ev.Result; r != nil {
				fmt.Fprintf(w, "\r%s: %d chunks, manifest %s\n", r.Name, r.Chunks, r.Manifest)
			}
		case uploader.EventError:
			fmt.Fprintf(w, "\rupload failed: %s\n", ev.Error)
		case uploader.EventComplete:
			fmt.Fprintln(w)
		}
	}
}

func printResults(w io.Writer, results []uploader.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tCHUNKS\tFORMAT\tMANIFEST")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.Name, formatBytes(r.Size), r.Chunks, r.Format, r.Manifest)
	}
	tw.Flush()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
