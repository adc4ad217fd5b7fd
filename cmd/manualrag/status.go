package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the served index generation and recent ingestion runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags.configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.svc.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, struct {
					Status any `json:"status"`
					Info   any `json:"system_info"`
				}{report, a.svc.SystemInfo()})
			}

			if !report.Loaded {
				fmt.Fprintln(out, "No index generation. Run `manualrag ingest` first.")
				if report.LoadError != "" {
					fmt.Fprintln(out, "Load error:", report.LoadError)
				}
			} else {
				fmt.Fprintf(out, "Generation:  %s\n", report.GenerationID)
				fmt.Fprintf(out, "Built:       %s\n", report.BuiltAt.Local().Format(time.RFC3339))
				fmt.Fprintf(out, "Embedder:    %s\n", report.EmbedderID)
				fmt.Fprintf(out, "Chunks:      %d\n", report.Chunks)
				if report.Digest != "" {
					fmt.Fprintf(out, "Digest:      %s\n", report.Digest)
				}
			}
			info := a.svc.SystemInfo().Config
			fmt.Fprintf(out, "Model:       %s\n", info.ModelName)
			fmt.Fprintf(out, "Max docs:    %d\n", info.MaxRetrievalDocs)
			if info.RemoteEnabled {
				fmt.Fprintf(out, "Remote:      %s %s/%s\n", info.RemoteBackend, info.VectorStoreBucket, info.VectorStoreBlob)
			}

			if len(report.RecentRuns) > 0 {
				fmt.Fprintln(out, "\nRecent ingestion runs:")
				for _, r := range report.RecentRuns {
					line := fmt.Sprintf("  %s  %-10s docs=%d chunks=%d", r.StartedAt.Local().Format(time.DateTime), r.Stage, r.Documents, r.Chunks)
					if r.Error != "" {
						line += fmt.Sprintf("  failed at %s: %s", r.FailedAt, r.Error)
					} else if r.ReplicationError != "" {
						line += "  (not replicated)"
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status and system info as JSON")
	return cmd
}
