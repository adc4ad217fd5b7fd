package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"manualrag/internal/ingest"
)

func newIngestCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Rebuild the index from the corpus and publish it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags.configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			a.pipeline.OnProgress = func(p ingest.Progress) {
				if p.Stage == ingest.StageEmbedding && p.Total > 0 {
					a.log.WithField("done", p.Done).WithField("total", p.Total).Debug("embedding")
				}
			}
			res, err := a.svc.Ingest(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Published generation %s: %d documents, %d chunks in %s\n",
				res.Generation.ID, res.Documents, res.Chunks, res.Finished.Sub(res.Started).Round(time.Millisecond))
			if res.Report.Replicated {
				fmt.Fprintln(out, "Replicated to remote store.")
			} else if res.Report.ReplicationErr != nil {
				fmt.Fprintf(out, "Warning: %v (local copy is authoritative)\n", res.Report.ReplicationErr)
			}
			if res.Generation.Digest != "" {
				fmt.Fprintf(out, "\n%s\n", res.Generation.Digest)
			}
			return nil
		},
	}
}
