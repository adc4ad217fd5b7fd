package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"manualrag/internal/domain"
)

func newAskCmd(flags *rootFlags) *cobra.Command {
	var (
		maxResults int
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question from the indexed manuals",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags.configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(ctx, a.cfg.Query.QueryTimeout())
			defer cancel()
			ans, err := a.svc.Ask(ctx, domain.Question{Text: strings.Join(args, " "), MaxResults: maxResults})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, ans)
			}
			if ans.Status == domain.OutcomeFailed {
				return fmt.Errorf("no answer after %d attempts: %s", ans.Stats.Attempts, ans.Error)
			}
			fmt.Fprintln(out, ans.Text)
			if ans.Status == domain.OutcomeDegradedNoContext {
				fmt.Fprintln(out, "\n(no retrieved excerpt was relevant; this answer is not grounded in the manuals)")
			}
			if len(ans.SourceDocuments) > 0 {
				fmt.Fprintln(out, "\nSources:")
				for _, s := range ans.SourceDocuments {
					fmt.Fprintln(out, "  "+s)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&maxResults, "max-results", "k", 0, "Number of excerpts to retrieve (1-20, default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full answer as JSON")
	return cmd
}
