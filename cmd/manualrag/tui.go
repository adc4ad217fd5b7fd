package main

import (
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"manualrag/internal/tui"
)

func newTUICmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Ask questions interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags.configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()
			// the TUI owns the terminal
			a.log.SetOutput(io.Discard)

			report, err := a.svc.Status(ctx)
			if err != nil {
				return err
			}
			digest := report.Digest
			if !report.Loaded {
				digest = "No index yet. Run `manualrag ingest` first."
			}
			if a.cfg.Query.WatchCache {
				a.watchCache(ctx)
			}
			m := tui.New(a.svc, digest, a.cfg.Query.QueryTimeout())
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			return err
		},
	}
}
