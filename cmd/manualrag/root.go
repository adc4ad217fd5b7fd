package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

const rootLongDesc string = `manualrag answers questions about a corpus of product manuals.

Build the index once, then ask questions:
  manualrag ingest            Rebuild the index from the configured corpus
  manualrag ask "question"    Answer one question
  manualrag serve             Run the HTTP API
  manualrag tui               Ask questions interactively
  manualrag status            Show the served index and recent ingestion runs`

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "manualrag",
		Short:         "Question answering over product manuals",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML or TOML config file (default ./config.yaml, then ~/.config/manualrag/config.yaml)")

	cmd.AddCommand(
		newIngestCmd(flags),
		newAskCmd(flags),
		newStatusCmd(flags),
		newServeCmd(flags),
		newTUICmd(flags),
		newConfigCmd(flags),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
