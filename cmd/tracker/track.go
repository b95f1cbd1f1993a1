package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ilastik/ilastik-sub003/internal/tracking/pipeline"
	"github.com/ilastik/ilastik-sub003/internal/tracking/storage/sqlite"
)

func trackCommand(g *globalOptions) *cobra.Command {
	var (
		in     inputOptions
		outDir string
		dbPath string
	)
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Track objects and export lineages",
		Long: `Track objects across frames by global energy minimisation, resolve
mergers against the label frames and write the relabeled frames, the
object table and the event log to the output directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g.apply()
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			input, err := in.input()
			if err != nil {
				return err
			}
			input.OutputDir = outDir

			var opts []pipeline.Option
			if dbPath != "" {
				store, err := sqlite.Open(dbPath)
				if err != nil {
					return err
				}
				defer store.Close()
				opts = append(opts, pipeline.WithStore(store))
			}
			p, err := pipeline.New(cfg, opts...)
			if err != nil {
				return err
			}
			out, err := p.Run(cmd.Context(), input)
			if err != nil {
				return err
			}
			return printJSON(cmd, struct {
				Fingerprint string         `json:"fingerprint"`
				RunID       string         `json:"run_id,omitempty"`
				Stats       pipeline.Stats `json:"stats"`
			}{out.Fingerprint, out.RunID, out.Stats})
		},
	}
	in.register(cmd)
	cmd.Flags().StringVarP(&outDir, "out", "o", "tracking-out", "Output directory")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite result store; runs are not persisted when empty")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
