package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ilastik/ilastik-sub003/internal/tracking/learning"
	"github.com/ilastik/ilastik-sub003/internal/tracking/pipeline"
)

func learnCommand(g *globalOptions) *cobra.Command {
	var (
		in        inputOptions
		writePath string
		maxIter   int
	)
	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Learn energy weights from annotations",
		Args:  cobra.NoArgs,
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
			if input.Annotations.Empty() {
				return fmt.Errorf("learn needs a non-empty --annotations file")
			}
			p, err := pipeline.New(cfg, pipeline.WithLearningOptions(learning.Options{MaxIterations: maxIter}))
			if err != nil {
				return err
			}
			out, err := p.Run(cmd.Context(), input)
			if err != nil {
				return err
			}

			w := out.Learned.Weights
			learned := p.Config()
			learned.DetectionWeight = &w.Detection
			learned.DivisionWeight = &w.Division
			learned.TransitionWeight = &w.Transition
			learned.AppearanceCost = &w.Appearance
			learned.DisappearanceCost = &w.Disappearance
			if writePath != "" {
				data, err := json.MarshalIndent(learned, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(writePath, append(data, '\n'), 0o644); err != nil {
					return fmt.Errorf("write learned configuration: %w", err)
				}
			}
			return printJSON(cmd, struct {
				Report     learning.Report `json:"report"`
				Neighbours int             `json:"neighbours"`
			}{*out.Learned, out.Stats.Neighbours})
		},
	}
	in.register(cmd)
	_ = cmd.MarkFlagRequired("annotations")
	cmd.Flags().StringVarP(&writePath, "write-config", "w", "", "Write the configuration with the learned weights to this file")
	cmd.Flags().IntVar(&maxIter, "max-iterations", learning.DefaultMaxIterations, "Perceptron iteration bound")
	return cmd
}
