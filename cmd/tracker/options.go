package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ilastik/ilastik-sub003/internal/config"
	"github.com/ilastik/ilastik-sub003/internal/fsutil"
	"github.com/ilastik/ilastik-sub003/internal/monitoring"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l1ingest"
	"github.com/ilastik/ilastik-sub003/internal/tracking/l7export"
	"github.com/ilastik/ilastik-sub003/internal/tracking/learning"
	"github.com/ilastik/ilastik-sub003/internal/tracking/pipeline"
)

type globalOptions struct {
	configPath string
	quiet      bool
}

// inputOptions are the flags shared by every command that runs the
// pipeline.
type inputOptions struct {
	features     string
	labels       string
	labelPattern string
	annotations  string
}

func (o *inputOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.features, "features", "f", "", "Feature table CSV (required)")
	cmd.Flags().StringVarP(&o.labels, "labels", "l", "", "Directory of raw label frames")
	cmd.Flags().StringVar(&o.labelPattern, "label-pattern", l7export.DefaultPattern, "printf pattern of label frame file names")
	cmd.Flags().StringVarP(&o.annotations, "annotations", "a", "", "Annotation JSON for weight learning")
	_ = cmd.MarkFlagRequired("features")
}

func (g *globalOptions) apply() {
	if g.quiet {
		monitoring.SetLogger(nil)
	}
}

func (g *globalOptions) loadConfig() (*config.TrackingConfig, error) {
	if g.configPath == "" {
		return config.EmptyTrackingConfig(), nil
	}
	return config.LoadTrackingConfig(g.configPath)
}

// input reads the files named by o.
func (o *inputOptions) input() (pipeline.Input, error) {
	var in pipeline.Input
	f, err := os.Open(o.features)
	if err != nil {
		return in, fmt.Errorf("open feature table: %w", err)
	}
	defer f.Close()
	if in.Tables, err = l1ingest.ReadFeatureCSV(f); err != nil {
		return in, err
	}
	in.Probs = l1ingest.NewTableProbabilities(in.Tables)
	if o.labels != "" {
		in.Labels = l7export.NewDirSource(fsutil.OSFileSystem{}, o.labels, o.labelPattern)
	}
	if o.annotations != "" {
		if in.Annotations, err = learning.LoadAnnotations(o.annotations); err != nil {
			return in, err
		}
	}
	return in, nil
}
