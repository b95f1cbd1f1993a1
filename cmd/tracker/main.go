// Command tracker runs the cell tracking engine over exported feature
// tables and label images.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// rootCommand assembles the command tree.
func rootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "tracker",
		Short:         "Graph-optimisation cell tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Tracking configuration JSON (defaults apply when empty)")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress progress logging")

	root.AddCommand(
		trackCommand(opts),
		learnCommand(opts),
		runsCommand(),
		versionCommand(),
	)
	return root
}
