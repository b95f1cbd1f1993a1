package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ilastik/ilastik-sub003/internal/version"
)

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String("tracker"))
		},
	}
}
