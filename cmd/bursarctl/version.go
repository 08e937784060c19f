package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.GetInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "bursarctl %s (commit %s, built %s)\n",
				info.Version, version.GetShortCommit(), info.BuildDate)
		},
	}
}
