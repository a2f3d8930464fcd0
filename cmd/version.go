package cmd

import (
	"fmt"

	"github.com/metal-toolbox/bladedirector/internal/version"
	"github.com/spf13/cobra"
)

var cmdVersion = &cobra.Command{
	Use:   "version",
	Short: "Print bladedirector version along with dependency information.",
	Run: func(_ *cobra.Command, _ []string) {
		v := version.Current()

		fmt.Printf(
			"commit: %s\nbranch: %s\ngit summary: %s\nbuildDate: %s\nversion: %s\nGo version: %s\nbmclib version: %s\nsqlite version: %s\n",
			v.GitCommit, v.GitBranch, v.GitSummary, v.BuildDate, v.AppVersion, v.GoVersion, v.BmclibVersion, v.SQLiteVersion)
	},
}

func init() {
	rootCmd.AddCommand(cmdVersion)
}
