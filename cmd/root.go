package cmd

import (
	"fmt"
	"os"

	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
	trace   bool
)

var rootCmd = &cobra.Command{
	Use:   model.AppName,
	Short: "Lease blades and VMs to test clients, deploy BIOS images and provision VMs",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logLevel() int {
	switch {
	case trace:
		return model.LogLevelTrace
	case debug:
		return model.LogLevelDebug
	default:
		return model.LogLevelInfo
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file, settings are overridden by BLADEDIRECTOR_ prefixed env variables")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&trace, "trace", "t", false, "enable trace logging")
}
