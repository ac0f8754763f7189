package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "bisectctl",
		Short: "bisectctl - distributed kernel regression bisection",
		Long:  "Drives a git bisect across one or more lab hosts: builds a candidate kernel, installs it, reboots, runs the test, and reports the first bad commit.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env overrides apply on top)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text, wide, json, or yaml")

	rootCmd.AddCommand(
		initCmd(),
		startCmd(),
		statusCmd(),
		reportCmd(),
		buildCmd(),
		ipmiCmd(),
		monitorCmd(),
		logsCmd(),
		metadataCmd(),
		tailCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
