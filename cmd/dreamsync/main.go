package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "dreamsync",
	Short: "Offline-resilient companion for the dream interpretation service",
	Long: `dreamsync keeps your dreams safe when the interpretation service is not.

Dreams submitted while offline are persisted locally and replayed
automatically once the service becomes reachable again. The daemon
(dreamsync start) owns the durable queue; the other commands talk to it
over a loopback API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(commentCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
