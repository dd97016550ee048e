package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "hospital-queue",
		Short: "Hospital outpatient queue service",
		Long: `hospital-queue issues per-counter queue numbers, moves tickets through
waiting, called, serving and done, and publishes queue events to display
screens and the announcement system.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file, overridden by environment variables")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(seedCmd(&configPath))
	rootCmd.AddCommand(relayCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
