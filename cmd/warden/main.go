// Command warden runs the local companion daemon: it accepts tool-hook
// observations over HTTP, queues them durably per session, and serves queue
// and load signals to the dashboard.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"warden/internal/config"
)

var version = "0.4.0"

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "warden",
		Short:         "Session observation queue daemon for AI coding assistants",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to warden.yaml (default ~/.warden/warden.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the warden daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the warden version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("warden %s\n", version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
