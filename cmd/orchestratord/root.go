package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string
var logPath string

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Agentic Orchestrator Core daemon",
	Long: `orchestratord drives the agent lifecycle FSM, token-bucket resource
manager, message bus, and workflow engine behind a single process.

With no subcommand it is equivalent to "start": it loads the
configuration file, brings every component up, and blocks until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "orchestrator.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "", "path to a debug log file (disabled if empty)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	Execute()
}
