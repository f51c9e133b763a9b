package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Print the current status of an execution",
	Long: `status reports the live step statuses of an execution tracked by a
running orchestrator instance. Since this core keeps execution state
only in memory (no durable store across process invocations), status
only finds executions started in this same process — it is provided to
exercise the facade's Status operation directly, e.g. scripted against
a workflow just submitted in the same invocation.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	o, err := buildOrchestrator()
	if err != nil {
		return err
	}
	if err := o.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer o.Stop()

	result, err := o.Status(args[0])
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	printResult(result)
	return nil
}
