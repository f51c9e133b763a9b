package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print resource and agent counters",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	o, err := buildOrchestrator()
	if err != nil {
		return err
	}
	if err := o.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer o.Stop()

	stats := o.Statistics()
	fmt.Printf("agents: %d\n", stats.AgentCount)
	fmt.Printf("active executions: %d\n", stats.ActiveExecution)
	fmt.Printf("degraded: %t\n", stats.Degraded)
	for resourceType, s := range stats.ResourceStats {
		fmt.Printf("resource %s: %d/%d tokens, utilization %.2f\n",
			resourceType, s.CurrentTokens, s.MaxTokens, s.Utilization)
	}
	return nil
}
