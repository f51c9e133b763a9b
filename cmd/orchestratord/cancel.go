package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel a running execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	o, err := buildOrchestrator()
	if err != nil {
		return err
	}
	if err := o.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer o.Stop()

	if err := o.Cancel(args[0]); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	fmt.Printf("execution %s cancelled\n", args[0])
	return nil
}
