package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mostlyfutures/orchestra/internal/orchestrator"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Initialize and run the orchestrator until interrupted",
	Long: `start loads the configuration file, brings up the resource manager,
message bus, and workflow engine, and blocks until SIGINT/SIGTERM, at
which point every component is stopped in order.`,
	RunE: runStart,
}

func buildOrchestrator() (*orchestrator.Orchestrator, error) {
	opts := []orchestrator.Option{}
	if logPath != "" {
		l, err := orchestrator.NewDebugLogger(logPath)
		if err != nil {
			return nil, fmt.Errorf("open debug log: %w", err)
		}
		opts = append(opts, orchestrator.WithLogger(l))
	}
	o := orchestrator.New(opts...)
	if err := o.Initialize(configPath); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return o, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	o, err := buildOrchestrator()
	if err != nil {
		return err
	}
	if err := o.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	fmt.Println("orchestratord started; press Ctrl-C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down")
	return o.Stop()
}
