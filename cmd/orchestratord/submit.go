package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mostlyfutures/orchestra/internal/workflow"
)

var submitVars []string

var submitCmd = &cobra.Command{
	Use:   "submit <workflow.yaml>",
	Short: "Define and run a workflow, printing its result when done",
	Long: `submit loads a workflow definition from a YAML file, starts an
orchestrator instance, executes the workflow to completion, and prints
the final step-by-step result.

This core has no persistent store of workflow state across process
invocations (spec.md's Non-goals exclude durable storage), so submit
is self-contained: it brings up its own orchestrator, runs exactly one
workflow, and tears everything down again before exiting.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringArrayVar(&submitVars, "var", nil, "initial variable in key=value form, may be repeated")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	wf, err := workflow.LoadYAMLFile(args[0])
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}

	o, err := buildOrchestrator()
	if err != nil {
		return err
	}
	if err := o.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer o.Stop()

	if err := o.DefineWorkflow(wf); err != nil {
		return fmt.Errorf("define workflow: %w", err)
	}

	vars, err := parseVars(submitVars)
	if err != nil {
		return err
	}

	execID, err := o.Execute(wf.ID, vars)
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	fmt.Printf("execution %s started\n", execID)

	result, err := o.Results(execID)
	if err != nil {
		return fmt.Errorf("results: %w", err)
	}
	printResult(result)
	return nil
}

func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := splitKeyValue(p)
		if !ok {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", p)
		}
		out[key] = value
	}
	return out, nil
}

func splitKeyValue(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func printResult(result workflow.ExecutionResult) {
	fmt.Printf("execution %s (workflow %s):\n", result.ExecutionID, result.WorkflowID)
	for id, step := range result.Steps {
		line := fmt.Sprintf("  %s: %s", id, step.Status)
		if step.Err != nil {
			line += fmt.Sprintf(" (%v)", step.Err)
		}
		fmt.Println(line)
	}
}
