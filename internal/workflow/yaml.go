package workflow

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mostlyfutures/orchestra/pkg/orcherr"
)

// yamlStep mirrors WorkflowStep's wire shape for the YAML workflow
// definition format of spec.md §6, with Timeout expressed as a duration
// string ("30s") rather than a time.Duration.
type yamlStep struct {
	ID           string            `yaml:"id"`
	AgentType    string            `yaml:"agent_type"`
	Action       string            `yaml:"action"`
	Parameters   map[string]string `yaml:"parameters"`
	DependsOn    []string          `yaml:"depends_on"`
	Timeout      string            `yaml:"timeout"`
	ResourceType string            `yaml:"resource_type"`
	ResourceCost int               `yaml:"resource_cost"`
}

type yamlWorkflow struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name"`
	Globals map[string]string `yaml:"globals"`
	Steps   []yamlStep        `yaml:"steps"`
}

// LoadYAML parses a workflow definition document, per spec.md §6's
// "declarative document with the fields enumerated in §3" requirement.
// It does not validate the DAG; callers should call Define afterward.
func LoadYAML(data []byte) (*Workflow, error) {
	var doc yamlWorkflow
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, orcherr.New(orcherr.InvalidDefinition, "workflow.LoadYAML", err)
	}

	wf := &Workflow{
		ID:      doc.ID,
		Name:    doc.Name,
		Globals: doc.Globals,
	}
	for _, s := range doc.Steps {
		step := WorkflowStep{
			ID:           s.ID,
			AgentType:    s.AgentType,
			Action:       s.Action,
			Parameters:   s.Parameters,
			DependsOn:    s.DependsOn,
			ResourceType: s.ResourceType,
			ResourceCost: s.ResourceCost,
		}
		if s.Timeout != "" {
			d, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return nil, orcherr.New(orcherr.InvalidDefinition, "workflow.LoadYAML", err)
			}
			step.Timeout = d
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf, nil
}

// LoadYAMLFile reads and parses a workflow definition file.
func LoadYAMLFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, orcherr.New(orcherr.InvalidDefinition, "workflow.LoadYAMLFile", err)
	}
	return LoadYAML(data)
}
