package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/conductor/internal/agent"
)

// TaskSpec describes a task before it becomes part of a plan.
type TaskSpec struct {
	ID           string          `json:"id"`
	Goal         string          `json:"goal"`
	Capabilities []string        `json:"capabilities"`
	DependsOn    []string        `json:"depends_on,omitempty"`
	Inputs       json.RawMessage `json:"inputs,omitempty"`
}

// Decomposer turns a goal into a task graph.
type Decomposer interface {
	Decompose(ctx context.Context, goal string, caps []string) ([]TaskSpec, error)
}

// ChainDecomposer creates one task per required capability and runs them
// in sequence. Without capabilities it yields a single task.
type ChainDecomposer struct{}

func (ChainDecomposer) Decompose(_ context.Context, goal string, caps []string) ([]TaskSpec, error) {
	caps = agent.NormalizeCapabilities(caps)
	if len(caps) == 0 {
		return []TaskSpec{{ID: "t1", Goal: goal}}, nil
	}

	specs := make([]TaskSpec, len(caps))
	for i, c := range caps {
		specs[i] = TaskSpec{
			ID:           fmt.Sprintf("t%d", i+1),
			Goal:         fmt.Sprintf("%s [%s]", goal, c),
			Capabilities: []string{c},
		}
		if i > 0 {
			specs[i].DependsOn = []string{specs[i-1].ID}
		}
	}
	return specs, nil
}

// GraphDecomposer returns an explicit task list. Tasks without their own
// goal inherit the plan goal.
type GraphDecomposer struct {
	Tasks []TaskSpec
}

func (g GraphDecomposer) Decompose(_ context.Context, goal string, _ []string) ([]TaskSpec, error) {
	specs := make([]TaskSpec, len(g.Tasks))
	for i, t := range g.Tasks {
		t.Capabilities = agent.NormalizeCapabilities(t.Capabilities)
		t.DependsOn = append([]string(nil), t.DependsOn...)
		if t.Goal == "" {
			t.Goal = goal
		}
		specs[i] = t
	}
	return specs, nil
}

// DecomposerFunc adapts a function to the Decomposer interface.
type DecomposerFunc func(ctx context.Context, goal string, caps []string) ([]TaskSpec, error)

func (f DecomposerFunc) Decompose(ctx context.Context, goal string, caps []string) ([]TaskSpec, error) {
	return f(ctx, goal, caps)
}
