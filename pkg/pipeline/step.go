package pipeline

import (
	"context"
	"fmt"
)

// Predicate decides whether a step belongs to a run.
type Predicate func(Run) bool

// Action is the body of a step.
type Action func(ctx context.Context, env *Env) error

// Step is one entry of the declarative step list.
type Step struct {
	Name string
	Kind Kind
	// When is evaluated once, at assembly time. A nil When always includes
	// the step.
	When Predicate
	// Always steps run even after an earlier fatal failure, and their own
	// failures never fail the run.
	Always bool
	Run    Action
}

// Plan is the list of steps selected for one run.
type Plan struct {
	Run   Run
	Steps []Step
}

// Names returns the step names in execution order.
func (p Plan) Names() []string {
	names := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		names = append(names, s.Name)
	}
	return names
}

// Assemble evaluates every step predicate against run and returns the plan.
func Assemble(run Run, steps []Step) (Plan, error) {
	seen := make(map[string]bool, len(steps))
	plan := Plan{Run: run}
	for _, s := range steps {
		if s.Name == "" {
			return Plan{}, fmt.Errorf("step without a name")
		}
		if s.Run == nil {
			return Plan{}, fmt.Errorf("step %q has no action", s.Name)
		}
		if seen[s.Name] {
			return Plan{}, fmt.Errorf("duplicate step %q", s.Name)
		}
		seen[s.Name] = true
		if s.When != nil && !s.When(run) {
			continue
		}
		plan.Steps = append(plan.Steps, s)
	}
	return plan, nil
}

// OnBranch matches runs on any of the given branches.
func OnBranch(branches ...Branch) Predicate {
	return func(r Run) bool {
		for _, b := range branches {
			if r.Branch() == b {
				return true
			}
		}
		return false
	}
}
