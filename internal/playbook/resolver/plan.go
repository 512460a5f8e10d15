package resolver

import (
	"fmt"
	"sort"

	"github.com/kingrea/playbooks/internal/playbook"
)

// NodeState represents the resolver's view of a step's readiness.
type NodeState string

const (
	NodeStateComplete NodeState = "complete"
	NodeStateReady    NodeState = "ready"
	NodeStateBlocked  NodeState = "blocked"
	// NodeStateInvalid marks a step depending on an undeclared id. It can
	// never become ready.
	NodeStateInvalid NodeState = "invalid"
)

// Node captures a step plus its dependency metadata for one execution.
type Node struct {
	ID           string
	Step         playbook.Step
	Dependencies []string
	Dependents   []string

	State     NodeState
	BlockedBy []string
	Missing   []string
}

// Plan is a snapshot of every step's state for one execution.
type Plan struct {
	definition playbook.Definition
	nodes      map[string]*Node
	orderedIDs []string
	completed  int
}

// Evaluate builds the dependency graph of def and classifies each step
// against the results recorded in exec.
func Evaluate(def playbook.Definition, exec playbook.Execution) *Plan {
	done := CompletedSteps(exec)
	declared := declaredIDs(def)
	plan := &Plan{
		definition: def.Clone(),
		nodes:      make(map[string]*Node, len(def.Steps)),
		orderedIDs: make([]string, 0, len(def.Steps)),
	}
	for _, step := range def.Steps {
		if _, dup := plan.nodes[step.ID]; dup {
			continue
		}
		node := &Node{
			ID:           step.ID,
			Step:         step.Clone(),
			Dependencies: append([]string(nil), step.Dependencies...),
		}
		plan.nodes[step.ID] = node
		plan.orderedIDs = append(plan.orderedIDs, step.ID)
	}
	for _, id := range plan.orderedIDs {
		node := plan.nodes[id]
		for _, depID := range node.Dependencies {
			if dep, ok := plan.nodes[depID]; ok {
				dep.Dependents = append(dep.Dependents, node.ID)
			}
		}
	}
	for _, id := range plan.orderedIDs {
		node := plan.nodes[id]
		if len(node.Dependents) > 1 {
			sort.Strings(node.Dependents)
		}
		if _, ok := done[id]; ok {
			node.State = NodeStateComplete
			plan.completed++
			continue
		}
		if gaps := missing(node.Step, declared); len(gaps) > 0 {
			node.State = NodeStateInvalid
			node.Missing = gaps
			continue
		}
		var blockers []string
		for _, depID := range node.Dependencies {
			if _, ok := done[depID]; !ok {
				blockers = append(blockers, depID)
			}
		}
		if len(blockers) == 0 {
			node.State = NodeStateReady
		} else {
			node.State = NodeStateBlocked
			node.BlockedBy = blockers
		}
	}
	return plan
}

// Definition returns a clone of the evaluated definition.
func (p *Plan) Definition() playbook.Definition {
	return p.definition.Clone()
}

// Nodes returns the nodes in declaration order.
func (p *Plan) Nodes() []*Node {
	out := make([]*Node, 0, len(p.orderedIDs))
	for _, id := range p.orderedIDs {
		out = append(out, p.nodes[id])
	}
	return out
}

// Node retrieves a step node by id.
func (p *Plan) Node(id string) (*Node, bool) {
	node, ok := p.nodes[id]
	return node, ok
}

// Ready returns the runnable nodes in declaration order.
func (p *Plan) Ready() []*Node {
	return p.withState(NodeStateReady)
}

// Blocked returns nodes waiting on incomplete dependencies.
func (p *Plan) Blocked() []*Node {
	return p.withState(NodeStateBlocked)
}

// Invalid returns nodes that reference undeclared steps.
func (p *Plan) Invalid() []*Node {
	return p.withState(NodeStateInvalid)
}

// CompletedCount is the number of distinct completed steps.
func (p *Plan) CompletedCount() int {
	return p.completed
}

// Total is the number of steps in the definition.
func (p *Plan) Total() int {
	return len(p.orderedIDs)
}

func (p *Plan) withState(state NodeState) []*Node {
	var out []*Node
	for _, id := range p.orderedIDs {
		if node := p.nodes[id]; node.State == state {
			out = append(out, node)
		}
	}
	return out
}

// Queue returns the incomplete steps that must run to satisfy the requested
// targets. With no targets every incomplete step is considered. Dependencies
// come before the steps that require them; complete steps are skipped.
func (p *Plan) Queue(targets ...string) ([]*Node, error) {
	if len(targets) == 0 {
		targets = append([]string{}, p.orderedIDs...)
	}
	visited := make(map[string]bool, len(p.nodes))
	ordered := make([]*Node, 0, len(p.nodes))
	var visit func(string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		node, ok := p.nodes[id]
		if !ok {
			return playbook.NotFound("resolver", "step %s is not declared by %s", id, p.definition.ID)
		}
		if node.State == NodeStateInvalid {
			return playbook.Validation("resolver", "step %s depends on undeclared %v", id, node.Missing)
		}
		visited[id] = true
		for _, dep := range node.Dependencies {
			if err := visit(dep); err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
		}
		if node.State != NodeStateComplete {
			ordered = append(ordered, node)
		}
		return nil
	}
	for _, id := range targets {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
