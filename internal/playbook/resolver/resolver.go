package resolver

import (
	"math"
	"slices"

	"github.com/kingrea/playbooks/internal/playbook"
)

// CompletedSteps returns the distinct step ids with at least one completed
// result. Repeated completions of a step count once.
func CompletedSteps(exec playbook.Execution) map[string]struct{} {
	done := make(map[string]struct{}, len(exec.Results))
	for _, res := range exec.Results {
		if res.Status == playbook.StatusCompleted && res.StepID != "" {
			done[res.StepID] = struct{}{}
		}
	}
	return done
}

// IsStepEligible reports whether every dependency of step has a completed
// result in exec. Steps without dependencies are always eligible. It sees
// only the step, so a stored result for an id the definition never declared
// still satisfies it; NextEligibleSteps and Evaluate check dependencies
// against the definition and are what the manager and projections use.
func IsStepEligible(step playbook.Step, exec playbook.Execution) bool {
	return isEligible(step, CompletedSteps(exec))
}

func isEligible(step playbook.Step, done map[string]struct{}) bool {
	for _, dep := range step.Dependencies {
		if _, ok := done[dep]; !ok {
			return false
		}
	}
	return true
}

// NextEligibleSteps returns the steps that are not yet completed and whose
// dependencies are all satisfied, in declaration order. A step that depends
// on an id the definition does not declare is never returned.
func NextEligibleSteps(def playbook.Definition, exec playbook.Execution) []playbook.Step {
	done := CompletedSteps(exec)
	declared := declaredIDs(def)
	var out []playbook.Step
	for _, step := range def.Steps {
		if _, ok := done[step.ID]; ok {
			continue
		}
		if len(missing(step, declared)) > 0 {
			continue
		}
		if isEligible(step, done) {
			out = append(out, step.Clone())
		}
	}
	return out
}

// ProgressPercentage returns the share of completed steps as an integer in
// [0, 100]. A completed execution always reports 100 and a not-started one 0,
// whatever its results say.
func ProgressPercentage(exec playbook.Execution, totalSteps int) int {
	switch exec.Status {
	case playbook.StatusCompleted:
		return 100
	case playbook.StatusNotStarted:
		return 0
	}
	if totalSteps <= 0 {
		return 0
	}
	pct := int(math.Round(float64(len(CompletedSteps(exec))) * 100 / float64(totalSteps)))
	return min(max(pct, 0), 100)
}

func declaredIDs(def playbook.Definition) map[string]struct{} {
	ids := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		ids[step.ID] = struct{}{}
	}
	return ids
}

func missing(step playbook.Step, declared map[string]struct{}) []string {
	var out []string
	for _, dep := range step.Dependencies {
		if _, ok := declared[dep]; !ok && !slices.Contains(out, dep) {
			out = append(out, dep)
		}
	}
	return out
}
