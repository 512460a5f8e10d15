package playbook

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Category enumerates the fixed playbook families.
type Category string

const (
	CategoryVoiceOfCustomer Category = "voice-of-customer"
	CategoryRiskMitigation  Category = "risk-mitigation"
	CategoryExpansion       Category = "expansion"
	CategoryOnboarding      Category = "onboarding"
	CategoryRenewal         Category = "renewal"
)

// Categories returns every category in display order.
func Categories() []Category {
	return []Category{
		CategoryVoiceOfCustomer,
		CategoryRiskMitigation,
		CategoryExpansion,
		CategoryOnboarding,
		CategoryRenewal,
	}
}

// Valid reports whether c is one of the fixed categories.
func (c Category) Valid() bool {
	return slices.Contains(Categories(), c)
}

// StepType classifies how a step gets done.
type StepType string

const (
	StepTypeAction     StepType = "action"
	StepTypeDecision   StepType = "decision"
	StepTypeAutomation StepType = "automation"
	StepTypeManual     StepType = "manual"
)

func (t StepType) Valid() bool {
	switch t {
	case StepTypeAction, StepTypeDecision, StepTypeAutomation, StepTypeManual:
		return true
	}
	return false
}

// Definition is the immutable template of a playbook: its steps, metadata
// and dependency graph.
type Definition struct {
	ID                string    `json:"id" yaml:"id"`
	Name              string    `json:"name" yaml:"name"`
	Description       string    `json:"description,omitempty" yaml:"description,omitempty"`
	Category          Category  `json:"category" yaml:"category"`
	Steps             []Step    `json:"steps" yaml:"steps"`
	EstimatedDuration int       `json:"estimatedDuration" yaml:"estimated_duration"`
	Prerequisites     []string  `json:"prerequisites" yaml:"prerequisites"`
	SuccessCriteria   []string  `json:"successCriteria" yaml:"success_criteria"`
	Tags              []string  `json:"tags" yaml:"tags"`
	Version           string    `json:"version" yaml:"version"`
	LastUpdated       time.Time `json:"lastUpdated" yaml:"last_updated"`
	Author            string    `json:"author" yaml:"author"`
}

// Step is one unit of work inside a Definition.
type Step struct {
	ID            string   `json:"id" yaml:"id"`
	Title         string   `json:"title" yaml:"title"`
	Description   string   `json:"description" yaml:"description"`
	Type          StepType `json:"type" yaml:"type"`
	Status        Status   `json:"status" yaml:"status,omitempty"`
	Dependencies  []string `json:"dependencies" yaml:"dependencies,omitempty"`
	EstimatedTime int      `json:"estimatedTime" yaml:"estimated_time"`
	Data          StepData `json:"data,omitempty" yaml:"data,omitempty"`
}

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// Normalized trims identifiers and fills step defaults.
func (def Definition) Normalized() Definition {
	clone := def.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	clone.Name = strings.TrimSpace(clone.Name)
	clone.Version = strings.TrimSpace(clone.Version)
	for i := range clone.Steps {
		step := &clone.Steps[i]
		step.ID = strings.TrimSpace(step.ID)
		if step.Status == "" {
			step.Status = StatusNotStarted
		}
		for j, dep := range step.Dependencies {
			step.Dependencies[j] = strings.TrimSpace(dep)
		}
	}
	return clone
}

// Validate ensures the definition is self-consistent: unique step ids and
// dependencies that resolve to a step declared strictly earlier.
func (def Definition) Validate() error {
	const op = "definition"
	if def.ID == "" {
		return Validation(op, "id is required")
	}
	if def.Name == "" {
		return Validation(op, "%s: name is required", def.ID)
	}
	if !def.Category.Valid() {
		return Validation(op, "%s: unknown category %q", def.ID, def.Category)
	}
	if !semverPattern.MatchString(def.Version) {
		return Validation(op, "%s: version %q is not a semantic version", def.ID, def.Version)
	}
	if def.EstimatedDuration < 0 {
		return Validation(op, "%s: estimated duration must be >= 0", def.ID)
	}
	if len(def.Steps) == 0 {
		return Validation(op, "%s: at least one step is required", def.ID)
	}
	position := make(map[string]int, len(def.Steps))
	for idx, step := range def.Steps {
		if step.ID == "" {
			return Validation(op, "%s step[%d]: id is required", def.ID, idx)
		}
		if _, dup := position[step.ID]; dup {
			return Validation(op, "%s: duplicate step id %s", def.ID, step.ID)
		}
		if !step.Type.Valid() {
			return Validation(op, "%s step %s: unknown type %q", def.ID, step.ID, step.Type)
		}
		if step.EstimatedTime < 0 {
			return Validation(op, "%s step %s: estimated time must be >= 0", def.ID, step.ID)
		}
		seen := map[string]struct{}{}
		for _, dep := range step.Dependencies {
			if _, dup := seen[dep]; dup {
				return Validation(op, "%s step %s: duplicate dependency on %s", def.ID, step.ID, dep)
			}
			seen[dep] = struct{}{}
			at, ok := position[dep]
			if !ok {
				if slices.ContainsFunc(def.Steps[idx:], func(s Step) bool { return s.ID == dep }) {
					return Validation(op, "%s step %s: dependency %s is declared later", def.ID, step.ID, dep)
				}
				return Validation(op, "%s step %s: dependency %s does not exist", def.ID, step.ID, dep)
			}
			if at >= idx {
				return Validation(op, "%s step %s: dependency %s is declared later", def.ID, step.ID, dep)
			}
		}
		if err := step.Data.Validate(); err != nil {
			return Validation(op, "%s step %s: %v", def.ID, step.ID, err)
		}
		position[step.ID] = idx
	}
	return nil
}

// Step returns the step with the given id.
func (def Definition) Step(id string) (Step, bool) {
	for _, step := range def.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return Step{}, false
}

// StepIDs returns step identifiers in declaration order.
func (def Definition) StepIDs() []string {
	ids := make([]string, 0, len(def.Steps))
	for _, step := range def.Steps {
		ids = append(ids, step.ID)
	}
	return ids
}

// HasTag reports an exact, case-sensitive tag match.
func (def Definition) HasTag(tag string) bool {
	return slices.Contains(def.Tags, tag)
}

// Clone returns a deep copy of the definition.
func (def Definition) Clone() Definition {
	clone := def
	clone.Prerequisites = cloneStrings(def.Prerequisites)
	clone.SuccessCriteria = cloneStrings(def.SuccessCriteria)
	clone.Tags = cloneStrings(def.Tags)
	if len(def.Steps) > 0 {
		clone.Steps = make([]Step, len(def.Steps))
		for i, step := range def.Steps {
			clone.Steps[i] = step.Clone()
		}
	}
	return clone
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	clone := s
	clone.Dependencies = cloneStrings(s.Dependencies)
	clone.Data = s.Data.Clone()
	return clone
}

// String is used in log lines.
func (def Definition) String() string {
	return fmt.Sprintf("%s@%s", def.ID, def.Version)
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
