package playbook

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

// StepDataKind discriminates the payload carried by a step. The engine only
// checks the shape; thresholds and prompts are interpreted elsewhere.
type StepDataKind string

const (
	StepDataNone      StepDataKind = ""
	StepDataTrigger   StepDataKind = "trigger"
	StepDataPrompt    StepDataKind = "prompt"
	StepDataChecklist StepDataKind = "checklist"
)

// StepData is a tagged union keyed by Kind.
type StepData struct {
	Kind      StepDataKind       `json:"kind,omitempty" yaml:"kind,omitempty"`
	Triggers  []TriggerThreshold `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Prompt    *PromptTemplate    `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Checklist []string           `json:"checklist,omitempty" yaml:"checklist,omitempty"`
}

// Operator compares an account metric against a threshold value.
type Operator string

const (
	OperatorLessThan       Operator = "lt"
	OperatorLessOrEqual    Operator = "lte"
	OperatorGreaterThan    Operator = "gt"
	OperatorGreaterOrEqual Operator = "gte"
	OperatorEqual          Operator = "eq"
	// OperatorDropAtLeast matches when the metric fell by at least Value
	// over Window.
	OperatorDropAtLeast Operator = "drop_gte"
)

func (op Operator) Valid() bool {
	switch op {
	case OperatorLessThan, OperatorLessOrEqual, OperatorGreaterThan,
		OperatorGreaterOrEqual, OperatorEqual, OperatorDropAtLeast:
		return true
	}
	return false
}

// TriggerThreshold is a business rule consumed by the recommendation service.
type TriggerThreshold struct {
	Metric      string   `json:"metric" yaml:"metric"`
	Operator    Operator `json:"operator" yaml:"operator"`
	Value       float64  `json:"value" yaml:"value"`
	Window      string   `json:"window,omitempty" yaml:"window,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// PromptTemplate is a generation prompt with {{variable}} placeholders.
type PromptTemplate struct {
	Template  string   `json:"template" yaml:"template"`
	Variables []string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Output    string   `json:"output,omitempty" yaml:"output,omitempty"`
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Validate checks the payload against the shape its kind requires.
func (d StepData) Validate() error {
	switch d.Kind {
	case StepDataNone:
		if len(d.Triggers) > 0 || d.Prompt != nil || len(d.Checklist) > 0 {
			return fmt.Errorf("data without kind must be empty")
		}
	case StepDataTrigger:
		if len(d.Triggers) == 0 {
			return fmt.Errorf("trigger data requires at least one threshold")
		}
		if d.Prompt != nil || len(d.Checklist) > 0 {
			return fmt.Errorf("trigger data carries foreign fields")
		}
		for i, trig := range d.Triggers {
			if strings.TrimSpace(trig.Metric) == "" {
				return fmt.Errorf("trigger[%d]: metric is required", i)
			}
			if !trig.Operator.Valid() {
				return fmt.Errorf("trigger[%d]: unknown operator %q", i, trig.Operator)
			}
		}
	case StepDataPrompt:
		if d.Prompt == nil || strings.TrimSpace(d.Prompt.Template) == "" {
			return fmt.Errorf("prompt data requires a template")
		}
		if len(d.Triggers) > 0 || len(d.Checklist) > 0 {
			return fmt.Errorf("prompt data carries foreign fields")
		}
		used := map[string]struct{}{}
		for _, match := range placeholderPattern.FindAllStringSubmatch(d.Prompt.Template, -1) {
			used[match[1]] = struct{}{}
		}
		for _, name := range d.Prompt.Variables {
			if _, ok := used[name]; !ok {
				return fmt.Errorf("prompt variable %s is not referenced by the template", name)
			}
			delete(used, name)
		}
		if len(used) > 0 {
			undeclared := slices.Sorted(maps.Keys(used))
			return fmt.Errorf("prompt placeholder %s is not declared", undeclared[0])
		}
	case StepDataChecklist:
		if len(d.Checklist) == 0 {
			return fmt.Errorf("checklist data requires at least one item")
		}
		if len(d.Triggers) > 0 || d.Prompt != nil {
			return fmt.Errorf("checklist data carries foreign fields")
		}
	default:
		return fmt.Errorf("unknown data kind %q", d.Kind)
	}
	return nil
}

// Render substitutes variables into the template. Missing values render as
// empty strings.
func (p PromptTemplate) Render(values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(p.Template, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		return values[name]
	})
}

// Clone returns a deep copy of the payload.
func (d StepData) Clone() StepData {
	clone := StepData{Kind: d.Kind, Checklist: cloneStrings(d.Checklist)}
	if d.Triggers != nil {
		clone.Triggers = make([]TriggerThreshold, len(d.Triggers))
		copy(clone.Triggers, d.Triggers)
	}
	if d.Prompt != nil {
		prompt := *d.Prompt
		prompt.Variables = cloneStrings(d.Prompt.Variables)
		clone.Prompt = &prompt
	}
	return clone
}
