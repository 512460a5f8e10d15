package playbook

import (
	"maps"
	"strings"
	"time"
)

// Status is shared by executions, steps and results.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal statuses accept no further results or status changes.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions lists the statuses reachable from each status.
var transitions = map[Status][]Status{
	StatusNotStarted: {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:     {StatusInProgress, StatusCancelled},
	StatusCompleted:  nil,
	StatusFailed:     nil,
	StatusCancelled:  nil,
}

// CanTransition reports whether an execution may move from one status to
// another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus accepts the wire spelling plus underscore variants.
func ParseStatus(raw string) (Status, bool) {
	status := Status(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-"))
	return status, status.Valid()
}

// Execution is one tenant-scoped run of a Definition.
type Execution struct {
	ID          string            `json:"id"`
	PlaybookID  string            `json:"playbookId"`
	CustomerID  int64             `json:"customerId"`
	AccountID   *int64            `json:"accountId,omitempty"`
	Status      Status            `json:"status"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt *time.Time        `json:"completedAt"`
	Results     []Result          `json:"results"`
	Context     ExecutionContext  `json:"context"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// Revision increases on every mutation and lets stores reject stale writes.
	Revision int64 `json:"revision"`
}

// Result records that a step of an execution was completed.
type Result struct {
	StepID      string         `json:"stepId"`
	Status      Status         `json:"status"`
	CompletedAt time.Time      `json:"completedAt"`
	Data        map[string]any `json:"data,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
}

// ExecutionContext captures who started an execution, for whom and why.
type ExecutionContext struct {
	CustomerID  int64             `json:"customerId"`
	AccountID   *int64            `json:"accountId,omitempty"`
	AccountName string            `json:"accountName,omitempty"`
	UserID      int64             `json:"userId"`
	UserName    string            `json:"userName"`
	Reason      string            `json:"reason,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the fields required to start an execution.
func (c ExecutionContext) Validate() error {
	const op = "context"
	if c.CustomerID <= 0 {
		return Validation(op, "customerId is required")
	}
	if c.UserID <= 0 {
		return Validation(op, "userId is required")
	}
	if strings.TrimSpace(c.UserName) == "" {
		return Validation(op, "userName is required")
	}
	if c.AccountID != nil && *c.AccountID <= 0 {
		return Validation(op, "accountId must be positive when set")
	}
	return nil
}

// StepDetails carries the optional payload recorded with a step completion.
type StepDetails struct {
	Data        map[string]any `json:"data,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
}

// Terminal reports whether the execution can no longer change.
func (e Execution) Terminal() bool {
	return e.Status.Terminal()
}

// Clone returns a deep copy so callers never alias cached state.
func (e Execution) Clone() Execution {
	clone := e
	clone.AccountID = cloneInt64(e.AccountID)
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		clone.CompletedAt = &at
	}
	if e.Results != nil {
		clone.Results = make([]Result, len(e.Results))
		for i, res := range e.Results {
			clone.Results[i] = res.Clone()
		}
	}
	clone.Context = e.Context.Clone()
	clone.Metadata = cloneStringMap(e.Metadata)
	return clone
}

// Clone returns a deep copy of the result. Nested data values are shared.
func (r Result) Clone() Result {
	clone := r
	if r.Data != nil {
		clone.Data = maps.Clone(r.Data)
	}
	clone.Attachments = cloneStrings(r.Attachments)
	return clone
}

func (c ExecutionContext) Clone() ExecutionContext {
	clone := c
	clone.AccountID = cloneInt64(c.AccountID)
	clone.Metadata = cloneStringMap(c.Metadata)
	return clone
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneStringMap(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	return maps.Clone(values)
}
