package feed

import (
	"time"
)

// ChangeType names the mutation that produced a change.
type ChangeType string

const (
	ChangeStarted ChangeType = "execution.started"
	ChangeStep    ChangeType = "execution.step_completed"
	ChangeStatus  ChangeType = "execution.status_changed"
	ChangeDeleted ChangeType = "execution.deleted"
)

// Change tells subscribers that an execution moved to a new revision. It is
// an invalidation signal: clients re-read the execution rather than patch
// local state from the change itself.
type Change struct {
	ID          string     `json:"id"`
	Type        ChangeType `json:"type"`
	ExecutionID string     `json:"executionId"`
	CustomerID  int64      `json:"customerId"`
	PlaybookID  string     `json:"playbookId,omitempty"`
	StepID      string     `json:"stepId,omitempty"`
	Status      string     `json:"status,omitempty"`
	Revision    int64      `json:"revision"`
	At          time.Time  `json:"at"`
}

// critical changes survive queue overflow ahead of routine ones.
func (c Change) critical() bool {
	return c.Type == ChangeStatus || c.Type == ChangeDeleted
}

// Publisher accepts changes for routing.
type Publisher interface {
	Publish(Change)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(Change)

func (f PublisherFunc) Publish(c Change) {
	if f != nil {
		f(c)
	}
}
