package playbook

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ExecutionsEnvelope is the body of GET /playbooks/executions.
type ExecutionsEnvelope struct {
	Executions []Execution `json:"executions"`
}

// EncodeExecution renders the persisted JSON shape of an execution.
func EncodeExecution(exec Execution) ([]byte, error) {
	if exec.Results == nil {
		exec.Results = []Result{}
	}
	data, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("playbook: encode execution %s: %w", exec.ID, err)
	}
	return data, nil
}

// DecodeExecution parses and sanity-checks a persisted execution.
func DecodeExecution(data []byte) (Execution, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Execution{}, Validation("decode", "execution payload is empty")
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return Execution{}, &Error{Kind: KindValidation, Op: "decode", Message: "invalid execution JSON", Err: err}
	}
	if err := exec.CheckShape(); err != nil {
		return Execution{}, err
	}
	return exec, nil
}

// CheckShape validates the persisted shape of an execution.
func (e Execution) CheckShape() error {
	const op = "decode"
	if e.ID == "" {
		return Validation(op, "execution id is required")
	}
	if e.PlaybookID == "" {
		return Validation(op, "execution %s: playbookId is required", e.ID)
	}
	if e.CustomerID <= 0 {
		return Validation(op, "execution %s: customerId is required", e.ID)
	}
	if !e.Status.Valid() {
		return Validation(op, "execution %s: unknown status %q", e.ID, e.Status)
	}
	if (e.Status == StatusCompleted) != (e.CompletedAt != nil) {
		return Validation(op, "execution %s: completedAt must be set iff status is completed", e.ID)
	}
	for i, res := range e.Results {
		if res.StepID == "" {
			return Validation(op, "execution %s result[%d]: stepId is required", e.ID, i)
		}
	}
	return nil
}
