package store

import (
	"context"
	"sync"

	"github.com/kingrea/playbooks/internal/playbook"
)

// Memory keeps executions in process. It is the default for tests and for
// running the server without durable storage.
type Memory struct {
	mu      sync.RWMutex
	tenants map[int64]map[string]playbook.Execution
	owner   map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[int64]map[string]playbook.Execution),
		owner:   make(map[string]int64),
	}
}

func (m *Memory) List(ctx context.Context, customerID int64) ([]playbook.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.tenants[customerID]
	out := make([]playbook.Execution, 0, len(records))
	for _, exec := range records {
		out = append(out, exec.Clone())
	}
	SortExecutions(out)
	return out, nil
}

func (m *Memory) Save(ctx context.Context, exec playbook.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var current playbook.Execution
	owner, exists := m.owner[exec.ID]
	if exists {
		current = m.tenants[owner][exec.ID]
	}
	if err := CheckWrite(current, exists, exec); err != nil {
		return err
	}
	records, ok := m.tenants[exec.CustomerID]
	if !ok {
		records = make(map[string]playbook.Execution)
		m.tenants[exec.CustomerID] = records
	}
	records[exec.ID] = exec.Clone()
	m.owner[exec.ID] = exec.CustomerID
	return nil
}

func (m *Memory) Delete(ctx context.Context, customerID int64, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.tenants[customerID]
	if _, ok := records[id]; !ok {
		return playbook.NotFound("store", "execution %s", id)
	}
	delete(records, id)
	delete(m.owner, id)
	return nil
}
