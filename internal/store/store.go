// Package store defines the tenant-scoped execution store contract used by
// the playbook manager, with in-memory and JSON-file implementations.
// Durable backends live in the sqlite, kv and httpstore subpackages.
package store

import (
	"context"
	"slices"
	"strings"

	"github.com/kingrea/playbooks/internal/playbook"
)

// Store persists executions. Every read and delete is scoped to one
// customer; implementations must never return another tenant's record.
type Store interface {
	// List returns the executions of customerID.
	List(ctx context.Context, customerID int64) ([]playbook.Execution, error)
	// Save upserts exec by id. A write whose revision is not newer than the
	// stored one fails with playbook.ErrConflict.
	Save(ctx context.Context, exec playbook.Execution) error
	// Delete removes the execution. Unknown ids fail with playbook.ErrNotFound.
	Delete(ctx context.Context, customerID int64, id string) error
}

// CheckWrite decides whether next may replace current. A zero revision is an
// unversioned write from a client that predates revisions and always wins.
func CheckWrite(current playbook.Execution, exists bool, next playbook.Execution) error {
	if err := next.CheckShape(); err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if current.CustomerID != next.CustomerID {
		return playbook.Conflict("store", "execution %s belongs to another customer", next.ID)
	}
	if next.Revision != 0 && next.Revision <= current.Revision {
		return playbook.Conflict("store", "execution %s revision %d is not newer than %d", next.ID, next.Revision, current.Revision)
	}
	return nil
}

// SortExecutions orders executions by start time, newest first, with id as
// the tie breaker so listings are stable.
func SortExecutions(execs []playbook.Execution) {
	slices.SortStableFunc(execs, func(a, b playbook.Execution) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
