// Package storetest holds the behaviour every store.Store implementation
// must share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Execution builds a minimal valid execution for customerID.
func Execution(id string, customerID int64, revision int64) playbook.Execution {
	account := int64(42)
	return playbook.Execution{
		ID:         id,
		PlaybookID: "voc-sprint",
		CustomerID: customerID,
		AccountID:  &account,
		Status:     playbook.StatusInProgress,
		StartedAt:  base,
		Results:    []playbook.Result{},
		Context: playbook.ExecutionContext{
			CustomerID: customerID, AccountID: &account, UserID: 1, UserName: "U", StartedAt: base,
		},
		Revision: revision,
	}
}

// Run exercises the store contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("save and list", func(t *testing.T) {
		s := newStore(t)
		exec := Execution("exec-1", 7, 1)
		exec.Results = append(exec.Results, playbook.Result{
			StepID: "voc-trigger-check", Status: playbook.StatusCompleted, CompletedAt: base.Add(time.Hour),
			Data: map[string]any{"nps": "8"}, Notes: "n", Attachments: []string{"a.csv"},
		})
		exec.Metadata = map[string]string{"k": "v"}
		require.NoError(t, s.Save(ctx, exec))

		got, err := s.List(ctx, 7)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, exec, got[0])
	})

	t.Run("empty tenant", func(t *testing.T) {
		s := newStore(t)
		got, err := s.List(ctx, 99)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("tenant isolation", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, Execution("a", 7, 1)))
		require.NoError(t, s.Save(ctx, Execution("b", 8, 1)))
		require.NoError(t, s.Save(ctx, Execution("c", 7, 1)))

		seven, err := s.List(ctx, 7)
		require.NoError(t, err)
		require.Len(t, seven, 2)
		for _, exec := range seven {
			assert.Equal(t, int64(7), exec.CustomerID)
		}
		eight, err := s.List(ctx, 8)
		require.NoError(t, err)
		require.Len(t, eight, 1)
		assert.Equal(t, "b", eight[0].ID)

		err = s.Delete(ctx, 8, "a")
		assert.ErrorIs(t, err, playbook.ErrNotFound, "a tenant cannot delete another tenant's execution")
	})

	t.Run("cross tenant overwrite rejected", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, Execution("shared", 7, 1)))
		err := s.Save(ctx, Execution("shared", 8, 2))
		assert.ErrorIs(t, err, playbook.ErrConflict)

		eight, err := s.List(ctx, 8)
		require.NoError(t, err)
		assert.Empty(t, eight)
	})

	t.Run("upsert bumps revision", func(t *testing.T) {
		s := newStore(t)
		exec := Execution("exec-1", 7, 1)
		require.NoError(t, s.Save(ctx, exec))
		exec.Status = playbook.StatusPaused
		exec.Revision = 2
		require.NoError(t, s.Save(ctx, exec))

		got, err := s.List(ctx, 7)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, playbook.StatusPaused, got[0].Status)
		assert.Equal(t, int64(2), got[0].Revision)
	})

	t.Run("stale revision conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, Execution("exec-1", 7, 3)))
		err := s.Save(ctx, Execution("exec-1", 7, 3))
		assert.ErrorIs(t, err, playbook.ErrConflict)
		err = s.Save(ctx, Execution("exec-1", 7, 2))
		assert.ErrorIs(t, err, playbook.ErrConflict)

		unversioned := Execution("exec-1", 7, 0)
		unversioned.Status = playbook.StatusPaused
		require.NoError(t, s.Save(ctx, unversioned))
	})

	t.Run("invalid shape rejected", func(t *testing.T) {
		s := newStore(t)
		exec := Execution("exec-1", 7, 1)
		exec.Status = playbook.StatusCompleted
		err := s.Save(ctx, exec)
		assert.ErrorIs(t, err, playbook.ErrValidation)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, Execution("exec-1", 7, 1)))
		require.NoError(t, s.Delete(ctx, 7, "exec-1"))
		got, err := s.List(ctx, 7)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.ErrorIs(t, s.Delete(ctx, 7, "exec-1"), playbook.ErrNotFound)

		require.NoError(t, s.Save(ctx, Execution("exec-1", 8, 1)), "a deleted id can be reused")
	})

	t.Run("newest first", func(t *testing.T) {
		s := newStore(t)
		older := Execution("older", 7, 1)
		newer := Execution("newer", 7, 1)
		newer.StartedAt = base.Add(24 * time.Hour)
		require.NoError(t, s.Save(ctx, older))
		require.NoError(t, s.Save(ctx, newer))
		got, err := s.List(ctx, 7)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "newer", got[0].ID)
	})
}
