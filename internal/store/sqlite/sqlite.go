// Package sqlite persists executions in a SQLite database using the pure-Go
// glebarez driver. The full execution document is stored as JSON next to the
// columns needed for tenant filtering and revision checks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/store"
)

// Store is a store.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var schema = []string{
	`PRAGMA journal_mode = WAL;`,
	`PRAGMA busy_timeout = 5000;`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		playbook_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS executions_customer ON executions (customer_id);`,
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One connection serialises writers and keeps the revision check and the
	// upsert inside the same transaction view.
	db.SetMaxOpenConns(1)
	for _, q := range schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: apply schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) List(ctx context.Context, customerID int64) ([]playbook.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM executions WHERE customer_id = ?`, customerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list customer %d: %w", customerID, err)
	}
	defer rows.Close()

	execs := []playbook.Execution{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		exec, err := playbook.DecodeExecution([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("sqlite: customer %d: %w", customerID, err)
		}
		if exec.CustomerID != customerID {
			continue
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list customer %d: %w", customerID, err)
	}
	store.SortExecutions(execs)
	return execs, nil
}

func (s *Store) Save(ctx context.Context, exec playbook.Execution) error {
	body, err := playbook.EncodeExecution(exec)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var current playbook.Execution
	var raw string
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT body FROM executions WHERE id = ?`, exec.ID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return fmt.Errorf("sqlite: load %s: %w", exec.ID, err)
	default:
		if current, err = playbook.DecodeExecution([]byte(raw)); err != nil {
			return fmt.Errorf("sqlite: stored %s: %w", exec.ID, err)
		}
	}
	if err := store.CheckWrite(current, exists, exec); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, customer_id, playbook_id, status, started_at, revision, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			revision = excluded.revision,
			body = excluded.body,
			updated_at = CURRENT_TIMESTAMP
		WHERE executions.customer_id = excluded.customer_id`,
		exec.ID, exec.CustomerID, exec.PlaybookID, string(exec.Status),
		exec.StartedAt.UTC().Format(time.RFC3339Nano), exec.Revision, string(body))
	if err != nil {
		return fmt.Errorf("sqlite: save %s: %w", exec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit %s: %w", exec.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, customerID int64, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ? AND customer_id = ?`, id, customerID)
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	if n == 0 {
		return playbook.NotFound("store", "execution %s", id)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
