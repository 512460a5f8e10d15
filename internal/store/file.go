package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/kingrea/playbooks/internal/playbook"
)

// File stores each tenant's executions as one JSON document under a
// directory: <dir>/customer-<id>.json.
type File struct {
	mu  sync.Mutex
	dir string
}

// NewFile creates a file store rooted at dir.
func NewFile(dir string) (*File, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("store: file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(customerID int64) string {
	return filepath.Join(f.dir, "customer-"+strconv.FormatInt(customerID, 10)+".json")
}

func (f *File) List(ctx context.Context, customerID int64) ([]playbook.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	execs, err := f.load(customerID)
	if err != nil {
		return nil, err
	}
	SortExecutions(execs)
	return execs, nil
}

func (f *File) Save(ctx context.Context, exec playbook.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if other, err := f.ownedElsewhere(exec); err != nil {
		return err
	} else if other {
		return playbook.Conflict("store", "execution %s belongs to another customer", exec.ID)
	}
	execs, err := f.load(exec.CustomerID)
	if err != nil {
		return err
	}
	idx := indexOf(execs, exec.ID)
	var current playbook.Execution
	if idx >= 0 {
		current = execs[idx]
	}
	if err := CheckWrite(current, idx >= 0, exec); err != nil {
		return err
	}
	if idx >= 0 {
		execs[idx] = exec.Clone()
	} else {
		execs = append(execs, exec.Clone())
	}
	return f.write(exec.CustomerID, execs)
}

func (f *File) Delete(ctx context.Context, customerID int64, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	execs, err := f.load(customerID)
	if err != nil {
		return err
	}
	idx := indexOf(execs, id)
	if idx < 0 {
		return playbook.NotFound("store", "execution %s", id)
	}
	execs = append(execs[:idx], execs[idx+1:]...)
	return f.write(customerID, execs)
}

func (f *File) load(customerID int64) ([]playbook.Execution, error) {
	data, err := os.ReadFile(f.path(customerID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []playbook.Execution{}, nil
		}
		return nil, fmt.Errorf("store: read customer %d: %w", customerID, err)
	}
	var envelope playbook.ExecutionsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("store: decode customer %d: %w", customerID, err)
	}
	if envelope.Executions == nil {
		envelope.Executions = []playbook.Execution{}
	}
	return envelope.Executions, nil
}

// ownedElsewhere scans the other tenant files for exec.ID. Ids are uuids so
// a hit means a client is trying to move a record across tenants.
func (f *File) ownedElsewhere(exec playbook.Execution) (bool, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return false, fmt.Errorf("store: list %s: %w", f.dir, err)
	}
	own := filepath.Base(f.path(exec.CustomerID))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == own || !strings.HasPrefix(name, "customer-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, "customer-"), ".json")
		other, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		execs, err := f.load(other)
		if err != nil {
			return false, err
		}
		if indexOf(execs, exec.ID) >= 0 {
			return true, nil
		}
	}
	return false, nil
}

// write replaces the tenant file via a temp file and rename so readers never
// observe a partial document.
func (f *File) write(customerID int64, execs []playbook.Execution) error {
	for i := range execs {
		if execs[i].Results == nil {
			execs[i].Results = []playbook.Result{}
		}
	}
	encoded, err := json.MarshalIndent(playbook.ExecutionsEnvelope{Executions: execs}, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode customer %d: %w", customerID, err)
	}
	tmp, err := os.CreateTemp(f.dir, ".customer-*.tmp")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write customer %d: %w", customerID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: write customer %d: %w", customerID, err)
	}
	if err := os.Rename(tmpName, f.path(customerID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: replace customer %d: %w", customerID, err)
	}
	return nil
}

func indexOf(execs []playbook.Execution, id string) int {
	for i, exec := range execs {
		if exec.ID == id {
			return i
		}
	}
	return -1
}
