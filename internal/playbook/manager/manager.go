package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/playbooks/internal/feed"
	"github.com/kingrea/playbooks/internal/logbook"
	"github.com/kingrea/playbooks/internal/metrics"
	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/playbook/resolver"
	"github.com/kingrea/playbooks/internal/store"
)

// Definitions resolves playbook ids. *catalog.Catalog satisfies it.
type Definitions interface {
	GetByID(id string) (playbook.Definition, bool)
}

// Auditor records mutations. *logbook.Logbook satisfies it.
type Auditor interface {
	Record(logbook.Entry) error
}

// Manager owns the execution cache for one process and round-trips every
// mutation to the store. Mutations of one execution are serialised, store
// call included; different executions proceed independently. A cached
// execution whose last write failed stays ahead of the store until an
// operation on it succeeds; repeating the failed operation writes it again.
type Manager struct {
	defs     Definitions
	store    store.Store
	clock    func() time.Time
	newID    func() string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	notifier feed.Publisher
	audit    Auditor

	mu        sync.RWMutex
	cache     map[string]playbook.Execution
	persisted map[string]int64
	locks     map[string]*sync.Mutex
}

// Option customizes the manager instance.
type Option func(*Manager)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithIDGenerator replaces the uuid generator used for executions and changes.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithNotifier publishes a change after every successful write.
func WithNotifier(p feed.Publisher) Option {
	return func(m *Manager) { m.notifier = p }
}

// WithAudit appends one entry per mutation attempt.
func WithAudit(a Auditor) Option {
	return func(m *Manager) { m.audit = a }
}

// New wires a manager to the playbook definitions and execution store.
func New(defs Definitions, st store.Store, opts ...Option) (*Manager, error) {
	if defs == nil {
		return nil, fmt.Errorf("manager: playbook definitions are required")
	}
	if st == nil {
		return nil, fmt.Errorf("manager: execution store is required")
	}
	m := &Manager{
		defs:   defs,
		store:  st,
		clock:  time.Now,
		newID:  uuid.NewString,
		logger: slog.New(slog.DiscardHandler),
		cache:     make(map[string]playbook.Execution),
		persisted: make(map[string]int64),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Catalog returns the definitions the manager resolves playbooks against.
func (m *Manager) Catalog() Definitions {
	return m.defs
}

func (m *Manager) now() time.Time {
	return m.clock().UTC()
}

// StartPlaybook creates an in-progress execution of playbookID and persists
// it before returning.
func (m *Manager) StartPlaybook(ctx context.Context, playbookID string, ec playbook.ExecutionContext) (exec playbook.Execution, err error) {
	const op = "manager: start"
	began := time.Now()
	defer func() { m.metrics.Observe("start_playbook", began, err) }()

	def, ok := m.defs.GetByID(playbookID)
	if !ok {
		return playbook.Execution{}, playbook.NotFound(op, "playbook %s", playbookID)
	}
	ec.UserName = strings.TrimSpace(ec.UserName)
	if err := ec.Validate(); err != nil {
		return playbook.Execution{}, err
	}
	now := m.now()
	if ec.StartedAt.IsZero() {
		ec.StartedAt = now
	}
	exec = playbook.Execution{
		ID:         m.newID(),
		PlaybookID: def.ID,
		CustomerID: ec.CustomerID,
		AccountID:  ec.AccountID,
		Status:     playbook.StatusInProgress,
		StartedAt:  now,
		Results:    []playbook.Result{},
		Context:    ec,
		Revision:   1,
	}
	exec = exec.Clone()

	lock := m.lockFor(exec.ID)
	lock.Lock()
	defer lock.Unlock()

	m.put(exec)
	entry := logbook.Entry{Action: "started", CustomerID: exec.CustomerID, ExecutionID: exec.ID, PlaybookID: exec.PlaybookID, Revision: exec.Revision, Actor: ec.UserName}
	if err := m.persist(ctx, op, exec, entry); err != nil {
		return exec.Clone(), err
	}
	m.metrics.ExecutionStarted(def.ID)
	m.logger.Info("execution started", "execution_id", exec.ID, "playbook", def.String(), "customer_id", exec.CustomerID)
	m.publish(feed.ChangeStarted, exec, "")
	return exec.Clone(), nil
}

// ExecuteStep records the completion of stepID. The execution must be
// in-progress and the step's dependencies complete. Completing a step twice
// returns the first result; nothing is written unless the execution has
// changes the store has not accepted yet.
func (m *Manager) ExecuteStep(ctx context.Context, executionID, stepID string, details *playbook.StepDetails) (res playbook.Result, err error) {
	const op = "manager: execute step"
	began := time.Now()
	defer func() { m.metrics.Observe("execute_step", began, err) }()

	lock, ok := m.lockExisting(executionID)
	if !ok {
		return playbook.Result{}, playbook.NotFound(op, "execution %s", executionID)
	}
	lock.Lock()
	defer lock.Unlock()

	exec, ok := m.get(executionID)
	if !ok {
		return playbook.Result{}, playbook.NotFound(op, "execution %s", executionID)
	}
	def, ok := m.defs.GetByID(exec.PlaybookID)
	if !ok {
		return playbook.Result{}, playbook.NotFound(op, "playbook %s of execution %s", exec.PlaybookID, exec.ID)
	}
	if _, ok := def.Step(stepID); !ok {
		return playbook.Result{}, playbook.NotFound(op, "step %s in playbook %s", stepID, def.ID)
	}
	for _, prior := range exec.Results {
		if prior.StepID == stepID && prior.Status == playbook.StatusCompleted {
			if !m.dirty(exec) {
				m.logger.Debug("step already completed", "execution_id", exec.ID, "step", stepID)
				return prior.Clone(), nil
			}
			entry := logbook.Entry{Action: "step", CustomerID: exec.CustomerID, ExecutionID: exec.ID, PlaybookID: exec.PlaybookID, StepID: stepID, Revision: exec.Revision}
			if err := m.resave(ctx, op, exec, entry, feed.ChangeStep, stepID); err != nil {
				return prior.Clone(), err
			}
			return prior.Clone(), nil
		}
	}
	if exec.Status != playbook.StatusInProgress {
		return playbook.Result{}, &playbook.Error{
			Kind:    playbook.KindInvalidTransition,
			Op:      op,
			Message: fmt.Sprintf("execution %s is %s; steps complete only while %s", exec.ID, exec.Status, playbook.StatusInProgress),
		}
	}
	node, _ := resolver.Evaluate(def, exec).Node(stepID)
	switch node.State {
	case resolver.NodeStateBlocked:
		return playbook.Result{}, playbook.Validation(op, "step %s is blocked by %s", stepID, strings.Join(node.BlockedBy, ", "))
	case resolver.NodeStateInvalid:
		return playbook.Result{}, playbook.Validation(op, "step %s depends on undeclared %s", stepID, strings.Join(node.Missing, ", "))
	}

	res = playbook.Result{StepID: stepID, Status: playbook.StatusCompleted, CompletedAt: m.now()}
	if details != nil {
		res.Data = details.Data
		res.Notes = details.Notes
		res.Attachments = details.Attachments
		res = res.Clone()
	}
	exec.Results = append(exec.Results, res)
	exec.Revision++
	m.put(exec)

	entry := logbook.Entry{Action: "step", CustomerID: exec.CustomerID, ExecutionID: exec.ID, PlaybookID: exec.PlaybookID, StepID: stepID, Revision: exec.Revision}
	if err := m.persist(ctx, op, exec, entry); err != nil {
		return res.Clone(), err
	}
	m.metrics.StepCompleted(exec.PlaybookID)
	m.logger.Info("step completed", "execution_id", exec.ID, "step", stepID, "results", len(exec.Results))
	m.publish(feed.ChangeStep, exec, stepID)
	return res.Clone(), nil
}

// UpdateExecutionStatus moves the execution to status. completedAt is set
// exactly when the new status is completed. Repeating the current status is a
// no-op, or a rewrite when the store is behind the cache; a terminal status
// that is already stored rejects it.
func (m *Manager) UpdateExecutionStatus(ctx context.Context, executionID string, status playbook.Status) (err error) {
	const op = "manager: update status"
	began := time.Now()
	defer func() { m.metrics.Observe("update_status", began, err) }()

	if !status.Valid() {
		return playbook.Validation(op, "unknown status %q", status)
	}
	lock, ok := m.lockExisting(executionID)
	if !ok {
		return playbook.NotFound(op, "execution %s", executionID)
	}
	lock.Lock()
	defer lock.Unlock()

	exec, ok := m.get(executionID)
	if !ok {
		return playbook.NotFound(op, "execution %s", executionID)
	}
	from := exec.Status
	if from == status {
		if m.dirty(exec) {
			entry := logbook.Entry{Action: "status", CustomerID: exec.CustomerID, ExecutionID: exec.ID, PlaybookID: exec.PlaybookID, From: string(from), To: string(status), Revision: exec.Revision}
			return m.resave(ctx, op, exec, entry, feed.ChangeStatus, "")
		}
		if !from.Terminal() {
			return nil
		}
	}
	if !playbook.CanTransition(from, status) {
		return playbook.InvalidTransition(op, from, status)
	}
	exec.Status = status
	exec.CompletedAt = nil
	if status == playbook.StatusCompleted {
		at := m.now()
		exec.CompletedAt = &at
	}
	exec.Revision++
	m.put(exec)

	entry := logbook.Entry{Action: "status", CustomerID: exec.CustomerID, ExecutionID: exec.ID, PlaybookID: exec.PlaybookID, From: string(from), To: string(status), Revision: exec.Revision}
	if err := m.persist(ctx, op, exec, entry); err != nil {
		return err
	}
	m.metrics.Transition(from, status)
	m.logger.Info("execution status changed", "execution_id", exec.ID, "from", from, "to", status)
	m.publish(feed.ChangeStatus, exec, "")
	return nil
}

// GetExecution returns a copy of the cached execution.
func (m *Manager) GetExecution(id string) (playbook.Execution, bool) {
	return m.get(id)
}

// GetCustomerExecutions returns the cached executions of customerID, newest
// first. Other tenants' executions are never included.
func (m *Manager) GetCustomerExecutions(customerID int64) []playbook.Execution {
	m.mu.RLock()
	out := make([]playbook.Execution, 0)
	for _, exec := range m.cache {
		if exec.CustomerID == customerID {
			out = append(out, exec.Clone())
		}
	}
	m.mu.RUnlock()
	store.SortExecutions(out)
	return out
}

// LoadExecutions hydrates the cache with customerID's stored executions.
// Records are merged by id and the higher revision wins, so repeated calls
// are idempotent. A failed fetch is logged and otherwise ignored.
func (m *Manager) LoadExecutions(ctx context.Context, customerID int64) {
	began := time.Now()
	execs, err := m.store.List(ctx, customerID)
	m.metrics.Observe("load_executions", began, err)
	if err != nil {
		m.logger.Warn("load executions failed", "customer_id", customerID, "error", err)
		return
	}
	loaded := 0
	m.mu.Lock()
	for _, exec := range execs {
		if exec.CustomerID != customerID {
			m.logger.Warn("store returned foreign execution", "customer_id", customerID, "execution_id", exec.ID)
			continue
		}
		if cached, ok := m.cache[exec.ID]; ok {
			if cached.CustomerID != customerID || cached.Revision > exec.Revision {
				continue
			}
		}
		m.cache[exec.ID] = exec.Clone()
		m.persisted[exec.ID] = exec.Revision
		loaded++
	}
	size := len(m.cache)
	m.mu.Unlock()
	m.metrics.SetCached(size)
	m.logger.Debug("executions loaded", "customer_id", customerID, "count", loaded)
}

// DeleteExecution removes the execution from the store and then from the
// cache.
func (m *Manager) DeleteExecution(ctx context.Context, customerID int64, id string) (err error) {
	const op = "manager: delete"
	began := time.Now()
	defer func() { m.metrics.Observe("delete_execution", began, err) }()

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cached, cachedOK := m.get(id)
	if cachedOK && cached.CustomerID != customerID {
		return playbook.NotFound(op, "execution %s", id)
	}
	entry := logbook.Entry{Action: "deleted", CustomerID: customerID, ExecutionID: id}
	if err := m.store.Delete(ctx, customerID, id); err != nil {
		if !cachedOK {
			m.mu.Lock()
			delete(m.locks, id)
			m.mu.Unlock()
		}
		entry.Err = err
		m.record(entry)
		m.logger.Error("delete execution failed", "execution_id", id, "customer_id", customerID, "error", err)
		return playbook.Persistence(op, err)
	}
	m.mu.Lock()
	delete(m.cache, id)
	delete(m.persisted, id)
	delete(m.locks, id)
	size := len(m.cache)
	m.mu.Unlock()
	m.metrics.SetCached(size)
	m.record(entry)
	gone := playbook.Execution{ID: id, CustomerID: customerID}
	if cachedOK {
		gone = cached
		gone.Revision++
	}
	m.publish(feed.ChangeDeleted, gone, "")
	return nil
}

func (m *Manager) get(id string) (playbook.Execution, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.cache[id]
	if !ok {
		return playbook.Execution{}, false
	}
	return exec.Clone(), true
}

func (m *Manager) put(exec playbook.Execution) {
	m.mu.Lock()
	m.cache[exec.ID] = exec.Clone()
	size := len(m.cache)
	m.mu.Unlock()
	m.metrics.SetCached(size)
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockLocked(id)
}

// lockExisting returns the lock of a cached execution. Unknown ids get none.
func (m *Manager) lockExisting(id string) (*sync.Mutex, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache[id]; !ok {
		return nil, false
	}
	return m.lockLocked(id), true
}

func (m *Manager) lockLocked(id string) *sync.Mutex {
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// dirty reports whether the cached exec is ahead of the last stored revision.
func (m *Manager) dirty(exec playbook.Execution) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return exec.Revision > m.persisted[exec.ID]
}

// persist writes exec to the store. The cache is not rolled back on failure;
// the next successful write or load reconciles it.
func (m *Manager) persist(ctx context.Context, op string, exec playbook.Execution, entry logbook.Entry) error {
	err := m.store.Save(ctx, exec)
	if err != nil {
		entry.Err = err
		m.record(entry)
		m.logger.Error("persist execution failed", "op", op, "execution_id", exec.ID, "revision", exec.Revision, "error", err)
		return playbook.Persistence(op, err)
	}
	m.mu.Lock()
	if exec.Revision > m.persisted[exec.ID] {
		m.persisted[exec.ID] = exec.Revision
	}
	m.mu.Unlock()
	m.record(entry)
	return nil
}

// resave writes the cached exec again after an earlier write of it failed.
func (m *Manager) resave(ctx context.Context, op string, exec playbook.Execution, entry logbook.Entry, kind feed.ChangeType, stepID string) error {
	if err := m.persist(ctx, op, exec, entry); err != nil {
		return err
	}
	m.logger.Info("execution rewritten", "execution_id", exec.ID, "revision", exec.Revision, "status", exec.Status)
	m.publish(kind, exec, stepID)
	return nil
}

func (m *Manager) record(entry logbook.Entry) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(entry); err != nil {
		m.logger.Warn("audit record failed", "action", entry.Action, "error", err)
	}
}

func (m *Manager) publish(kind feed.ChangeType, exec playbook.Execution, stepID string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Publish(feed.Change{
		ID:          m.newID(),
		Type:        kind,
		ExecutionID: exec.ID,
		CustomerID:  exec.CustomerID,
		PlaybookID:  exec.PlaybookID,
		StepID:      stepID,
		Status:      string(exec.Status),
		Revision:    exec.Revision,
		At:          m.now(),
	})
}
