package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logbook is an append-only audit trail of execution mutations, one line per
// entry in a plain text file.
type Logbook struct {
	path  string
	mu    sync.Mutex
	clock func() time.Time
}

// Option customises a Logbook.
type Option func(*Logbook)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Logbook) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates a logbook that writes to the provided path.
func New(path string, opts ...Option) (*Logbook, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("logbook: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure dir: %w", err)
	}
	l := &Logbook{path: path, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry to the logbook.
func (l *Logbook) Append(level Level, message string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n",
		l.clock().UTC().Format(time.RFC3339),
		string(level),
		strings.TrimSpace(message),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logbook: open: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("logbook: write: %w", err)
	}
	return nil
}

// Tail returns up to maxLines of the most recent entries plus the total
// number of entries.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// Entry describes one audited mutation.
type Entry struct {
	Action      string
	CustomerID  int64
	ExecutionID string
	PlaybookID  string
	StepID      string
	From        string
	To          string
	Revision    int64
	Actor       string
	Err         error
}

// String renders the entry as space separated key=value pairs. Values with
// spaces are quoted.
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Action)
	field := func(key, value string) {
		if value == "" {
			return
		}
		if strings.ContainsAny(value, " \t\"=") {
			value = strconv.Quote(value)
		}
		b.WriteString(" " + key + "=" + value)
	}
	field("customer", strconv.FormatInt(e.CustomerID, 10))
	field("execution", e.ExecutionID)
	field("playbook", e.PlaybookID)
	field("step", e.StepID)
	field("from", e.From)
	field("to", e.To)
	if e.Revision > 0 {
		field("revision", strconv.FormatInt(e.Revision, 10))
	}
	field("actor", e.Actor)
	if e.Err != nil {
		field("error", e.Err.Error())
	}
	return b.String()
}

// Record appends e at INFO, or ERROR when it carries a failure.
func (l *Logbook) Record(e Entry) error {
	level := LevelInfo
	if e.Err != nil {
		level = LevelError
	}
	return l.Append(level, e.String())
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) error {
	return l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) error {
	return l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) error {
	return l.Append(LevelError, fmt.Sprintf(format, args...))
}
