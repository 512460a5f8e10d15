// Package catalog is the read-only registry of playbook definitions. The
// built-in definitions are embedded YAML files validated once at load time;
// lookups never fail for an unknown id, they report absence.
package catalog

import (
	"embed"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/kingrea/playbooks/internal/playbook"
)

//go:embed playbooks/*.yaml
var builtin embed.FS

// Catalog holds validated definitions keyed by id.
type Catalog struct {
	defs  map[string]playbook.Definition
	order []string
}

type loadOptions struct {
	extraDir     string
	extraPattern string
	skipBuiltin  bool
	logger       *slog.Logger
}

// Option customises Load.
type Option func(*loadOptions)

// WithExtraDir merges definitions found under dir. Duplicate ids fail the load.
func WithExtraDir(dir, pattern string) Option {
	return func(o *loadOptions) {
		o.extraDir = strings.TrimSpace(dir)
		o.extraPattern = strings.TrimSpace(pattern)
	}
}

// WithoutBuiltin skips the embedded definitions.
func WithoutBuiltin() Option {
	return func(o *loadOptions) { o.skipBuiltin = true }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *loadOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Load builds the catalog from the embedded definitions plus any configured
// extra directory.
func Load(opts ...Option) (*Catalog, error) {
	cfg := loadOptions{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	var defs []playbook.Definition
	if !cfg.skipBuiltin {
		embedded, err := LoadFS(builtin, "playbooks/*.yaml")
		if err != nil {
			return nil, err
		}
		defs = append(defs, embedded...)
	}
	if cfg.extraDir != "" {
		extra, err := LoadDir(cfg.extraDir, cfg.extraPattern)
		if err != nil {
			return nil, err
		}
		cfg.logger.Info("catalog extra definitions loaded", "dir", cfg.extraDir, "count", len(extra))
		defs = append(defs, extra...)
	}
	cat, err := New(defs...)
	if err != nil {
		return nil, err
	}
	cfg.logger.Debug("catalog loaded", "definitions", cat.Len())
	return cat, nil
}

// MustLoad is Load for tests and tools that cannot continue without the
// built-in catalog.
func MustLoad(opts ...Option) *Catalog {
	cat, err := Load(opts...)
	if err != nil {
		panic(err)
	}
	return cat
}

// New validates defs and indexes them by id.
func New(defs ...playbook.Definition) (*Catalog, error) {
	cat := &Catalog{defs: make(map[string]playbook.Definition, len(defs))}
	for _, def := range defs {
		def = def.Normalized()
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		if _, dup := cat.defs[def.ID]; dup {
			return nil, playbook.Validation("catalog", "duplicate playbook id %s", def.ID)
		}
		cat.defs[def.ID] = def
		cat.order = append(cat.order, def.ID)
	}
	slices.Sort(cat.order)
	return cat, nil
}

// GetByID returns the definition with the exact id. The boolean is false for
// unknown ids.
func (c *Catalog) GetByID(id string) (playbook.Definition, bool) {
	if c == nil {
		return playbook.Definition{}, false
	}
	def, ok := c.defs[id]
	if !ok {
		return playbook.Definition{}, false
	}
	return def.Clone(), true
}

// Lookup is GetByID for callers that want a typed NotFound error.
func (c *Catalog) Lookup(id string) (playbook.Definition, error) {
	def, ok := c.GetByID(id)
	if !ok {
		return playbook.Definition{}, playbook.NotFound("catalog", "playbook %s", id)
	}
	return def, nil
}

// ByCategory returns definitions in the category, ordered by id.
func (c *Catalog) ByCategory(category playbook.Category) []playbook.Definition {
	return c.filter(func(def playbook.Definition) bool { return def.Category == category })
}

// ByTag returns definitions carrying the exact tag, ordered by id.
func (c *Catalog) ByTag(tag string) []playbook.Definition {
	return c.filter(func(def playbook.Definition) bool { return def.HasTag(tag) })
}

// All returns every definition ordered by id.
func (c *Catalog) All() []playbook.Definition {
	return c.filter(func(playbook.Definition) bool { return true })
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.order)
}

// Categories lists the categories that have at least one definition, in the
// fixed display order.
func (c *Catalog) Categories() []playbook.Category {
	var out []playbook.Category
	for _, category := range playbook.Categories() {
		if len(c.ByCategory(category)) > 0 {
			out = append(out, category)
		}
	}
	return out
}

func (c *Catalog) filter(keep func(playbook.Definition) bool) []playbook.Definition {
	if c == nil {
		return nil
	}
	out := make([]playbook.Definition, 0, len(c.order))
	for _, id := range c.order {
		def := c.defs[id]
		if keep(def) {
			out = append(out, def.Clone())
		}
	}
	return out
}

// Triggers collects the trigger thresholds embedded in a definition's steps,
// in step order. The recommendation service consumes them as-is.
func Triggers(def playbook.Definition) []playbook.TriggerThreshold {
	var out []playbook.TriggerThreshold
	for _, step := range def.Steps {
		if step.Data.Kind != playbook.StepDataTrigger {
			continue
		}
		out = append(out, step.Data.Triggers...)
	}
	return out
}
