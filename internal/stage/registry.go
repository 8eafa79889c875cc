package stage

import (
	"context"
	"fmt"
	"strings"
)

// Definition binds a handler to its position in the pipeline and declares
// its retry and review behavior.
type Definition struct {
	Index   int
	Name    string
	Handler Handler
	// Retryable enables the self-check loop for this stage.
	Retryable bool
	// MaxRetries bounds auto-fix attempts beyond the first invocation.
	// Ignored unless Retryable is set.
	MaxRetries int
	// ReviewGated pauses the item for human confirmation after this stage
	// succeeds.
	ReviewGated bool
}

// Registry holds the ordered, immutable sequence of stage definitions.
type Registry struct {
	ordered []Definition
	byName  map[string]int
}

// NewRegistry validates and freezes a stage sequence. Definitions must be
// supplied in index order starting at zero with unique names.
func NewRegistry(definitions ...Definition) (*Registry, error) {
	if len(definitions) == 0 {
		return nil, fmt.Errorf("registry requires at least one stage")
	}

	byName := make(map[string]int, len(definitions))
	for i, def := range definitions {
		if def.Index != i {
			return nil, fmt.Errorf("stage %q has index %d, expected %d", def.Name, def.Index, i)
		}
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("stage at index %d has no name", i)
		}
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("duplicate stage name %q", name)
		}
		if def.Handler == nil {
			return nil, fmt.Errorf("stage %q has no handler", name)
		}
		if def.Retryable && def.MaxRetries < 0 {
			return nil, fmt.Errorf("stage %q has negative retry ceiling", name)
		}
		byName[name] = i
	}

	ordered := make([]Definition, len(definitions))
	copy(ordered, definitions)
	return &Registry{ordered: ordered, byName: byName}, nil
}

// Len returns the number of registered stages.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// ByIndex returns the stage definition at the given position.
func (r *Registry) ByIndex(index int) (Definition, bool) {
	if index < 0 || index >= len(r.ordered) {
		return Definition{}, false
	}
	return r.ordered[index], true
}

// ByName returns the stage definition with the given name.
func (r *Registry) ByName(name string) (Definition, bool) {
	index, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return Definition{}, false
	}
	return r.ordered[index], true
}

// Definitions returns the ordered stage table.
func (r *Registry) Definitions() []Definition {
	cp := make([]Definition, len(r.ordered))
	copy(cp, r.ordered)
	return cp
}

// RetryCeiling returns the configured retry budget for a stage, zero for
// non-retryable stages.
func (d Definition) RetryCeiling() int {
	if !d.Retryable {
		return 0
	}
	return d.MaxRetries
}

// HealthCheck probes every registered handler.
func (r *Registry) HealthCheck(ctx context.Context) []Health {
	checks := make([]Health, 0, len(r.ordered))
	for _, def := range r.ordered {
		checks = append(checks, def.Handler.HealthCheck(ctx))
	}
	return checks
}
