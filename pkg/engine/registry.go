package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-safety/pkg/catalog"
	"github.com/polisai/polis-safety/pkg/domain"
	"github.com/polisai/polis-safety/pkg/policy"
)

// Generation is an immutable set of named policies. Evaluations hold the
// generation they started with until they return.
type Generation struct {
	ID       int64
	policies map[string]*policy.Policy
	names    []string
	// deps built the policies; inline evaluations reuse them.
	deps catalog.Dependencies
}

func newGeneration(id int64, policies map[string]*policy.Policy, deps catalog.Dependencies) *Generation {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Generation{ID: id, policies: policies, names: names, deps: deps}
}

// Lookup returns the policy registered under name.
func (g *Generation) Lookup(name string) (*policy.Policy, error) {
	if p, ok := g.policies[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrPolicyNotFound, name)
}

// Names returns the policy names in sorted order.
func (g *Generation) Names() []string {
	return append([]string(nil), g.names...)
}

// Len returns the number of policies.
func (g *Generation) Len() int {
	return len(g.names)
}

// Registry maintains the active policy generation.
// Readers never block: Current is a single atomic load. Writers are
// serialised so generation IDs increase monotonically.
type Registry struct {
	current atomic.Pointer[Generation]

	mu     sync.Mutex
	nextID int64
	logger *slog.Logger
}

// NewRegistry creates a registry serving an empty generation.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.current.Store(newGeneration(0, map[string]*policy.Policy{}, catalog.Dependencies{}))
	return r
}

// Current returns the active generation.
func (r *Registry) Current() *Generation {
	return r.current.Load()
}

// Replace installs policies as a new generation and returns it.
func (r *Registry) Replace(policies map[string]*policy.Policy, deps catalog.Dependencies) *Generation {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	gen := newGeneration(r.nextID, policies, deps)
	previous := r.current.Swap(gen)

	r.logger.Info("policy generation installed",
		slog.Int64("generation", gen.ID),
		slog.Int64("previous_generation", previous.ID),
		slog.Int("policies", gen.Len()))
	return gen
}
