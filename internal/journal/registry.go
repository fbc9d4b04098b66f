package journal

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/gezibash/arc-broker/internal/observability"
	"github.com/gezibash/arc-broker/internal/params"
)

// Factory opens a backend from its merged parameters.
type Factory func(ctx context.Context, config map[string]string) (Backend, error)

// DefaultsFunc returns a backend's default parameters.
type DefaultsFunc func() map[string]string

type registration struct {
	open     Factory
	defaults DefaultsFunc
}

// registry maps backend names, as given by the journal.backend setting, to
// their factories. Backends register themselves from init.
type registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

var backends = &registry{entries: make(map[string]registration)}

func (r *registry) add(name string, reg registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[name]; dup {
		panic(fmt.Sprintf("journal: backend %q registered twice", name))
	}
	r.entries[name] = reg
}

func (r *registry) get(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Register makes a backend available to New. It panics on a duplicate name.
func Register(name string, open Factory, defaults DefaultsFunc) {
	backends.add(name, registration{open: open, defaults: defaults})
}

// GetDefaults returns the default parameters of a backend, or nil.
func GetDefaults(name string) map[string]string {
	reg, ok := backends.get(name)
	if !ok || reg.defaults == nil {
		return nil
	}
	return reg.defaults()
}

// ListBackends returns the registered backend names in order.
func ListBackends() []string {
	return backends.names()
}

// IsRegistered reports whether name can be passed to New.
func IsRegistered(name string) bool {
	_, ok := backends.get(name)
	return ok
}

// New opens the named backend with config laid over its defaults. An
// unknown name is a *params.ConfigError. metrics may be nil.
func New(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics) (_ Backend, err error) {
	op, ctx := observability.StartOperation(ctx, metrics, "journal.open")
	defer func() { op.End(err) }()

	reg, ok := backends.get(name)
	if !ok {
		return nil, params.NewConfigErrorWithValue("journal", "backend", name,
			"unknown backend, want one of "+strings.Join(ListBackends(), ", "))
	}

	var defaults map[string]string
	if reg.defaults != nil {
		defaults = reg.defaults()
	}
	b, err := reg.open(ctx, params.Merge(defaults, config))
	if err != nil {
		return nil, fmt.Errorf("journal %s: %w", name, err)
	}
	slog.InfoContext(ctx, "journal opened", "backend", name)
	return b, nil
}
