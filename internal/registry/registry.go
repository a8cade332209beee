// Package registry manages the process-wide name -> collection map.
//
// The registry supports concurrent lookups with serialized structural
// changes (create/drop). It is constructed at startup, passed down by
// reference, and dropped at shutdown; it is not a global singleton.
//
// Collections that fail integrity checks are marked unavailable: they stay
// listed for observability but lookups fail until operator action.
package registry

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/collection"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// namePattern validates collection names for filesystem and archive safety.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateName checks a collection name.
func ValidateName(name string) error {
	if name == "" || len(name) > 255 || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid collection name %q", vecerr.ErrInvalidParameter, name)
	}
	return nil
}

// Registry holds the live collections.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]*collection.Collection
	unavailable map[string]error
	logger      *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		collections: make(map[string]*collection.Collection),
		unavailable: make(map[string]error),
		logger:      logger,
	}
}

// Add registers a collection under its configured name.
func (r *Registry) Add(c *collection.Collection) error {
	name := c.Name()
	if err := ValidateName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.collections[name]; exists {
		return fmt.Errorf("%w: collection %q", vecerr.ErrAlreadyExists, name)
	}
	r.collections[name] = c
	delete(r.unavailable, name)
	r.logger.Info("collection registered", zap.String("collection", name))
	return nil
}

// Get returns a collection by name. Unavailable collections surface their
// integrity error.
func (r *Registry) Get(name string) (*collection.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err, bad := r.unavailable[name]; bad {
		return nil, fmt.Errorf("collection %q unavailable: %w", name, err)
	}
	c, ok := r.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", vecerr.ErrNotFound, name)
	}
	return c, nil
}

// Drop removes a collection. Workspace collections can only be dropped with
// force, used when they disappear from workspace config.
func (r *Registry) Drop(name string, force bool) (*collection.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.collections[name]
	if !ok {
		if _, bad := r.unavailable[name]; bad {
			delete(r.unavailable, name)
			return nil, nil
		}
		return nil, fmt.Errorf("%w: collection %q", vecerr.ErrNotFound, name)
	}
	if c.ReadOnly() && !force {
		return nil, fmt.Errorf("%w: %s", vecerr.ErrReadOnly, name)
	}
	delete(r.collections, name)
	r.logger.Info("collection dropped", zap.String("collection", name))
	return c, nil
}

// List returns the registered names, sorted, including unavailable ones.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.collections)+len(r.unavailable))
	for name := range r.collections {
		names = append(names, name)
	}
	for name := range r.unavailable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the available collections, sorted by name.
func (r *Registry) All() []*collection.Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*collection.Collection, 0, len(r.collections))
	for _, c := range r.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// MarkUnavailable flags a collection as failed. The health surface reports
// it; Get returns the integrity error until an operator re-adds it.
func (r *Registry) MarkUnavailable(name string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.collections, name)
	r.unavailable[name] = cause
	r.logger.Error("collection marked unavailable",
		zap.String("collection", name),
		zap.Error(cause),
	)
}

// Health summarizes collection availability.
type Health struct {
	Available   []string          `json:"available"`
	Unavailable map[string]string `json:"unavailable,omitempty"`
}

// Health returns the current availability summary.
func (r *Registry) Health() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := Health{Available: make([]string, 0, len(r.collections))}
	for name := range r.collections {
		h.Available = append(h.Available, name)
	}
	sort.Strings(h.Available)
	if len(r.unavailable) > 0 {
		h.Unavailable = make(map[string]string, len(r.unavailable))
		for name, err := range r.unavailable {
			h.Unavailable[name] = err.Error()
		}
	}
	return h
}
