// Package jobs maps job class names to the code that performs them.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/resqued/internal/worker/domain"
)

// Performer runs one job. Returning a *domain.PermanentError sends the job
// straight to the dead letter; any other error is retried.
type Performer interface {
	Perform(ctx context.Context, args json.RawMessage) error
}

// PerformerFunc adapts a plain function to Performer
type PerformerFunc func(ctx context.Context, args json.RawMessage) error

// Perform calls f(ctx, args)
func (f PerformerFunc) Perform(ctx context.Context, args json.RawMessage) error {
	return f(ctx, args)
}

// Registry is safe for concurrent use. Workers only read from it.
type Registry struct {
	mu         sync.RWMutex
	performers map[string]Performer
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{performers: make(map[string]Performer)}
}

// Register binds class to p. Registering a class twice is an error.
func (r *Registry) Register(class string, p Performer) error {
	if class == "" {
		return fmt.Errorf("register: class name is required")
	}
	if p == nil {
		return fmt.Errorf("register %s: performer is nil", class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.performers[class]; exists {
		return fmt.Errorf("register %s: class already registered", class)
	}
	r.performers[class] = p
	return nil
}

// MustRegister is Register for program init; it panics on error
func (r *Registry) MustRegister(class string, p Performer) {
	if err := r.Register(class, p); err != nil {
		panic(err)
	}
}

// Lookup resolves class, returning domain.ErrUnknownJobClass when missing
func (r *Registry) Lookup(class string) (Performer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.performers[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownJobClass, class)
	}
	return p, nil
}

// Has reports whether class is registered
func (r *Registry) Has(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.performers[class]
	return ok
}

// Classes returns the registered class names, sorted
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.performers))
	for class := range r.performers {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}
