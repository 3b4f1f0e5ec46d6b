// ABOUTME: Monitored-target registry: the set of targets this agent owns
// ABOUTME: Safe for concurrent readers on the delivery path and writers on the resolution path

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/botwatch/internal/store"
)

// persistTimeout bounds a single write-through to the persister.
const persistTimeout = 5 * time.Second

// Persister keeps the monitored set across restarts. store.Store satisfies it.
type Persister interface {
	SaveTarget(ctx context.Context, target store.Target) error
	DeleteTarget(ctx context.Context, id string) error
	ListTargets(ctx context.Context) ([]store.Target, error)
}

// Registry is a concurrent set of target ids. The in-memory set is
// authoritative; persistence failures are logged and do not roll it back.
type Registry struct {
	// writeMu orders writers so the persister sees Add and Remove in the
	// same order as the set. Readers only take mu.
	writeMu sync.Mutex
	mu      sync.RWMutex
	targets map[string]time.Time

	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithPersister writes every Add and Remove through to p.
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persister = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		targets: make(map[string]time.Time),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Load seeds the set from the persister. Without a persister it does nothing.
func (r *Registry) Load(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	targets, err := r.persister.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("loading monitored targets: %w", err)
	}

	r.mu.Lock()
	for _, t := range targets {
		r.targets[t.ID] = t.AcquiredAt
	}
	n := len(r.targets)
	r.mu.Unlock()

	r.logger.Info("monitored set loaded", "count", n)
	return nil
}

// Add inserts target and reports whether it was new.
func (r *Registry) Add(target string) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if _, ok := r.targets[target]; ok {
		r.mu.Unlock()
		return false
	}
	at := r.now()
	r.targets[target] = at
	r.mu.Unlock()

	if r.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.persister.SaveTarget(ctx, store.Target{ID: target, AcquiredAt: at}); err != nil {
			r.logger.Error("failed to persist target", "target", target, "error", err)
		}
	}
	return true
}

// Remove deletes target and reports whether it was present. Removing an
// absent target is a no-op.
func (r *Registry) Remove(target string) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	_, ok := r.targets[target]
	delete(r.targets, target)
	r.mu.Unlock()

	if ok && r.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.persister.DeleteTarget(ctx, target); err != nil {
			r.logger.Error("failed to delete persisted target", "target", target, "error", err)
		}
	}
	return ok
}

// Contains reports whether target is monitored.
func (r *Registry) Contains(target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.targets[target]
	return ok
}

// List returns the monitored targets sorted by id.
func (r *Registry) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.targets))
	for t := range r.targets {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of monitored targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}
