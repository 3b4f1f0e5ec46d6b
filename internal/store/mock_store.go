// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	targets   map[string]Target // keyed by target ID
	decisions []Decision        // append order
	byID      map[string]struct{}
	closed    bool

	// FailWrites makes every write return this error when set.
	FailWrites error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		targets: make(map[string]Target),
		byID:    make(map[string]struct{}),
	}
}

// SaveTarget stores or refreshes a target.
func (m *MockStore) SaveTarget(ctx context.Context, target Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	if target.ID == "" {
		return fmt.Errorf("saving target: empty id")
	}
	if target.AcquiredAt.IsZero() {
		target.AcquiredAt = time.Now()
	}
	m.targets[target.ID] = target
	return nil
}

// DeleteTarget removes a target.
func (m *MockStore) DeleteTarget(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	delete(m.targets, id)
	return nil
}

// ListTargets returns targets ordered by ID.
func (m *MockStore) ListTargets(ctx context.Context) ([]Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordDecision appends a decision.
func (m *MockStore) RecordDecision(ctx context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	if !validOutcome(d.Outcome) {
		return fmt.Errorf("recording decision %s: unknown outcome %q", d.CorrelationID, d.Outcome)
	}
	if _, ok := m.byID[d.CorrelationID]; ok {
		return ErrDuplicateDecision
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}
	m.byID[d.CorrelationID] = struct{}{}
	m.decisions = append(m.decisions, *d)
	return nil
}

// RecentDecisions returns up to limit decisions, newest first.
func (m *MockStore) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Decision, 0, limit)
	for i := len(m.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.decisions[i])
	}
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Compile-time check that both implementations satisfy Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
