// ABOUTME: Owns the single live session of the process and its reload sequence
// ABOUTME: Serializes lifecycle changes and fans out state changes to subscribers

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/botwatch/internal/config"
	"github.com/2389/botwatch/internal/transport"
)

// ManagerOptions configures a Manager. The hooks are handed to every session
// it constructs.
type ManagerOptions struct {
	Dialer    transport.Dialer
	OnMessage func(transport.Message)
	OnLost    func()

	JoinAttempts int
	JoinBackoff  time.Duration
	MaxBackoff   time.Duration

	Logger *slog.Logger
}

// Manager holds exactly one live Session. Reload replaces it rather than
// mutating it, and a reload that overlaps another lifecycle change fails
// with ErrSessionBusy.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger
	states *stateBroadcaster

	lifecycle sync.Mutex // held for the whole of Start, Reload and Shutdown

	mu      sync.RWMutex
	current *Session
	lastErr error
	stopped bool
}

// NewManager creates a Manager with no session.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session-manager")
	return &Manager{
		opts:   opts,
		logger: logger,
		states: newStateBroadcaster(logger),
	}
}

// Start constructs and connects the first session. A join failure leaves the
// session in place, Disconnected, so Err reports it and Reload can replace it.
func (m *Manager) Start(ctx context.Context, identity config.AgentIdentity, rooms config.RoomSet) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.current != nil {
		m.mu.Unlock()
		return errors.New("session already started")
	}
	s := m.newSession(identity, rooms)
	m.current = s
	m.mu.Unlock()

	m.logger.Info("starting session", "identity", identity.String())
	return s.Connect(ctx)
}

// Reload tears the live session down without reconnecting, adopts identity
// and rooms, then constructs and connects a new session. It returns
// ErrSessionBusy if another Start, Reload or Shutdown is running.
func (m *Manager) Reload(ctx context.Context, identity config.AgentIdentity, rooms config.RoomSet) error {
	if !m.lifecycle.TryLock() {
		return ErrSessionBusy
	}
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrNotConnected
	}
	old := m.current
	m.current = nil
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("reload: closing session", "identity", old.Identity().String())
		old.Disconnect(false)
	}

	s := m.newSession(identity, rooms)
	m.mu.Lock()
	m.current = s
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("reload: starting session", "identity", identity.String())
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

// Shutdown tears down the live session. Later sends fail with
// ErrNotConnected and subscriber channels are closed.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)

		m.lifecycle.Lock()
		defer m.lifecycle.Unlock()

		m.mu.Lock()
		old := m.current
		m.current = nil
		m.stopped = true
		m.mu.Unlock()

		if old != nil {
			old.Disconnect(false)
		}
		m.states.Close()
		m.logger.Info("session manager stopped")
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutting down session: %w", ctx.Err())
	}
}

// Send implements protocol.Sender through the live session.
func (m *Manager) Send(ctx context.Context, room transport.RoomKind, msg transport.Outgoing) error {
	s := m.session()
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(ctx, room, msg)
}

// Joined reports whether the live session has joined both rooms.
func (m *Manager) Joined() bool {
	s := m.session()
	return s != nil && s.Joined()
}

// State returns the live session's state, Disconnected if there is none.
func (m *Manager) State() State {
	if s := m.session(); s != nil {
		return s.State()
	}
	return Disconnected
}

// Identity returns the live session's identity.
func (m *Manager) Identity() (config.AgentIdentity, bool) {
	if s := m.session(); s != nil {
		return s.Identity(), true
	}
	return config.AgentIdentity{}, false
}

// Subscribe returns a channel of state changes that closes with ctx or on
// Shutdown. Slow readers miss changes.
func (m *Manager) Subscribe(ctx context.Context) <-chan StateChange {
	return m.states.Subscribe(ctx)
}

// Err returns the fatal error of the live session, such as ErrJoinFailed.
// It is cleared once a session joins.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Manager) session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) newSession(identity config.AgentIdentity, rooms config.RoomSet) *Session {
	return New(identity, rooms, Options{
		Dialer:       m.opts.Dialer,
		OnMessage:    m.opts.OnMessage,
		OnLost:       m.opts.OnLost,
		OnState:      m.onState,
		JoinAttempts: m.opts.JoinAttempts,
		JoinBackoff:  m.opts.JoinBackoff,
		MaxBackoff:   m.opts.MaxBackoff,
		Logger:       m.opts.Logger,
	})
}

func (m *Manager) onState(change StateChange) {
	m.mu.Lock()
	switch {
	case change.State == Joined:
		m.lastErr = nil
	case errors.Is(change.Err, ErrJoinFailed):
		m.lastErr = change.Err
	}
	m.mu.Unlock()

	if change.State == Joined || change.Err != nil {
		m.logger.Info("session state", "state", change.State.String(), "error", change.Err)
	}
	m.states.Publish(change)
}
