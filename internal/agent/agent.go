// ABOUTME: Agent core facade wiring store, registry, coordinator, session manager and publisher
// ABOUTME: Exposes the operations the command layer calls: track, release, publish, reload, shutdown

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/botwatch/internal/config"
	"github.com/2389/botwatch/internal/protocol"
	"github.com/2389/botwatch/internal/registry"
	"github.com/2389/botwatch/internal/session"
	"github.com/2389/botwatch/internal/store"
	"github.com/2389/botwatch/internal/telemetry"
	"github.com/2389/botwatch/internal/transport"
)

// Agent is one monitoring agent. The registry and coordinator live for the
// whole process; sessions come and go underneath them.
type Agent struct {
	logger *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config

	store     store.Store
	registry  *registry.Registry
	coord     *protocol.Coordinator
	sessions  *session.Manager
	publisher *telemetry.Publisher

	onShare func(transport.Message)

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures an Agent.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	dialer  transport.Dialer
	store   store.Store
	onShare func(transport.Message)
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDialer overrides the transport chosen by transport.kind.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithStore overrides the store opened from database.path.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithDataShareHandler receives data-share messages from peers.
func WithDataShareHandler(fn func(transport.Message)) Option {
	return func(o *options) { o.onShare = fn }
}

// New builds an agent from cfg. Nothing connects until Start.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("login", cfg.Identity.LoginID)

	st := o.store
	if st == nil {
		path := cfg.Database.Path
		if path == "" {
			// decisions are still logged, they just do not outlive the process
			path = ":memory:"
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		st = s
	}

	dialer := o.dialer
	if dialer == nil {
		d, err := dialerFor(cfg, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		dialer = d
	}

	a := &Agent{
		logger:  logger.With("component", "agent"),
		cfg:     cfg,
		store:   st,
		onShare: o.onShare,
	}
	a.registry = registry.New(registry.WithPersister(st), registry.WithLogger(logger))
	a.sessions = session.NewManager(session.ManagerOptions{
		Dialer:       dialer,
		OnMessage:    a.handleMessage,
		OnLost:       a.sessionLost,
		JoinAttempts: cfg.Session.JoinAttempts,
		JoinBackoff:  cfg.Session.JoinBackoff,
		MaxBackoff:   cfg.Session.MaxBackoff,
		Logger:       logger,
	})
	a.coord = protocol.NewCoordinator(a.sessions, a.registry, protocol.Options{
		Timeout:           cfg.Coordination.QueryTimeout,
		Jitter:            cfg.Coordination.TimeoutJitter,
		YieldOnContention: cfg.Coordination.YieldOnContention,
		DecisionLog:       st,
		Logger:            logger,
	})
	a.publisher = telemetry.NewPublisher(a.sessions, telemetry.Options{
		RatePerSecond: cfg.Telemetry.RatePerSecond,
		Burst:         cfg.Telemetry.Burst,
		QueueSize:     cfg.Telemetry.QueueSize,
		Markdown:      cfg.Telemetry.Markdown,
		Logger:        logger,
	})
	return a, nil
}

// dialerFor picks the transport named by transport.kind.
func dialerFor(cfg *config.Config, logger *slog.Logger) (transport.Dialer, error) {
	switch cfg.Transport.Kind {
	case config.TransportMatrix:
		return transport.MatrixDialer(transport.MatrixOptions{
			RecoveryKey: cfg.Transport.RecoveryKey,
			DataDir:     cfg.Transport.DataDir,
			Logger:      logger,
		}), nil
	case config.TransportKafka:
		return transport.KafkaDialer(transport.KafkaOptions{
			Brokers: cfg.Transport.Brokers,
			Logger:  logger,
		}), nil
	case config.TransportLoopback:
		// a private hub: the agent only ever hears itself
		return transport.NewHub().Dialer(), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// Start restores the monitored set and connects the first session.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.registry.Load(ctx); err != nil {
		return err
	}
	cfg := a.config()
	a.logger.Info("starting agent",
		"identity", cfg.AgentIdentity().String(),
		"transport", cfg.Transport.Kind,
		"monitored", a.registry.Len(),
	)
	return a.sessions.Start(ctx, cfg.AgentIdentity(), cfg.RoomSet())
}

// RequestOwnership asks the peers whether target is taken and claims it if not.
func (a *Agent) RequestOwnership(ctx context.Context, target string) (bool, error) {
	return a.coord.RequestOwnership(ctx, target)
}

// ReleaseOwnership stops monitoring target. It reports whether target was owned.
func (a *Agent) ReleaseOwnership(target string) bool {
	return a.coord.ReleaseOwnership(target)
}

// Publish sends message to the data-share room without waiting for delivery.
func (a *Agent) Publish(ctx context.Context, message string) error {
	return a.publisher.Publish(ctx, message)
}

// Reload replaces the identity and rooms with those of cfg: the old session
// is torn down first, then a new one connects. The monitored set is kept.
// Transport kind and timing changes take effect on restart.
func (a *Agent) Reload(ctx context.Context, cfg *config.Config) error {
	if err := a.sessions.Reload(ctx, cfg.AgentIdentity(), cfg.RoomSet()); err != nil {
		// the new session exists even when it failed to join
		if !errors.Is(err, session.ErrSessionBusy) && !errors.Is(err, session.ErrNotConnected) {
			a.setConfig(cfg)
		}
		return err
	}
	a.setConfig(cfg)
	return nil
}

// Shutdown resolves any outstanding query, drains telemetry, closes the
// session and then the store. It is safe to call more than once.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		var errs []error

		a.coord.SessionLost()
		if err := a.publisher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing publisher: %w", err))
		}
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.coord.Close()
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}

		a.shutdownErr = errors.Join(errs...)
		a.logger.Info("agent stopped")
	})
	return a.shutdownErr
}

// Monitored returns the owned targets, sorted.
func (a *Agent) Monitored() []string {
	return a.registry.List()
}

// InFlight returns the target of the outstanding query, if any.
func (a *Agent) InFlight() (string, bool) {
	return a.coord.InFlight()
}

// RecentDecisions returns up to limit ownership decisions, newest first.
func (a *Agent) RecentDecisions(ctx context.Context, limit int) ([]store.Decision, error) {
	return a.store.RecentDecisions(ctx, limit)
}

// State returns the live session's connection state.
func (a *Agent) State() session.State {
	return a.sessions.State()
}

// Subscribe streams session state changes until ctx ends or Shutdown.
func (a *Agent) Subscribe(ctx context.Context) <-chan session.StateChange {
	return a.sessions.Subscribe(ctx)
}

// Err returns the fatal session error, such as a wrapped session.ErrJoinFailed.
func (a *Agent) Err() error {
	return a.sessions.Err()
}

// Identity returns the identity of the current configuration.
func (a *Agent) Identity() config.AgentIdentity {
	return a.config().AgentIdentity()
}

func (a *Agent) handleMessage(m transport.Message) {
	switch m.Room {
	case transport.Coordination:
		a.coord.HandleMessage(m)
	case transport.DataShare:
		if m.Self {
			return
		}
		a.logger.Debug("data-share message", "sender", m.Sender)
		if a.onShare != nil {
			a.onShare(m)
		}
	}
}

// sessionLost runs before any session releases its transport.
func (a *Agent) sessionLost() {
	a.coord.SessionLost()
}

func (a *Agent) config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *Agent) setConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}
