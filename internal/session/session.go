// ABOUTME: One channel session: connect, join both rooms with backoff, send, and reconnect on loss
// ABOUTME: The lost hook always runs before the transport is released

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/2389/botwatch/internal/config"
	"github.com/2389/botwatch/internal/transport"
)

// Circuit breaker settings for room sends.
const (
	breakerMaxFailures uint32 = 5
	breakerTimeout            = 15 * time.Second
	breakerInterval           = time.Minute
)

// Options configures a Session. Manager fills it from config.
type Options struct {
	Dialer transport.Dialer

	// OnMessage receives every inbound room message.
	OnMessage func(transport.Message)
	// OnLost runs before the transport is released on every teardown path.
	OnLost func()
	// OnState receives every state transition.
	OnState func(StateChange)

	JoinAttempts int
	JoinBackoff  time.Duration
	MaxBackoff   time.Duration

	Logger *slog.Logger
}

// Session is one connection of one identity to the messaging service.
// It is constructed per identity and replaced, not mutated, on reload.
type Session struct {
	identity config.AgentIdentity
	rooms    config.RoomSet
	opts     Options
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker[struct{}]

	// ctx is cancelled by Disconnect(false); it bounds background reconnects.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	tr           transport.Transport
	gen          uint64 // bumped whenever tr is replaced; stale callbacks are ignored
	reconnecting bool
	closed       bool

	wg sync.WaitGroup
}

// New creates a disconnected session.
func New(identity config.AgentIdentity, rooms config.RoomSet, opts Options) *Session {
	if opts.JoinAttempts < 1 {
		opts.JoinAttempts = config.DefaultJoinAttempts
	}
	if opts.JoinBackoff <= 0 {
		opts.JoinBackoff = config.DefaultJoinBackoff
	}
	if opts.MaxBackoff < opts.JoinBackoff {
		opts.MaxBackoff = opts.JoinBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "login", identity.LoginID)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		identity: identity,
		rooms:    rooms,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "send:" + identity.LoginID,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return s
}

// Identity returns the identity this session logs in with.
func (s *Session) Identity() config.AgentIdentity { return s.identity }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Joined reports whether both rooms are joined.
func (s *Session) Joined() bool { return s.State() == Joined }

// Connect dials, then joins the coordination room and the data-share room.
// Failures are retried with exponential backoff up to JoinAttempts; on
// exhaustion the session is Disconnected and the error wraps ErrJoinFailed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("connect after disconnect: %w", ErrNotConnected)
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(s.ctx, stop)()

	return s.establish(ctx)
}

// Send broadcasts msg into room. It fails fast with ErrNotConnected unless
// the session is Joined.
func (s *Session) Send(ctx context.Context, room transport.RoomKind, msg transport.Outgoing) error {
	s.mu.Lock()
	tr := s.tr
	joined := s.state == Joined
	s.mu.Unlock()

	if !joined || tr == nil {
		return ErrNotConnected
	}

	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, tr.Send(ctx, room, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s room send circuit open: %w", room, err)
		}
		return err
	}
	return nil
}

// Disconnect tears the connection down. The lost hook runs first, then the
// transport is closed. With reconnect the session re-dials and re-joins in
// the background; without it the session is finished.
func (s *Session) Disconnect(reconnect bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	tr := s.tr
	s.tr = nil
	s.gen++
	if !reconnect {
		s.closed = true
	}
	s.mu.Unlock()

	if !reconnect {
		s.cancel()
	}

	s.release(tr)
	s.setState(Disconnected, nil)

	if reconnect {
		s.reconnect()
		return
	}
	s.wg.Wait()
	s.logger.Info("session closed")
}

// release runs the lost hook and then closes tr.
func (s *Session) release(tr transport.Transport) {
	if s.opts.OnLost != nil {
		s.opts.OnLost()
	}
	if tr == nil {
		return
	}
	if err := tr.Close(); err != nil {
		s.logger.Debug("transport close failed", "error", err)
	}
}

// connLost is the transport's HandleDisconnect for generation gen.
func (s *Session) connLost(gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	tr := s.tr
	s.tr = nil
	s.gen++
	s.mu.Unlock()

	s.logger.Warn("connection lost", "error", cause)
	s.release(tr)
	s.setState(Disconnected, cause)
	s.reconnect()
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if s.closed || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
		}()

		if err := s.establish(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("reconnect failed", "error", err)
		}
	}()
}

// establish runs the dial and join loop until Joined, exhaustion or ctx end.
func (s *Session) establish(ctx context.Context) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		tr, gen, err := s.ensureTransport(ctx)
		if err == nil {
			err = s.joinRooms(ctx, tr)
		}
		if err == nil {
			if s.markJoined(gen) {
				s.logger.Info("session joined", "attempt", attempt)
				return nil
			}
			err = errors.New("connection replaced while joining")
		}

		if ctx.Err() != nil {
			s.abandon(nil)
			return ctx.Err()
		}

		lastErr = err
		if attempt >= s.opts.JoinAttempts {
			break
		}

		delay := s.backoff(attempt)
		s.logger.Warn("join failed, retrying",
			"attempt", attempt,
			"max_attempts", s.opts.JoinAttempts,
			"retry_in", delay,
			"error", err,
		)
		s.setState(Connecting, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.abandon(nil)
			return ctx.Err()
		case <-timer.C:
		}
	}

	failure := fmt.Errorf("%w after %d attempts: %w", ErrJoinFailed, s.opts.JoinAttempts, lastErr)
	s.logger.Error("giving up on rooms", "error", failure)
	s.abandon(failure)
	return failure
}

// ensureTransport returns the live transport, dialing a new one if needed.
func (s *Session) ensureTransport(ctx context.Context) (transport.Transport, uint64, error) {
	s.mu.Lock()
	if s.tr != nil {
		tr, gen := s.tr, s.gen
		s.mu.Unlock()
		return tr, gen, nil
	}
	s.mu.Unlock()

	s.setState(Connecting, nil)

	tr, err := s.opts.Dialer(s.identity)
	if err != nil {
		return nil, 0, fmt.Errorf("creating transport: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		tr.Close()
		return nil, 0, ErrNotConnected
	}
	s.gen++
	gen := s.gen
	s.tr = tr
	s.mu.Unlock()

	handler := transport.HandlerFuncs{
		OnMessage: func(m transport.Message) {
			if s.current(gen) && s.opts.OnMessage != nil {
				s.opts.OnMessage(m)
			}
		},
		OnDisconnect: func(err error) { s.connLost(gen, err) },
	}
	if err := tr.Connect(ctx, handler); err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.tr = nil
		}
		s.mu.Unlock()
		tr.Close()
		return nil, 0, fmt.Errorf("connecting as %s: %w", s.identity.LoginID, err)
	}

	s.logger.Info("connected", "identity", s.identity.String())
	s.setState(Connected, nil)
	return tr, gen, nil
}

func (s *Session) joinRooms(ctx context.Context, tr transport.Transport) error {
	if err := tr.Join(ctx, transport.Coordination, s.rooms.Coordination); err != nil {
		return fmt.Errorf("joining coordination room: %w", err)
	}
	if err := tr.Join(ctx, transport.DataShare, s.rooms.DataShare); err != nil {
		return fmt.Errorf("joining data-share room: %w", err)
	}
	return nil
}

func (s *Session) markJoined(gen uint64) bool {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.tr == nil {
		s.mu.Unlock()
		return false
	}
	s.state = Joined
	s.mu.Unlock()

	s.publish(Joined, nil)
	return true
}

// abandon drops the current transport after a failed establish.
func (s *Session) abandon(cause error) {
	s.mu.Lock()
	tr := s.tr
	s.tr = nil
	s.gen++
	s.mu.Unlock()

	s.release(tr)
	s.setState(Disconnected, cause)
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && gen == s.gen
}

// backoff doubles JoinBackoff per attempt, capped at MaxBackoff.
func (s *Session) backoff(attempt int) time.Duration {
	d := s.opts.JoinBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.opts.MaxBackoff {
			return s.opts.MaxBackoff
		}
	}
	return d
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.publish(st, err)
}

func (s *Session) publish(st State, err error) {
	s.logger.Debug("state change", "state", st.String(), "error", err)
	if s.opts.OnState != nil {
		s.opts.OnState(StateChange{State: st, Err: err, At: time.Now()})
	}
}
