// ABOUTME: Track ownership coordination over the coordination room
// ABOUTME: Single-flight outbound queries with a timed wait, and answers to peer queries for owned targets

package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/botwatch/internal/dedupe"
	"github.com/2389/botwatch/internal/session"
	"github.com/2389/botwatch/internal/store"
	"github.com/2389/botwatch/internal/transport"
)

var (
	// ErrQueryAlreadyInFlight is returned when a query is issued while another
	// one from this agent is still waiting.
	ErrQueryAlreadyInFlight = errors.New("ownership query already in flight")

	// ErrSessionLost is returned when the session went away while a query
	// was waiting. Ownership is not granted.
	ErrSessionLost = errors.New("session lost during ownership query")

	// ErrNotConnected is session.ErrNotConnected.
	ErrNotConnected = session.ErrNotConnected
)

const (
	// DefaultTimeout is the wait window when Options.Timeout is zero.
	DefaultTimeout = 2 * time.Second

	// answerSendTimeout bounds one asynchronous trackAnswer send.
	answerSendTimeout = 10 * time.Second
	recordTimeout     = 5 * time.Second
	ownIDsMax         = 1024
)

// Sender broadcasts into a room of the live session. session.Manager satisfies it.
type Sender interface {
	Joined() bool
	Send(ctx context.Context, room transport.RoomKind, msg transport.Outgoing) error
}

// Registry is the monitored set as the coordinator sees it.
type Registry interface {
	Add(target string) bool
	Remove(target string) bool
	Contains(target string) bool
}

// DecisionLog records how each query resolved. store.Store satisfies it.
type DecisionLog interface {
	RecordDecision(ctx context.Context, d *store.Decision) error
}

// Outcome is how an outbound query resolved.
type Outcome int

const (
	Granted Outcome = iota
	Denied
	SessionLost
	Cancelled
	Yielded
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return store.OutcomeGranted
	case Denied:
		return store.OutcomeDenied
	case SessionLost:
		return store.OutcomeSessionLost
	case Cancelled:
		return store.OutcomeCancelled
	case Yielded:
		return store.OutcomeYielded
	default:
		return "unknown"
	}
}

// Options tunes a Coordinator.
type Options struct {
	// Timeout is how long a query waits for an answer before ownership is granted.
	Timeout time.Duration
	// Jitter adds a uniformly random [0, Jitter) to each wait window.
	Jitter time.Duration
	// YieldOnContention resolves an outstanding query as denied when a peer
	// asks for the same target with a lower correlation id.
	YieldOnContention bool

	DecisionLog DecisionLog
	Logger      *slog.Logger
}

type pendingQuery struct {
	id       string
	target   string
	issuedAt time.Time
	done     chan Outcome // buffered 1, written once by resolveLocked
}

// Coordinator runs the track ownership protocol for one agent. It outlives
// sessions: the monitored set and the own-id memory survive reconnects.
//
// Message delivery only changes memory. The registry write-through and the
// decision record for a query run on the goroutine waiting in
// RequestOwnership.
type Coordinator struct {
	sender   Sender
	registry Registry
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	pending *pendingQuery
	ownIDs  *dedupe.Window
	closed  bool

	newID  func() string
	jitter func(max time.Duration) time.Duration
	now    func() time.Time

	answers sync.WaitGroup
	callers sync.WaitGroup // RequestOwnership calls past the single-flight check
}

// NewCoordinator creates a Coordinator sending through sender and consulting registry.
func NewCoordinator(sender Sender, registry Registry, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		sender:   sender,
		registry: registry,
		opts:     opts,
		logger:   logger.With("component", "coordinator"),
		// Long enough that a late echo of our own request is still recognised.
		ownIDs: dedupe.New((opts.Timeout+opts.Jitter)*4, ownIDsMax),
		newID:  uuid.NewString,
		jitter: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int64N(int64(max)))
		},
		now: time.Now,
	}
}

// RequestOwnership asks the coordination room whether any peer monitors
// target. It returns true when nobody answered within the wait window, in
// which case target has been added to the registry.
//
// The caller is suspended until an answer, the window end, a session loss
// (ErrSessionLost) or ctx cancellation (ctx.Err()). A second call while one
// is waiting fails with ErrQueryAlreadyInFlight; a call while the session is
// not joined fails with ErrNotConnected and sends nothing.
func (c *Coordinator) RequestOwnership(ctx context.Context, target string) (bool, error) {
	if err := ValidTarget(target); err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return false, ErrQueryAlreadyInFlight
	}
	if c.closed || !c.sender.Joined() {
		c.mu.Unlock()
		return false, ErrNotConnected
	}
	q := &pendingQuery{
		id:       c.newID(),
		target:   target,
		issuedAt: c.now(),
		done:     make(chan Outcome, 1),
	}
	c.pending = q
	c.ownIDs.Remember(q.id)
	c.callers.Add(1)
	c.mu.Unlock()
	defer c.callers.Done()

	body, err := TrackRequest{ID: q.id, Target: target}.Encode()
	if err == nil {
		err = c.sender.Send(ctx, transport.Coordination, transport.Outgoing{Body: body})
	}
	if err != nil {
		c.mu.Lock()
		unresolved := c.pending == q
		if unresolved {
			c.pending = nil
		}
		c.mu.Unlock()
		if unresolved {
			return false, fmt.Errorf("sending track request: %w", err)
		}
		// Resolved while sending, typically a session loss that also made
		// the send fail. The outcome is already buffered.
		return c.finish(ctx, q, <-q.done)
	}

	window := c.window()
	c.logger.Debug("track request sent", "id", q.id, "target", target, "window", window)

	timer := time.NewTimer(window)
	defer timer.Stop()

	var outcome Outcome
	select {
	case outcome = <-q.done:
	case <-timer.C:
		c.resolve(q, Granted)
		outcome = <-q.done
	case <-ctx.Done():
		c.resolve(q, Cancelled)
		outcome = <-q.done
	}
	return c.finish(ctx, q, outcome)
}

// finish applies a resolved outcome on the caller's goroutine.
func (c *Coordinator) finish(ctx context.Context, q *pendingQuery, outcome Outcome) (bool, error) {
	if outcome == Granted {
		c.registry.Add(q.target)
	}
	c.record(q, outcome)

	c.logger.Info("track request resolved",
		"id", q.id,
		"target", q.target,
		"outcome", outcome.String(),
		"elapsed", c.now().Sub(q.issuedAt),
	)

	switch outcome {
	case Granted:
		return true, nil
	case SessionLost:
		return false, ErrSessionLost
	case Cancelled:
		return false, ctx.Err()
	default:
		return false, nil
	}
}

// ReleaseOwnership stops monitoring target. Releasing an unowned target is a no-op.
func (c *Coordinator) ReleaseOwnership(target string) bool {
	removed := c.registry.Remove(target)
	if removed {
		c.logger.Info("ownership released", "target", target)
	}
	return removed
}

// HandleMessage processes one inbound message. Messages from other rooms and
// malformed bodies are ignored. It never blocks on the network.
func (c *Coordinator) HandleMessage(msg transport.Message) {
	if msg.Room != transport.Coordination {
		return
	}

	frame, err := Decode(msg.Body)
	if err != nil {
		c.logger.Debug("ignoring coordination message", "sender", msg.Sender, "error", err)
		return
	}

	switch f := frame.(type) {
	case *TrackRequest:
		c.handleRequest(f, msg.Sender)
	case *TrackAnswer:
		c.handleAnswer(f, msg.Sender)
	}
}

func (c *Coordinator) handleRequest(req *TrackRequest, sender string) {
	c.mu.Lock()
	q := c.pending
	own := q != nil && q.id == req.ID
	yielded := !own && c.opts.YieldOnContention && q != nil &&
		q.target == req.Target && req.ID < q.id && c.resolveLocked(q, Yielded)
	c.mu.Unlock()

	if yielded {
		c.logger.Info("yielding to concurrent request", "target", req.Target, "peer", sender, "peer_id", req.ID)
	}

	if own || c.ownIDs.Contains(req.ID) {
		return
	}
	if !c.registry.Contains(req.Target) {
		return
	}

	c.answers.Add(1)
	go func() {
		defer c.answers.Done()
		c.answer(req, sender)
	}()
}

func (c *Coordinator) answer(req *TrackRequest, peer string) {
	body, err := TrackAnswer{ID: req.ID}.Encode()
	if err != nil {
		c.logger.Debug("cannot encode answer", "id", req.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), answerSendTimeout)
	defer cancel()

	if err := c.sender.Send(ctx, transport.Coordination, transport.Outgoing{Body: body}); err != nil {
		c.logger.Warn("failed to answer track request", "id", req.ID, "target", req.Target, "error", err)
		return
	}
	c.logger.Debug("answered track request", "id", req.ID, "target", req.Target, "peer", peer)
}

func (c *Coordinator) handleAnswer(ans *TrackAnswer, sender string) {
	c.mu.Lock()
	q := c.pending
	matched := q != nil && q.id == ans.ID && c.resolveLocked(q, Denied)
	c.mu.Unlock()

	if matched {
		c.logger.Debug("track answer received", "id", ans.ID, "from", sender)
	}
}

// SessionLost resolves the outstanding query, if any, with ErrSessionLost.
// The session calls it before releasing the transport.
func (c *Coordinator) SessionLost() {
	c.mu.Lock()
	q := c.pending
	lost := q != nil && c.resolveLocked(q, SessionLost)
	c.mu.Unlock()

	if lost {
		c.logger.Warn("session lost with query outstanding", "id", q.id, "target", q.target)
	}
}

// InFlight reports the target of the outstanding query.
func (c *Coordinator) InFlight() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return "", false
	}
	return c.pending.target, true
}

// Close resolves any outstanding query as lost, then waits for its caller to
// record the decision and for queued answers. Later requests fail with
// ErrNotConnected.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.SessionLost()
	c.callers.Wait()
	c.answers.Wait()
	c.ownIDs.Close()
}

func (c *Coordinator) resolve(q *pendingQuery, o Outcome) {
	c.mu.Lock()
	c.resolveLocked(q, o)
	c.mu.Unlock()
}

// resolveLocked clears q and delivers o to its waiter. It returns false if q
// was already resolved. Callers hold c.mu, so it must not touch storage.
func (c *Coordinator) resolveLocked(q *pendingQuery, o Outcome) bool {
	if c.pending != q {
		return false
	}
	c.pending = nil
	q.done <- o
	return true
}

func (c *Coordinator) record(q *pendingQuery, o Outcome) {
	if c.opts.DecisionLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	err := c.opts.DecisionLog.RecordDecision(ctx, &store.Decision{
		CorrelationID: q.id,
		Target:        q.target,
		Outcome:       o.String(),
		DecidedAt:     c.now(),
	})
	if err != nil {
		c.logger.Error("failed to record decision", "id", q.id, "error", err)
	}
}

func (c *Coordinator) window() time.Duration {
	if c.opts.Jitter <= 0 {
		return c.opts.Timeout
	}
	return c.opts.Timeout + c.jitter(c.opts.Jitter)
}
