// ABOUTME: Fire-and-forget telemetry publishing to the data-share room
// ABOUTME: Bounded queue drained by one goroutine, paced by a token bucket, optional Markdown rendering

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/time/rate"

	"github.com/2389/botwatch/internal/config"
	"github.com/2389/botwatch/internal/session"
	"github.com/2389/botwatch/internal/transport"
)

var (
	// ErrNotConnected is session.ErrNotConnected.
	ErrNotConnected = session.ErrNotConnected

	// ErrQueueFull is returned when the message was dropped because the
	// outbound queue is full.
	ErrQueueFull = errors.New("telemetry queue full")

	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("publisher closed")
)

// sendTimeout bounds one data-share send.
const sendTimeout = 10 * time.Second

// Sender is the live session as the publisher sees it.
type Sender interface {
	Joined() bool
	Send(ctx context.Context, room transport.RoomKind, msg transport.Outgoing) error
}

// Options tunes a Publisher. Zero values take the config defaults.
type Options struct {
	RatePerSecond float64
	Burst         int
	QueueSize     int
	// Markdown renders each message to HTML for transports with formatted bodies.
	Markdown bool
	Logger   *slog.Logger
}

// Publisher broadcasts free-form messages to the data-share room. Delivery is
// best effort: callers do not wait for the send.
type Publisher struct {
	sender  Sender
	limiter *rate.Limiter
	md      goldmark.Markdown
	logger  *slog.Logger

	mu     sync.RWMutex
	queue  chan transport.Outgoing
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewPublisher creates a Publisher and starts its send loop.
func NewPublisher(sender Sender, opts Options) *Publisher {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = config.DefaultTelemetryRate
	}
	if opts.Burst < 1 {
		opts.Burst = config.DefaultTelemetryBurst
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = config.DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		logger:  logger.With("component", "telemetry"),
		queue:   make(chan transport.Outgoing, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if opts.Markdown {
		p.md = goldmark.New()
	}

	go p.run()
	return p
}

// Publish queues message for the data-share room. It fails with
// ErrNotConnected unless the session is joined, and with ErrQueueFull when
// the message had to be dropped.
func (p *Publisher) Publish(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.sender.Joined() {
		return ErrNotConnected
	}

	out := transport.Outgoing{Body: message}
	if p.md != nil {
		var buf bytes.Buffer
		if err := p.md.Convert([]byte(message), &buf); err != nil {
			p.logger.Debug("markdown render failed, sending plain text", "error", err)
		} else {
			out.HTML = buf.String()
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- out:
		return nil
	default:
		p.dropped.Add(1)
		p.logger.Warn("telemetry queue full, dropping message", "queued", len(p.queue))
		return ErrQueueFull
	}
}

func (p *Publisher) run() {
	defer close(p.done)

	for out := range p.queue {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(p.ctx, sendTimeout)
		err := p.sender.Send(ctx, transport.DataShare, out)
		cancel()

		switch {
		case err == nil:
			p.sent.Add(1)
		case errors.Is(err, ErrNotConnected):
			p.dropped.Add(1)
			p.logger.Debug("session not joined, dropping telemetry")
		default:
			p.dropped.Add(1)
			p.logger.Warn("telemetry send failed", "error", err)
		}
	}
}

// Sent returns how many messages reached the transport.
func (p *Publisher) Sent() int64 { return p.sent.Load() }

// Dropped returns how many messages were discarded.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Close stops accepting messages and drains the queue. If ctx ends first the
// remaining messages are discarded.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}
