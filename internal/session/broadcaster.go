// ABOUTME: In-memory fan-out of session state changes to subscribers
// ABOUTME: Non-blocking publish; slow subscribers lose events instead of stalling the session

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 32
)

// stateBroadcaster provides in-memory pub/sub for StateChange values.
type stateBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan StateChange // subID -> ch
	closed      bool
	logger      *slog.Logger
}

func newStateBroadcaster(logger *slog.Logger) *stateBroadcaster {
	return &stateBroadcaster{
		subscribers: make(map[string]chan StateChange),
		logger:      logger,
	}
}

// Subscribe registers a subscriber. The channel is closed when ctx is
// cancelled or the broadcaster is closed.
func (b *stateBroadcaster) Subscribe(ctx context.Context) <-chan StateChange {
	subID := uuid.New().String()
	ch := make(chan StateChange, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("state subscriber added", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.unsubscribe(subID)
	}()

	return ch
}

// Publish sends change to every subscriber without blocking.
func (b *stateBroadcaster) Publish(change StateChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- change:
		default:
			b.logger.Debug("dropped state change for slow subscriber",
				"sub_id", id,
				"state", change.State.String())
		}
	}
}

func (b *stateBroadcaster) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)
}

// Close closes all subscriber channels.
func (b *stateBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
}
