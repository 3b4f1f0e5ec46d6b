// ABOUTME: Thread-safe TTL window of recently seen keys.
// ABOUTME: Drops redelivered room events and remembers correlation ids this agent issued.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// defaultSweepInterval is how often expired keys are purged in the background.
const defaultSweepInterval = time.Minute

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// Window remembers keys for a fixed TTL and holds at most maxKeys of them.
// The key with the oldest refresh is evicted first when the window is full.
//
// The two writers differ on live keys. Remember restarts the TTL, so a
// correlation id this agent sends again stays recognisable for a full TTL
// after the last send. Seen leaves a live key untouched, so a stream of
// redeliveries cannot keep an event id alive forever.
type Window struct {
	mu      sync.RWMutex
	keys    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxKeys int
	now     func() time.Time
	stop    chan struct{}
	stopped bool
}

// Option configures a Window.
type Option func(*Window)

// WithClock replaces time.Now for expiry decisions, letting tests move time
// without sleeping. The sweeper's tick rate still follows the wall clock.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// New creates a Window and starts its background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxKeys int, opts ...Option) *Window {
	return newWindow(ttl, maxKeys, defaultSweepInterval, opts...)
}

func newWindow(ttl time.Duration, maxKeys int, sweep time.Duration, opts ...Option) *Window {
	if maxKeys <= 0 {
		maxKeys = 1
	}
	w := &Window{
		keys:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxKeys: maxKeys,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.sweepLoop(sweep)
	return w
}

// Contains reports whether key was remembered and has not expired.
func (w *Window) Contains(key string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	e, ok := w.keys[key]
	return ok && w.now().Sub(e.seenAt) < w.ttl
}

// Remember records key as seen now. A key already present, live or expired,
// gets a fresh TTL and moves to the back of the eviction order.
func (w *Window) Remember(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rememberLocked(key)
}

// Seen atomically reports whether key is already in the window and records
// it if not. A true result means the caller is looking at a duplicate; the
// key's expiry is not extended. An expired key is recorded afresh.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.keys[key]; ok && w.now().Sub(e.seenAt) < w.ttl {
		return true
	}
	w.rememberLocked(key)
	return false
}

// Len returns the number of keys held, expired ones included until the next sweep.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.keys)
}

func (w *Window) rememberLocked(key string) {
	now := w.now()
	if e, ok := w.keys[key]; ok {
		e.seenAt = now
		w.order.MoveToBack(e.elem)
		return
	}
	if len(w.keys) >= w.maxKeys {
		if front := w.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			w.order.Remove(front)
			delete(w.keys, oldest)
		}
	}
	w.keys[key] = &entry{seenAt: now, elem: w.order.PushBack(key)}
}

func (w *Window) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stop:
			return
		}
	}
}

// sweep purges expired keys. Keys are ordered by last refresh, so it stops
// at the first live one.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		key, _ := front.Value.(string)
		e := w.keys[key]
		if e != nil && now.Sub(e.seenAt) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.keys, key)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.stopped {
		close(w.stop)
		w.stopped = true
	}
}
