// ABOUTME: Tests for the dedupe window.
// ABOUTME: Covers expiry, refresh, eviction order, sweeping, and concurrent Seen calls.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestWindow(t *testing.T, ttl time.Duration, maxKeys int) (*Window, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := New(ttl, maxKeys, WithClock(clock.Now))
	t.Cleanup(w.Close)
	return w, clock
}

func TestWindow_ContainsUnknown(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 10)
	assert.False(t, w.Contains("$never"))
}

func TestWindow_RememberAndExpire(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	w.Remember("corr-1")
	assert.True(t, w.Contains("corr-1"))

	clock.Advance(61 * time.Second)
	assert.False(t, w.Contains("corr-1"))
}

func TestWindow_RememberRefreshes(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	w.Remember("corr-1")
	clock.Advance(40 * time.Second)
	w.Remember("corr-1")
	clock.Advance(40 * time.Second)

	assert.True(t, w.Contains("corr-1"), "refresh should extend the TTL")
}

func TestWindow_SeenDoesNotRefresh(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	assert.False(t, w.Seen("$event1"))
	clock.Advance(40 * time.Second)
	assert.True(t, w.Seen("$event1"))
	clock.Advance(40 * time.Second)

	assert.False(t, w.Contains("$event1"), "a redelivery must not extend the TTL")
	assert.False(t, w.Seen("$event1"), "past the first sighting's TTL it is new again")
}

func TestWindow_RememberRefreshesEvictionOrder(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 2)

	w.Remember("a")
	w.Remember("b")
	w.Remember("a")
	w.Remember("c")

	assert.True(t, w.Contains("a"), "refreshed key moved to the back")
	assert.False(t, w.Contains("b"))
	assert.True(t, w.Contains("c"))
}

func TestWindow_Seen(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	assert.False(t, w.Seen("$event1"), "first sighting is not a duplicate")
	assert.True(t, w.Seen("$event1"), "second sighting is a duplicate")

	clock.Advance(2 * time.Minute)
	assert.False(t, w.Seen("$event1"), "expired keys count as new")
}

func TestWindow_EvictsOldest(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 3)

	w.Remember("a")
	w.Remember("b")
	w.Remember("c")
	w.Remember("d")

	assert.False(t, w.Contains("a"))
	assert.True(t, w.Contains("b"))
	assert.True(t, w.Contains("c"))
	assert.True(t, w.Contains("d"))

	// Refreshing b moves it to the back, so c goes next.
	w.Remember("b")
	w.Remember("e")
	assert.False(t, w.Contains("c"))
	assert.True(t, w.Contains("b"))
}

func TestWindow_Sweep(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 100)

	for i := 0; i < 5; i++ {
		w.Remember(fmt.Sprintf("old-%d", i))
	}
	clock.Advance(2 * time.Minute)
	w.Remember("fresh")

	w.sweep()

	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Contains("fresh"))
}

func TestWindow_SeenIsAtomic(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 100)

	const goroutines = 64
	var firsts int32
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if !w.Seen("$contested") {
				atomic.AddInt32(&firsts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts, "exactly one caller should see the key as new")
}

func TestWindow_CloseTwice(t *testing.T) {
	w := New(time.Minute, 10)
	w.Close()
	w.Close()
}
