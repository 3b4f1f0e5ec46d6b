package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/botwatch/internal/config"
	"github.com/2389/botwatch/internal/transport"
)

func newTestManager(hub *transport.Hub, opts ManagerOptions) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = hub.Dialer()
	}
	if opts.JoinAttempts == 0 {
		opts.JoinAttempts = 3
	}
	opts.JoinBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	return NewManager(opts)
}

func TestManager_StartAndSend(t *testing.T) {
	hub := transport.NewHub()
	m := newTestManager(hub, ManagerOptions{})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	assert.Equal(t, Disconnected, m.State())
	assert.ErrorIs(t, m.Send(t.Context(), transport.Coordination, transport.Outgoing{Body: "x"}), ErrNotConnected)

	require.NoError(t, m.Start(t.Context(), testIdentity("agent-a"), testRooms))

	assert.True(t, m.Joined())
	assert.Equal(t, Joined, m.State())
	require.NoError(t, m.Send(t.Context(), transport.Coordination, transport.Outgoing{Body: "x"}))
	assert.Len(t, hub.History("coordination"), 1)

	id, ok := m.Identity()
	require.True(t, ok)
	assert.Equal(t, "agent-a", id.LoginID)

	assert.Error(t, m.Start(t.Context(), testIdentity("agent-a"), testRooms), "only one live session")
}

func TestManager_ReloadReplacesSession(t *testing.T) {
	hub := transport.NewHub()
	var lost atomic.Int32
	m := newTestManager(hub, ManagerOptions{OnLost: func() { lost.Add(1) }})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	require.NoError(t, m.Start(t.Context(), testIdentity("agent-a"), testRooms))
	require.NoError(t, m.Reload(t.Context(), testIdentity("agent-b"), testRooms))

	assert.Equal(t, 0, hub.Connected("agent-a"), "old session fully torn down")
	assert.Equal(t, 1, hub.Connected("agent-b"))
	assert.Equal(t, int32(1), lost.Load(), "lost hook ran for the old session")
	assert.True(t, m.Joined())

	id, _ := m.Identity()
	assert.Equal(t, "agent-b", id.LoginID)
}

func TestManager_ConcurrentReloadIsBusy(t *testing.T) {
	hub := transport.NewHub()
	gate := make(chan struct{})
	var dials atomic.Int32

	m := newTestManager(hub, ManagerOptions{
		Dialer: func(id config.AgentIdentity) (transport.Transport, error) {
			if dials.Add(1) > 1 {
				<-gate
			}
			return hub.NewTransport(id.LoginID), nil
		},
	})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	require.NoError(t, m.Start(t.Context(), testIdentity("agent-a"), testRooms))

	first := make(chan error, 1)
	go func() {
		first <- m.Reload(context.Background(), testIdentity("agent-b"), testRooms)
	}()
	// the first reload is now parked in its dialer
	require.Eventually(t, func() bool { return dials.Load() == 2 }, time.Second, time.Millisecond)

	err := m.Reload(t.Context(), testIdentity("agent-c"), testRooms)
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(gate)
	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first reload did not finish")
	}

	id, _ := m.Identity()
	assert.Equal(t, "agent-b", id.LoginID)
	assert.Equal(t, 0, hub.Connected("agent-c"))
}

func TestManager_JoinFailureIsObservable(t *testing.T) {
	hub := transport.NewHub()
	hub.FailJoins(100)
	m := newTestManager(hub, ManagerOptions{JoinAttempts: 2})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	changes := m.Subscribe(t.Context())

	err := m.Start(t.Context(), testIdentity("agent-a"), testRooms)
	require.ErrorIs(t, err, ErrJoinFailed)
	assert.ErrorIs(t, m.Err(), ErrJoinFailed)
	assert.Equal(t, Disconnected, m.State())

	var sawFatal bool
	for !sawFatal {
		select {
		case c := <-changes:
			sawFatal = c.State == Disconnected && c.Err != nil
		case <-time.After(time.Second):
			t.Fatal("fatal state change not published")
		}
	}

	// a reload with working rooms clears the error
	hub.FailJoins(0)
	require.NoError(t, m.Reload(t.Context(), testIdentity("agent-a"), testRooms))
	assert.NoError(t, m.Err())
}

func TestManager_SubscribersSeeTransitions(t *testing.T) {
	hub := transport.NewHub()
	m := newTestManager(hub, ManagerOptions{})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	ch1 := m.Subscribe(t.Context())
	ch2 := m.Subscribe(t.Context())

	require.NoError(t, m.Start(t.Context(), testIdentity("agent-a"), testRooms))

	for i, ch := range []<-chan StateChange{ch1, ch2} {
		var seen []State
		for len(seen) < 3 {
			select {
			case c := <-ch:
				seen = append(seen, c.State)
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d timed out after %v", i, seen)
			}
		}
		assert.Equal(t, []State{Connecting, Connected, Joined}, seen)
	}
}

func TestManager_Shutdown(t *testing.T) {
	hub := transport.NewHub()
	var lost atomic.Int32
	m := newTestManager(hub, ManagerOptions{OnLost: func() { lost.Add(1) }})
	require.NoError(t, m.Start(t.Context(), testIdentity("agent-a"), testRooms))

	changes := m.Subscribe(t.Context())

	require.NoError(t, m.Shutdown(t.Context()))

	assert.Equal(t, int32(1), lost.Load())
	assert.Equal(t, 0, hub.Connected("agent-a"))
	assert.ErrorIs(t, m.Send(t.Context(), transport.Coordination, transport.Outgoing{Body: "x"}), ErrNotConnected)
	assert.ErrorIs(t, m.Reload(t.Context(), testIdentity("agent-a"), testRooms), ErrNotConnected)

	// channel drains the final Disconnected, then closes
	for range changes {
	}
}

func TestManager_ConnectionLossReconnects(t *testing.T) {
	hub := transport.NewHub()
	var mu sync.Mutex
	var lostCount int
	m := newTestManager(hub, ManagerOptions{OnLost: func() {
		mu.Lock()
		lostCount++
		mu.Unlock()
	}})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	require.NoError(t, m.Start(t.Context(), testIdentity("agent-a"), testRooms))

	hub.Drop("agent-a")

	assert.Eventually(t, m.Joined, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, lostCount)
	mu.Unlock()
}
