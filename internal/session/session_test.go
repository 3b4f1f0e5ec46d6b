package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/botwatch/internal/config"
	"github.com/2389/botwatch/internal/transport"
)

var testRooms = config.RoomSet{
	Coordination: config.RoomConfig{Address: "coordination", Secret: "c-secret"},
	DataShare:    config.RoomConfig{Address: "datashare", Secret: "d-secret"},
}

func testIdentity(login string) config.AgentIdentity {
	return config.AgentIdentity{Server: "hub.local", Port: 8448, LoginID: login, Password: "pw"}
}

// stateLog collects StateChange values in arrival order.
type stateLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *stateLog) add(c StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *stateLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.changes))
	for i, c := range l.changes {
		out[i] = c.State
	}
	return out
}

func (l *stateLog) last() StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changes[len(l.changes)-1]
}

// eventLog records hook and transport calls so ordering can be asserted.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// closeRecorder wraps a transport and logs Close.
type closeRecorder struct {
	transport.Transport
	log *eventLog
}

func (c closeRecorder) Close() error {
	c.log.add("close")
	return c.Transport.Close()
}

func fastOptions(hub *transport.Hub) Options {
	return Options{
		Dialer:       hub.Dialer(),
		JoinAttempts: 3,
		JoinBackoff:  time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
	}
}

func TestSession_ConnectJoinsBothRooms(t *testing.T) {
	hub := transport.NewHub()
	log := &stateLog{}
	opts := fastOptions(hub)
	opts.OnState = log.add

	s := New(testIdentity("agent-a"), testRooms, opts)
	t.Cleanup(func() { s.Disconnect(false) })

	require.NoError(t, s.Connect(t.Context()))

	assert.True(t, s.Joined())
	assert.Equal(t, 1, hub.Connected("agent-a"))
	assert.Equal(t, []State{Connecting, Connected, Joined}, log.states())
}

func TestSession_SendRequiresJoined(t *testing.T) {
	hub := transport.NewHub()
	s := New(testIdentity("agent-a"), testRooms, fastOptions(hub))
	t.Cleanup(func() { s.Disconnect(false) })

	err := s.Send(t.Context(), transport.Coordination, transport.Outgoing{Body: "hello"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, hub.History("coordination"), "nothing is sent before joining")

	require.NoError(t, s.Connect(t.Context()))
	require.NoError(t, s.Send(t.Context(), transport.DataShare, transport.Outgoing{Body: "hello"}))

	history := hub.History("datashare")
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Body)
	assert.Equal(t, "agent-a", history[0].Sender)
}

func TestSession_DeliversInboundMessages(t *testing.T) {
	hub := transport.NewHub()
	got := make(chan transport.Message, 4)

	opts := fastOptions(hub)
	opts.OnMessage = func(m transport.Message) { got <- m }
	receiver := New(testIdentity("agent-a"), testRooms, opts)
	t.Cleanup(func() { receiver.Disconnect(false) })
	require.NoError(t, receiver.Connect(t.Context()))

	sender := New(testIdentity("agent-b"), testRooms, fastOptions(hub))
	t.Cleanup(func() { sender.Disconnect(false) })
	require.NoError(t, sender.Connect(t.Context()))

	require.NoError(t, sender.Send(t.Context(), transport.Coordination, transport.Outgoing{Body: "ping"}))

	select {
	case m := <-got:
		assert.Equal(t, "ping", m.Body)
		assert.Equal(t, "agent-b", m.Sender)
		assert.Equal(t, transport.Coordination, m.Room)
		assert.False(t, m.Self)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSession_RetriesFailedJoins(t *testing.T) {
	hub := transport.NewHub()
	hub.FailJoins(2)
	log := &stateLog{}

	opts := fastOptions(hub)
	opts.OnState = log.add
	s := New(testIdentity("agent-a"), testRooms, opts)
	t.Cleanup(func() { s.Disconnect(false) })

	require.NoError(t, s.Connect(t.Context()))
	assert.True(t, s.Joined())

	// each failure drops back to Connecting before the retry
	states := log.states()
	assert.Contains(t, states, Connecting)
	assert.Equal(t, Joined, states[len(states)-1])
}

func TestSession_JoinExhaustionIsFatal(t *testing.T) {
	hub := transport.NewHub()
	hub.FailJoins(100)
	log := &stateLog{}
	lost := 0

	opts := fastOptions(hub)
	opts.OnState = log.add
	opts.OnLost = func() { lost++ }
	s := New(testIdentity("agent-a"), testRooms, opts)
	t.Cleanup(func() { s.Disconnect(false) })

	err := s.Connect(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJoinFailed)
	assert.ErrorIs(t, err, transport.ErrJoinRejected)

	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 0, hub.Connected("agent-a"), "transport released")
	assert.Equal(t, 1, lost)

	last := log.last()
	assert.Equal(t, Disconnected, last.State)
	assert.ErrorIs(t, last.Err, ErrJoinFailed)
}

func TestSession_ConnectCancelled(t *testing.T) {
	hub := transport.NewHub()
	hub.FailJoins(100)

	opts := fastOptions(hub)
	opts.JoinAttempts = 1000
	opts.JoinBackoff = time.Hour
	opts.MaxBackoff = time.Hour
	s := New(testIdentity("agent-a"), testRooms, opts)
	t.Cleanup(func() { s.Disconnect(false) })

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Disconnected, s.State())
}

func TestSession_DisconnectRunsLostHookBeforeClose(t *testing.T) {
	hub := transport.NewHub()
	events := &eventLog{}

	opts := fastOptions(hub)
	opts.Dialer = func(id config.AgentIdentity) (transport.Transport, error) {
		return closeRecorder{Transport: hub.NewTransport(id.LoginID), log: events}, nil
	}
	opts.OnLost = func() { events.add("lost") }

	s := New(testIdentity("agent-a"), testRooms, opts)
	require.NoError(t, s.Connect(t.Context()))

	s.Disconnect(false)

	assert.Equal(t, []string{"lost", "close"}, events.snapshot())
	assert.Equal(t, Disconnected, s.State())
	assert.ErrorIs(t, s.Send(t.Context(), transport.Coordination, transport.Outgoing{Body: "x"}), ErrNotConnected)
	assert.Error(t, s.Connect(t.Context()), "a closed session cannot be reused")

	// second call is a no-op
	s.Disconnect(false)
	assert.Len(t, events.snapshot(), 2)
}

func TestSession_ReconnectsAfterConnectionLoss(t *testing.T) {
	hub := transport.NewHub()
	events := &eventLog{}

	opts := fastOptions(hub)
	opts.Dialer = func(id config.AgentIdentity) (transport.Transport, error) {
		events.add("dial")
		return closeRecorder{Transport: hub.NewTransport(id.LoginID), log: events}, nil
	}
	opts.OnLost = func() { events.add("lost") }

	s := New(testIdentity("agent-a"), testRooms, opts)
	t.Cleanup(func() { s.Disconnect(false) })
	require.NoError(t, s.Connect(t.Context()))

	hub.Drop("agent-a")

	assert.Eventually(t, func() bool {
		return s.Joined() && hub.Connected("agent-a") == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"dial", "lost", "close", "dial"}, events.snapshot())
	require.NoError(t, s.Send(t.Context(), transport.Coordination, transport.Outgoing{Body: "back"}))
}

func TestSession_DisconnectWithReconnect(t *testing.T) {
	hub := transport.NewHub()
	lost := make(chan struct{}, 1)

	opts := fastOptions(hub)
	opts.OnLost = func() { lost <- struct{}{} }
	s := New(testIdentity("agent-a"), testRooms, opts)
	t.Cleanup(func() { s.Disconnect(false) })
	require.NoError(t, s.Connect(t.Context()))

	s.Disconnect(true)

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("lost hook not called")
	}
	assert.Eventually(t, s.Joined, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.Connected("agent-a"))
}

func TestSession_SendErrorsTripBreaker(t *testing.T) {
	hub := transport.NewHub()
	boom := errors.New("server unavailable")

	opts := fastOptions(hub)
	opts.Dialer = func(id config.AgentIdentity) (transport.Transport, error) {
		return failingSend{Transport: hub.NewTransport(id.LoginID), err: boom}, nil
	}
	s := New(testIdentity("agent-a"), testRooms, opts)
	t.Cleanup(func() { s.Disconnect(false) })
	require.NoError(t, s.Connect(t.Context()))

	for i := uint32(0); i < breakerMaxFailures; i++ {
		assert.ErrorIs(t, s.Send(t.Context(), transport.DataShare, transport.Outgoing{Body: "x"}), boom)
	}
	err := s.Send(t.Context(), transport.DataShare, transport.Outgoing{Body: "x"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, boom, "open breaker fails without reaching the transport")
}

type failingSend struct {
	transport.Transport
	err error
}

func (f failingSend) Send(context.Context, transport.RoomKind, transport.Outgoing) error {
	return f.err
}

func TestSession_Backoff(t *testing.T) {
	s := New(testIdentity("agent-a"), testRooms, Options{
		Dialer:       transport.NewHub().Dialer(),
		JoinAttempts: 10,
		JoinBackoff:  100 * time.Millisecond,
		MaxBackoff:   time.Second,
	})

	assert.Equal(t, 100*time.Millisecond, s.backoff(1))
	assert.Equal(t, 200*time.Millisecond, s.backoff(2))
	assert.Equal(t, 400*time.Millisecond, s.backoff(3))
	assert.Equal(t, 800*time.Millisecond, s.backoff(4))
	assert.Equal(t, time.Second, s.backoff(5))
	assert.Equal(t, time.Second, s.backoff(9))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "joined", Joined.String())
	assert.Equal(t, "unknown", State(42).String())
}
