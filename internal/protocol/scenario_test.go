package protocol

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/botwatch/internal/config"
	"github.com/2389/botwatch/internal/registry"
	"github.com/2389/botwatch/internal/session"
	"github.com/2389/botwatch/internal/transport"
)

// peer is one agent wired the way the agent package wires it, on a loopback hub.
type peer struct {
	login string
	mgr   *session.Manager
	coord *Coordinator
	reg   *registry.Registry
}

func scenarioRooms(coordSecret string) config.RoomSet {
	return config.RoomSet{
		Coordination: config.RoomConfig{Address: "coordination", Secret: coordSecret},
		DataShare:    config.RoomConfig{Address: "datashare", Secret: "share"},
	}
}

func newPeer(t *testing.T, hub *transport.Hub, login string, timeout time.Duration) *peer {
	t.Helper()
	p := &peer{login: login, reg: registry.New()}
	p.mgr = session.NewManager(session.ManagerOptions{
		Dialer:       hub.Dialer(),
		OnMessage:    func(m transport.Message) { p.coord.HandleMessage(m) },
		OnLost:       func() { p.coord.SessionLost() },
		JoinAttempts: 3,
		JoinBackoff:  time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
	})
	p.coord = NewCoordinator(p.mgr, p.reg, Options{Timeout: timeout})
	t.Cleanup(func() {
		p.mgr.Shutdown(context.Background())
		p.coord.Close()
	})
	return p
}

func (p *peer) start(t *testing.T, rooms config.RoomSet) {
	t.Helper()
	id := config.AgentIdentity{Server: "hub.local", Port: 8448, LoginID: p.login, Password: "pw"}
	require.NoError(t, p.mgr.Start(t.Context(), id, rooms))
}

func bodies(posts []transport.Posted) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.Sender + ": " + p.Body
	}
	return out
}

// A target another agent owns is answered, so the asker is denied well before
// its window ends.
func TestScenario_OwnedElsewhereIsDenied(t *testing.T) {
	hub := transport.NewHub()
	x := newPeer(t, hub, "agent-x", 2*time.Second)
	y := newPeer(t, hub, "agent-y", 2*time.Second)
	x.start(t, scenarioRooms("c"))
	y.start(t, scenarioRooms("c"))
	x.reg.Add("zeus1")

	start := time.Now()
	granted, err := y.coord.RequestOwnership(t.Context(), "zeus1")
	require.NoError(t, err)

	assert.False(t, granted)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, y.reg.Contains("zeus1"))
	assert.True(t, x.reg.Contains("zeus1"))

	history := bodies(hub.History("coordination"))
	require.Len(t, history, 2)
	assert.True(t, strings.HasPrefix(history[0], "agent-y: trackReq id="))
	assert.True(t, strings.HasPrefix(history[1], "agent-x: trackAnswer id="))
}

// Silence for the whole window grants the target, and the new owner answers
// for it from then on.
func TestScenario_UnownedIsGranted(t *testing.T) {
	hub := transport.NewHub()
	x := newPeer(t, hub, "agent-x", 100*time.Millisecond)
	y := newPeer(t, hub, "agent-y", 100*time.Millisecond)
	x.start(t, scenarioRooms("c"))
	y.start(t, scenarioRooms("c"))

	start := time.Now()
	granted, err := y.coord.RequestOwnership(t.Context(), "zeus2")
	require.NoError(t, err)

	assert.True(t, granted)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, []string{"zeus2"}, y.reg.List())

	// now Y answers for it
	granted, err = x.coord.RequestOwnership(t.Context(), "zeus2")
	require.NoError(t, err)
	assert.False(t, granted)
}

// A second request while the first is waiting fails at once and sends nothing.
func TestScenario_SecondRequestInFlight(t *testing.T) {
	hub := transport.NewHub()
	y := newPeer(t, hub, "agent-y", 300*time.Millisecond)
	y.start(t, scenarioRooms("c"))

	first := make(chan bool, 1)
	go func() {
		ok, _ := y.coord.RequestOwnership(context.Background(), "zeus3")
		first <- ok
	}()
	require.Eventually(t, func() bool {
		_, busy := y.coord.InFlight()
		return busy
	}, time.Second, time.Millisecond)

	_, err := y.coord.RequestOwnership(t.Context(), "zeus4")
	assert.ErrorIs(t, err, ErrQueryAlreadyInFlight)

	assert.True(t, <-first)
	assert.Len(t, hub.History("coordination"), 1)
}

// An agent without a joined session cannot ask and sends nothing.
func TestScenario_DisconnectedAgent(t *testing.T) {
	hub := transport.NewHub()
	y := newPeer(t, hub, "agent-y", 100*time.Millisecond)

	_, err := y.coord.RequestOwnership(t.Context(), "zeus5")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, hub.History("coordination"))
}

// A dropped connection mid-query releases the caller with ErrSessionLost.
func TestScenario_ConnectionDropMidQuery(t *testing.T) {
	hub := transport.NewHub()
	y := newPeer(t, hub, "agent-y", 5*time.Second)
	y.start(t, scenarioRooms("c"))

	res := make(chan error, 1)
	go func() {
		_, err := y.coord.RequestOwnership(context.Background(), "zeus6")
		res <- err
	}()
	require.Eventually(t, func() bool { return len(hub.History("coordination")) == 1 }, time.Second, time.Millisecond)

	hub.Drop("agent-y")

	select {
	case err := <-res:
		assert.ErrorIs(t, err, ErrSessionLost)
	case <-time.After(time.Second):
		t.Fatal("query not released by connection loss")
	}
	assert.False(t, y.reg.Contains("zeus6"))

	// the session comes back on its own and the registry is intact
	assert.Eventually(t, y.mgr.Joined, 2*time.Second, 5*time.Millisecond)
}

// Agents without the room secret can neither see nor answer queries.
func TestScenario_WrongSecretIsIsolated(t *testing.T) {
	hub := transport.NewHub()
	outsider := newPeer(t, hub, "agent-o", 100*time.Millisecond)
	y := newPeer(t, hub, "agent-y", 100*time.Millisecond)
	outsider.start(t, scenarioRooms("wrong"))
	y.start(t, scenarioRooms("right"))
	outsider.reg.Add("zeus1")

	granted, err := y.coord.RequestOwnership(t.Context(), "zeus1")
	require.NoError(t, err)
	assert.True(t, granted, "the outsider never authenticated the request")

	for _, p := range hub.History("coordination") {
		assert.Equal(t, "agent-y", p.Sender)
	}
}

// Several owners answering is harmless: the first answer resolves the query.
func TestScenario_ManyOwnersAnswer(t *testing.T) {
	hub := transport.NewHub()
	y := newPeer(t, hub, "agent-y", 2*time.Second)
	y.start(t, scenarioRooms("c"))
	for _, login := range []string{"agent-1", "agent-2", "agent-3"} {
		p := newPeer(t, hub, login, 2*time.Second)
		p.start(t, scenarioRooms("c"))
		p.reg.Add("zeus1")
	}

	granted, err := y.coord.RequestOwnership(t.Context(), "zeus1")
	require.NoError(t, err)
	assert.False(t, granted)

	assert.Eventually(t, func() bool { return len(hub.History("coordination")) == 4 }, time.Second, 5*time.Millisecond)
}
