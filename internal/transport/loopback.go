// ABOUTME: In-process broadcast hub implementing Transport for tests and the demo command
// ABOUTME: Mirrors Matrix semantics: every member of a room, the sender included, sees each message

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/botwatch/internal/config"
)

// ErrJoinRejected is returned by HubTransport.Join while the hub is failing joins.
var ErrJoinRejected = errors.New("join rejected by hub")

// hubInboxSize bounds how far a member may lag behind the room.
const hubInboxSize = 1024

// Posted is one message as it crossed the hub.
type Posted struct {
	Room    string
	Sender  string
	Body    string
	MAC     string
	EventID string
}

// Hub is an in-process stand-in for a group-messaging server.
type Hub struct {
	mu           sync.Mutex
	members      map[*HubTransport]struct{}
	history      []Posted
	joinFailures int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[*HubTransport]struct{})}
}

// Dialer returns a Dialer producing transports attached to this hub.
func (h *Hub) Dialer() Dialer {
	return func(identity config.AgentIdentity) (Transport, error) {
		return h.NewTransport(identity.LoginID), nil
	}
}

// NewTransport returns an unconnected transport for login.
func (h *Hub) NewTransport(login string) *HubTransport {
	return &HubTransport{
		hub:   h,
		login: login,
		rooms: make(map[RoomKind]config.RoomConfig),
		inbox: make(chan Posted, hubInboxSize),
		done:  make(chan struct{}),
	}
}

// FailJoins makes the next n Join calls fail.
func (h *Hub) FailJoins(n int) {
	h.mu.Lock()
	h.joinFailures = n
	h.mu.Unlock()
}

// Drop severs every connection of login as if the network failed.
func (h *Hub) Drop(login string) {
	h.mu.Lock()
	var dropped []*HubTransport
	for t := range h.members {
		if t.login == login {
			dropped = append(dropped, t)
			delete(h.members, t)
		}
	}
	h.mu.Unlock()

	for _, t := range dropped {
		t.sever(fmt.Errorf("connection to hub lost"))
	}
}

// History returns every message posted to room, oldest first.
func (h *Hub) History(room string) []Posted {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Posted
	for _, p := range h.history {
		if p.Room == room {
			out = append(out, p)
		}
	}
	return out
}

// Connected reports how many transports of login are attached.
func (h *Hub) Connected(login string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for t := range h.members {
		if t.login == login {
			n++
		}
	}
	return n
}

func (h *Hub) post(p Posted) {
	h.mu.Lock()
	h.history = append(h.history, p)
	targets := make([]*HubTransport, 0, len(h.members))
	for t := range h.members {
		targets = append(targets, t)
	}
	h.mu.Unlock()

	for _, t := range targets {
		t.enqueue(p)
	}
}

func (h *Hub) takeJoinFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.joinFailures > 0 {
		h.joinFailures--
		return true
	}
	return false
}

// HubTransport is one agent's connection to a Hub.
type HubTransport struct {
	hub   *Hub
	login string

	mu      sync.RWMutex
	handler Handler
	rooms   map[RoomKind]config.RoomConfig
	closed  bool
	severed bool

	inbox chan Posted
	done  chan struct{}
}

// Connect attaches the transport to the hub and starts delivery.
func (t *HubTransport) Connect(ctx context.Context, h Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed || t.severed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.handler = h
	t.mu.Unlock()

	t.hub.mu.Lock()
	t.hub.members[t] = struct{}{}
	t.hub.mu.Unlock()

	go t.deliver()
	return nil
}

// Join records the room so its traffic is delivered and authenticated.
func (t *HubTransport) Join(ctx context.Context, kind RoomKind, room config.RoomConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.hub.takeJoinFailure() {
		return fmt.Errorf("joining %s: %w", room.Address, ErrJoinRejected)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.severed {
		return ErrClosed
	}
	t.rooms[kind] = room
	return nil
}

// Send posts msg to every member of the room.
func (t *HubTransport) Send(ctx context.Context, kind RoomKind, msg Outgoing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	room, ok := t.rooms[kind]
	gone := t.closed || t.severed
	t.mu.RUnlock()

	if gone {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrRoomNotJoined)
	}

	t.hub.post(Posted{
		Room:    room.Address,
		Sender:  t.login,
		Body:    msg.Body,
		MAC:     Sign(room.Secret, msg.Body),
		EventID: "$" + uuid.NewString(),
	})
	return nil
}

// Close detaches the transport without notifying the handler.
func (t *HubTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	alreadySevered := t.severed
	t.mu.Unlock()

	t.hub.mu.Lock()
	delete(t.hub.members, t)
	t.hub.mu.Unlock()

	if !alreadySevered {
		close(t.done)
	}
	return nil
}

func (t *HubTransport) sever(err error) {
	t.mu.Lock()
	if t.closed || t.severed {
		t.mu.Unlock()
		return
	}
	t.severed = true
	h := t.handler
	t.mu.Unlock()

	close(t.done)
	if h != nil {
		h.HandleDisconnect(err)
	}
}

func (t *HubTransport) enqueue(p Posted) {
	select {
	case t.inbox <- p:
	case <-t.done:
	}
}

func (t *HubTransport) deliver() {
	for {
		select {
		case <-t.done:
			return
		case p := <-t.inbox:
			t.dispatch(p)
		}
	}
}

func (t *HubTransport) dispatch(p Posted) {
	t.mu.RLock()
	h := t.handler
	kind, room, ok := t.roomByAddress(p.Room)
	t.mu.RUnlock()

	if !ok || h == nil {
		return
	}
	if !Verify(room.Secret, p.Body, p.MAC) {
		return
	}
	h.HandleMessage(Message{
		Room:    kind,
		Sender:  p.Sender,
		Body:    p.Body,
		EventID: p.EventID,
		Self:    p.Sender == t.login,
	})
}

// roomByAddress must be called with mu held.
func (t *HubTransport) roomByAddress(addr string) (RoomKind, config.RoomConfig, bool) {
	for kind, room := range t.rooms {
		if room.Address == addr {
			return kind, room, true
		}
	}
	return 0, config.RoomConfig{}, false
}
