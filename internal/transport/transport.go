// ABOUTME: Channel transport contract shared by the Matrix, Kafka and loopback implementations
// ABOUTME: Defines room kinds, inbound messages, the delivery handler and the Transport interface

package transport

import (
	"context"
	"errors"

	"github.com/2389/botwatch/internal/config"
)

// ErrRoomNotJoined is returned by Send for a room the transport has not joined.
var ErrRoomNotJoined = errors.New("room not joined")

// ErrClosed is returned by operations on a transport after Close.
var ErrClosed = errors.New("transport closed")

// RoomKind identifies one of the two logical rooms.
type RoomKind int

const (
	// Coordination carries trackReq/trackAnswer traffic.
	Coordination RoomKind = iota
	// DataShare carries free-form telemetry.
	DataShare
)

func (k RoomKind) String() string {
	switch k {
	case Coordination:
		return "coordination"
	case DataShare:
		return "datashare"
	default:
		return "unknown"
	}
}

// Message is one inbound room message after authentication.
type Message struct {
	Room    RoomKind
	Sender  string
	Body    string
	EventID string
	// Self is set when the message is this agent's own broadcast echoed back.
	Self bool
}

// Outgoing is a message to broadcast. HTML is optional; transports that
// cannot carry a formatted body send Body only.
type Outgoing struct {
	Body string
	HTML string
}

// Handler receives inbound traffic from a connected transport. Calls arrive
// on a single goroutine and must not block for long.
type Handler interface {
	HandleMessage(Message)
	// HandleDisconnect reports an unexpected connection loss. It is called at
	// most once and never after Close.
	HandleDisconnect(error)
}

// Transport is a connection to a group-messaging service that can join the
// two rooms and broadcast into them.
type Transport interface {
	// Connect establishes the connection and starts delivering messages from
	// joined rooms to h.
	Connect(ctx context.Context, h Handler) error
	// Join enters a room, authenticating its traffic with room.Secret.
	Join(ctx context.Context, kind RoomKind, room config.RoomConfig) error
	// Send broadcasts into a joined room without waiting for delivery.
	Send(ctx context.Context, kind RoomKind, msg Outgoing) error
	// Close tears the connection down. It does not trigger HandleDisconnect.
	Close() error
}

// Dialer builds an unconnected Transport for an identity. Sessions call it
// once per connection attempt.
type Dialer func(identity config.AgentIdentity) (Transport, error)

// HandlerFuncs adapts two functions to the Handler interface.
type HandlerFuncs struct {
	OnMessage    func(Message)
	OnDisconnect func(error)
}

// HandleMessage implements Handler.
func (h HandlerFuncs) HandleMessage(m Message) {
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

// HandleDisconnect implements Handler.
func (h HandlerFuncs) HandleDisconnect(err error) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
}
