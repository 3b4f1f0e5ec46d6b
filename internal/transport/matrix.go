// ABOUTME: Matrix implementation of Transport using mautrix
// ABOUTME: Password login, alias resolution and room join, sync-driven delivery, MAC-tagged text events

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/botwatch/internal/config"
	"github.com/2389/botwatch/internal/dedupe"
)

// networkTimeout bounds Matrix API calls made outside a caller's context.
const networkTimeout = 10 * time.Second

// Redelivered events (initial sync overlap, retries) are dropped for this long.
const (
	seenEventTTL  = 10 * time.Minute
	seenEventKeys = 10_000
)

// MatrixOptions tunes the Matrix transport.
type MatrixOptions struct {
	// RecoveryKey enables end-to-end encryption when set.
	RecoveryKey string
	// DataDir holds the crypto store.
	DataDir string
	Logger  *slog.Logger
}

// MatrixDialer returns a Dialer producing Matrix transports.
func MatrixDialer(opts MatrixOptions) Dialer {
	return func(identity config.AgentIdentity) (Transport, error) {
		return NewMatrixTransport(identity, opts)
	}
}

type matrixRoom struct {
	id  id.RoomID
	cfg config.RoomConfig
}

// MatrixTransport connects one identity to a Matrix homeserver.
type MatrixTransport struct {
	identity config.AgentIdentity
	opts     MatrixOptions
	client   *mautrix.Client
	logger   *slog.Logger
	seen     *dedupe.Window
	crypto   *CryptoManager

	mu       sync.RWMutex
	handler  Handler
	rooms    map[RoomKind]matrixRoom
	closed   bool
	cancel   context.CancelFunc
	syncDone chan struct{}
}

// NewMatrixTransport creates an unconnected Matrix transport.
func NewMatrixTransport(identity config.AgentIdentity, opts MatrixOptions) (*MatrixTransport, error) {
	client, err := mautrix.NewClient(identity.HomeserverURL(), "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &MatrixTransport{
		identity: identity,
		opts:     opts,
		client:   client,
		logger:   logger.With("component", "matrix", "login", identity.LoginID),
		seen:     dedupe.New(seenEventTTL, seenEventKeys),
		rooms:    make(map[RoomKind]matrixRoom),
	}, nil
}

// Connect logs in, sets up encryption if configured, and starts syncing.
func (t *MatrixTransport) Connect(ctx context.Context, h Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.handler = h
	t.mu.Unlock()

	resp, err := t.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: t.identity.LoginID,
		},
		Password:                 t.identity.Password,
		InitialDeviceDisplayName: "botwatch " + t.identity.Localpart(),
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	t.logger.Info("logged in", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())

	if t.opts.RecoveryKey != "" {
		cm, err := SetupCrypto(ctx, t.client, resp.UserID.String(), t.opts.RecoveryKey, t.opts.DataDir, t.logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		t.crypto = cm
	}

	syncer, ok := t.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", t.client.Syncer)
	}
	syncer.OnSync(t.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, t.handleEvent)

	syncCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.cancel = cancel
	t.syncDone = done
	t.mu.Unlock()

	go t.syncLoop(syncCtx, done)
	return nil
}

func (t *MatrixTransport) syncLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	err := t.client.SyncWithContext(ctx)

	t.mu.RLock()
	closed := t.closed
	h := t.handler
	t.mu.RUnlock()

	if closed || ctx.Err() != nil || h == nil {
		return
	}
	if err == nil {
		err = errors.New("sync stopped")
	}
	t.logger.Warn("matrix sync ended", "error", err)
	// The handler closes this transport, and Close waits for done.
	go h.HandleDisconnect(fmt.Errorf("matrix sync: %w", err))
}

// Join resolves the room alias if needed and joins the room.
func (t *MatrixTransport) Join(ctx context.Context, kind RoomKind, room config.RoomConfig) error {
	roomID := id.RoomID(room.Address)
	if strings.HasPrefix(room.Address, "#") {
		resp, err := t.client.ResolveAlias(ctx, id.RoomAlias(room.Address))
		if err != nil {
			return fmt.Errorf("resolving %s: %w", room.Address, err)
		}
		roomID = resp.RoomID
	}

	if _, err := t.client.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("joining %s: %w", room.Address, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.rooms[kind] = matrixRoom{id: roomID, cfg: room}
	t.logger.Info("joined room", "room", kind.String(), "address", room.Address, "room_id", roomID.String())
	return nil
}

// Send posts a text event carrying the room MAC.
func (t *MatrixTransport) Send(ctx context.Context, kind RoomKind, msg Outgoing) error {
	t.mu.RLock()
	room, ok := t.rooms[kind]
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrRoomNotJoined)
	}

	content := map[string]any{
		"msgtype": event.MsgText,
		"body":    msg.Body,
	}
	if msg.HTML != "" {
		content["format"] = event.FormatHTML
		content["formatted_body"] = msg.HTML
	}
	if mac := Sign(room.cfg.Secret, msg.Body); mac != "" {
		content[macField] = mac
	}

	if _, err := t.client.SendMessageEvent(ctx, room.id, event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", kind, err)
	}
	return nil
}

// handleEvent filters sync events down to authenticated text in joined rooms.
func (t *MatrixTransport) handleEvent(ctx context.Context, evt *event.Event) {
	if t.seen.Seen(evt.ID.String()) {
		return
	}

	t.mu.RLock()
	h := t.handler
	kind, room, ok := t.roomByID(evt.RoomID)
	t.mu.RUnlock()

	if !ok || h == nil {
		return
	}

	content, isMsg := evt.Content.Parsed.(*event.MessageEventContent)
	if !isMsg || (content.MsgType != event.MsgText && content.MsgType != event.MsgNotice) {
		return
	}

	mac, _ := evt.Content.Raw[macField].(string)
	if !Verify(room.cfg.Secret, content.Body, mac) {
		t.logger.Debug("dropping unauthenticated message", "room", kind.String(), "sender", evt.Sender.String())
		return
	}

	h.HandleMessage(Message{
		Room:    kind,
		Sender:  evt.Sender.String(),
		Body:    content.Body,
		EventID: evt.ID.String(),
		Self:    evt.Sender == t.client.UserID,
	})
}

// roomByID must be called with mu held.
func (t *MatrixTransport) roomByID(roomID id.RoomID) (RoomKind, matrixRoom, bool) {
	for kind, r := range t.rooms {
		if r.id == roomID {
			return kind, r, true
		}
	}
	return 0, matrixRoom{}, false
}

// Close stops syncing and releases the login. Encrypted sessions keep their
// device so the crypto store stays valid.
func (t *MatrixTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	done := t.syncDone
	t.mu.Unlock()

	t.client.StopSync()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(networkTimeout):
			t.logger.Warn("matrix sync did not stop in time")
		}
	}
	defer t.seen.Close()

	if t.crypto != nil {
		return t.crypto.Close()
	}

	if t.client.AccessToken != "" {
		ctx, cancelLogout := context.WithTimeout(context.Background(), networkTimeout)
		defer cancelLogout()
		if _, err := t.client.Logout(ctx); err != nil {
			t.logger.Debug("logout failed", "error", err)
		}
	}
	return nil
}
