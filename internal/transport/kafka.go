// ABOUTME: Kafka implementation of Transport using segmentio/kafka-go
// ABOUTME: Each room is a topic; every connection reads through its own consumer group so all agents see all messages

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/2389/botwatch/internal/config"
)

const (
	senderHeader = "org.botwatch.sender"

	// kafkaReadFailures is how many consecutive read errors count as a lost connection.
	kafkaReadFailures = 5
	kafkaInboxSize    = 256
)

// KafkaOptions tunes the Kafka transport.
type KafkaOptions struct {
	Brokers []string
	Logger  *slog.Logger
}

// KafkaDialer returns a Dialer producing Kafka transports.
func KafkaDialer(opts KafkaOptions) Dialer {
	return func(identity config.AgentIdentity) (Transport, error) {
		return NewKafkaTransport(identity, opts), nil
	}
}

type kafkaRoom struct {
	cfg    config.RoomConfig
	writer *kafka.Writer
	reader *kafka.Reader
}

type kafkaInbound struct {
	kind RoomKind
	msg  kafka.Message
}

// KafkaTransport maps the two rooms onto Kafka topics.
type KafkaTransport struct {
	identity config.AgentIdentity
	brokers  []string
	group    string
	logger   *slog.Logger

	mu      sync.RWMutex
	handler Handler
	rooms   map[RoomKind]*kafkaRoom
	closed  bool

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan kafkaInbound
	wg       sync.WaitGroup
	lostOnce sync.Once
}

// NewKafkaTransport creates an unconnected Kafka transport.
func NewKafkaTransport(identity config.AgentIdentity, opts KafkaOptions) *KafkaTransport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaTransport{
		identity: identity,
		brokers:  opts.Brokers,
		// A fresh group per connection starts at the log end, like a Matrix
		// sync that skips history.
		group:  "botwatch-" + slugify(identity.LoginID) + "-" + uuid.NewString(),
		logger: logger.With("component", "kafka", "login", identity.LoginID),
		rooms:  make(map[RoomKind]*kafkaRoom),
		inbox:  make(chan kafkaInbound, kafkaInboxSize),
	}
}

// Connect checks that a broker is reachable and starts the dispatcher.
func (t *KafkaTransport) Connect(ctx context.Context, h Handler) error {
	if len(t.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", t.brokers[0])
	if err != nil {
		return fmt.Errorf("dialing kafka broker %s: %w", t.brokers[0], err)
	}
	conn.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.handler = h
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.dispatch(t.ctx)
	return nil
}

// Join opens a writer and a reader on the room's topic.
func (t *KafkaTransport) Join(ctx context.Context, kind RoomKind, room config.RoomConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.ctx == nil {
		return ErrClosed
	}
	if old, ok := t.rooms[kind]; ok {
		old.reader.Close()
		old.writer.Close()
	}

	r := &kafkaRoom{
		cfg: room,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(t.brokers...),
			Topic:                  room.Address,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     t.brokers,
			Topic:       room.Address,
			GroupID:     t.group,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		}),
	}
	t.rooms[kind] = r

	t.wg.Add(1)
	go t.read(t.ctx, kind, r.reader)

	t.logger.Info("joined topic", "room", kind.String(), "topic", room.Address)
	return nil
}

// Send writes one record carrying the sender and MAC headers.
func (t *KafkaTransport) Send(ctx context.Context, kind RoomKind, msg Outgoing) error {
	t.mu.RLock()
	r, ok := t.rooms[kind]
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrRoomNotJoined)
	}

	headers := []kafka.Header{{Key: senderHeader, Value: []byte(t.identity.LoginID)}}
	if mac := Sign(r.cfg.Secret, msg.Body); mac != "" {
		headers = append(headers, kafka.Header{Key: macField, Value: []byte(mac)})
	}

	err := r.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(t.identity.LoginID),
		Value:   []byte(msg.Body),
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("writing to %s: %w", r.cfg.Address, err)
	}
	return nil
}

func (t *KafkaTransport) read(ctx context.Context, kind RoomKind, reader *kafka.Reader) {
	defer t.wg.Done()

	failures := 0
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) && t.isClosed() {
				return
			}
			failures++
			t.logger.Warn("kafka read error", "room", kind.String(), "attempt", failures, "error", err)
			if failures >= kafkaReadFailures {
				t.lost(fmt.Errorf("reading %s: %w", kind, err))
				return
			}
			continue
		}
		failures = 0

		select {
		case t.inbox <- kafkaInbound{kind: kind, msg: m}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *KafkaTransport) dispatch(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-t.inbox:
			t.deliver(in)
		}
	}
}

func (t *KafkaTransport) deliver(in kafkaInbound) {
	t.mu.RLock()
	h := t.handler
	r, ok := t.rooms[in.kind]
	t.mu.RUnlock()
	if !ok || h == nil {
		return
	}

	var sender, mac string
	for _, hdr := range in.msg.Headers {
		switch hdr.Key {
		case senderHeader:
			sender = string(hdr.Value)
		case macField:
			mac = string(hdr.Value)
		}
	}

	body := string(in.msg.Value)
	if !Verify(r.cfg.Secret, body, mac) {
		t.logger.Debug("dropping unauthenticated record", "room", in.kind.String())
		return
	}

	h.HandleMessage(Message{
		Room:    in.kind,
		Sender:  sender,
		Body:    body,
		EventID: fmt.Sprintf("%s/%d/%d", in.msg.Topic, in.msg.Partition, in.msg.Offset),
		Self:    sender == t.identity.LoginID,
	})
}

func (t *KafkaTransport) lost(err error) {
	t.lostOnce.Do(func() {
		t.mu.RLock()
		h := t.handler
		closed := t.closed
		t.mu.RUnlock()
		if closed || h == nil {
			return
		}
		// Off the reader goroutine: the session closes this transport from
		// HandleDisconnect, and Close waits for readers.
		go h.HandleDisconnect(err)
	})
}

func (t *KafkaTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Close stops reading and flushes writers.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	rooms := t.rooms
	t.rooms = make(map[RoomKind]*kafkaRoom)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	for _, r := range rooms {
		if err := r.reader.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := r.writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	return errors.Join(errs...)
}
