package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/signal"
)

// Identity is the thin identity contract a participant presents when
// connecting; the hub assigns the connection id.
type Identity struct {
	DisplayName string
	Role        signal.Role
	Token       string
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithAutoReconnect enables automatic redial with capped exponential
// backoff after an unexpected disconnect. Off by default: reconnection is
// otherwise a caller decision. onReconnect runs after each successful
// redial so the caller can re-join the room.
func WithAutoReconnect(maxElapsed time.Duration, onReconnect func()) ChannelOption {
	return func(ch *Channel) {
		ch.autoReconnect = true
		ch.reconnectMaxElapsed = maxElapsed
		ch.onReconnect = onReconnect
	}
}

// Channel is the client side of the signaling connection: one persistent
// websocket per participant, carrying the room's signaling traffic.
type Channel struct {
	wsURL    string
	roomID   string
	identity Identity
	header   map[string][]string
	logger   *zap.Logger

	incoming     chan *signal.Message
	disconnected chan error

	sendMu sync.Mutex
	conn   *websocket.Conn
	closed atomic.Bool

	autoReconnect       bool
	reconnectMaxElapsed time.Duration
	onReconnect         func()
}

// Dial opens the signaling channel for roomID and announces the
// participant with a join message; the hub answers with a room-users
// snapshot as the first message on Incoming.
func Dial(ctx context.Context, baseURL, roomID string, id Identity, logger *zap.Logger, opts ...ChannelOption) (*Channel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/rooms/" + roomID
	q := u.Query()
	q.Set("displayName", id.DisplayName)
	q.Set("role", string(id.Role))
	u.RawQuery = q.Encode()

	header := map[string][]string{}
	if id.Token != "" {
		header["Authorization"] = []string{"Bearer " + id.Token}
	}

	ch := &Channel{
		wsURL:        u.String(),
		roomID:       roomID,
		identity:     id,
		header:       header,
		logger:       logger.Named("channel"),
		incoming:     make(chan *signal.Message, 32),
		disconnected: make(chan error, 1),
	}

	for _, opt := range opts {
		opt(ch)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ch.wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("signaling dial failed: %w", err)
	}
	ch.conn = conn

	if err := ch.announceJoin(); err != nil {
		conn.Close()
		return nil, err
	}

	go ch.recvLoop()
	return ch, nil
}

// announceJoin presents the participant to the hub; the hub answers with
// the room-users snapshot.
func (ch *Channel) announceJoin() error {
	return ch.Send(&signal.Message{
		Type:   signal.TypeJoin,
		RoomID: ch.roomID,
		Participant: &signal.Participant{
			DisplayName: ch.identity.DisplayName,
			Role:        ch.identity.Role,
		},
	})
}

// RoomID returns the room this channel is connected to.
func (ch *Channel) RoomID() string { return ch.roomID }

// Incoming delivers decoded messages from the hub; closed when the read
// loop ends.
func (ch *Channel) Incoming() <-chan *signal.Message { return ch.incoming }

// Disconnected fires once when the socket drops and is not recovered.
func (ch *Channel) Disconnected() <-chan error { return ch.disconnected }

// Send transmits a message. Fire-and-forget: a nil return means the frame
// was written, not that the peer received it.
func (ch *Channel) Send(msg *signal.Message) error {
	data, err := signal.Encode(msg)
	if err != nil {
		return err
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	if ch.conn == nil {
		return fmt.Errorf("signaling channel is not connected")
	}
	ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling send failed: %w", err)
	}
	return nil
}

// Close shuts the channel down; Incoming is closed once the read loop ends.
func (ch *Channel) Close() error {
	if !ch.closed.CompareAndSwap(false, true) {
		return nil
	}
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	if ch.conn != nil {
		ch.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return ch.conn.Close()
	}
	return nil
}

func (ch *Channel) recvLoop() {
	defer close(ch.incoming)

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if ch.closed.Load() {
				return
			}
			ch.logger.Warn("signaling connection dropped", zap.Error(err))

			if ch.autoReconnect && ch.redial() {
				continue
			}

			select {
			case ch.disconnected <- err:
			default:
			}
			return
		}

		msg, err := signal.Decode(data)
		if err != nil {
			ch.logger.Warn("discarding malformed message", zap.Error(err))
			continue
		}

		select {
		case ch.incoming <- msg:
		default:
			ch.logger.Warn("incoming buffer full, dropping message",
				zap.String("type", string(msg.Type)))
		}
	}
}

// redial reconnects with capped exponential backoff. Returns false once the
// budget is exhausted or the channel was closed meanwhile.
func (ch *Channel) redial() bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = ch.reconnectMaxElapsed

	err := backoff.Retry(func() error {
		if ch.closed.Load() {
			return backoff.Permanent(fmt.Errorf("channel closed"))
		}
		conn, _, err := websocket.DefaultDialer.Dial(ch.wsURL, ch.header)
		if err != nil {
			ch.logger.Info("reconnect attempt failed", zap.Error(err))
			return err
		}
		ch.sendMu.Lock()
		ch.conn = conn
		ch.sendMu.Unlock()
		return nil
	}, bo)

	if err != nil {
		return false
	}

	ch.logger.Info("signaling channel reconnected")
	if err := ch.announceJoin(); err != nil {
		ch.logger.Warn("re-join announcement failed", zap.Error(err))
	}
	if ch.onReconnect != nil {
		ch.onReconnect()
	}
	return true
}
