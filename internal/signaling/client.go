package signaling

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/signal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client is one connected participant socket inside a room.
type Client struct {
	ID          string
	DisplayName string
	Role        signal.Role
	RoomID      string

	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

func newClient(id, displayName string, role signal.Role, roomID string, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		ID:          id,
		DisplayName: displayName,
		Role:        role,
		RoomID:      roomID,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		logger:      logger,
	}
}

// Participant returns the identity shape carried in membership messages.
func (c *Client) Participant() signal.Participant {
	return signal.Participant{
		ConnectionID: c.ID,
		DisplayName:  c.DisplayName,
		Role:         c.Role,
	}
}

// enqueue hands data to the write pump. Drops on a full buffer rather than
// blocking the room lock; the negotiation layer tolerates losses.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping message",
			zap.String("peer_id", c.ID))
	}
}

func (c *Client) sendMessage(msg *signal.Message) {
	data, err := signal.Encode(msg)
	if err != nil {
		c.logger.Error("failed to encode message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// readPump consumes inbound frames and routes them through the hub until
// the socket closes, then detaches the client from its room.
func (c *Client) readPump(h *Hub, room *Room) {
	defer h.disconnect(c, room)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error",
					zap.String("peer_id", c.ID), zap.Error(err))
			}
			return
		}

		msg, err := signal.Decode(data)
		if err != nil {
			c.logger.Warn("rejected malformed message",
				zap.String("peer_id", c.ID), zap.Error(err))
			c.sendMessage(&signal.Message{Type: signal.TypeError, Error: err.Error()})
			continue
		}

		// The hub is authoritative for sender and room attribution.
		msg.Sender = c.ID
		msg.RoomID = c.RoomID
		h.route(c, room, msg)
	}
}

// writePump serializes all writes to the socket and keeps the connection
// alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("websocket write error",
					zap.String("peer_id", c.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
