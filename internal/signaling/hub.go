package signaling

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/signal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin filtering happens in middleware before the upgrade.
		return true
	},
}

// Hub accepts websocket connections and relays signaling messages between
// the participants of a room.
type Hub struct {
	registry *Registry
	logger   *zap.Logger
}

func NewHub(registry *Registry, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{registry: registry, logger: logger.Named("signaling")}
}

// HandleConnection upgrades the request and joins the participant to the
// room named in the path. Identity comes from the authenticated request
// context (display name and role), the connection id is hub-assigned.
func (h *Hub) HandleConnection(c *gin.Context) {
	roomID := c.Param("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	displayName := c.Query("displayName")
	if name, ok := c.Get("display_name"); ok && displayName == "" {
		displayName, _ = name.(string)
	}
	role := signal.Role(c.DefaultQuery("role", string(signal.RolePatient)))
	if role != signal.RoleDoctor && role != signal.RolePatient {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be doctor or patient"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), displayName, role, roomID, conn, h.logger)
	room := h.registry.GetOrCreate(roomID)
	room.add(client)

	if h.registry.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.registry.presence.Add(ctx, roomID, client.ID); err != nil {
			h.logger.Warn("presence mirror add failed", zap.Error(err))
		}
		cancel()
	}

	h.logger.Info("peer joined",
		zap.String("room_id", roomID),
		zap.String("peer_id", client.ID),
		zap.String("role", string(role)),
		zap.Int("occupants", room.Size()))

	go client.writePump()

	joined := client.Participant()
	room.broadcast(&signal.Message{
		Type:        signal.TypeUserJoined,
		RoomID:      roomID,
		Participant: &joined,
	}, client.ID)

	go client.readPump(h, room)
}

// route dispatches one validated inbound message. Join answers with the
// room snapshot, offer, answer and ice-candidate are targeted relays, and
// chat is a room broadcast.
func (h *Hub) route(c *Client, room *Room, msg *signal.Message) {
	switch msg.Type {
	case signal.TypeJoin:
		// The snapshot excludes the joiner; re-joins after a reconnect
		// get a fresh one the same way.
		users := make([]signal.Participant, 0, room.Size())
		for _, p := range room.Participants() {
			if p.ConnectionID != c.ID {
				users = append(users, p)
			}
		}
		self := c.Participant()
		c.sendMessage(&signal.Message{
			Type:   signal.TypeRoomUsers,
			RoomID: room.ID,
			Self:   &self,
			Users:  users,
		})
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeICECandidate:
		if !room.sendTo(msg, msg.Target) {
			h.logger.Warn("relay target not in room",
				zap.String("room_id", room.ID),
				zap.String("type", string(msg.Type)),
				zap.String("target", msg.Target))
			c.sendMessage(&signal.Message{
				Type:  signal.TypeError,
				Error: "target peer not connected",
			})
		}
	case signal.TypeChatMessage:
		if msg.Chat.SentAt.IsZero() {
			msg.Chat.SentAt = time.Now().UTC()
		}
		room.broadcast(msg, c.ID)
	default:
		h.logger.Warn("unroutable message type",
			zap.String("peer_id", c.ID),
			zap.String("type", string(msg.Type)))
	}
}

// disconnect detaches a client, notifies the room and garbage-collects it
// when empty.
func (h *Hub) disconnect(c *Client, room *Room) {
	c.conn.Close()
	empty := room.delete(c.ID)
	// Nothing can enqueue once the client left the room; closing the send
	// channel releases the write pump immediately instead of at the next
	// failed ping.
	close(c.send)

	if h.registry.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.registry.presence.Remove(ctx, room.ID, c.ID); err != nil {
			h.logger.Warn("presence mirror remove failed", zap.Error(err))
		}
		cancel()
	}

	left := c.Participant()
	room.broadcast(&signal.Message{
		Type:        signal.TypeUserLeft,
		RoomID:      room.ID,
		Participant: &left,
	}, c.ID)

	if empty {
		h.registry.remove(room.ID)
	}

	h.logger.Info("peer left",
		zap.String("room_id", room.ID),
		zap.String("peer_id", c.ID))
}
