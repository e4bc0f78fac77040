package signaling

import (
	"sync"

	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/signal"
)

// Room tracks the participants currently connected under one room id.
// Rooms are ephemeral: created implicitly on first join, removed by the
// registry once the last participant leaves.
type Room struct {
	ID string

	mu    sync.RWMutex
	peers map[string]*Client
}

// Registry is the in-memory room registry. Single-process by design; the
// optional Presence mirror only exposes membership to external readers.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	presence Presence
	logger   *zap.Logger
}

// NewRegistry creates a room registry. presence may be nil.
func NewRegistry(presence Presence, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:    make(map[string]*Room),
		presence: presence,
		logger:   logger.Named("registry"),
	}
}

// GetOrCreate returns the room for id, creating it on first join.
func (reg *Registry) GetOrCreate(id string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[id]
	if !ok {
		room = &Room{ID: id, peers: make(map[string]*Client)}
		reg.rooms[id] = room
		reg.logger.Info("room created", zap.String("room_id", id))
	}
	return room
}

// Lookup returns the room for id if it exists.
func (reg *Registry) Lookup(id string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[id]
	return room, ok
}

// RoomCount reports how many rooms currently hold at least one participant.
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// remove garbage-collects an empty room.
func (reg *Registry) remove(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[id]
	if !ok {
		return
	}
	room.mu.RLock()
	empty := len(room.peers) == 0
	room.mu.RUnlock()

	if empty {
		delete(reg.rooms, id)
		reg.logger.Info("room removed", zap.String("room_id", id))
	}
}

func (r *Room) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[c.ID] = c
}

func (r *Room) delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return len(r.peers) == 0
}

// Participants returns a membership snapshot, used for the room-users
// message pushed on connect.
func (r *Room) Participants() []signal.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]signal.Participant, 0, len(r.peers))
	for _, c := range r.peers {
		users = append(users, c.Participant())
	}
	return users
}

// Size reports the current participant count.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// broadcast delivers msg to every peer except the sender.
func (r *Room) broadcast(msg *signal.Message, exclude string) {
	data, err := signal.Encode(msg)
	if err != nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.peers {
		if id != exclude {
			c.enqueue(data)
		}
	}
}

// sendTo delivers msg to one participant; returns false if the target is
// not connected. Delivery is fire-and-forget per the channel contract.
func (r *Room) sendTo(msg *signal.Message, target string) bool {
	data, err := signal.Encode(msg)
	if err != nil {
		return false
	}

	r.mu.RLock()
	c, ok := r.peers[target]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.enqueue(data)
	return true
}
