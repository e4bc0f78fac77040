package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	roomCodeLength = 6
	roomTTL        = 24 * time.Hour
	// No 0/O/1/I: codes get read out loud over the phone to patients.
	codeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// ErrRoomNotFound is returned by allocators for unknown rooms or codes.
var ErrRoomNotFound = errors.New("room not found")

// RoomMetadata describes an allocated consultation room.
type RoomMetadata struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	CreatorID string    `json:"creatorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Allocator creates rooms and resolves short join codes back to room IDs.
type Allocator interface {
	Create(ctx context.Context, creatorID string) (*RoomMetadata, error)
	Resolve(ctx context.Context, idOrCode string) (*RoomMetadata, error)
	Delete(ctx context.Context, roomID string) error
}

// RedisAllocator stores room metadata in Redis with a TTL, keyed both by
// room ID and by join code.
type RedisAllocator struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisAllocator(client *redis.Client, logger *zap.Logger) *RedisAllocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisAllocator{client: client, logger: logger.Named("rooms")}
}

func (a *RedisAllocator) Create(ctx context.Context, creatorID string) (*RoomMetadata, error) {
	room := &RoomMetadata{
		ID:        uuid.New().String(),
		Code:      generateRoomCode(),
		CreatorID: creatorID,
		CreatedAt: time.Now(),
	}

	data, err := json.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal room: %w", err)
	}
	if err := a.client.Set(ctx, "room:"+room.ID+":meta", data, roomTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to store room: %w", err)
	}
	if err := a.client.Set(ctx, "code:"+room.Code, room.ID, roomTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to store room code: %w", err)
	}

	a.logger.Info("room allocated",
		zap.String("roomId", room.ID),
		zap.String("code", room.Code),
		zap.String("creator", creatorID))
	return room, nil
}

func (a *RedisAllocator) Resolve(ctx context.Context, idOrCode string) (*RoomMetadata, error) {
	roomID := idOrCode
	if len(idOrCode) == roomCodeLength {
		id, err := a.client.Get(ctx, "code:"+idOrCode).Result()
		if err != nil {
			return nil, ErrRoomNotFound
		}
		roomID = id
	}

	data, err := a.client.Get(ctx, "room:"+roomID+":meta").Result()
	if err != nil {
		return nil, ErrRoomNotFound
	}
	var room RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to parse room metadata: %w", err)
	}
	return &room, nil
}

func (a *RedisAllocator) Delete(ctx context.Context, roomID string) error {
	room, err := a.Resolve(ctx, roomID)
	if err != nil {
		return err
	}
	a.client.Del(ctx, "room:"+room.ID+":meta", "code:"+room.Code, "room:"+room.ID+":peers")
	return nil
}

func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}

// createRoom allocates a room for the authenticated user.
func (s *Server) createRoom(c *gin.Context) {
	userID := c.GetString("user_id")
	room, err := s.rooms.Create(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("room allocation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}
	c.JSON(http.StatusCreated, room)
}

// getRoom resolves a room by ID or join code.
func (s *Server) getRoom(c *gin.Context) {
	room, err := s.rooms.Resolve(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up room"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// deleteRoom tears a room down; only the creator may do this.
func (s *Server) deleteRoom(c *gin.Context) {
	room, err := s.rooms.Resolve(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up room"})
		return
	}
	if room.CreatorID != c.GetString("user_id") {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}
	if err := s.rooms.Delete(c.Request.Context(), room.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}
