package signaling

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence mirrors room membership to an external reader. Best effort: the
// in-memory registry stays authoritative and never blocks on the mirror.
type Presence interface {
	Add(ctx context.Context, roomID, peerID string) error
	Remove(ctx context.Context, roomID, peerID string) error
}

const presenceTTL = 24 * time.Hour

// RedisPresence keeps a per-room peer set in Redis with a TTL so stale
// rooms expire even after an unclean shutdown.
type RedisPresence struct {
	client *redis.Client
}

func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func (p *RedisPresence) Add(ctx context.Context, roomID, peerID string) error {
	key := "room:" + roomID + ":peers"
	if err := p.client.SAdd(ctx, key, peerID).Err(); err != nil {
		return err
	}
	return p.client.Expire(ctx, key, presenceTTL).Err()
}

func (p *RedisPresence) Remove(ctx context.Context, roomID, peerID string) error {
	return p.client.SRem(ctx, "room:"+roomID+":peers", peerID).Err()
}
