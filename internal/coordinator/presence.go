package coordinator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/clipboard-sync/internal/protocol"
)

// Presence mirrors room membership into an external store so that
// operators can inspect live rooms across coordinator instances. It is an
// observability aid only; the in-memory roster is authoritative.
type Presence interface {
	Add(roomID string, clientID protocol.ClientID) error
	Remove(roomID string, clientID protocol.ClientID) error
}

// NopPresence discards all presence updates.
type NopPresence struct{}

func (NopPresence) Add(string, protocol.ClientID) error    { return nil }
func (NopPresence) Remove(string, protocol.ClientID) error { return nil }

const (
	presenceTTL     = 24 * time.Hour
	presenceTimeout = 2 * time.Second
)

// RedisPresence mirrors membership into per-room redis sets.
type RedisPresence struct {
	client *redis.Client
}

// NewRedisPresence wraps an existing redis client.
func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func presenceKey(roomID string) string {
	return "room:" + roomID + ":clients"
}

func (p *RedisPresence) Add(roomID string, clientID protocol.ClientID) error {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	key := presenceKey(roomID)
	if err := p.client.SAdd(ctx, key, string(clientID)).Err(); err != nil {
		return err
	}
	return p.client.Expire(ctx, key, presenceTTL).Err()
}

func (p *RedisPresence) Remove(roomID string, clientID protocol.ClientID) error {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	return p.client.SRem(ctx, presenceKey(roomID), string(clientID)).Err()
}
