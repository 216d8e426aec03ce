package identity

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for identity hashes.
	KeyPrefix = "identity:"

	// indexKey is the set of all known user IDs.
	indexKey = "identity:index"

	// DefaultSyncInterval is how often the local snapshot is refreshed
	// from Redis.
	DefaultSyncInterval = 30 * time.Second
)

// redisUser is the hash layout of one identity in Redis.
type redisUser struct {
	UserID          string `redis:"user_id"`
	DisplayName     string `redis:"display_name"`
	ReputationScore int    `redis:"reputation_score"`
	IsVerified      bool   `redis:"is_verified"`
}

// RedisDirectory keeps identities in Redis hashes so every engine
// instance sees the same directory, with a local snapshot cache so
// mention resolution never blocks on Redis. Writes go through to Redis
// and update the cache immediately; Sync picks up writes made by other
// instances.
type RedisDirectory struct {
	client *redis.Client

	mu    sync.RWMutex
	cache map[string]AuthorContext
}

// NewRedisDirectory creates a directory over the given client and loads
// the initial snapshot.
func NewRedisDirectory(ctx context.Context, client *redis.Client) (*RedisDirectory, error) {
	d := &RedisDirectory{
		client: client,
		cache:  make(map[string]AuthorContext),
	}
	if err := d.Sync(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Upsert writes one identity to Redis and the local cache.
func (d *RedisDirectory) Upsert(ctx context.Context, user AuthorContext) error {
	key := KeyPrefix + user.UserID

	pipe := d.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":          user.UserID,
		"display_name":     user.DisplayName,
		"reputation_score": user.ReputationScore,
		"is_verified":      user.IsVerified,
	})
	pipe.SAdd(ctx, indexKey, user.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("identity: upsert %s: %w", user.UserID, err)
	}

	d.mu.Lock()
	d.cache[user.UserID] = user
	d.mu.Unlock()
	return nil
}

// Remove drops one identity from Redis and the local cache.
func (d *RedisDirectory) Remove(ctx context.Context, userID string) error {
	pipe := d.client.Pipeline()
	pipe.Del(ctx, KeyPrefix+userID)
	pipe.SRem(ctx, indexKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("identity: remove %s: %w", userID, err)
	}

	d.mu.Lock()
	delete(d.cache, userID)
	d.mu.Unlock()
	return nil
}

// Snapshot returns the cached identities, in no particular order.
func (d *RedisDirectory) Snapshot() []AuthorContext {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]AuthorContext, 0, len(d.cache))
	for _, u := range d.cache {
		out = append(out, u)
	}
	return out
}

// Sync replaces the local cache with the current Redis contents.
func (d *RedisDirectory) Sync(ctx context.Context) error {
	ids, err := d.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("identity: list ids: %w", err)
	}

	fresh := make(map[string]AuthorContext, len(ids))
	for _, id := range ids {
		var u redisUser
		if err := d.client.HGetAll(ctx, KeyPrefix+id).Scan(&u); err != nil {
			return fmt.Errorf("identity: load %s: %w", id, err)
		}
		if u.UserID == "" {
			// Index entry with no hash: expired or half-removed.
			continue
		}
		fresh[u.UserID] = AuthorContext{
			UserID:          u.UserID,
			DisplayName:     u.DisplayName,
			ReputationScore: u.ReputationScore,
			IsVerified:      u.IsVerified,
		}
	}

	d.mu.Lock()
	d.cache = fresh
	d.mu.Unlock()
	return nil
}

// Run refreshes the cache on an interval until the context is cancelled.
func (d *RedisDirectory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Sync(ctx); err != nil {
				log.Printf("[identity] directory sync failed: %v", err)
			}
		}
	}
}
