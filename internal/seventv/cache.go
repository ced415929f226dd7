// Package seventv talks to the 7TV API and caches per-broadcaster emote
// data in Redis.
package seventv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pscheid92/rewardpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	emoteSetPrefix = "seventv:emote_set:"
	emotesPrefix   = "seventv:emotes:"

	emoteSetTTL = 24 * time.Hour
)

// ErrCacheMiss is returned when no cached value exists for the key.
var ErrCacheMiss = errors.New("seventv cache miss")

// Cache stores per-broadcaster 7TV data in Redis: the resolved emote set id
// and the broadcaster's emote list. All writes are best-effort; the client
// falls through to the 7TV API on miss or error.
type Cache struct {
	rdb goredis.Cmdable
}

func NewCache(rdb goredis.Cmdable) *Cache {
	return &Cache{rdb: rdb}
}

var _ domain.EmoteCache = (*Cache)(nil)

// EmoteSetID returns the cached emote set id for a broadcaster.
func (c *Cache) EmoteSetID(ctx context.Context, broadcaster domain.Identity) (string, error) {
	val, err := c.rdb.Get(ctx, emoteSetPrefix+broadcaster.TwitchUserID).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("emote set cache get: %w", err)
	}
	return val, nil
}

// SetEmoteSetID caches the emote set id for a broadcaster.
func (c *Cache) SetEmoteSetID(ctx context.Context, broadcaster domain.Identity, setID string) error {
	if err := c.rdb.Set(ctx, emoteSetPrefix+broadcaster.TwitchUserID, setID, emoteSetTTL).Err(); err != nil {
		return fmt.Errorf("emote set cache set: %w", err)
	}
	return nil
}

// Invalidate drops every cached 7TV entry for the broadcaster. Called after
// an emote set mutation so stale emote lists are not served.
func (c *Cache) Invalidate(ctx context.Context, broadcaster domain.Identity) error {
	keys := []string{
		emoteSetPrefix + broadcaster.TwitchUserID,
		emotesPrefix + broadcaster.TwitchUserID,
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("emote cache invalidate: %w", err)
	}
	return nil
}
