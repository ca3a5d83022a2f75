package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// quarantineTTL bounds how long a fail-closed quarantine marker survives
// without being refreshed by another orphan sighting (spec.md §4.4 point 4).
const quarantineTTL = 24 * time.Hour

// RedisCache is the Cache implementation used outside tests.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache dials addr with sane defaults; it does not ping eagerly —
// a down cache must never block service startup (spec.md §4.1, §4.4).
func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// SetQuarantine implements Cache.SetQuarantine. Failures are logged and
// returned to the caller; the orphan-handling path that calls this logs the
// error and carries on, staying fail-closed on the orphan itself, not on the
// cache write (spec.md §4.4 point 4).
func (c *RedisCache) SetQuarantine(ctx context.Context, strategyID, symbol string) error {
	key := quarantineKey(strategyID, symbol)
	if err := c.client.Set(ctx, key, "1", quarantineTTL).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to set quarantine marker")
		return err
	}
	return nil
}

// IsQuarantined implements Cache.IsQuarantined.
func (c *RedisCache) IsQuarantined(ctx context.Context, strategyID, symbol string) (bool, error) {
	key := quarantineKey(strategyID, symbol)
	_, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to read quarantine marker")
		return false, err
	}
	return true, nil
}

// SetOrphanExposure implements Cache.SetOrphanExposure.
func (c *RedisCache) SetOrphanExposure(ctx context.Context, strategyID, symbol string, notionalDecimalString string) error {
	key := orphanExposureKey(strategyID, symbol)
	if err := c.client.Set(ctx, key, notionalDecimalString, quarantineTTL).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to sync orphan exposure")
		return err
	}
	return nil
}
