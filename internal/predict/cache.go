package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adpilot-hq/adpilot/internal/store"
)

// CorrelationCache is a redis read-through cache in front of the
// correlation_stats table. Scoring reads it on every ad; the stats job
// refreshes it after each recompute.
type CorrelationCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCorrelationCache builds a cache with the given TTL.
func NewCorrelationCache(rdb *redis.Client, ttl time.Duration) *CorrelationCache {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &CorrelationCache{rdb: rdb, ttl: ttl}
}

func cacheKey(accountID string) string {
	return "adpilot:corr:" + accountID
}

// Get returns the cached stats for an account. The bool reports a hit.
func (c *CorrelationCache) Get(ctx context.Context, accountID string) ([]store.CorrelationStat, bool, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(accountID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var stats []store.CorrelationStat
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, false, fmt.Errorf("cache decode: %w", err)
	}
	return stats, true, nil
}

// Set replaces the cached stats for an account.
func (c *CorrelationCache) Set(ctx context.Context, accountID string, stats []store.CorrelationStat) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, cacheKey(accountID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
