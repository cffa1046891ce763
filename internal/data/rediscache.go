package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/go-redis/redis/v8"
)

// CachedRegimes decorates a RegimeRepository with a Redis-backed cache of
// each symbol's latest decision, so a process restart does not have to
// replay history through Postgres to answer "what regime is this symbol
// in right now." Postgres (or whichever RegimeRepository is wrapped)
// remains the source of truth: reads fall back to it on a cache miss, and
// every write goes through to it first.
type CachedRegimes struct {
	next   RegimeRepository
	client *redis.Client
	ttl    time.Duration
}

// NewCachedRegimes wraps next with a Redis cache. addr is a standard
// "host:port" Redis address.
func NewCachedRegimes(next RegimeRepository, addr string, ttl time.Duration) *CachedRegimes {
	return &CachedRegimes{
		next:   next,
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func cacheKey(symbol string) string { return "regime:latest:" + symbol }

func (c *CachedRegimes) Upsert(ctx context.Context, d types.RegimeDecision) error {
	if err := c.next.Upsert(ctx, d); err != nil {
		return err
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("data: marshal regime for cache: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(d.Symbol), payload, c.ttl).Err(); err != nil {
		// Cache writes are best-effort: Postgres already has the decision.
		return nil
	}
	return nil
}

func (c *CachedRegimes) Latest(ctx context.Context, symbol string) (types.RegimeDecision, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(symbol)).Bytes()
	if err == nil {
		var d types.RegimeDecision
		if jsonErr := json.Unmarshal(raw, &d); jsonErr == nil {
			return d, true, nil
		}
	}
	return c.next.Latest(ctx, symbol)
}
