package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis records nonces with SET NX. A TTL bounds memory for short-lived
// tokens; zero keeps entries until Redis evicts them, which is only
// acceptable for nonces that are also persisted elsewhere.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis builds a Redis nonce store against addr.
func NewRedis(addr, password string, db int, ttl time.Duration) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{client: rdb, prefix: "cdil:nonce", ttl: ttl}
}

// NewRedisWithClient wraps an existing client, mainly for tests.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: "cdil:nonce", ttl: ttl}
}

// CheckAndRecord implements Store. SET NX is atomic on the Redis side, so
// concurrent presenters of the same nonce agree on a single winner.
func (r *Redis) CheckAndRecord(ctx context.Context, tenantID, nonce string) (bool, error) {
	key := fmt.Sprintf("%s:%s:%s", r.prefix, tenantID, nonce)
	wasNew, err := r.client.SetNX(ctx, key, "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce: redis setnx: %w", err)
	}
	return wasNew, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
