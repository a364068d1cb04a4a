package token

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceCache remembers consumed token nonces until their token expires.
// Entries live in Redis so every gate server sees the same history.
//
// Used and Consume are separate so a scan that ends without a verdict
// (busy ticket, unknown ticket, store failure) leaves the token usable.
// Callers serialise both calls for one ticket behind the ticket lock.
type NonceCache struct {
	rdb    redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewNonceCache returns a cache storing keys under "<prefix>:<jti>".
func NewNonceCache(rdb redis.Cmdable, prefix string) *NonceCache {
	if prefix == "" {
		prefix = "admission:jti"
	}
	return &NonceCache{rdb: rdb, prefix: prefix, now: time.Now}
}

func (n *NonceCache) key(jti string) string { return n.prefix + ":" + jti }

// Used reports whether jti has been consumed.  A store failure is returned
// as an error; callers treat it as transient.
func (n *NonceCache) Used(ctx context.Context, jti string) (bool, error) {
	c, err := n.rdb.Exists(ctx, n.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("nonce cache: %w", err)
	}
	return c > 0, nil
}

// Consume marks jti as used until expiresAt, with a one second floor.
func (n *NonceCache) Consume(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(n.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := n.rdb.Set(ctx, n.key(jti), 1, ttl).Err(); err != nil {
		return fmt.Errorf("nonce cache: %w", err)
	}
	return nil
}
