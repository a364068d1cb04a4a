// Package lock provides the per-ticket mutual exclusion used by the
// admission engine.  Locks live in Redis as plain keys holding a random
// owner token with a TTL, so a crashed holder never blocks a ticket for
// longer than the TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gatekeep/admission/internal/metrics"
)

var (
	// ErrLockHeld is returned by Acquire when another caller owns the lock.
	ErrLockHeld = errors.New("lock: held by another owner")
	// ErrNotOwner is returned by Release when the key no longer carries the
	// caller's token, either because the TTL lapsed or another owner took it.
	ErrNotOwner = errors.New("lock: not owner")
)

// releaseScript deletes the key only when it still holds the caller's token.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Manager acquires and releases ticket locks.
type Manager struct {
	rdb    redis.Cmdable
	prefix string
}

// NewManager returns a Manager storing keys under "<prefix>:<ticketID>".
func NewManager(rdb redis.Cmdable, prefix string) *Manager {
	if prefix == "" {
		prefix = "admission:lock:ticket"
	}
	return &Manager{rdb: rdb, prefix: prefix}
}

// Key returns the Redis key guarding ticketID.
func (m *Manager) Key(ticketID string) string { return m.prefix + ":" + ticketID }

// Acquire claims the lock for ticketID for ttl and returns the owner token.
// It never waits: a held lock yields ErrLockHeld immediately.  Any store
// error is returned as well, so callers fail closed.
func (m *Manager) Acquire(ctx context.Context, ticketID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("lock: ttl must be positive")
	}
	owner := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, m.Key(ticketID), owner, ttl).Result()
	if err != nil {
		metrics.LockAcquire("error")
		return "", fmt.Errorf("lock: acquire %s: %w", ticketID, err)
	}
	if !ok {
		metrics.LockAcquire("held")
		return "", ErrLockHeld
	}
	metrics.LockAcquire("acquired")
	return owner, nil
}

// Release deletes the lock for ticketID if owner still holds it.
func (m *Manager) Release(ctx context.Context, ticketID, owner string) error {
	n, err := m.rdb.Eval(ctx, releaseScript, []string{m.Key(ticketID)}, owner).Int64()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", ticketID, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}
