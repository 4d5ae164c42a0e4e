package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLua deletes the lease key only if it still holds our token, so a
// holder whose lease already expired cannot release someone else's.
const releaseLua = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Lease is a non-blocking distributed mutex with a fixed time-to-live, built
// on SET NX PX. A lease that is never released simply expires.
type Lease struct {
	client  *redis.Client
	key     string
	ttl     time.Duration
	token   string
	release *redis.Script
}

// NewLease creates a lease bound to key.
func (s *RedisStore) NewLease(key string, ttl time.Duration) *Lease {
	return &Lease{
		client:  s.client,
		key:     key,
		ttl:     ttl,
		release: redis.NewScript(releaseLua),
	}
}

// TryAcquire attempts to take the lease without waiting. It returns false if
// another holder owns it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: acquire lease %s: %w", l.key, classify(err))
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release gives the lease up if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""
	if err := l.release.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("store: release lease %s: %w", l.key, classify(err))
	}
	return nil
}
