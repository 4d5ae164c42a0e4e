package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/sessions/internal/logging"
)

// DefaultMaxRetries bounds how often a conflicting transaction is re-run.
const DefaultMaxRetries = 16

// RedisStore implements Store on top of a go-redis client. Transactions use
// WATCH + MULTI/EXEC.
type RedisStore struct {
	client     *redis.Client
	maxRetries int
	logger     *slog.Logger
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithMaxRetries sets how many times a transaction is attempted before
// ErrConflict is returned.
func WithMaxRetries(n int) Option {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithLogger sets the logger used for transaction retries, which are
// reported at trace level.
func WithLogger(l *slog.Logger) Option {
	return func(s *RedisStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, opts *redis.Options, storeOpts ...Option) (*RedisStore, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis connection failed: %w", classify(err))
	}

	return NewFromClient(client, storeOpts...), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:     client,
		maxRetries: DefaultMaxRetries,
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "store")
	return s
}

// Client returns the underlying Redis client for use by other packages.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return hgetall(ctx, s.client, key)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	return get(ctx, s.client, key)
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	return exists(ctx, s.client, key)
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return smembers(ctx, s.client, key)
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return scard(ctx, s.client, key)
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, max int64, limit int64) ([]string, error) {
	return zrangebyscore(ctx, s.client, key, max, limit)
}

// WithTransaction implements Store.
func (s *RedisStore) WithTransaction(ctx context.Context, watch []string, fn func(tx Tx) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{tx: rtx}
			if err := fn(tx); err != nil {
				return err
			}
			if len(tx.ops) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, op := range tx.ops {
					op(ctx, pipe)
				}
				return nil
			})
			return err
		}, watch...)

		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Log(ctx, logging.LevelTrace, "transaction conflict, retrying",
				"attempt", attempt+1, "keys", watch)
			continue
		}
		return classify(err)
	}
	s.logger.Debug("transaction gave up after conflicts", "attempts", s.maxRetries, "keys", watch)
	return ErrConflict
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return classify(s.client.Ping(ctx).Err())
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// redisTx collects queued writes while reads go straight to the watched
// connection.
type redisTx struct {
	tx  *redis.Tx
	ops []func(context.Context, redis.Pipeliner)
}

func (t *redisTx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return hgetall(ctx, t.tx, key)
}

func (t *redisTx) Get(ctx context.Context, key string) (string, bool, error) {
	return get(ctx, t.tx, key)
}

func (t *redisTx) Exists(ctx context.Context, key string) (bool, error) {
	return exists(ctx, t.tx, key)
}

func (t *redisTx) SMembers(ctx context.Context, key string) ([]string, error) {
	return smembers(ctx, t.tx, key)
}

func (t *redisTx) SCard(ctx context.Context, key string) (int64, error) {
	return scard(ctx, t.tx, key)
}

func (t *redisTx) ZRangeByScore(ctx context.Context, key string, max int64, limit int64) ([]string, error) {
	return zrangebyscore(ctx, t.tx, key, max, limit)
}

func (t *redisTx) queue(op func(context.Context, redis.Pipeliner)) {
	t.ops = append(t.ops, op)
}

func (t *redisTx) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	t.queue(func(ctx context.Context, p redis.Pipeliner) { p.HSet(ctx, key, values) })
}

func (t *redisTx) HDel(key string, fields ...string) {
	if len(fields) == 0 {
		return
	}
	t.queue(func(ctx context.Context, p redis.Pipeliner) { p.HDel(ctx, key, fields...) })
}

func (t *redisTx) Set(key, value string, ttl time.Duration) {
	t.queue(func(ctx context.Context, p redis.Pipeliner) { p.Set(ctx, key, value, ttl) })
}

func (t *redisTx) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	t.queue(func(ctx context.Context, p redis.Pipeliner) { p.Del(ctx, keys...) })
}

func (t *redisTx) PExpire(key string, ttl time.Duration) {
	t.queue(func(ctx context.Context, p redis.Pipeliner) { p.PExpire(ctx, key, ttl) })
}

func (t *redisTx) PExpireAt(key string, at time.Time) {
	t.queue(func(ctx context.Context, p redis.Pipeliner) { p.PExpireAt(ctx, key, at) })
}

func (t *redisTx) Persist(key string) {
	t.queue(func(ctx context.Context, p redis.Pipeliner) { p.Persist(ctx, key) })
}

func (t *redisTx) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := toInterfaces(members)
	t.queue(func(ctx context.Context, p redis.Pipeliner) { p.SAdd(ctx, key, args...) })
}

func (t *redisTx) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := toInterfaces(members)
	t.queue(func(ctx context.Context, p redis.Pipeliner) { p.SRem(ctx, key, args...) })
}

func (t *redisTx) ZAdd(key, member string, score float64) {
	t.queue(func(ctx context.Context, p redis.Pipeliner) {
		p.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	})
}

func (t *redisTx) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := toInterfaces(members)
	t.queue(func(ctx context.Context, p redis.Pipeliner) { p.ZRem(ctx, key, args...) })
}

func hgetall(ctx context.Context, c redis.Cmdable, key string) (map[string]string, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return fields, nil
}

func get(ctx context.Context, c redis.Cmdable, key string) (string, bool, error) {
	val, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return val, true, nil
}

func exists(ctx context.Context, c redis.Cmdable, key string) (bool, error) {
	n, err := c.Exists(ctx, key).Result()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func smembers(ctx context.Context, c redis.Cmdable, key string) ([]string, error) {
	members, err := c.SMembers(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return members, nil
}

func scard(ctx context.Context, c redis.Cmdable, key string) (int64, error) {
	n, err := c.SCard(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func zrangebyscore(ctx context.Context, c redis.Cmdable, key string, max int64, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(max, 10),
	}
	if limit > 0 {
		opt.Count = limit
	}
	members, err := c.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, classify(err)
	}
	return members, nil
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// classify maps connection-level failures onto ErrStoreUnavailable and leaves
// everything else (including redis.Nil and server replies) untouched.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, redis.ErrClosed),
		errors.Is(err, redis.ErrPoolTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
