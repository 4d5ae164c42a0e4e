// Package store defines the key/value capability the session repository runs
// against and provides its Redis implementation. Every multi-key mutation goes
// through WithTransaction so callers never observe a half-applied write.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable is returned when the backend cannot be reached or a
	// call times out. Callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConflict is returned when an optimistic transaction kept losing to
	// concurrent writers on its watched keys.
	ErrConflict = errors.New("store: transaction conflict, retries exhausted")
)

// Reader is the read side shared by a Store and the transactions it runs.
type Reader interface {
	// HGetAll returns every field of a hash. A missing key yields an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Get returns a string value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// SMembers returns the members of a set. A missing key yields no members.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SCard returns the cardinality of a set.
	SCard(ctx context.Context, key string) (int64, error)

	// ZRangeByScore returns members of a sorted set with a score <= max, lowest
	// first. A limit <= 0 returns all of them.
	ZRangeByScore(ctx context.Context, key string, max int64, limit int64) ([]string, error)
}

// Tx is handed to a transaction function. Reads run immediately against the
// watched connection; writes are queued and applied together when the
// function returns nil.
type Tx interface {
	Reader

	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	PExpire(key string, ttl time.Duration)
	PExpireAt(key string, at time.Time)
	Persist(key string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key, member string, score float64)
	ZRem(key string, members ...string)
}

// Store is a distributed key/value backend with an atomic multi-key
// transaction primitive.
type Store interface {
	Reader

	// WithTransaction runs fn with the given keys watched. If any watched key
	// changes before the queued writes are applied, fn is run again from
	// scratch; after too many attempts ErrConflict is returned. An error
	// returned by fn aborts the transaction and is returned unchanged.
	WithTransaction(ctx context.Context, watch []string, fn func(tx Tx) error) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
