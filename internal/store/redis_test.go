package store_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/sessions/internal/logging"
	"github.com/whisper/sessions/internal/store"
)

func newTestStore(t *testing.T, opts ...store.Option) (*store.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewFromClient(client, opts...)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestWithTransaction_AppliesQueuedWrites(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.WithTransaction(ctx, []string{"h"}, func(tx store.Tx) error {
		tx.HSet("h", map[string]string{"a": "1", "b": "2"})
		tx.SAdd("set", "x", "y")
		tx.ZAdd("z", "m", 42)
		tx.Set("marker", "v", time.Minute)
		return nil
	})
	require.NoError(t, err)

	fields, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, fields)

	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, members)

	due, err := s.ZRangeByScore(ctx, "z", 42, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, due)

	assert.Equal(t, time.Minute, mr.TTL("marker"))
}

func TestWithTransaction_FnErrorAbortsWrites(t *testing.T) {
	s, mr := newTestStore(t)
	boom := errors.New("boom")

	err := s.WithTransaction(context.Background(), nil, func(tx store.Tx) error {
		tx.Set("k", "v", 0)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("k"))
}

func TestWithTransaction_RetriesOnConflict(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("watched", "0"))

	attempts := 0
	err := s.WithTransaction(ctx, []string{"watched"}, func(tx store.Tx) error {
		attempts++
		val, ok, err := tx.Get(ctx, "watched")
		if err != nil {
			return err
		}
		require.True(t, ok)
		if attempts == 1 {
			// Another writer sneaks in between WATCH and EXEC.
			require.NoError(t, mr.Set("watched", "1"))
		}
		tx.Set("copy", val, 0)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	got, err := mr.Get("copy")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestWithTransaction_ConflictLoggedAtTrace(t *testing.T) {
	for _, tc := range []struct {
		level  slog.Level
		logged bool
	}{
		{logging.LevelTrace, true},
		{slog.LevelDebug, false},
	} {
		buffer := &bytes.Buffer{}
		logger := slog.New(slog.NewJSONHandler(buffer, &slog.HandlerOptions{Level: tc.level}))
		s, mr := newTestStore(t, store.WithLogger(logger))
		require.NoError(t, mr.Set("watched", "0"))

		attempts := 0
		err := s.WithTransaction(context.Background(), []string{"watched"}, func(tx store.Tx) error {
			attempts++
			if attempts == 1 {
				require.NoError(t, mr.Set("watched", "1"))
			}
			tx.Set("copy", "x", 0)
			return nil
		})
		require.NoError(t, err)

		if tc.logged {
			assert.Contains(t, buffer.String(), "transaction conflict, retrying")
			assert.Contains(t, buffer.String(), `"attempt":1`)
			assert.Contains(t, buffer.String(), `"component":"store"`)
		} else {
			assert.Empty(t, buffer.String())
		}
	}
}

func TestWithTransaction_ConflictExhaustsRetries(t *testing.T) {
	s, mr := newTestStore(t, store.WithMaxRetries(3))
	require.NoError(t, mr.Set("watched", "0"))

	attempts := 0
	err := s.WithTransaction(context.Background(), []string{"watched"}, func(tx store.Tx) error {
		attempts++
		require.NoError(t, mr.Set("watched", "changed"))
		tx.Set("never", "x", 0)
		return nil
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 3, attempts)
	assert.False(t, mr.Exists("never"))
}

func TestReads_MissingKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	fields, err := s.HGetAll(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, fields)

	_, ok, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.SCard(ctx, "nope")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestZRangeByScore_Limit(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	for i, m := range []string{"a", "b", "c"} {
		_, err := mr.ZAdd("z", float64(i+1), m)
		require.NoError(t, err)
	}

	all, err := s.ZRangeByScore(ctx, "z", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)

	limited, err := s.ZRangeByScore(ctx, "z", 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, limited)

	upTo2, err := s.ZRangeByScore(ctx, "z", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, upTo2)
}

func TestStoreUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.HGetAll(context.Background(), "k")
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)

	err = s.WithTransaction(context.Background(), []string{"k"}, func(tx store.Tx) error {
		tx.Set("k", "v", 0)
		return nil
	})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
}
