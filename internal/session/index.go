package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/whisper/sessions/internal/store"
)

// DefaultBucketGranularity is the width of one expiration bucket.
const DefaultBucketGranularity = time.Minute

// errListBuckets marks a failure to read the bucket directory itself, as
// opposed to a failure on a single bucket.
var errListBuckets = errors.New("session: list due buckets")

// keyspace builds store keys under a namespace prefix. No prefix is a prefix
// of another, so a session id can never address a key of a different kind.
type keyspace string

func (k keyspace) session(id string) string     { return string(k) + "session:" + id }
func (k keyspace) marker(id string) string      { return string(k) + "expires:" + id }
func (k keyspace) bucket(millis int64) string   { return string(k) + "expirations:" + strconv.FormatInt(millis, 10) }
func (k keyspace) buckets() string              { return string(k) + "expirations" }
func (k keyspace) principal(name string) string { return string(k) + "index:principal:" + name }

// Candidate is a session id found in a due expiration bucket.
type Candidate struct {
	ID     string
	Bucket int64 // bucket due time, unix millis
}

// Index tracks which sessions expire in which time bucket so the sweeper can
// find them without scanning every session. Buckets are sets keyed by their
// due time; a sorted-set directory lists the buckets that exist.
type Index struct {
	store       store.Store
	keys        keyspace
	granularity time.Duration
	margin      time.Duration
	maxBuckets  int64
}

func newIndex(st store.Store, keys keyspace, granularity, margin time.Duration, maxBuckets int64) *Index {
	if granularity <= 0 {
		granularity = DefaultBucketGranularity
	}
	return &Index{
		store:       st,
		keys:        keys,
		granularity: granularity,
		margin:      margin,
		maxBuckets:  maxBuckets,
	}
}

// Granularity returns the bucket width.
func (ix *Index) Granularity() time.Duration {
	return ix.granularity
}

// BucketFor returns the bucket holding sessions expiring at expireAt: the
// first slot boundary strictly after it. Every id in a bucket that has come
// due is therefore already expired unless it was refreshed since.
func (ix *Index) BucketFor(expireAt time.Time) int64 {
	g := ix.granularity.Milliseconds()
	ms := expireAt.UnixMilli()
	r := ms % g
	if r < 0 {
		r += g
	}
	return ms - r + g
}

// next returns the bucket following b.
func (ix *Index) next(b int64) int64 {
	return b + ix.granularity.Milliseconds()
}

// track queues the insertion of id into bucket. The bucket key outlives its
// due time by the safety margin so a late sweep still finds it.
func (ix *Index) track(tx store.Tx, id string, bucket int64) {
	key := ix.keys.bucket(bucket)
	tx.SAdd(key, id)
	tx.ZAdd(ix.keys.buckets(), strconv.FormatInt(bucket, 10), float64(bucket))
	tx.PExpireAt(key, time.UnixMilli(bucket).Add(ix.margin))
}

// untrack queues the removal of id from bucket.
func (ix *Index) untrack(tx store.Tx, id string, bucket int64) {
	tx.SRem(ix.keys.bucket(bucket), id)
}

// DueBuckets lists buckets due at or before now, oldest first.
func (ix *Index) DueBuckets(ctx context.Context, now time.Time) ([]int64, error) {
	members, err := ix.store.ZRangeByScore(ctx, ix.keys.buckets(), now.UnixMilli(), ix.maxBuckets)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errListBuckets, err)
	}
	buckets := make([]int64, 0, len(members))
	for _, m := range members {
		b, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// Members returns the ids currently tracked in bucket.
func (ix *Index) Members(ctx context.Context, bucket int64) ([]string, error) {
	return ix.store.SMembers(ctx, ix.keys.bucket(bucket))
}

// PollDue yields every id tracked in a bucket at or before now. Each bucket is
// read when the iteration reaches it; once all its members were yielded the
// bucket is dropped from the directory if nothing is left in it. Consumers
// remove ids from the bucket as they handle them, so anything not handled
// (an error, or an early stop) is seen again on the next poll.
func (ix *Index) PollDue(ctx context.Context, now time.Time) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		buckets, err := ix.DueBuckets(ctx, now)
		if err != nil {
			yield(Candidate{}, err)
			return
		}
		for _, bucket := range buckets {
			ids, err := ix.Members(ctx, bucket)
			if err != nil {
				if !yield(Candidate{Bucket: bucket}, fmt.Errorf("session: read bucket %d: %w", bucket, err)) {
					return
				}
				continue
			}
			for _, id := range ids {
				if !yield(Candidate{ID: id, Bucket: bucket}, nil) {
					return
				}
			}
			if err := ix.retire(ctx, bucket); err != nil {
				if !yield(Candidate{Bucket: bucket}, fmt.Errorf("session: retire bucket %d: %w", bucket, err)) {
					return
				}
			}
		}
	}
}

// retire removes an empty bucket from the directory. A bucket that gained
// members in the meantime stays.
func (ix *Index) retire(ctx context.Context, bucket int64) error {
	key := ix.keys.bucket(bucket)
	return ix.store.WithTransaction(ctx, []string{key}, func(tx store.Tx) error {
		n, err := tx.SCard(ctx, key)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		tx.Del(key)
		tx.ZRem(ix.keys.buckets(), strconv.FormatInt(bucket, 10))
		return nil
	})
}
