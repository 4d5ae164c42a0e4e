package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/whisper/sessions/internal/logging"
	"github.com/whisper/sessions/internal/metrics"
	"github.com/whisper/sessions/internal/store"
)

// DefaultSafetyMargin is how long store keys outlive the session they
// describe, so the sweeper can still see them after the session expired.
const DefaultSafetyMargin = 5 * time.Minute

// Config holds repository settings. Zero values select the defaults.
type Config struct {
	// Namespace prefixes every key, e.g. "myapp:".
	Namespace string

	DefaultMaxInactiveInterval time.Duration
	SafetyMargin               time.Duration
	BucketGranularity          time.Duration

	// SweepMaxBuckets bounds how many due buckets one sweep reads. Zero means
	// no bound.
	SweepMaxBuckets int64

	SaveMode SaveMode
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Repository) {
		r.clock = clock
	}
}

// WithCodec sets the attribute codec. GobCodec is the default.
func WithCodec(c Codec) Option {
	return func(r *Repository) {
		r.codec = c
	}
}

// WithPublisher sets where lifecycle events go. Without one they are
// discarded.
func WithPublisher(p Publisher) Option {
	return func(r *Repository) {
		r.events = p
	}
}

// Repository stores sessions in a shared key/value store. Any number of
// repositories, in any number of processes, may work on the same store;
// they coordinate through optimistic store transactions only.
type Repository struct {
	store    store.Store
	keys     keyspace
	index    *Index
	codec    Codec
	saveMode SaveMode
	margin   time.Duration
	events   Publisher
	clock    func() time.Time
	logger   *slog.Logger

	mu                 sync.RWMutex
	defaultMaxInactive time.Duration
}

// NewRepository returns a repository over st.
func NewRepository(st store.Store, cfg Config, opts ...Option) *Repository {
	if cfg.DefaultMaxInactiveInterval == 0 {
		cfg.DefaultMaxInactiveInterval = DefaultMaxInactiveInterval
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}

	keys := keyspace(cfg.Namespace)
	r := &Repository{
		store:              st,
		keys:               keys,
		index:              newIndex(st, keys, cfg.BucketGranularity, cfg.SafetyMargin, cfg.SweepMaxBuckets),
		codec:              GobCodec{},
		saveMode:           cfg.SaveMode,
		margin:             cfg.SafetyMargin,
		events:             nopPublisher{},
		clock:              time.Now,
		logger:             logging.NewNop(),
		defaultMaxInactive: cfg.DefaultMaxInactiveInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "repository")
	return r
}

// Index returns the expiration index the repository maintains.
func (r *Repository) Index() *Index {
	return r.index
}

// Now returns the repository's current time.
func (r *Repository) Now() time.Time {
	return r.clock()
}

// SetDefaultMaxInactiveInterval changes the interval given to sessions
// created from now on. Existing sessions keep theirs.
func (r *Repository) SetDefaultMaxInactiveInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultMaxInactive = d
}

// DefaultMaxInactiveInterval returns the interval new sessions get.
func (r *Repository) DefaultMaxInactiveInterval() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultMaxInactive
}

// CreateSession returns a new unsaved session. Nothing is written until Save.
func (r *Repository) CreateSession() *Session {
	return newSession(NewID(), r.clock(), r.DefaultMaxInactiveInterval(), r.saveMode, r.clock)
}

// GetSession loads a session by id and marks it accessed. It returns nil,
// nil when the session does not exist, has expired, or cannot be decoded. An
// expired session found here is removed and an expired event published.
func (r *Repository) GetSession(ctx context.Context, id string) (s *Session, err error) {
	start := time.Now()
	defer func() { r.observe("get", start, err) }()

	now := r.clock()
	s, err = r.load(ctx, id)
	if errors.Is(err, ErrCorruptRecord) {
		metrics.CorruptRecords.Inc()
		r.logger.Warn("treating undecodable session as absent", "session_id", id, "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	if s == nil {
		return nil, nil
	}
	if s.IsExpired(now) {
		r.expire(ctx, id, now)
		return nil, nil
	}
	s.SetLastAccessedTime(now)
	return s, nil
}

// Save persists s. A new session is written in full; an existing one only
// gets its changed attributes and metadata. The expiration index entry moves
// with the session in the same transaction. Either everything is written or
// nothing is.
func (r *Repository) Save(ctx context.Context, s *Session) (err error) {
	if s == nil {
		return errors.New("session: save nil session")
	}

	rotated := !s.isNew && s.originalID != s.id
	names := s.pendingAttributes()
	if !s.isNew && !rotated && !s.metaDirty && len(names) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { r.observe("save", start, err) }()

	delta, removed, err := encodeDelta(s, names, r.codec)
	if err != nil {
		return err
	}

	id := s.id
	primary := r.keys.session(id)
	watch := []string{primary, r.keys.marker(id)}
	if rotated {
		watch = append(watch, r.keys.session(s.originalID), r.keys.marker(s.originalID))
	}

	err = r.store.WithTransaction(ctx, watch, func(tx store.Tx) error {
		writeAll := s.isNew || rotated
		if !writeAll {
			ok, err := tx.Exists(ctx, primary)
			if err != nil {
				return err
			}
			if !ok {
				r.logger.Warn("session record vanished before save, rewriting it", "session_id", id)
				writeAll = true
			}
		}
		if rotated {
			if err := r.dropRotated(ctx, tx, s.originalID, s.originalPrincipal, id); err != nil {
				return err
			}
		}

		if writeAll {
			fields, err := r.encodeFull(s)
			if err != nil {
				return err
			}
			tx.HSet(primary, fields)
		} else {
			fields := encodeMeta(s)
			maps.Copy(fields, delta)
			tx.HSet(primary, fields)
			tx.HDel(primary, removed...)
		}

		if err := r.retrack(ctx, tx, s); err != nil {
			return err
		}
		r.reindexPrincipal(tx, s)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: save %s: %w", id, err)
	}

	created := s.isNew
	s.markSaved()
	if created {
		metrics.SessionsCreated.Inc()
		r.publish(EventCreated, id, s.clone())
	}
	return nil
}

// DeleteSession removes a session and its index entries. Deleting a missing
// session is a no-op; a deleted event is published only when something was
// removed.
func (r *Repository) DeleteSession(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { r.observe("delete", start, err) }()

	res, err := r.evict(ctx, id, evictExplicit, 0, r.clock())
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	if res.outcome == outcomeRemoved {
		metrics.SessionsRemoved.WithLabelValues("deleted").Inc()
		r.publish(EventDeleted, id, res.snapshot)
	}
	return nil
}

// FindByPrincipal returns the live sessions whose principal name attribute
// equals name, keyed by id. Sessions found here are not marked accessed.
// Ids of sessions that no longer exist are pruned from the index.
func (r *Repository) FindByPrincipal(ctx context.Context, name string) (map[string]*Session, error) {
	key := r.keys.principal(name)
	ids, err := r.store.SMembers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("session: find by principal: %w", err)
	}

	now := r.clock()
	found := make(map[string]*Session, len(ids))
	var stale []string
	for _, id := range ids {
		s, err := r.load(ctx, id)
		if errors.Is(err, ErrCorruptRecord) {
			metrics.CorruptRecords.Inc()
			r.logger.Warn("skipping undecodable session", "session_id", id, "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("session: find by principal: %w", err)
		}
		switch {
		case s == nil, s.Principal() != name:
			stale = append(stale, id)
		case s.IsExpired(now):
			r.expire(ctx, id, now)
		default:
			found[id] = s
		}
	}

	if len(stale) > 0 {
		err := r.store.WithTransaction(ctx, nil, func(tx store.Tx) error {
			tx.SRem(key, stale...)
			return nil
		})
		if err != nil {
			r.logger.Warn("pruning principal index failed", "principal", name, "error", err)
		}
	}
	return found, nil
}

// load reads and decodes a session. A missing record yields nil, nil.
func (r *Repository) load(ctx context.Context, id string) (*Session, error) {
	fields, err := r.store.HGetAll(ctx, r.keys.session(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	s, err := decodeRecord(id, fields, r.codec)
	if err != nil {
		return nil, err
	}
	s.saveMode = r.saveMode
	s.now = r.clock
	return s, nil
}

// expire removes a session found expired on a read path.
func (r *Repository) expire(ctx context.Context, id string, now time.Time) {
	res, err := r.evict(ctx, id, evictIfExpired, 0, now)
	if err != nil {
		r.logger.Warn("removing expired session failed", "session_id", id, "error", err)
		return
	}
	if res.outcome == outcomeRemoved {
		metrics.SessionsRemoved.WithLabelValues("expired").Inc()
		r.publish(EventExpired, id, res.snapshot)
	}
}

func (r *Repository) encodeFull(s *Session) (map[string]string, error) {
	fields, _, err := encodeDelta(s, s.AttributeNames(), r.codec)
	if err != nil {
		return nil, err
	}
	maps.Copy(fields, encodeMeta(s))
	return fields, nil
}

// dropRotated queues removal of everything stored under a session's previous
// id.
func (r *Repository) dropRotated(ctx context.Context, tx store.Tx, oldID, oldPrincipal, newID string) error {
	ok, err := tx.Exists(ctx, r.keys.session(oldID))
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Warn("previous session id already gone, keeping the latest rotation",
			"old_session_id", oldID, "session_id", newID)
	}

	bucket, tracked, err := r.trackedBucket(ctx, tx, oldID)
	if err != nil {
		return err
	}
	if tracked {
		r.index.untrack(tx, oldID, bucket)
	}
	tx.Del(r.keys.session(oldID), r.keys.marker(oldID))
	if oldPrincipal != "" {
		tx.SRem(r.keys.principal(oldPrincipal), oldID)
	}
	return nil
}

// retrack queues the index move for s: out of the bucket its marker names
// and into the bucket of its current expiration time.
func (r *Repository) retrack(ctx context.Context, tx store.Tx, s *Session) error {
	primary, marker := r.keys.session(s.id), r.keys.marker(s.id)

	prev, tracked, err := r.trackedBucket(ctx, tx, s.id)
	if err != nil {
		return err
	}

	expireAt, expires := s.ExpiresAt()
	if !expires {
		if tracked {
			r.index.untrack(tx, s.id, prev)
			r.logger.Log(ctx, logging.LevelTrace, "index untrack", "session_id", s.id, "bucket", prev)
		}
		tx.Del(marker)
		tx.Persist(primary)
		return nil
	}

	bucket := r.index.BucketFor(expireAt)
	if tracked && prev != bucket {
		r.index.untrack(tx, s.id, prev)
	}
	r.index.track(tx, s.id, bucket)
	r.logger.Log(ctx, logging.LevelTrace, "index track", "session_id", s.id, "bucket", bucket, "previous", prev)

	ttl := s.maxInactive + r.margin
	tx.Set(marker, strconv.FormatInt(bucket, 10), ttl)
	tx.PExpire(primary, ttl)
	return nil
}

func (r *Repository) reindexPrincipal(tx store.Tx, s *Session) {
	was, now := s.originalPrincipal, s.Principal()
	if was != "" && was != now {
		tx.SRem(r.keys.principal(was), s.id)
	}
	if now != "" {
		tx.SAdd(r.keys.principal(now), s.id)
	}
}

// trackedBucket reads the bucket a session's marker points at.
func (r *Repository) trackedBucket(ctx context.Context, rd store.Reader, id string) (int64, bool, error) {
	raw, ok, err := rd.Get(ctx, r.keys.marker(id))
	if err != nil || !ok {
		return 0, false, err
	}
	bucket, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.logger.Warn("ignoring malformed expiration marker", "session_id", id, "value", raw)
		return 0, false, nil
	}
	return bucket, true, nil
}

type evictMode int

const (
	evictExplicit  evictMode = iota // remove unconditionally
	evictIfExpired                  // remove only if expired at now
	evictSweep                      // consume one bucket entry, then as evictIfExpired
)

type evictOutcome int

const (
	outcomeNone evictOutcome = iota
	outcomeRemoved
	outcomeRetracked
)

type evictResult struct {
	outcome  evictOutcome
	snapshot *Session
	corrupt  bool
}

// evict is the single removal path shared by DeleteSession, read-path
// expiration and the sweeper. The primary record and marker are watched, so
// when several instances race on the same session exactly one of them sees
// outcomeRemoved.
func (r *Repository) evict(ctx context.Context, id string, mode evictMode, consumed int64, now time.Time) (evictResult, error) {
	primary, marker := r.keys.session(id), r.keys.marker(id)

	var res evictResult
	err := r.store.WithTransaction(ctx, []string{primary, marker}, func(tx store.Tx) error {
		res = evictResult{}
		if mode == evictSweep {
			r.index.untrack(tx, id, consumed)
		}

		fields, err := tx.HGetAll(ctx, primary)
		if err != nil {
			return err
		}
		bucket, tracked, err := r.trackedBucket(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			if tracked {
				r.index.untrack(tx, id, bucket)
				tx.Del(marker)
			}
			return nil
		}

		s, decErr := decodeRecord(id, fields, r.codec)
		switch {
		case decErr != nil && mode == evictIfExpired:
			return nil
		case decErr != nil:
			metrics.CorruptRecords.Inc()
			r.logger.Warn("removing undecodable session record", "session_id", id, "error", decErr)
			res.corrupt = true
		case mode != evictExplicit && !s.IsExpired(now):
			if mode == evictSweep && (!tracked || bucket == consumed) {
				if r.retrackLive(ctx, tx, s, consumed, now) {
					res.outcome = outcomeRetracked
				}
			}
			return nil
		}

		if tracked {
			r.index.untrack(tx, id, bucket)
			r.logger.Log(ctx, logging.LevelTrace, "index untrack", "session_id", id, "bucket", bucket)
		}
		if s != nil {
			if p := s.Principal(); p != "" {
				tx.SRem(r.keys.principal(p), id)
			}
		}
		tx.Del(primary, marker)
		res.outcome = outcomeRemoved
		res.snapshot = s
		return nil
	})
	return res, err
}

// retrackLive queues re-insertion of a live session whose bucket was consumed
// early. The new bucket is never the consumed one, so a session cannot be
// polled twice from the same bucket.
func (r *Repository) retrackLive(ctx context.Context, tx store.Tx, s *Session, consumed int64, now time.Time) bool {
	expireAt, ok := s.ExpiresAt()
	if !ok {
		tx.Del(r.keys.marker(s.id))
		return false
	}
	bucket := max(r.index.BucketFor(expireAt), r.index.next(consumed))
	r.index.track(tx, s.id, bucket)
	r.logger.Log(ctx, logging.LevelTrace, "index track", "session_id", s.id, "bucket", bucket, "consumed", consumed)
	tx.Set(r.keys.marker(s.id), strconv.FormatInt(bucket, 10), expireAt.Sub(now)+r.margin)
	return true
}

func (r *Repository) publish(t EventType, id string, snapshot *Session) {
	r.events.Publish(Event{Type: t, SessionID: id, Session: snapshot, At: r.clock()})
}

func (r *Repository) observe(op string, start time.Time, err error) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues(op).Inc()
	}
}
