package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/whisper/sessions/internal/logging"
	"github.com/whisper/sessions/internal/metrics"
)

// DefaultSweepInterval is the period between sweep cycles.
const DefaultSweepInterval = time.Minute

// defaultCandidateTimeout bounds the store work for a single candidate.
const defaultCandidateTimeout = 5 * time.Second

// Lease lets one of several sweeping instances run a cycle at a time.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// SweepResult summarizes one cycle.
type SweepResult struct {
	Candidates int
	Expired    int
	Retracked  int
	Failed     int
	Skipped    bool // another instance holds the lease
}

// Sweeper evicts expired sessions found through the expiration index and
// publishes an expired event for each.
type Sweeper struct {
	repo             *Repository
	interval         time.Duration
	candidateTimeout time.Duration
	lease            Lease
	logger           *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the period of Run.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(sw *Sweeper) {
		if d > 0 {
			sw.interval = d
		}
	}
}

// WithSweepLease makes every cycle first acquire l. A cycle whose lease is
// held elsewhere is skipped.
func WithSweepLease(l Lease) SweeperOption {
	return func(sw *Sweeper) {
		sw.lease = l
	}
}

// WithSweeperLogger sets the sweeper logger.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(sw *Sweeper) {
		sw.logger = l
	}
}

// WithCandidateTimeout bounds the store work for one candidate.
func WithCandidateTimeout(d time.Duration) SweeperOption {
	return func(sw *Sweeper) {
		if d > 0 {
			sw.candidateTimeout = d
		}
	}
}

// NewSweeper returns a sweeper working on repo's index.
func NewSweeper(repo *Repository, opts ...SweeperOption) *Sweeper {
	sw := &Sweeper{
		repo:             repo,
		interval:         DefaultSweepInterval,
		candidateTimeout: defaultCandidateTimeout,
		logger:           logging.NewNop(),
	}
	for _, opt := range opts {
		opt(sw)
	}
	sw.logger = sw.logger.With("component", "sweeper")
	return sw
}

// Run sweeps every interval until ctx is cancelled. Cycle errors are logged
// and the next tick tries again.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("sweep loop stopped")
			return
		case <-ticker.C:
			res, err := sw.Sweep(ctx)
			if err != nil {
				sw.logger.Error("sweep failed", "error", err)
				continue
			}
			if res.Expired > 0 || res.Failed > 0 {
				sw.logger.Info("sweep finished",
					"candidates", res.Candidates,
					"expired", res.Expired,
					"retracked", res.Retracked,
					"failed", res.Failed)
			}
		}
	}
}

// Sweep runs one cycle: every id in a due bucket is checked and either
// removed, if expired, or moved to a later bucket. Per-candidate failures are
// counted in the result and leave the id in place for the next cycle; only a
// failure to read the index at all is returned. Cancelling ctx stops the
// cycle between candidates.
func (sw *Sweeper) Sweep(ctx context.Context) (res SweepResult, err error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	if sw.lease != nil {
		ok, err := sw.lease.TryAcquire(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Skipped = true
			return res, nil
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sw.candidateTimeout)
			defer cancel()
			if err := sw.lease.Release(rctx); err != nil {
				sw.logger.Warn("releasing sweep lease failed", "error", err)
			}
		}()
	}

	now := sw.repo.clock()
	for cand, cerr := range sw.repo.index.PollDue(ctx, now) {
		if cerr != nil {
			if errors.Is(cerr, errListBuckets) {
				return res, cerr
			}
			res.Failed++
			metrics.SweepCandidates.WithLabelValues("failed").Inc()
			sw.logger.Warn("bucket read failed", "bucket", cand.Bucket, "error", cerr)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		res.Candidates++
		sw.sweepOne(ctx, cand, now, &res)
	}
	return res, nil
}

func (sw *Sweeper) sweepOne(ctx context.Context, cand Candidate, now time.Time, res *SweepResult) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sw.candidateTimeout)
	defer cancel()

	out, err := sw.repo.evict(cctx, cand.ID, evictSweep, cand.Bucket, now)
	if err != nil {
		res.Failed++
		metrics.SweepCandidates.WithLabelValues("failed").Inc()
		sw.logger.Warn("sweeping session failed", "session_id", cand.ID, "bucket", cand.Bucket, "error", err)
		return
	}

	switch {
	case out.outcome == outcomeRemoved && out.corrupt:
		metrics.SweepCandidates.WithLabelValues("skipped").Inc()
	case out.outcome == outcomeRemoved:
		res.Expired++
		metrics.SweepCandidates.WithLabelValues("expired").Inc()
		metrics.SessionsRemoved.WithLabelValues("expired").Inc()
		sw.repo.publish(EventExpired, cand.ID, out.snapshot)
	case out.outcome == outcomeRetracked:
		res.Retracked++
		metrics.SweepCandidates.WithLabelValues("retracked").Inc()
	default:
		metrics.SweepCandidates.WithLabelValues("skipped").Inc()
	}
}
