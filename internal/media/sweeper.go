// ABOUTME: Background retention sweeper deleting media past its deleteAfter deadline
// ABOUTME: Removes the row and queues its blob in one transaction, then drains the queue with retries

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/2389/maintdesk/internal/retry"
	"github.com/2389/maintdesk/internal/store"
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maintdesk_media_sweeps_total",
		Help: "Media retention sweeps run.",
	})

	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maintdesk_media_deleted_total",
		Help: "Media items deleted by the retention sweeper.",
	})

	sweepFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maintdesk_media_delete_failures_total",
		Help: "Media items the retention sweeper failed to delete.",
	})

	blobRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maintdesk_media_blob_retries_total",
		Help: "Queued blob deletions completed on a later sweep.",
	})

	blobPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maintdesk_media_blob_deletions_due",
		Help: "Queued blob deletions that were due at the last sweep.",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "maintdesk_media_sweep_duration_seconds",
		Help:    "Duration of media retention sweeps.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// TaskLocker serializes work on one task with request mutations.
type TaskLocker interface {
	// LockTask takes the task's write lock and returns its release.
	LockTask(uid string) func()
}

// SweepStore is the persistence the sweeper needs. RemoveMedia must queue
// the item's blob in the same transaction that removes its row.
type SweepStore interface {
	ListExpiredMedia(ctx context.Context, now time.Time) ([]store.ExpiredMedia, error)
	RemoveMedia(ctx context.Context, uid, mediaID string, at time.Time) error
	GetBlobDeletion(ctx context.Context, key string) (*store.BlobDeletion, error)
	ListBlobDeletions(ctx context.Context, now time.Time, limit int) ([]store.BlobDeletion, error)
	CompleteBlobDeletion(ctx context.Context, key string) error
	RescheduleBlobDeletion(ctx context.Context, key string, attempts int, nextAt time.Time, lastErr string) error
}

// BlobDeleter removes stored objects.
type BlobDeleter interface {
	Delete(ctx context.Context, key string) error
}

const (
	// drainBatch bounds the queued deletions handled per sweep.
	drainBatch = 500

	minBlobBackoff = time.Minute
	maxBlobBackoff = 24 * time.Hour
)

// blobBackoff is the wait before the next attempt after attempts failures.
func blobBackoff(attempts int) time.Duration {
	d := minBlobBackoff
	for i := 1; i < attempts && d < maxBlobBackoff; i++ {
		d *= 2
	}
	return min(d, maxBlobBackoff)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval      time.Duration
	DeleteTimeout time.Duration
	Retries       int
}

// Result summarizes one sweep. Retried counts queued blobs from earlier
// failures that were deleted this time.
type Result struct {
	Expired  int
	Deleted  int
	Failed   int
	Retried  int
	Duration time.Duration
}

// Sweeper deletes expired media on a ticker.
type Sweeper struct {
	store  SweepStore
	blobs  BlobDeleter
	locker TaskLocker
	retry  *retry.Runner
	cfg    SweeperConfig
	logger *slog.Logger
	now    func() time.Time

	housekeeping []func(ctx context.Context) error

	mu     sync.Mutex // one sweep at a time
	cancel context.CancelFunc
	done   chan struct{}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepClock overrides the time source.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithHousekeeping adds a task run after every sweep, such as pruning
// expired login links. Its errors are logged, not returned.
func WithHousekeeping(fn func(ctx context.Context) error) SweeperOption {
	return func(s *Sweeper) { s.housekeeping = append(s.housekeeping, fn) }
}

// NewSweeper creates a Sweeper.
func NewSweeper(s SweepStore, blobs BlobDeleter, locker TaskLocker, cfg SweeperConfig, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = 10 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}

	policy := retry.DefaultPolicy()
	policy.Attempts = cfg.Retries
	policy.Timeout = cfg.DeleteTimeout

	sw := &Sweeper{
		store:  s,
		blobs:  blobs,
		locker: locker,
		retry:  retry.New("media-blobs", policy, logger),
		cfg:    cfg,
		logger: logger.With("component", "sweeper"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Start runs a sweep immediately and then every Interval until Stop or
// ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
	s.logger.Info("media sweeper started", "interval", s.cfg.Interval)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("media sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("media sweep failed", "error", err)
	}
}

// RunOnce retries queued blob deletions that are due, then deletes every
// media item whose deadline is at or before now. Items removed
// concurrently by someone else are skipped. Per-item failures are counted
// in the result and stay queued; the error reports only a failure to list
// candidates.
func (s *Sweeper) RunOnce(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &Result{}
	sweepRunsTotal.Inc()
	defer func() {
		result.Duration = time.Since(start)
		sweepDurationSeconds.Observe(result.Duration.Seconds())
	}()

	if err := s.drain(ctx, result); err != nil {
		return result, err
	}

	expired, err := s.store.ListExpiredMedia(ctx, s.now().UTC())
	if err != nil {
		return result, fmt.Errorf("listing expired media: %w", err)
	}
	result.Expired = len(expired)

	for _, em := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		switch err := s.deleteItem(ctx, em); {
		case err == nil:
			result.Deleted++
			sweepDeletedTotal.Inc()
		case errors.Is(err, store.ErrNotFound):
			s.logger.Debug("media already removed", "task", em.TaskUID, "media_id", em.Item.ID)
		default:
			result.Failed++
			sweepFailuresTotal.Inc()
			s.logger.Error("deleting expired media",
				"task", em.TaskUID,
				"media_id", em.Item.ID,
				"key", em.Item.Path,
				"error", err,
			)
		}
	}

	for _, fn := range s.housekeeping {
		if err := fn(ctx); err != nil {
			s.logger.Warn("housekeeping failed", "error", err)
		}
	}

	if result.Expired > 0 || result.Retried > 0 || result.Failed > 0 {
		s.logger.Info("media sweep finished",
			"expired", result.Expired,
			"deleted", result.Deleted,
			"retried", result.Retried,
			"failed", result.Failed,
			"duration", time.Since(start),
		)
	}
	return result, nil
}

// drain retries queued blob deletions that are due.
func (s *Sweeper) drain(ctx context.Context, result *Result) error {
	due, err := s.store.ListBlobDeletions(ctx, s.now().UTC(), drainBatch)
	if err != nil {
		return fmt.Errorf("listing queued blob deletions: %w", err)
	}
	blobPendingGauge.Set(float64(len(due)))

	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch err := s.retryQueued(ctx, d); {
		case err == nil:
			result.Retried++
			blobRetriesTotal.Inc()
		case errors.Is(err, store.ErrNotFound):
			s.logger.Debug("queued blob deletion already cleared", "key", d.Key)
		default:
			result.Failed++
			sweepFailuresTotal.Inc()
			s.logger.Error("retrying queued blob deletion",
				"task", d.TaskUID,
				"key", d.Key,
				"attempts", d.Attempts+1,
				"error", err,
			)
		}
	}
	return nil
}

// retryQueued deletes one queued blob under its task's write lock. The
// entry is re-read under the lock because an upload of the same filename
// clears it and owns the key from then on.
func (s *Sweeper) retryQueued(ctx context.Context, d store.BlobDeletion) error {
	unlock := s.locker.LockTask(d.TaskUID)
	defer unlock()

	current, err := s.store.GetBlobDeletion(ctx, d.Key)
	if err != nil {
		return err
	}
	return s.deleteBlob(ctx, current.Key, current.Attempts)
}

// deleteItem removes one item while holding the task's write lock so a
// concurrent upload of the same filename cannot lose its blob. The row
// removal queues the blob, so a failed delete is retried by a later sweep.
func (s *Sweeper) deleteItem(ctx context.Context, em store.ExpiredMedia) error {
	unlock := s.locker.LockTask(em.TaskUID)
	defer unlock()

	if err := s.store.RemoveMedia(ctx, em.TaskUID, em.Item.ID, s.now().UTC()); err != nil {
		return err
	}
	return s.deleteBlob(ctx, em.Item.Path, 0)
}

// deleteBlob deletes a queued blob and settles its queue entry. The
// caller holds the task's write lock.
func (s *Sweeper) deleteBlob(ctx context.Context, key string, attempts int) error {
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		if err := s.blobs.Delete(ctx, key); err != nil {
			if errors.Is(err, ErrInvalidKey) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})

	switch {
	case err == nil, errors.Is(err, ErrInvalidKey):
		// An invalid key can never be deleted; drop it rather than retry forever.
		if cerr := s.store.CompleteBlobDeletion(ctx, key); cerr != nil {
			s.logger.Warn("failed to clear queued blob deletion", "key", key, "error", cerr)
		}
		return err
	case ctx.Err() != nil:
		return err
	}

	attempts++
	next := s.now().UTC().Add(blobBackoff(attempts))
	if rerr := s.store.RescheduleBlobDeletion(ctx, key, attempts, next, err.Error()); rerr != nil && !errors.Is(rerr, store.ErrNotFound) {
		s.logger.Warn("failed to reschedule blob deletion", "key", key, "error", rerr)
	}
	return err
}
