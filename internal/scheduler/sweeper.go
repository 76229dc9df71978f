package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"scopesafe/internal/types"
)

// JobLocker abstracts the distributed lock over job_locks.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// ReservationExpirer marks pending purchases that lapsed before cutoff as
// expired and reports how many rows changed.
type ReservationExpirer interface {
	ExpireLapsed(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepMetrics records the outcome of a sweep.
type SweepMetrics interface {
	RecordSweep(ctx context.Context, expired int64)
}

// SweepResult describes one sweep invocation.
type SweepResult struct {
	Skipped bool      `json:"skipped"`
	Expired int64     `json:"expired"`
	Cutoff  time.Time `json:"cutoff"`
}

// ReservationSweeper returns the slots of abandoned checkouts to the pool.
type ReservationSweeper struct {
	lock     JobLocker
	expirer  ReservationExpirer
	metrics  SweepMetrics
	workerID string
	lockTTL  time.Duration
	logger   *slog.Logger
}

// NewReservationSweeper creates a ReservationSweeper. metrics may be nil.
func NewReservationSweeper(lock JobLocker, expirer ReservationExpirer, metrics SweepMetrics, lockTTL time.Duration, logger *slog.Logger) *ReservationSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &ReservationSweeper{
		lock:     lock,
		expirer:  expirer,
		metrics:  metrics,
		workerID: uuid.NewString(),
		lockTTL:  lockTTL,
		logger:   logger,
	}
}

// WorkerID identifies this sweeper in job_locks.
func (s *ReservationSweeper) WorkerID() string {
	return s.workerID
}

// Sweep expires every pending reservation whose expiry is older than
// now minus grace. When another worker holds the sweep lock the call is a
// no-op and the result is marked Skipped.
func (s *ReservationSweeper) Sweep(ctx context.Context, now time.Time, grace time.Duration) (SweepResult, error) {
	if grace < 0 {
		return SweepResult{}, fmt.Errorf("negative sweep grace %s", grace)
	}
	logger := types.LoggerFromContext(ctx, s.logger)
	cutoff := now.UTC().Add(-grace)

	acquired, err := s.lock.Acquire(ctx, SweepLockID, s.workerID, s.lockTTL)
	if err != nil {
		return SweepResult{}, fmt.Errorf("acquiring job lock %s: %w", SweepLockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "sweep lock held by another worker", "lock_id", SweepLockID)
		return SweepResult{Skipped: true, Cutoff: cutoff}, nil
	}
	defer func() {
		// The lock expires on its own; a failed release only delays the next sweep.
		if err := s.lock.Release(context.WithoutCancel(ctx), SweepLockID, s.workerID); err != nil {
			logger.WarnContext(ctx, "failed to release sweep lock", "lock_id", SweepLockID, "error", err)
		}
	}()

	n, err := s.expirer.ExpireLapsed(ctx, cutoff)
	if err != nil {
		logger.ErrorContext(ctx, "reservation sweep failed", "cutoff", cutoff.Format(time.RFC3339), "error", err)
		return SweepResult{Cutoff: cutoff}, fmt.Errorf("expiring lapsed reservations: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordSweep(ctx, n)
	}

	logger.InfoContext(ctx, "reservation sweep complete",
		"expired", n,
		"cutoff", cutoff.Format(time.RFC3339),
	)
	return SweepResult{Expired: n, Cutoff: cutoff}, nil
}
