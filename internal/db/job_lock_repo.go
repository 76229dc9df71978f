package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"scopesafe/internal/types"
)

// JobLockRepository guards the reservation sweep with a row in job_locks.
// A lock past its expiry is taken over by the next caller, so a sweeper that
// died mid-run blocks later runs for at most its TTL.
type JobLockRepository struct {
	db  DBTX
	now func() time.Time
}

// NewJobLockRepository creates a JobLockRepository.
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db, now: time.Now}
}

// The conflict branch only fires for an expired row; otherwise no row is
// returned and the caller does not hold the lock.
const acquireJobLockSQL = `
INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
   SET worker_id  = EXCLUDED.worker_id,
       locked_at  = EXCLUDED.locked_at,
       expires_at = EXCLUDED.expires_at
 WHERE job_locks.expires_at < EXCLUDED.locked_at
RETURNING worker_id`

// Acquire takes lockID for workerID until now+ttl. It reports false, with no
// error, while another worker holds an unexpired lock.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "job lock ttl must be positive", nil)
	}
	lockedAt := r.now().UTC()

	var holder string
	err := r.db.QueryRow(ctx, acquireJobLockSQL, lockID, workerID, lockedAt, lockedAt.Add(ttl)).Scan(&holder)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return holder == workerID, nil
}

// Release drops lockID if workerID still owns it. A lock that already
// expired and moved to another worker is left alone.
func (r *JobLockRepository) Release(ctx context.Context, lockID, workerID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`, lockID, workerID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}
