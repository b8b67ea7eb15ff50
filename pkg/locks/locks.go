// Package locks provides the per-product import lock: an exclusive,
// TTL-bounded lock keyed by product ID. The lock is the only serialization
// point in the import pipeline; everything else runs fully parallel.
package locks

import (
	"context"
	"errors"
	"time"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
)

// Handle is an owned lock. Release is idempotent and safe to call after the
// TTL has expired, so crashed callers cannot leak locks.
type Handle interface {
	// Renew extends the lock's TTL. Returns apperrors.ErrLockLost if the
	// lock expired or was taken over.
	Renew(ctx context.Context, ttl time.Duration) error

	// Release frees the lock if still owned.
	Release(ctx context.Context) error
}

// Locker acquires exclusive, expiring locks.
type Locker interface {
	// Acquire takes the lock for key, or returns apperrors.ErrLockTimeout
	// immediately if it is held by another owner.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error)
}

// pollInterval is how often WithLock re-attempts acquisition within its
// bounded wait.
const pollInterval = 100 * time.Millisecond

// WithLock acquires the lock for key, waiting at most wait, runs fn, and
// releases on completion (success or failure). If the lock cannot be acquired
// within the bounded wait, apperrors.ErrLockTimeout is returned and fn never
// runs: callers must defer the job, never proceed unlocked.
func WithLock(ctx context.Context, locker Locker, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(wait)

	var handle Handle
	for {
		h, err := locker.Acquire(ctx, key, ttl)
		if err == nil {
			handle = h
			break
		}
		if !errors.Is(err, apperrors.ErrLockTimeout) {
			return err
		}
		if time.Now().After(deadline) {
			return apperrors.ErrLockTimeout
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	defer func() {
		// Best effort: the TTL reclaims the lock if release fails.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = handle.Release(releaseCtx)
	}()

	return fn(ctx)
}
