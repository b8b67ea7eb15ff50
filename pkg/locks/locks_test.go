package locks

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
)

func TestMemoryLocker_ExclusiveAcquire(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, "domain:p1", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "domain:p1", time.Minute)
	assert.True(t, errors.Is(err, apperrors.ErrLockTimeout))

	// A different key is independent.
	_, err = locker.Acquire(ctx, "domain:p2", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, handle.Release(ctx))
	_, err = locker.Acquire(ctx, "domain:p1", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLocker_TTLExpiryFreesLock(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "domain:p1", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = locker.Acquire(ctx, "domain:p1", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLocker_RenewExtendsOwnership(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, "domain:p1", 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, handle.Renew(ctx, time.Minute))
	time.Sleep(60 * time.Millisecond)

	_, err = locker.Acquire(ctx, "domain:p1", time.Minute)
	assert.True(t, errors.Is(err, apperrors.ErrLockTimeout))
}

func TestMemoryLocker_RenewAfterExpiryFails(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, "domain:p1", 5*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	err = handle.Renew(ctx, time.Minute)
	assert.True(t, errors.Is(err, apperrors.ErrLockLost))
}

func TestMemoryLocker_ReleaseOnlyByOwner(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "domain:p1", 5*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	// The lock expired and was re-acquired; the stale handle must not free
	// the new owner's lock.
	_, err = locker.Acquire(ctx, "domain:p1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, first.Release(ctx))
	_, err = locker.Acquire(ctx, "domain:p1", time.Minute)
	assert.True(t, errors.Is(err, apperrors.ErrLockTimeout))
}

func TestWithLock_RunsUnderLock(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	ran := false
	err := WithLock(ctx, locker, "domain:p1", time.Minute, 100*time.Millisecond, func(ctx context.Context) error {
		ran = true
		// The lock is held while fn runs.
		_, err := locker.Acquire(ctx, "domain:p1", time.Minute)
		assert.True(t, errors.Is(err, apperrors.ErrLockTimeout))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// Released afterwards.
	_, err = locker.Acquire(ctx, "domain:p1", time.Minute)
	assert.NoError(t, err)
}

func TestWithLock_BoundedWaitTimesOut(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "domain:p1", time.Minute)
	require.NoError(t, err)

	ran := false
	err = WithLock(ctx, locker, "domain:p1", time.Minute, 150*time.Millisecond, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, errors.Is(err, apperrors.ErrLockTimeout))
	assert.False(t, ran)
}

// wrappingLocker returns a wrapped lock-timeout sentinel for the first n
// acquisitions, then delegates. WithLock must keep polling through wrapped
// sentinels instead of treating them as fatal.
type wrappingLocker struct {
	inner   Locker
	busy    int
	acquire int
}

func (l *wrappingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	l.acquire++
	if l.acquire <= l.busy {
		return nil, fmt.Errorf("acquire %s: %w", key, apperrors.ErrLockTimeout)
	}
	return l.inner.Acquire(ctx, key, ttl)
}

func TestWithLock_RetriesWrappedTimeout(t *testing.T) {
	locker := &wrappingLocker{inner: NewMemoryLocker(), busy: 2}

	ran := false
	err := WithLock(context.Background(), locker, "domain:p1", time.Minute, time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 3, locker.acquire)
}

func TestWithLock_WaitsForRelease(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	handle, err := locker.Acquire(ctx, "domain:p1", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(120 * time.Millisecond)
		_ = handle.Release(context.Background())
	}()

	ran := false
	err = WithLock(ctx, locker, "domain:p1", time.Minute, time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	wantErr := errors.New("pipeline failed")
	err := WithLock(ctx, locker, "domain:p1", time.Minute, 100*time.Millisecond, func(ctx context.Context) error {
		return wantErr
	})
	assert.True(t, errors.Is(err, wantErr))

	_, err = locker.Acquire(ctx, "domain:p1", time.Minute)
	assert.NoError(t, err)
}

func TestWithLock_ContextCancellationStopsWaiting(t *testing.T) {
	locker := NewMemoryLocker()

	_, err := locker.Acquire(context.Background(), "domain:p1", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = WithLock(ctx, locker, "domain:p1", time.Minute, time.Minute, func(ctx context.Context) error {
		return nil
	})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
