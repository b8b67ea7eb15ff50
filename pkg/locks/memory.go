package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
)

// MemoryLocker is an in-process Locker used when Redis is not configured
// (single-node deployments and tests). Same TTL and ownership semantics as
// the Redis implementation, scoped to one process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an in-process Locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryEntry)}
}

var _ Locker = (*MemoryLocker)(nil)

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.locks[key]; ok && time.Now().Before(entry.expires) {
		return nil, apperrors.ErrLockTimeout
	}

	token := uuid.NewString()
	l.locks[key] = memoryEntry{token: token, expires: time.Now().Add(ttl)}
	return &memoryHandle{locker: l, key: key, token: token}, nil
}

type memoryHandle struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (h *memoryHandle) Renew(ctx context.Context, ttl time.Duration) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	entry, ok := h.locker.locks[h.key]
	if !ok || entry.token != h.token || time.Now().After(entry.expires) {
		return apperrors.ErrLockLost
	}
	entry.expires = time.Now().Add(ttl)
	h.locker.locks[h.key] = entry
	return nil
}

func (h *memoryHandle) Release(ctx context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	if entry, ok := h.locker.locks[h.key]; ok && entry.token == h.token {
		delete(h.locker.locks, h.key)
	}
	return nil
}
