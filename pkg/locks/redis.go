package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
)

// keyPrefix namespaces lock keys; Redis holds no durable business data.
const keyPrefix = "insight-engine:lock:"

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only if the caller still owns the key.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker on a single Redis instance using SET NX PX
// with an owner token, so a lock that outlived its TTL can never be released
// by a stale owner.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a Locker backed by the given Redis client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

var _ Locker = (*RedisLocker)(nil)

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, apperrors.ErrLockTimeout
	}
	return &redisHandle{client: l.client, key: keyPrefix + key, token: token}, nil
}

type redisHandle struct {
	client *redis.Client
	key    string
	token  string
}

func (h *redisHandle) Renew(ctx context.Context, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, h.client, []string{h.key}, h.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", h.key, err)
	}
	if res == 0 {
		return apperrors.ErrLockLost
	}
	return nil
}

func (h *redisHandle) Release(ctx context.Context) error {
	// Releasing an expired or taken-over lock is a no-op, not an error.
	if _, err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Int(); err != nil {
		return fmt.Errorf("release lock %s: %w", h.key, err)
	}
	return nil
}
