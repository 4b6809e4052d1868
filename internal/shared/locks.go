package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/lotledger/internal/platform/httpx"
)

// ErrLockNotObtained indicates another instance holds the critical section.
var ErrLockNotObtained = fmt.Errorf("%w: correction already in progress", httpx.ErrConflict)

// LotLockKey builds redis keys for administrative lot corrections.
func LotLockKey(lotID int64) string {
	return fmt.Sprintf("inventory:lot:%d:lock", lotID)
}

// Locker serialises critical sections across instances through Redis. A nil
// Locker runs callbacks without locking.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewLocker returns nil when rdb is nil.
func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl}
}

// WithLock runs fn while holding key.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l == nil || l.client == nil {
		return fn(ctx)
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrLockNotObtained
	}
	if err != nil {
		return fmt.Errorf("%w: obtain lock: %w", httpx.ErrUnavailable, err)
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
