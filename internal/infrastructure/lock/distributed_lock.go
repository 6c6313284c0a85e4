package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis lock: SET key value NX EX to acquire, a compare-and-delete script to
// release. The value identifies the holder so an expired holder cannot
// release a lock someone else has since taken.

var (
	ErrLockFailed = errors.New("failed to acquire distributed lock")
)

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock attempts the lock once without blocking.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval up to maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock releases the lock if this holder still owns it. It reports whether
// a key was deleted.
func (l *DistributedLock) Unlock(ctx context.Context) (bool, error) {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// NewRefundLock serializes refund attempts on one original transaction.
func NewRefundLock(client *redis.Client, transactionID int64, holder string) *DistributedLock {
	key := fmt.Sprintf("refund:lock:txn:%d", transactionID)
	return NewDistributedLock(client, key, holder, 30*time.Second)
}

// NewReconcileLock serializes status checks of one charge across instances.
func NewReconcileLock(client *redis.Client, outTradeNo, holder string) *DistributedLock {
	key := fmt.Sprintf("reconcile:lock:%s", outTradeNo)
	return NewDistributedLock(client, key, holder, 15*time.Second)
}
