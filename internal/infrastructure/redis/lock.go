package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/fasket/outbox/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// Only the owner token may release the lock.
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	extendLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Locker hands out short-lived Redis locks under a common key prefix.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLocker(client *redis.Client, prefix string, ttl time.Duration) *Locker {
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// Lock is a held lock. The zero value is not usable.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// TryLock makes one SET NX attempt. ok is false when someone else holds it.
func (l *Locker) TryLock(ctx context.Context, name string) (lock *Lock, ok bool, err error) {
	key := fmt.Sprintf("lock:%s:%s", l.prefix, name)
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &Lock{client: l.client, key: key, token: token}, true, nil
}

// Acquire retries TryLock until it succeeds, ctx ends or attempts run out.
func (l *Locker) Acquire(ctx context.Context, name string, attempts int, wait time.Duration) (*Lock, error) {
	for i := 0; i < attempts; i++ {
		lock, ok, err := l.TryLock(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, domainErrors.ErrLockAcquisitionFailed
}

// Extend pushes the expiry out to ttl from now.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	val, err := extendLockScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if val == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

// Release deletes the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	val, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if val == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

func (l *Lock) Key() string {
	return l.key
}
