package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "rastro:lock:"

// Both scripts act only while the key still holds the caller's token.
const (
	lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	lockExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	ErrLockLost          = errors.New("lock expired or taken by another holder")
)

// Locker hands out single-key redis leases. Each lease carries a random token so
// an expired lease picked up by another process is never released twice.
type Locker struct {
	client  *redis.Client
	release *redis.Script
	extend  *redis.Script
}

// Lease is a held lock. The zero value is not held.
type Lease struct {
	locker *Locker
	name   string
	token  string
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(lockReleaseScript),
		extend:  redis.NewScript(lockExtendScript),
	}
}

func LockKey(name string) string {
	return lockKeyPrefix + name
}

// TryAcquire takes name for ttl. A nil lease with a nil error means someone else holds it.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	if name == "" {
		return nil, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, LockKey(name), token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lease{locker: l, name: name, token: token}, nil
}

// Extend pushes the lease expiry out to ttl from now.
func (le *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	if !le.Held() {
		return ErrLockLost
	}
	n, err := le.locker.extend.Run(ctx, le.locker.client, []string{LockKey(le.name)}, le.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release is safe on a nil lease and after the lease expired.
func (le *Lease) Release(ctx context.Context) error {
	if !le.Held() {
		return nil
	}
	return le.locker.release.Run(ctx, le.locker.client, []string{LockKey(le.name)}, le.token).Err()
}

func (le *Lease) Held() bool {
	return le != nil && le.locker != nil && le.token != ""
}
