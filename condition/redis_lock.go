package condition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL     = 90 * time.Second
	defaultPollInterval = 25 * time.Millisecond
)

// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
const redisLockReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if not cur then
	return 0
end
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`

// RedisLocker serialises evaluations across processes with a Redis lease
// per instance. Instances are read through the embedded InstanceReader.
type RedisLocker struct {
	InstanceReader

	client       redis.UniversalClient
	prefix       string
	leaseTTL     time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

var _ InstanceStore = (*RedisLocker)(nil)

// RedisLockerOption configures a RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithKeyPrefix sets the prefix of lease keys.
func WithKeyPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// WithLeaseTTL bounds how long a crashed holder keeps the lease. The
// lease is not renewed, so it must outlast the longest locked evaluation.
func WithLeaseTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.leaseTTL = ttl }
}

// WithPollInterval sets how often a waiting caller retries the lease.
func WithPollInterval(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.pollInterval = d }
}

// WithLockLogger sets the logger used for lease release failures.
func WithLockLogger(logger *slog.Logger) RedisLockerOption {
	return func(l *RedisLocker) { l.logger = logger }
}

// NewRedisLocker creates a locker over client reading instances from
// reader.
func NewRedisLocker(client redis.UniversalClient, reader InstanceReader, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		InstanceReader: reader,
		client:         client,
		prefix:         "stagecondition",
		leaseTTL:       defaultLeaseTTL,
		pollInterval:   defaultPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

func (l *RedisLocker) keyLease(instanceID, tenantID string) string {
	return fmt.Sprintf("%s:lease:%s:%s", l.prefix, tenantID, instanceID)
}

// WithInstanceLock acquires the instance lease, polling until wait
// elapses, and runs fn while holding it.
func (l *RedisLocker) WithInstanceLock(ctx context.Context, instanceID, tenantID string, wait time.Duration, fn LockedFunc) error {
	key := l.keyLease(instanceID, tenantID)
	owner := uuid.NewString()

	if err := l.acquire(ctx, key, owner, wait); err != nil {
		return err
	}
	defer func() {
		if err := l.release(context.WithoutCancel(ctx), key, owner); err != nil {
			// Another holder may have run concurrently once the lease lapsed.
			l.logger.WarnContext(ctx, "instance lease release failed",
				"instance_id", instanceID,
				"tenant_id", tenantID,
				"lease_ttl", l.leaseTTL,
				"error", err,
			)
		}
	}()

	inst, err := l.GetInstance(ctx, instanceID, tenantID)
	if err != nil {
		return err
	}
	return fn(ctx, inst)
}

func (l *RedisLocker) acquire(ctx context.Context, key, owner string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, owner, l.leaseTTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("failed to acquire lease %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: lease %s is held", ErrLockTimeout, key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(ctx context.Context, key, owner string) error {
	res, err := l.client.Eval(ctx, redisLockReleaseLua, []string{key}, owner).Result()
	if err != nil {
		return err
	}
	if v, ok := res.(int64); ok && v == 0 {
		return errors.New("lease expired or taken over before release")
	}
	return nil
}
