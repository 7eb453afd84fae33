package condition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LockPolicy bounds how long an evaluation waits for an instance lock.
type LockPolicy struct {
	// Timeout is the longest a single attempt waits for the lock.
	Timeout time.Duration
	// MaxAttempts is the number of attempts before giving up.
	MaxAttempts int
	// BaseBackoff is the pause after the first timed out attempt. It
	// doubles after every further attempt, up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultLockPolicy waits up to 5s per attempt, three times, backing off
// 100ms then 200ms in between.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Validate rejects policies that could block forever or never try.
func (p LockPolicy) Validate() error {
	if p.Timeout <= 0 {
		return fmt.Errorf("lock timeout must be positive, got %s", p.Timeout)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("lock max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.BaseBackoff < 0 || p.MaxBackoff < 0 {
		return errors.New("lock backoff must not be negative")
	}
	return nil
}

// backoff returns the pause after the given 1-based failed attempt.
func (p LockPolicy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseBackoff * time.Duration(1<<uint(min(attempt-1, 30)))
	if p.MaxBackoff > 0 {
		delay = min(delay, p.MaxBackoff)
	}
	return delay
}

// Guard serialises work on one instance through an InstanceStore lock,
// retrying lock timeouts according to its policy.
type Guard struct {
	store  InstanceStore
	policy LockPolicy
	logger *slog.Logger
}

// NewGuard creates a guard. A nil logger uses slog.Default().
func NewGuard(store InstanceStore, policy LockPolicy, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, policy: policy, logger: logger}
}

// Do runs fn under the instance lock. Only lock timeouts are retried; any
// other error, including one returned by fn, is returned as is. Running
// out of attempts is a KindInfrastructure error wrapping ErrLockTimeout.
func (g *Guard) Do(ctx context.Context, instanceID, tenantID string, fn LockedFunc) error {
	for attempt := 1; ; attempt++ {
		err := g.store.WithInstanceLock(ctx, instanceID, tenantID, g.policy.Timeout, fn)
		if err == nil || !errors.Is(err, ErrLockTimeout) {
			return err
		}

		if attempt >= g.policy.MaxAttempts {
			return &EvaluationError{
				Kind: KindInfrastructure,
				Op:   "acquire instance lock",
				Err:  fmt.Errorf("gave up after %d attempts: %w", attempt, err),
			}
		}

		delay := g.policy.backoff(attempt)
		g.logger.WarnContext(ctx, "instance lock busy, retrying",
			"instance_id", instanceID,
			"tenant_id", tenantID,
			"attempt", attempt,
			"backoff", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
