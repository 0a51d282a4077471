package volatile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
)

var (
	// ErrLockTimeout means the flush lock could not be obtained within the
	// bounded wait. Callers must surface it rather than proceed unlocked.
	ErrLockTimeout = errors.New("flush lock not obtained")

	ErrLockNotHeld = errors.New("flush lock not held")
)

// Lock is a held per-user flush lock.
type Lock struct {
	lock *redislock.Lock
}

// Release gives the lock back. Releasing a lock that already expired
// returns ErrLockNotHeld.
func (l *Lock) Release(ctx context.Context) error {
	if err := l.lock.Release(ctx); err != nil {
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return ErrLockNotHeld
		}
		return fmt.Errorf("release flush lock: %w", err)
	}
	return nil
}

// Refresh extends the lock to ttl from now.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) error {
	if err := l.lock.Refresh(ctx, ttl, nil); err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return ErrLockNotHeld
		}
		return fmt.Errorf("refresh flush lock: %w", err)
	}
	return nil
}

// Hold refreshes the lock every ttl/3 until stop is called. The returned
// context is cancelled with ErrLockNotHeld as its cause if the lock is lost.
func (l *Lock) Hold(ctx context.Context, ttl time.Duration) (context.Context, func()) {
	holdCtx, cancel := context.WithCancelCause(ctx)
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-holdCtx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancelRefresh := context.WithTimeout(holdCtx, interval)
				err := l.Refresh(refreshCtx, ttl)
				cancelRefresh()
				if errors.Is(err, ErrLockNotHeld) {
					cancel(ErrLockNotHeld)
					return
				}
			}
		}
	}()

	stop := func() {
		close(quit)
		<-done
		cancel(nil)
	}
	return holdCtx, stop
}

// AcquireFlushLock obtains the per-user flush lock, retrying with capped
// exponential backoff until wait elapses. The lock expires after ttl even
// if the holder dies.
func (s *Store) AcquireFlushLock(ctx context.Context, userID string, ttl, wait time.Duration) (*Lock, error) {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	lock, err := s.locker.Obtain(waitCtx, lockKey(userID), ttl, &redislock.Options{
		RetryStrategy: newBackoffRetry(10*time.Millisecond, 250*time.Millisecond),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("flush lock wait exhausted", "user_id", userID, "wait", wait)
			return nil, fmt.Errorf("%w: user %s after %s", ErrLockTimeout, userID, wait)
		}
		return nil, fmt.Errorf("obtain flush lock: %w", err)
	}
	return &Lock{lock: lock}, nil
}

// backoffRetry doubles the delay between attempts up to a cap. The overall
// bound comes from the context deadline handed to Obtain.
type backoffRetry struct {
	attempt int
	base    time.Duration
	cap     time.Duration
}

func newBackoffRetry(base, cap time.Duration) *backoffRetry {
	return &backoffRetry{base: base, cap: cap}
}

func (r *backoffRetry) NextBackoff() time.Duration {
	d := exponentialBackoff(r.attempt, r.base, r.cap)
	r.attempt++
	return d
}

func exponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
