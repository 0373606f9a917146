package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
)

// Locker is a cluster-wide mutex, see lock.RedisLock.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// CounterResetter zeroes messages_sent_today at local midnight. With a
// Locker only the process that wins the lock performs the reset.
type CounterResetter struct {
	numbers WhatsappNumberRepo
	lock    Locker
	clock   core.Clock
}

func NewCounterResetter(numbers WhatsappNumberRepo, lock Locker, clock core.Clock) *CounterResetter {
	return &CounterResetter{numbers: numbers, lock: lock, clock: clock}
}

// UntilMidnight is the time left until the next local midnight.
func UntilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}

func (c *CounterResetter) Start(ctx context.Context) {
	wait := UntilMidnight(c.clock.Now())
	slog.InfoContext(ctx, "Daily counter reset scheduled", "in_minutes", int(wait.Minutes()))
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Daily counter reset stopping due to context cancel")
			return
		case <-c.clock.After(wait):
			c.Reset(ctx)
			wait = UntilMidnight(c.clock.Now())
		}
	}
}

// Reset performs one reset. It reports whether this process did the work.
func (c *CounterResetter) Reset(ctx context.Context) bool {
	if c.lock != nil {
		ok, err := c.lock.TryLock(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to acquire daily reset lock", "error", err)
			return false
		}
		if !ok {
			slog.DebugContext(ctx, "Daily reset handled by another instance")
			return false
		}
	}
	n, err := c.numbers.ResetDailyCounters(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to reset daily counters", "error", err)
		c.unlock(ctx)
		return false
	}
	slog.InfoContext(ctx, "Daily message counters reset", "numbers", n)
	// held until it expires: late instances must skip this midnight.
	return true
}

func (c *CounterResetter) unlock(ctx context.Context) {
	if c.lock == nil {
		return
	}
	if err := c.lock.Unlock(ctx); err != nil {
		slog.WarnContext(ctx, "Failed to release daily reset lock", "error", err)
	}
}
