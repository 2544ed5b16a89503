package ratelimit

import (
	"context"
	"time"
)

// RateLimiter controls call throughput per provider config.
type RateLimiter interface {
	Allow(ctx context.Context, provider string) (bool, error)
	Wait(ctx context.Context, provider string) error
}

// Pacer imposes the minimum spacing a provider requires after a call.
type Pacer interface {
	Pace(ctx context.Context, provider string, spacing time.Duration) error
}

// SleepPacer pauses the calling send for the configured spacing. The pause
// ends early when ctx is done.
type SleepPacer struct{}

func (SleepPacer) Pace(ctx context.Context, _ string, spacing time.Duration) error {
	if spacing <= 0 {
		return nil
	}
	return SleepWithContext(ctx, spacing)
}

func SleepWithContext(ctx context.Context, d time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
