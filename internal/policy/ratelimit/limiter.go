// Package ratelimit implements a sliding-window limiter shared by every
// worker that calls the external model.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// MaxCalls is the number of calls admitted inside one window.
	MaxCalls int
	// Window is the trailing interval over which calls are counted.
	Window time.Duration
}

// Sleeper blocks for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSleeper overrides how the limiter waits.
func WithSleeper(sleep Sleeper) Option {
	return func(l *Limiter) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// Limiter admits at most MaxCalls calls in any trailing Window.
type Limiter struct {
	mu         sync.Mutex
	timestamps []time.Time
	maxCalls   int
	window     time.Duration
	now        func() time.Time
	sleep      Sleeper
}

// New creates a new Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	maxCalls := cfg.MaxCalls
	if maxCalls <= 0 {
		maxCalls = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		timestamps: make([]time.Time, 0, maxCalls),
		maxCalls:   maxCalls,
		window:     window,
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxCallsFor converts a per-minute rate into the call cap for one window.
func MaxCallsFor(perMinute int, window time.Duration) int {
	if perMinute <= 0 || window <= 0 {
		return 1
	}
	calls := int(math.Ceil(float64(perMinute) * window.Seconds() / 60))
	if calls < 1 {
		return 1
	}
	return calls
}

// Acquire blocks until a slot is free inside the window, records the call and
// returns how long the caller waited. The error is non-nil only when ctx ends
// while waiting.
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		now := l.now()
		l.pruneLocked(now)
		if len(l.timestamps) < l.maxCalls {
			l.timestamps = append(l.timestamps, now)
			l.mu.Unlock()
			if waited > 0 {
				metrics.ObserveRateLimitWait(waited)
			}
			return waited, nil
		}
		wait := l.timestamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		if err := l.sleep(ctx, wait); err != nil {
			return waited, fmt.Errorf("rate limit wait: %w", err)
		}
		waited += wait
	}
}

// Utilization returns the share of the window's capacity currently in use.
func (l *Limiter) Utilization() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return float64(len(l.timestamps)) / float64(l.maxCalls)
}

// Remaining returns the number of calls that would be admitted right now.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return l.maxCalls - len(l.timestamps)
}

// MaxCalls returns the configured per-window cap.
func (l *Limiter) MaxCalls() int {
	return l.maxCalls
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// pruneLocked drops timestamps that fell out of the window. Callers hold mu.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	drop := 0
	for drop < len(l.timestamps) && !l.timestamps[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[drop:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
