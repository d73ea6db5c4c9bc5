// Package retry wraps external calls with exponential backoff and a closed
// set of failure kinds.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/metrics"
)

const jitterRatio = 0.1

// Config controls backoff behavior.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
}

// Option customizes a Policy.
type Option func(*Policy)

// WithSleeper overrides how the policy waits between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithLogger attaches a logger for retry decisions.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Policy implements exponential backoff with jitter.
type Policy struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxRetries   int
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *zap.Logger
}

// New builds a policy, filling unset values with sane defaults.
func New(cfg Config, opts ...Option) *Policy {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	p := &Policy{
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		maxRetries:   cfg.MaxRetries,
		sleep:        sleepContext,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxRetries returns the configured retry budget.
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// Backoff returns the wait before retry number attempt (0-based): the initial
// delay doubled per attempt, capped at the max delay, with ±10% jitter and a
// floor of half the initial delay.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := p.initialDelay
	for i := 0; i < attempt && delay < p.maxDelay; i++ {
		delay *= 2
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	spread := time.Duration(float64(delay) * jitterRatio)
	delay = delay - spread + randomJitter(2*spread)
	if floor := p.initialDelay / 2; delay < floor {
		delay = floor
	}
	return delay
}

// Execute runs fn under the policy.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. The last error is returned unchanged.
func Do[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		kind := Classify(err)
		if kind != KindTransient {
			return zero, err
		}
		if attempt >= p.maxRetries {
			p.logger.Warn("retries exhausted",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return zero, err
		}
		delay := p.Backoff(attempt)
		metrics.ObserveRetry(string(kind))
		p.logger.Debug("retrying after transient failure",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return zero, errors.Join(sleepErr, err)
		}
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
