package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// BackoffConfig describes an exponential schedule. Delay n (1-based) is
// InitialDelay*Multiplier^(n-1), capped at MaxDelay when set.
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64 `json:"jitter"`
}

type Backoff struct {
	cfg    BackoffConfig
	random func() float64
}

// NewBackoff clamps cfg into a usable schedule: Multiplier at least 1
// (2 when unset), at least one attempt, Jitter within [0, 1].
func NewBackoff(cfg BackoffConfig) *Backoff {
	switch {
	case cfg.Multiplier == 0:
		cfg.Multiplier = 2
	case cfg.Multiplier < 1:
		cfg.Multiplier = 1
	}
	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	cfg.Jitter = math.Min(math.Max(cfg.Jitter, 0), 1)
	return &Backoff{cfg: cfg, random: unitFloat}
}

// Retry runs op until it succeeds, the attempts run out or ctx ends.
func (b *Backoff) Retry(ctx context.Context, op func() error) error {
	return b.RetryWithPredicate(ctx, op, nil)
}

// RetryWithPredicate is Retry that gives up early on errors for which
// retryable returns false. A nil predicate retries everything. The last
// operation error is returned once attempts run out.
func (b *Backoff) RetryWithPredicate(ctx context.Context, op func() error, retryable func(error) bool) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		if attempt >= b.cfg.MaxAttempts || (retryable != nil && !retryable(err)) {
			return err
		}
		if werr := sleep(ctx, b.Delay(attempt)); werr != nil {
			return werr
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BaseDelay is the un-jittered delay after the given attempt.
func (b *Backoff) BaseDelay(attempt int) time.Duration {
	d := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(max(attempt, 1)-1))
	if limit := float64(b.cfg.MaxDelay); limit > 0 && d > limit {
		d = limit
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay is BaseDelay with jitter applied.
func (b *Backoff) Delay(attempt int) time.Duration {
	base := b.BaseDelay(attempt)
	if b.cfg.Jitter == 0 {
		return base
	}
	factor := 1 + b.cfg.Jitter*(2*b.random()-1)
	return time.Duration(float64(base) * factor)
}

// unitFloat returns a uniform value in [0, 1) from crypto/rand.
func unitFloat() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}
