// Package retry wraps worker-pool dispatch with exponential backoff and
// jitter, retrying only errors internal/apperrors classifies as
// transient. It is a scoped-down descendant of a much larger
// code-list-driven retry policy: this repository has exactly two kinds of
// transient failure (transport, timeout), so the retry decision reduces
// to a single predicate instead of a maintained list of retryable codes.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/objectfs/s3corefs/internal/apperrors"
)

// Config controls backoff shape.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// JitterFraction scales a uniform random jitter added to each delay,
	// e.g. 0.2 means +/-20%.
	JitterFraction float64
}

// DefaultConfig is a reasonable starting point for network calls against
// an S3-compatible store.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		JitterFraction: 0.2,
	}
}

// Retryer runs an operation with backoff.
type Retryer struct {
	cfg    Config
	rand   *rand.Rand
	logger *slog.Logger
}

// Option configures optional collaborators on a Retryer.
type Option func(*Retryer)

// WithLogger sets the logger Do reports retried transient errors through.
// Nil-safe: a Retryer built without this option falls back to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retryer) { r.logger = logger }
}

// New builds a Retryer. src seeds the jitter source; pass nil to use a
// package-private default source instead of the shared global one, which
// avoids lock contention with unrelated callers of math/rand.
func New(cfg Config, src rand.Source, opts ...Option) *Retryer {
	if src == nil {
		src = rand.NewSource(1)
	}
	r := &Retryer{cfg: cfg, rand: rand.New(src), logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs fn, retrying while apperrors.IsRetryable(err) and attempts
// remain, or until ctx is done.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !apperrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt < r.cfg.MaxAttempts-1 {
			r.logger.Warn("retrying after transient error", "attempt", attempt+1, "error", lastErr)
		}
	}
	return lastErr
}

func (r *Retryer) delay(attempt int) time.Duration {
	base := float64(r.cfg.InitialDelay) * math.Pow(2, float64(attempt-1))
	if base > float64(r.cfg.MaxDelay) {
		base = float64(r.cfg.MaxDelay)
	}
	jitter := base * r.cfg.JitterFraction * (r.rand.Float64()*2 - 1)
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}
