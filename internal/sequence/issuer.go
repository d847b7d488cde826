// Package sequence issues monotonic document numbers per scope.
//
// The counter path is an atomic increment-or-create (a single upsert in
// Postgres, INCR in Redis). When the counter stays unavailable after retries
// the issuer falls back to a time-plus-random value, flags it as degraded and
// logs a warning. Degraded values are not sequential.
package sequence

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/common/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/common/logger"
)

// Counter increments the counter for a scope and returns the new value.
type Counter interface {
	Next(ctx context.Context, scope string) (int64, error)
}

// Number is an issued value.
type Number struct {
	Value    int64
	Degraded bool
}

// Config tunes the retry loop.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Issuer hands out numbers from a Counter.
type Issuer struct {
	counter     Counter
	logger      *logger.Logger
	maxAttempts int
	baseDelay   time.Duration
	now         func() time.Time
	jitter      func(max int64) int64
}

// NewIssuer creates an Issuer.
func NewIssuer(counter Counter, cfg Config, log *logger.Logger) *Issuer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 10 * time.Millisecond
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Issuer{
		counter:     counter,
		logger:      log.Component("sequence"),
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		now:         time.Now,
		jitter:      randInt63n,
	}
}

// Next returns the next number for scope. Retryable counter failures are
// retried with exponential backoff and full jitter; a non-retryable failure
// or exhausted retries produce a degraded number.
func (i *Issuer) Next(ctx context.Context, scope string) (Number, error) {
	if scope == "" {
		return Number{}, errors.InvalidInput("scope", "sequence scope is required")
	}

	var lastErr error
	for attempt := 0; attempt < i.maxAttempts; attempt++ {
		v, err := i.counter.Next(ctx, scope)
		if err == nil {
			return Number{Value: v}, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return Number{}, errors.Unavailable(ctx.Err(), "sequence issue cancelled")
		}
		if !errors.IsRetryable(err) {
			break
		}
		if attempt == i.maxAttempts-1 {
			break
		}

		delay := time.Duration(i.jitter(int64(i.baseDelay) << attempt))
		i.logger.Debug().
			Err(err).
			Str("scope", scope).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying sequence increment")
		if err := sleep(ctx, delay); err != nil {
			return Number{}, errors.Unavailable(err, "sequence issue cancelled")
		}
	}

	value := i.now().UnixMilli()*1000 + i.jitter(1000)
	i.logger.Warn().
		Err(lastErr).
		Str("scope", scope).
		Int64("fallback_value", value).
		Msg("Sequence counter unavailable, issuing degraded number")
	return Number{Value: value, Degraded: true}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randInt63n(max int64) int64 {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return max / 2
	}
	return n.Int64()
}
