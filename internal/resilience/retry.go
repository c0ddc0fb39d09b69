// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package resilience

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"time"

	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// OperationClass selects the per-attempt timeout bound for an operation.
type OperationClass int

const (
	// ClassGeneration covers content-generation calls, which may run long.
	ClassGeneration OperationClass = iota
	// ClassHealthCheck covers cheap connectivity probes.
	ClassHealthCheck
)

// Default retry parameters.
const (
	DefaultMaxRetries        = 3
	DefaultBaseDelay         = 500 * time.Millisecond
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0

	// Per-attempt timeout bounds by operation class. An explicit
	// RetryConfig.Timeout always wins over these.
	DefaultGenerationTimeout  = 2 * time.Minute
	DefaultHealthCheckTimeout = 5 * time.Second

	// jitterBound is the exclusive upper bound of the uniform jitter
	// added to each backoff delay when jitter is enabled.
	jitterBound = time.Second
)

// RetryConfig configures bounded-retry execution.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `mapstructure:"max_retries"`

	// BaseDelay is the backoff delay before the first retry.
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`

	// JitterEnabled adds a uniform random delay in [0, 1s) to each backoff.
	JitterEnabled bool `mapstructure:"jitter_enabled"`

	// Timeout, when positive, overrides the class-derived per-attempt bound.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultRetryConfig returns the documented defaults with jitter enabled.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        DefaultMaxRetries,
		BaseDelay:         DefaultBaseDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		JitterEnabled:     true,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return c
}

// Executor runs operations with bounded retries and exponential backoff.
// It holds no per-call state and is safe for concurrent use.
type Executor struct {
	logger *slog.Logger

	// sleep and jitter are injectable for deterministic tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewExecutor creates an Executor. A nil logger disables retry logging.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		logger: logger,
		sleep:  sleepContext,
		jitter: func() time.Duration {
			// #nosec G404 -- jitter is non-cryptographic timing variance.
			return time.Duration(rand.Int63n(int64(jitterBound)))
		},
	}
}

// Execute runs op until it succeeds, the retry budget is exhausted, or a
// failure classifies as non-retryable. Each attempt is bound to a timeout
// derived from class (or cfg.Timeout when set); the attempt is abandoned
// when the bound expires. The final error is decorated with the attempt
// count, total elapsed time, and classification.
func (e *Executor) Execute(ctx context.Context, class OperationClass, cfg RetryConfig, op func(context.Context) error) error {
	_, err := ExecuteValue(e, ctx, class, cfg, func(attemptCtx context.Context) (struct{}, error) {
		return struct{}{}, op(attemptCtx)
	})
	return err
}

// ExecuteValue is Execute for operations that produce a result. The
// result travels each attempt's own buffered channel, so a late write
// from an abandoned attempt is never observed by the caller or by a
// later attempt.
func ExecuteValue[T any](e *Executor, ctx context.Context, class OperationClass, cfg RetryConfig, op func(context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.withDefaults()
	attemptTimeout := e.attemptTimeout(class, cfg)
	start := time.Now()

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, e.decorate(wefterr.Wrap(err, wefterr.CodeRetryAborted, "retry loop cancelled"), attempts, start, ClassCancelled)
		}

		attempts++
		val, err := attemptValue(ctx, attemptTimeout, op)
		if err == nil {
			return val, nil
		}
		lastErr = err

		failureClass := Classify(lastErr)
		if !failureClass.Retryable() {
			if failureClass == ClassCancelled {
				lastErr = wefterr.Wrap(lastErr, wefterr.CodeRetryAborted, "attempt cancelled")
			}
			return zero, e.decorate(lastErr, attempts, start, failureClass)
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := backoffDelay(cfg, attempt)
		if cfg.JitterEnabled {
			delay = min(delay+e.jitter(), cfg.MaxDelay)
		}

		e.logger.Debug("retrying after failure",
			"attempt", attempts,
			"classification", failureClass.String(),
			"delay", delay,
			"error", lastErr)

		if err := e.sleep(ctx, delay); err != nil {
			return zero, e.decorate(wefterr.Wrap(err, wefterr.CodeRetryAborted, "backoff wait cancelled"), attempts, start, ClassCancelled)
		}
	}

	exhausted := wefterr.Wrapf(lastErr, wefterr.CodeRetryExhausted,
		"retries exhausted after %d attempts", attempts)
	return zero, e.decorate(exhausted, attempts, start, Classify(lastErr))
}

type attemptOutcome[T any] struct {
	val T
	err error
}

// attemptValue runs op bound to timeout. The operation runs in its own
// goroutine so an overrunning call is abandoned rather than awaited; the
// child context is cancelled to release whatever the call holds, and the
// buffered channel lets the abandoned goroutine finish without blocking.
func attemptValue[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptOutcome[T], 1)
	go func() {
		val, err := op(attemptCtx)
		done <- attemptOutcome[T]{val: val, err: err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-attemptCtx.Done():
		// The op may have finished in the same instant; its result wins.
		select {
		case out := <-done:
			return out.val, out.err
		default:
		}
		var zero T
		if attemptCtx.Err() == context.DeadlineExceeded {
			return zero, wefterr.Errorf(wefterr.CodeProviderUpstreamTimeout,
				"operation exceeded %s attempt timeout", timeout)
		}
		return zero, wefterr.Wrap(attemptCtx.Err(), wefterr.CodeRetryAborted, "attempt cancelled")
	}
}

func (e *Executor) attemptTimeout(class OperationClass, cfg RetryConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	if class == ClassHealthCheck {
		return DefaultHealthCheckTimeout
	}
	return DefaultGenerationTimeout
}

func (e *Executor) decorate(err error, attempts int, start time.Time, class Classification) error {
	return wefterr.With(err,
		wefterr.FieldAttempts(attempts),
		wefterr.Field("elapsed", time.Since(start).String()),
		wefterr.Field("classification", class.String()),
	)
}

// backoffDelay computes base*multiplier^attempt capped at MaxDelay,
// without jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	mult := math.Pow(cfg.BackoffMultiplier, float64(attempt))
	d := time.Duration(float64(cfg.BaseDelay) * mult)
	if d <= 0 || d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
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
