// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package resilience

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// newTestExecutor returns an executor whose backoff waits are recorded
// instead of slept, so tests stay deterministic and fast.
func newTestExecutor(delays *[]time.Duration) *Executor {
	e := NewExecutor(nil)
	e.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	e.jitter = func() time.Duration { return 0 }
	return e
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	var delays []time.Duration
	e := newTestExecutor(&delays)

	calls := 0
	err := e.Execute(context.Background(), ClassGeneration, DefaultRetryConfig(), func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	var delays []time.Duration
	e := newTestExecutor(&delays)

	calls := 0
	err := e.Execute(context.Background(), ClassGeneration, RetryConfig{
		MaxRetries:        3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return syscall.ECONNRESET
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// Exponential backoff without jitter: base, base*2.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	var delays []time.Duration
	e := newTestExecutor(&delays)

	calls := 0
	err := e.Execute(context.Background(), ClassGeneration, RetryConfig{
		MaxRetries:        2,
		BaseDelay:         time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
	}, func(context.Context) error {
		calls++
		return wefterr.New(wefterr.CodeProviderUpstreamFailure, "upstream 503")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "initial attempt plus MaxRetries retries")
	assert.True(t, wefterr.HasCode(err, wefterr.CodeRetryExhausted))

	fields := wefterr.FieldsOf(err)
	assert.EqualValues(t, 3, fields["attempts"])
	assert.Equal(t, ClassServerError.String(), fields["classification"])
	assert.NotEmpty(t, fields["elapsed"])
}

func TestExecuteDoesNotRetryPermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"dns failure", &net.DNSError{Err: "no such host", Name: "api.example.invalid"}},
		{"auth denied", wefterr.New(wefterr.CodeProviderAuthDenied, "bad key")},
		{"invalid request", wefterr.New(wefterr.CodeProviderRequestInvalid, "malformed")},
		{"circuit open", wefterr.New(wefterr.CodeCircuitOpen, "open")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var delays []time.Duration
			e := newTestExecutor(&delays)

			calls := 0
			err := e.Execute(context.Background(), ClassGeneration, DefaultRetryConfig(), func(context.Context) error {
				calls++
				return tt.err
			})

			require.Error(t, err)
			assert.Equal(t, 1, calls, "non-retryable failures get exactly one attempt")
			assert.Empty(t, delays)
		})
	}
}

func TestExecuteCapsDelayAtMax(t *testing.T) {
	var delays []time.Duration
	e := newTestExecutor(&delays)

	calls := 0
	err := e.Execute(context.Background(), ClassGeneration, RetryConfig{
		MaxRetries:        4,
		BaseDelay:         time.Second,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 10.0,
	}, func(context.Context) error {
		calls++
		return syscall.ECONNREFUSED
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls)
	for _, d := range delays {
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestExecuteAbandonsOverrunningAttempt(t *testing.T) {
	var delays []time.Duration
	e := newTestExecutor(&delays)

	release := make(chan struct{})
	defer close(release)

	err := e.Execute(context.Background(), ClassGeneration, RetryConfig{
		MaxRetries: 0,
		Timeout:    20 * time.Millisecond,
	}, func(ctx context.Context) error {
		<-release // never finishes within the bound
		return nil
	})

	require.Error(t, err)
	assert.True(t, wefterr.IsTimeout(err) || wefterr.HasCode(err, wefterr.CodeRetryExhausted))
	assert.Equal(t, ClassTimeout.String(), wefterr.FieldsOf(err)["classification"])
}

func TestExecuteValueIgnoresAbandonedAttemptResult(t *testing.T) {
	var delays []time.Duration
	e := newTestExecutor(&delays)

	release := make(chan struct{})
	defer close(release)

	var attempts atomic.Int32
	got, err := ExecuteValue(e, context.Background(), ClassGeneration, RetryConfig{
		MaxRetries: 1,
		Timeout:    20 * time.Millisecond,
	}, func(context.Context) (string, error) {
		if attempts.Add(1) == 1 {
			<-release // overruns the bound, then still produces a value
			return "stale", nil
		}
		return "fresh", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fresh", got, "a result from an abandoned attempt must never surface")
	assert.EqualValues(t, 2, attempts.Load())
}

func TestExecuteCancelDuringAttemptAborts(t *testing.T) {
	e := NewExecutor(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	block := make(chan struct{})
	defer close(block)
	err := e.Execute(ctx, ClassGeneration, RetryConfig{MaxRetries: 3, Timeout: time.Minute}, func(context.Context) error {
		<-block // only the cancellation can end this attempt
		return nil
	})

	require.Error(t, err)
	assert.True(t, wefterr.HasCode(err, wefterr.CodeRetryAborted))
	assert.Equal(t, ClassCancelled.String(), wefterr.FieldsOf(err)["classification"])
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	e := NewExecutor(nil)
	e.jitter = func() time.Duration { return 0 }

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := e.Execute(ctx, ClassGeneration, RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Hour, // real sleep would hang without cancellation
	}, func(context.Context) error {
		calls++
		cancel()
		return syscall.ECONNRESET
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, wefterr.HasCode(err, wefterr.CodeRetryAborted))
}

func TestExecuteHealthCheckClassUsesShortBound(t *testing.T) {
	e := NewExecutor(nil)
	assert.Equal(t, DefaultHealthCheckTimeout, e.attemptTimeout(ClassHealthCheck, RetryConfig{}))
	assert.Equal(t, DefaultGenerationTimeout, e.attemptTimeout(ClassGeneration, RetryConfig{}))
	assert.Equal(t, time.Second, e.attemptTimeout(ClassHealthCheck, RetryConfig{Timeout: time.Second}),
		"explicit timeout wins over the class bound")
}

func TestBackoffDelayFormula(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffMultiplier: 2.0}

	assert.Equal(t, 100*time.Millisecond, backoffDelay(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(cfg, 1))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(cfg, 2))
	assert.Equal(t, 10*time.Second, backoffDelay(cfg, 20), "overflow clamps to max")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"cancelled", context.Canceled, ClassCancelled},
		{"dns", &net.DNSError{Err: "no such host"}, ClassDNSFailure},
		{"refused", syscall.ECONNREFUSED, ClassConnectionRefused},
		{"reset", syscall.ECONNRESET, ClassConnectionReset},
		{"unreachable", syscall.EHOSTUNREACH, ClassUnreachable},
		{"server", wefterr.New(wefterr.CodeProviderUpstreamFailure, "503"), ClassServerError},
		{"client", wefterr.New(wefterr.CodeProviderRequestInvalid, "400"), ClassClientError},
		{"auth", wefterr.New(wefterr.CodeProviderAuthDenied, "401"), ClassClientError},
		{"breaker", wefterr.New(wefterr.CodeCircuitOpen, "open"), ClassCircuitOpen},
		{"unknown", errors.New("mystery"), ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassificationRetryable(t *testing.T) {
	assert.True(t, ClassTimeout.Retryable())
	assert.True(t, ClassConnectionReset.Retryable())
	assert.True(t, ClassServerError.Retryable())
	assert.True(t, ClassUnknown.Retryable())
	assert.False(t, ClassDNSFailure.Retryable())
	assert.False(t, ClassClientError.Retryable())
	assert.False(t, ClassCircuitOpen.Retryable())
	assert.False(t, ClassCancelled.Retryable())
}
