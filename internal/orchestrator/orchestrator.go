// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

// Package orchestrator routes generation requests across registered
// providers. Each request passes admission control, walks a
// strategy-ordered candidate list, and runs every attempt through the
// provider's circuit breaker and the bounded-retry executor. Individual
// provider failures are absorbed by falling back to the next candidate;
// only total exhaustion surfaces to the caller.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/weft-dev/weft/internal/events"
	"github.com/weft-dev/weft/internal/health"
	"github.com/weft-dev/weft/internal/provider"
	"github.com/weft-dev/weft/internal/resilience"
	"github.com/weft-dev/weft/internal/resource"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// Config configures the Orchestrator.
type Config struct {
	// Strategy names the load-balancing strategy: priority, round_robin,
	// or performance. Empty means priority.
	Strategy string `mapstructure:"strategy"`

	Retry   resilience.RetryConfig   `mapstructure:"retry"`
	Breaker resilience.BreakerConfig `mapstructure:"breaker"`
}

// Options adjusts a single Execute call.
type Options struct {
	// Preferred restricts and orders the candidate list. Empty means all
	// registered providers ordered by the active strategy.
	Preferred []string

	// RequestID identifies the request in logs and provider calls. A
	// fresh id is generated when empty.
	RequestID string

	// Fields are caller-supplied context values threaded through to
	// providers unchanged.
	Fields map[string]any

	// Retry overrides the orchestrator's retry configuration for this
	// call.
	Retry *resilience.RetryConfig
}

// Orchestrator is the top-level request coordinator. Construct with New;
// all methods are safe for concurrent use.
type Orchestrator struct {
	registry  *provider.Registry
	breakers  *resilience.BreakerManager
	retry     *resilience.Executor
	monitor   *health.Monitor
	resources *resource.Manager
	bus       *events.Broadcaster
	strategy  Strategy
	metrics   *metrics
	cfg       Config
	logger    *slog.Logger
}

// New creates an Orchestrator over the given collaborators. The
// broadcaster may be nil when no event sinks are wired.
func New(
	reg *provider.Registry,
	breakers *resilience.BreakerManager,
	retry *resilience.Executor,
	monitor *health.Monitor,
	resources *resource.Manager,
	bus *events.Broadcaster,
	cfg Config,
	logger *slog.Logger,
) (*Orchestrator, error) {
	strategy, err := NewStrategy(cfg.Strategy, monitor)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		registry:  reg,
		breakers:  breakers,
		retry:     retry,
		monitor:   monitor,
		resources: resources,
		bus:       bus,
		strategy:  strategy,
		metrics:   newMetrics(),
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// RegisterProvider adds a provider to the registry and creates its
// circuit breaker.
func (o *Orchestrator) RegisterProvider(p provider.Provider, cfg provider.Config) error {
	if err := o.registry.Register(p, cfg); err != nil {
		return err
	}
	o.breakers.Register(p.Name(), o.cfg.Breaker)
	return nil
}

// DeregisterProvider removes a provider and its breaker.
func (o *Orchestrator) DeregisterProvider(name string) error {
	if err := o.registry.Deregister(name); err != nil {
		return err
	}
	o.breakers.Deregister(name)
	return nil
}

// candidateFailure is one candidate's failure reason for the aggregate
// error.
type candidateFailure struct {
	name string
	err  error
}

// Execute routes one generation request. It returns the first successful
// result, tagged with the serving provider; when every candidate fails
// it returns a single aggregate error carrying each candidate's reason.
func (o *Orchestrator) Execute(ctx context.Context, req provider.Request, opts Options) (*provider.Result, error) {
	o.metrics.recordRequest()

	if !o.resources.CanAdmit() {
		o.metrics.recordAdmissionRejected()
		return nil, wefterr.New(wefterr.CodeOrchestratorAdmissionDenied,
			"request rejected by admission control")
	}
	start := time.Now()
	defer func() { o.resources.RecordCompletion(time.Since(start)) }()

	candidates, err := o.candidates(opts.Preferred)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, wefterr.New(wefterr.CodeOrchestratorNoCandidates,
			"no candidate providers available")
	}

	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	call := provider.CallContext{RequestID: requestID, Fields: opts.Fields}

	retryCfg := o.cfg.Retry
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}

	var failures []candidateFailure
	for _, entry := range candidates {
		name := entry.Name()

		if err := ctx.Err(); err != nil {
			return nil, wefterr.Wrap(err, wefterr.CodeOrchestratorCancelled,
				"request cancelled", wefterr.FieldRequestID(requestID))
		}

		// An open breaker whose timeout has not elapsed is skipped without
		// a network attempt; the skip still counts as this candidate's
		// failure reason.
		if !o.breakers.Allows(name) {
			failures = append(failures, candidateFailure{name, wefterr.New(
				wefterr.CodeCircuitOpen, "circuit open", wefterr.FieldProvider(name))})
			call = call.ForFallback(name)
			continue
		}

		res, attemptErr := o.attempt(ctx, entry, req, call, retryCfg)
		if attemptErr == nil {
			if len(failures) > 0 {
				res.FellBack = true
				o.metrics.recordFallback()
			}
			return res, nil
		}

		o.logger.Warn("provider attempt failed",
			"provider", name,
			"request_id", requestID,
			"error", attemptErr)
		failures = append(failures, candidateFailure{name, attemptErr})
		call = call.ForFallback(name)
	}

	return nil, o.exhausted(requestID, failures)
}

// attempt runs one candidate through its breaker and the retry executor,
// recording usage, health, and metrics.
func (o *Orchestrator) attempt(
	ctx context.Context,
	entry *provider.Entry,
	req provider.Request,
	call provider.CallContext,
	retryCfg resilience.RetryConfig,
) (*provider.Result, error) {
	name := entry.Name()

	// A per-provider timeout wins over the generation-class default but
	// not over an explicit per-call override.
	if t := entry.Config().Timeout; t > 0 && retryCfg.Timeout == 0 {
		retryCfg.Timeout = t
	}

	// A provider at its in-flight cap is rejected before any network
	// attempt; like a circuit skip, the walk moves to the next candidate.
	if !entry.TryBeginCall() {
		return nil, wefterr.New(wefterr.CodeProviderCapacityExceeded,
			"provider at max concurrent calls", wefterr.FieldProvider(name))
	}
	callStart := time.Now()

	var res *provider.Result
	err := o.breakers.Execute(name, func() error {
		r, execErr := resilience.ExecuteValue(o.retry, ctx, resilience.ClassGeneration, retryCfg,
			func(attemptCtx context.Context) (*provider.Result, error) {
				return entry.Provider().Generate(attemptCtx, req, call)
			})
		if execErr != nil {
			return execErr
		}
		res = r
		return nil
	})

	latency := time.Since(callStart)
	tokens := 0
	if res != nil {
		tokens = res.TokensUsed
	}
	entry.EndCall(tokens)

	if err != nil {
		o.monitor.RecordOutcome(name, false, latency, health.CheckBasic)
		o.metrics.recordOutcome(name, false, latency)
		return nil, err
	}

	o.monitor.RecordOutcome(name, true, latency, health.CheckBasic)
	o.metrics.recordOutcome(name, true, latency)
	res.Provider = name
	res.Latency = latency
	return res, nil
}

// candidates resolves the ordered candidate list: the caller-supplied
// subset in its given order, or all registered healthy-or-unknown
// providers ordered by the active strategy. When every provider looks
// unhealthy the full list is used anyway; the breakers still gate the
// actual calls.
func (o *Orchestrator) candidates(preferred []string) ([]*provider.Entry, error) {
	if len(preferred) > 0 {
		out := make([]*provider.Entry, 0, len(preferred))
		for _, name := range preferred {
			entry, err := o.registry.Get(name)
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
		}
		return out, nil
	}

	all := o.registry.List()
	healthy := make([]*provider.Entry, 0, len(all))
	for _, entry := range all {
		if o.monitor.Healthy(entry.Name()) {
			healthy = append(healthy, entry)
		}
	}
	if len(healthy) == 0 {
		healthy = all
	}
	return o.strategy.Order(healthy), nil
}

// exhausted builds the aggregate error for a fully failed candidate walk
// and emits the corresponding event.
func (o *Orchestrator) exhausted(requestID string, failures []candidateFailure) error {
	o.metrics.recordExhausted()

	names := make([]string, 0, len(failures))
	reasons := make(map[string]any, len(failures))
	errs := make([]error, 0, len(failures))
	for _, f := range failures {
		names = append(names, f.name)
		reasons[f.name] = f.err.Error()
		errs = append(errs, fmt.Errorf("%s: %w", f.name, f.err))
	}

	o.publish(events.Event{
		Type: events.TypeAllProvidersFailed,
		Data: map[string]any{"request_id": requestID, "failures": reasons},
	})
	o.logger.Error("all candidate providers failed",
		"request_id", requestID,
		"candidates", strings.Join(names, ","))

	return wefterr.Wrap(wefterr.Join(wefterr.CodeOrchestratorAllFailed, errs...), wefterr.CodeOrchestratorAllFailed,
		fmt.Sprintf("all %d candidate providers failed", len(failures)),
		wefterr.FieldRequestID(requestID),
		wefterr.Field("failures", reasons))
}

// Metrics returns a snapshot of the aggregate counters.
func (o *Orchestrator) Metrics() MetricsSnapshot {
	return o.metrics.snapshot()
}

// Strategy returns the name of the active load-balancing strategy.
func (o *Orchestrator) Strategy() string {
	return o.strategy.Name()
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}
