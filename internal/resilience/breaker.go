// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package resilience

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// Default circuit breaker parameters.
const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
)

// BreakerConfig configures a per-provider circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold uint32 `mapstructure:"failure_threshold"`

	// OpenTimeout is how long the circuit stays open before admitting a
	// single half-open probe.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// DefaultBreakerConfig returns the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: DefaultFailureThreshold,
		OpenTimeout:      DefaultOpenTimeout,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	return c
}

// StateChangeListener is notified when a named breaker changes state.
// Listeners must be registered before the breaker is first used.
type StateChangeListener func(name string, from, to gobreaker.State)

// CircuitSnapshot is a point-in-time view of one breaker.
type CircuitSnapshot struct {
	Name                 string `json:"name"`
	State                string `json:"state"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// BreakerManager owns one circuit breaker per provider. The half-open
// window admits exactly one probe; concurrent extra calls fail fast as if
// the circuit were still open.
type BreakerManager struct {
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]BreakerConfig
	listeners []StateChangeListener
	logger    *slog.Logger
}

// NewBreakerManager creates an empty manager. A nil logger disables
// state-change logging.
func NewBreakerManager(logger *slog.Logger) *BreakerManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BreakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]BreakerConfig),
		logger:   logger,
	}
}

// AddListener registers a state-change listener. Must be called before
// the first Register/Execute for deterministic delivery.
func (m *BreakerManager) AddListener(l StateChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Register creates the breaker for a provider. Re-registering replaces
// the breaker and resets its state.
func (m *BreakerManager) Register(name string, cfg BreakerConfig) {
	cfg = cfg.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[name] = cfg
	m.breakers[name] = m.newBreaker(name, cfg)
}

// Deregister removes a provider's breaker.
func (m *BreakerManager) Deregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
	delete(m.configs, name)
}

// Execute runs op through the named breaker. When the circuit is open and
// the open timeout has not elapsed, it fails fast with a circuit-open
// error that classifies as non-retryable, so a wrapping retry executor
// does not burn attempts against it.
func (m *BreakerManager) Execute(name string, op func() error) error {
	cb := m.get(name)
	if cb == nil {
		return wefterr.New(wefterr.CodeProviderNotFound,
			"no circuit breaker registered", wefterr.FieldProvider(name))
	}

	_, err := cb.Execute(func() (any, error) {
		return nil, op()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return wefterr.Wrap(err, wefterr.CodeCircuitOpen,
			"circuit open, failing fast", wefterr.FieldProvider(name))
	}
	return err
}

// Allows reports whether the named breaker would currently admit a call:
// closed, half-open, or open with the timeout elapsed (gobreaker flips to
// half-open lazily on state inspection).
func (m *BreakerManager) Allows(name string) bool {
	cb := m.get(name)
	if cb == nil {
		return false
	}
	return cb.State() != gobreaker.StateOpen
}

// Snapshot returns the current state of the named breaker.
func (m *BreakerManager) Snapshot(name string) (CircuitSnapshot, bool) {
	cb := m.get(name)
	if cb == nil {
		return CircuitSnapshot{}, false
	}

	counts := cb.Counts()
	return CircuitSnapshot{
		Name:                 name,
		State:                cb.State().String(),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}, true
}

// Snapshots returns the state of every registered breaker.
func (m *BreakerManager) Snapshots() []CircuitSnapshot {
	m.mu.RLock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make([]CircuitSnapshot, 0, len(names))
	for _, name := range names {
		if snap, ok := m.Snapshot(name); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Reset replaces a provider's breaker with a fresh closed one.
func (m *BreakerManager) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[name]
	if !ok {
		return
	}
	m.breakers[name] = m.newBreaker(name, cfg)
}

func (m *BreakerManager) get(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[name]
}

// newBreaker builds the gobreaker settings for one provider:
// trip on consecutive failures, single half-open probe, close on the
// first half-open success. Caller must hold m.mu.
func (m *BreakerManager) newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Info("circuit state changed",
				"provider", name,
				"from", from.String(),
				"to", to.String())
			m.mu.RLock()
			listeners := make([]StateChangeListener, len(m.listeners))
			copy(listeners, m.listeners)
			m.mu.RUnlock()
			for _, l := range listeners {
				l(name, from, to)
			}
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
