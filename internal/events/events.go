// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

// Package events delivers gateway lifecycle notifications to registered
// subscribers. Publishing never blocks the caller: events flow through a
// bounded queue drained by a single dispatch goroutine, and the queue
// drops (and counts) overflow rather than stalling a request path.
package events

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies what happened.
type Type string

const (
	TypeHealthCheckCompleted Type = "health_check_completed"
	TypeHealthCheckFailed    Type = "health_check_failed"
	TypeAlert                Type = "alert"
	TypeScaledUp             Type = "scaled_up"
	TypeScaledDown           Type = "scaled_down"
	TypeOptimizationsApplied Type = "optimizations_applied"
	TypeAllProvidersFailed   Type = "all_providers_failed"
	TypeCircuitStateChanged  Type = "circuit_state_changed"
)

// Event is a single gateway notification.
type Event struct {
	Type      Type           `json:"type"`
	Provider  string         `json:"provider,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber receives published events. Notify runs on the dispatch
// goroutine; slow subscribers delay other subscribers, not publishers.
type Subscriber interface {
	Notify(Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(Event)

// Notify implements Subscriber.
func (f SubscriberFunc) Notify(ev Event) { f(ev) }

// DefaultQueueSize bounds the dispatch queue.
const DefaultQueueSize = 256

// Broadcaster fans events out to subscribers registered before Start.
type Broadcaster struct {
	mu      sync.Mutex
	subs    []Subscriber
	queue   chan Event
	done    chan struct{}
	started bool
	stopped bool
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewBroadcaster creates a Broadcaster with the given queue size
// (DefaultQueueSize when size <= 0). A nil logger disables drop logging.
func NewBroadcaster(size int, logger *slog.Logger) *Broadcaster {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broadcaster{
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Subscribe registers a subscriber. Must be called before Start; late
// subscriptions are ignored so dispatch never races registration.
func (b *Broadcaster) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		b.logger.Warn("subscriber registered after start, ignoring")
		return
	}
	b.subs = append(b.subs, s)
}

// Start launches the dispatch goroutine. The broadcaster is single-use:
// once stopped it cannot be restarted, since Stop closes the queue.
func (b *Broadcaster) Start() {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.dispatch()
}

// Stop drains the queue and stops dispatch. Publish and Start become
// no-ops afterwards.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.stopped = true
	b.mu.Unlock()

	close(b.queue)
	<-b.done
}

// Publish enqueues an event without blocking. Events published before
// Start or after Stop, or while the queue is full, are dropped.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// The lock is held across the send so Stop cannot close the queue
	// between the started check and the enqueue.
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		b.dropped.Add(1)
		return
	}

	select {
	case b.queue <- ev:
	default:
		if n := b.dropped.Add(1); n%100 == 1 {
			b.logger.Warn("event queue full, dropping", "dropped_total", n)
		}
	}
}

// Dropped returns how many events were discarded.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Broadcaster) dispatch() {
	defer close(b.done)
	for ev := range b.queue {
		for _, s := range b.subs {
			s.Notify(ev)
		}
	}
}
