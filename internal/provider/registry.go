// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package provider

import (
	"slices"
	"sync"

	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// Entry pairs a registered provider with its static configuration and
// live usage counters. Entries live for the process lifetime unless
// explicitly deregistered.
type Entry struct {
	provider Provider
	config   Config
	usage    *usageTracker
}

// Name returns the provider's registered name.
func (e *Entry) Name() string { return e.provider.Name() }

// Provider returns the underlying capability implementation.
func (e *Entry) Provider() Provider { return e.provider }

// Config returns the static registration configuration.
func (e *Entry) Config() Config { return e.config }

// Usage returns current window usage counts.
func (e *Entry) Usage() UsageSnapshot { return e.usage.snapshot() }

// BeginCall records the start of a generation call against this entry.
func (e *Entry) BeginCall() { e.usage.begin() }

// TryBeginCall records the start of a call unless the configured
// MaxConcurrent cap is already reached.
func (e *Entry) TryBeginCall() bool { return e.usage.tryBegin(e.config.MaxConcurrent) }

// EndCall records completion and token consumption.
func (e *Entry) EndCall(tokens int) { e.usage.end(tokens) }

// Registry owns the set of registered providers. Registration order is
// preserved so priority ties break deterministically.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a provider. Registering a duplicate name is a conflict.
func (r *Registry) Register(p Provider, cfg Config) error {
	if p == nil || p.Name() == "" {
		return wefterr.New(wefterr.CodeProviderConfigInvalid, "provider must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.entries[name]; exists {
		return wefterr.New(wefterr.CodeProviderAlreadyExists,
			"provider already registered", wefterr.FieldProvider(name))
	}

	r.entries[name] = &Entry{provider: p, config: cfg, usage: newUsageTracker()}
	r.order = append(r.order, name)
	return nil
}

// Deregister removes a provider by name.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return wefterr.New(wefterr.CodeProviderNotFound,
			"provider not registered", wefterr.FieldProvider(name))
	}
	delete(r.entries, name)
	if idx := slices.Index(r.order, name); idx >= 0 {
		r.order = slices.Delete(r.order, idx, idx+1)
	}
	return nil
}

// Get retrieves a provider entry by name.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, wefterr.New(wefterr.CodeProviderNotFound,
			"provider not registered", wefterr.FieldProvider(name))
	}
	return e, nil
}

// List returns all entries in registration order.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// Names returns registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Close shuts down every registered provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, e := range r.entries {
		if err := e.provider.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return wefterr.Join(wefterr.CodeServerShutdownFailure, errs...)
	}
	return nil
}
