// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package provider

import (
	"context"
	"maps"
	"time"
)

// Provider is the fixed capability interface every upstream generation
// backend satisfies. Implementations are resolved once at registration,
// never duck-typed per call.
type Provider interface {
	Name() string

	// Generate produces content for the request. The call context carries
	// request identity and, after a fallback, the name of the provider
	// that failed before this one.
	Generate(ctx context.Context, req Request, call CallContext) (*Result, error)

	// Ping is a cheap connectivity probe used by the basic health loop.
	Ping(ctx context.Context) error

	Close() error
}

// Request is a content-generation request. The gateway treats the payload
// as opaque; only sizing hints are inspected for capacity tracking.
type Request struct {
	Kind       string         `json:"kind"`
	Prompt     string         `json:"prompt"`
	MaxTokens  int            `json:"max_tokens,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Result is a completed generation.
type Result struct {
	Provider   string        `json:"provider"`
	Content    string        `json:"content"`
	TokensUsed int           `json:"tokens_used"`
	Latency    time.Duration `json:"latency"`

	// FellBack is true when an earlier candidate was attempted first.
	FellBack bool `json:"fell_back,omitempty"`
}

// CallContext accumulates per-request context threaded through the
// fallback chain. It is passed by value; ForFallback copies the field map
// so concurrent calls never share mutable state.
type CallContext struct {
	RequestID        string
	PreviousProvider string
	Fields           map[string]any
}

// ForFallback returns a copy of the context naming the candidate that
// just failed, for the next provider in the chain.
func (c CallContext) ForFallback(failedProvider string) CallContext {
	next := CallContext{
		RequestID:        c.RequestID,
		PreviousProvider: failedProvider,
	}
	if len(c.Fields) > 0 {
		next.Fields = maps.Clone(c.Fields)
	}
	return next
}

// Limits are the static capacity limits configured for a provider.
type Limits struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute" json:"requests_per_minute"`
	TokensPerMinute   int `mapstructure:"tokens_per_minute" json:"tokens_per_minute"`
	MaxConcurrent     int `mapstructure:"max_concurrent" json:"max_concurrent"`
}

// Config is a provider's static registration configuration.
type Config struct {
	// Priority ranks the provider for the priority strategy; lower is
	// preferred. Ties break by registration order.
	Priority int `mapstructure:"priority" json:"priority"`

	// MaxConcurrent caps in-flight generation calls to this provider.
	MaxConcurrent int `mapstructure:"max_concurrent" json:"max_concurrent"`

	// Timeout bounds a single generation call. Zero means the
	// generation-class default applies.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`

	Limits Limits `mapstructure:"limits" json:"limits"`
}
