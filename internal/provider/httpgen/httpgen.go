// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

// Package httpgen implements provider.Provider against a JSON-over-HTTP
// generation endpoint. Upstream status codes are mapped onto the gateway
// error taxonomy; transport errors pass through untouched so the retry
// classifier can inspect the underlying net errors.
package httpgen

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/weft-dev/weft/internal/provider"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// Options configures an HTTP generation provider.
type Options struct {
	Name     string
	BaseURL  string
	APIKey   string
	PingPath string // default "/healthz"
	GenPath  string // default "/v1/generate"
}

// Client is a Provider backed by a remote generation service.
type Client struct {
	name     string
	pingPath string
	genPath  string
	http     *resty.Client
}

var _ provider.Provider = (*Client)(nil)

// New creates a Client. The per-call deadline comes from the caller's
// context, so no client-level timeout is set here.
func New(opts Options) (*Client, error) {
	if opts.Name == "" {
		return nil, wefterr.New(wefterr.CodeProviderConfigInvalid, "provider name is required")
	}
	if opts.BaseURL == "" {
		return nil, wefterr.New(wefterr.CodeProviderConfigInvalid,
			"base URL is required", wefterr.FieldProvider(opts.Name))
	}
	if opts.PingPath == "" {
		opts.PingPath = "/healthz"
	}
	if opts.GenPath == "" {
		opts.GenPath = "/v1/generate"
	}

	c := resty.New().
		SetBaseURL(opts.BaseURL).
		SetHeader("Accept", "application/json").
		SetRetryCount(0) // retries belong to the resilience layer
	if opts.APIKey != "" {
		c.SetAuthToken(opts.APIKey)
	}

	return &Client{
		name:     opts.Name,
		pingPath: opts.PingPath,
		genPath:  opts.GenPath,
		http:     c,
	}, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return c.name }

type generateRequest struct {
	Kind             string         `json:"kind"`
	Prompt           string         `json:"prompt"`
	MaxTokens        int            `json:"max_tokens,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty"`
	RequestID        string         `json:"request_id"`
	PreviousProvider string         `json:"previous_provider,omitempty"`
}

type generateResponse struct {
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used"`
}

// Generate implements provider.Provider.
func (c *Client) Generate(ctx context.Context, req provider.Request, call provider.CallContext) (*provider.Result, error) {
	start := time.Now()

	var out generateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(generateRequest{
			Kind:             req.Kind,
			Prompt:           req.Prompt,
			MaxTokens:        req.MaxTokens,
			Attributes:       req.Attributes,
			RequestID:        call.RequestID,
			PreviousProvider: call.PreviousProvider,
		}).
		SetResult(&out).
		Post(c.genPath)
	if err != nil {
		// Transport-level failure: leave the chain intact for the
		// classifier (DNS, refused, reset, timeout).
		return nil, err
	}
	if err := c.statusError(resp); err != nil {
		return nil, err
	}
	if out.Content == "" {
		return nil, wefterr.New(wefterr.CodeProviderResponseInvalid,
			"empty content in generation response", wefterr.FieldProvider(c.name))
	}

	return &provider.Result{
		Provider:   c.name,
		Content:    out.Content,
		TokensUsed: out.TokensUsed,
		Latency:    time.Since(start),
	}, nil
}

// Ping implements provider.Provider.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get(c.pingPath)
	if err != nil {
		return err
	}
	return c.statusError(resp)
}

// Close implements provider.Provider.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

// statusError maps an HTTP status onto the gateway taxonomy. Auth and
// client errors are permanent for this provider; 5xx is a retryable
// upstream failure.
func (c *Client) statusError(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return wefterr.Errorf(wefterr.CodeProviderAuthDenied,
			"provider %s rejected credentials (%d)", c.name, code)
	case code == http.StatusTooManyRequests:
		return wefterr.Errorf(wefterr.CodeProviderRateLimited,
			"provider %s rate limited (%d)", c.name, code)
	case code == http.StatusGatewayTimeout:
		return wefterr.Errorf(wefterr.CodeProviderUpstreamTimeout,
			"provider %s upstream timeout (%d)", c.name, code)
	case code >= 500:
		return wefterr.Errorf(wefterr.CodeProviderUpstreamFailure,
			"provider %s returned %d: %s", c.name, code, resp.String())
	default:
		return wefterr.Errorf(wefterr.CodeProviderRequestInvalid,
			"provider %s rejected request (%d): %s", c.name, code, resp.String())
	}
}
