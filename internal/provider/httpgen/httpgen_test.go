// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package httpgen_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weft-dev/weft/internal/provider"
	"github.com/weft-dev/weft/internal/provider/httpgen"
	wefterr "github.com/weft-dev/weft/pkg/errors"
)

func newClient(t *testing.T, handler http.Handler) *httpgen.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := httpgen.New(httpgen.Options{Name: "scribe", BaseURL: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)
	return c
}

func TestGenerateSuccess(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/generate", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "scene", body["kind"])
		assert.Equal(t, "req-42", body["request_id"])
		assert.Equal(t, "muse", body["previous_provider"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "a quiet meadow", "tokens_used": 17})
	}))

	res, err := c.Generate(context.Background(),
		provider.Request{Kind: "scene", Prompt: "meadow at dawn"},
		provider.CallContext{RequestID: "req-42", PreviousProvider: "muse"})

	require.NoError(t, err)
	assert.Equal(t, "scribe", res.Provider)
	assert.Equal(t, "a quiet meadow", res.Content)
	assert.Equal(t, 17, res.TokensUsed)
	assert.Greater(t, res.Latency.Nanoseconds(), int64(0))
}

func TestGenerateStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode wefterr.Code
	}{
		{"unauthorized", http.StatusUnauthorized, wefterr.CodeProviderAuthDenied},
		{"forbidden", http.StatusForbidden, wefterr.CodeProviderAuthDenied},
		{"rate limited", http.StatusTooManyRequests, wefterr.CodeProviderRateLimited},
		{"bad request", http.StatusBadRequest, wefterr.CodeProviderRequestInvalid},
		{"server error", http.StatusInternalServerError, wefterr.CodeProviderUpstreamFailure},
		{"bad gateway", http.StatusBadGateway, wefterr.CodeProviderUpstreamFailure},
		{"gateway timeout", http.StatusGatewayTimeout, wefterr.CodeProviderUpstreamTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			_, err := c.Generate(context.Background(), provider.Request{Kind: "scene"}, provider.CallContext{})
			require.Error(t, err)
			assert.True(t, wefterr.HasCode(err, tt.wantCode), "got code %s", wefterr.CodeOf(err))
		})
	}
}

func TestGenerateEmptyContentIsInvalidResponse(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tokens_used": 3}`))
	}))

	_, err := c.Generate(context.Background(), provider.Request{Kind: "scene"}, provider.CallContext{})
	require.Error(t, err)
	assert.True(t, wefterr.HasCode(err, wefterr.CodeProviderResponseInvalid))
}

func TestPing(t *testing.T) {
	var path string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "/healthz", path)
}

func TestPingFailure(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, wefterr.HasCode(err, wefterr.CodeProviderUpstreamFailure))
}

func TestGenerateHonoursContextCancellation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Generate(ctx, provider.Request{Kind: "scene"}, provider.CallContext{})
	require.Error(t, err)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := httpgen.New(httpgen.Options{BaseURL: "http://example.com"})
	require.Error(t, err)

	_, err = httpgen.New(httpgen.Options{Name: "scribe"})
	require.Error(t, err)
	assert.True(t, wefterr.IsInvalidInput(err))
}
