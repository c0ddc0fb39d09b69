// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package main

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// defaultHTTPClient is the package-level HTTP client used by gateway
// commands. Overridden in tests via httptest.
var defaultHTTPClient = &http.Client{
	Timeout: 5 * time.Second,
}

// gatewayClient provides HTTP access to a running Weft gateway's status
// server.
type gatewayClient struct {
	baseURL string
	http    *http.Client
}

// newGatewayClient creates a client targeting the given host:port
// address.
func newGatewayClient(addr string) *gatewayClient {
	return &gatewayClient{
		baseURL: "http://" + addr,
		http:    defaultHTTPClient,
	}
}

// getJSON performs a GET request and decodes the JSON response into
// dest. Connection-refused errors map to CodeCLIGatewayNotRunning so
// callers can render a friendly message.
func (c *gatewayClient) getJSON(path string, dest any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		if isDialError(err) {
			return wefterr.Wrap(err, wefterr.CodeCLIGatewayNotRunning, "gateway is not running")
		}
		return wefterr.Wrap(err, wefterr.CodeCLIRequestFailure, "request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return wefterr.Errorf(wefterr.CodeCLIRequestFailure,
			"gateway returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return wefterr.Wrap(err, wefterr.CodeCLIRequestFailure, "invalid response")
	}
	return nil
}

// isDialError returns true if err is a net dial error (connection
// refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
