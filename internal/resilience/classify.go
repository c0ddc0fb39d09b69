// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package resilience

import (
	"context"
	"errors"
	"net"
	"net/url"
	"syscall"

	wefterr "github.com/weft-dev/weft/pkg/errors"
)

// Classification buckets an upstream failure into the fixed taxonomy that
// drives retry decisions. The taxonomy is deliberately coarse: the executor
// only needs to know whether trying again could plausibly succeed.
type Classification string

const (
	ClassTimeout           Classification = "timeout"
	ClassConnectionRefused Classification = "connection_refused"
	ClassDNSFailure        Classification = "dns_failure"
	ClassConnectionReset   Classification = "connection_reset"
	ClassUnreachable       Classification = "unreachable"
	ClassServerError       Classification = "server_5xx"
	ClassClientError       Classification = "client_4xx"
	ClassCircuitOpen       Classification = "circuit_open"
	ClassCancelled         Classification = "cancelled"
	ClassUnknown           Classification = "unknown"
)

// Classify maps an error onto the taxonomy. Coded gateway errors are
// inspected first, then the underlying net/syscall chain.
func Classify(err error) Classification {
	if err == nil {
		return ClassUnknown
	}

	switch {
	case wefterr.IsCircuitOpen(err):
		return ClassCircuitOpen
	case wefterr.HasCode(err, wefterr.CodeProviderAuthDenied),
		wefterr.HasCode(err, wefterr.CodeProviderRequestInvalid),
		wefterr.HasCode(err, wefterr.CodeProviderRateLimited):
		return ClassClientError
	case wefterr.HasCode(err, wefterr.CodeProviderUpstreamFailure):
		return ClassServerError
	case wefterr.HasCode(err, wefterr.CodeProviderUpstreamTimeout):
		return ClassTimeout
	}

	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassDNSFailure
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ClassConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return ClassConnectionReset
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ClassUnreachable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Classify(urlErr.Err)
	}

	return ClassUnknown
}

// Retryable reports whether a failure of this class is worth another
// attempt against the same provider. DNS failures and client errors are
// permanent for the current request; a cancelled context or an open
// circuit means retrying cannot help either.
func (c Classification) Retryable() bool {
	switch c {
	case ClassDNSFailure, ClassClientError, ClassCircuitOpen, ClassCancelled:
		return false
	default:
		return true
	}
}

// Permanent reports whether the failure should never be retried on this
// provider but still allows the orchestrator to advance to the next
// candidate.
func (c Classification) Permanent() bool {
	return c == ClassDNSFailure || c == ClassClientError
}

func (c Classification) String() string {
	return string(c)
}
