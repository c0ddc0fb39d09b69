// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Weft Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeProviderRequestInvalid   Code = "provider.request.invalid"
	CodeProviderResponseInvalid  Code = "provider.response.invalid"
	CodeProviderUpstreamFailure  Code = "provider.upstream.failure"
	CodeProviderUpstreamTimeout  Code = "provider.upstream.timeout"
	CodeProviderAuthDenied       Code = "provider.auth.denied"
	CodeProviderRateLimited      Code = "provider.rate.limit_exceeded"
	CodeProviderCapacityExceeded Code = "provider.capacity.exceeded"
	CodeProviderNotFound         Code = "provider.registry.not_found"
	CodeProviderAlreadyExists    Code = "provider.registry.conflict"
	CodeProviderConfigInvalid    Code = "provider.config.invalid_value"

	CodeCircuitOpen    Code = "resilience.circuit.open"
	CodeRetryExhausted Code = "resilience.retry.exhausted"
	CodeRetryAborted   Code = "resilience.retry.aborted"

	CodeOrchestratorAllFailed       Code = "orchestrator.routing.all_providers_failed"
	CodeOrchestratorNoCandidates    Code = "orchestrator.routing.no_candidates"
	CodeOrchestratorAdmissionDenied Code = "orchestrator.admission.rejected"
	CodeOrchestratorCancelled       Code = "orchestrator.request.cancelled"

	CodeHealthCheckFailure Code = "health.check.failure"
	CodeHealthNotMonitored Code = "health.provider.not_found"

	CodeResourceSampleFailure Code = "resource.sample.failure"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeCLIGatewayNotRunning Code = "cli.gateway.not_running"
	CodeCLIRequestFailure    Code = "cli.request.failure"
	CodeCLISetupFailure      Code = "cli.setup.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldProvider(value string) Attr {
	return Field("provider", value)
}

func FieldRequestID(value string) Attr {
	return Field("request_id", value)
}

func FieldAttempts(value int) Attr {
	return Field("attempts", value)
}

// codedError pins the code chosen at the creation or wrap site. oops
// resolves Code() from the deepest frame of a chain, so wrapping an
// already-coded error could never re-code it; the pin makes the
// outermost explicit code authoritative while the oops chain keeps the
// messages, fields, and stack.
type codedError struct {
	code Code
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func coded(code Code, err error) error {
	return &codedError{code: code, err: err}
}

func New(code Code, msg string, fields ...Attr) error {
	return coded(code, oops.Code(code).With(flatten(fields)...).New(msg))
}

func Errorf(code Code, format string, args ...any) error {
	return coded(code, oops.Code(code).Errorf(format, args...))
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return coded(code, oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg))
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return coded(code, oops.Code(code).Wrapf(err, format, args...))
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return coded(code, oops.Code(code).With(flatten(fields)...).Wrap(err))
}

// CodeOf returns the error's code: the outermost pinned code when the
// error passed through this package, otherwise whatever oops resolves
// for a foreign oops chain.
func CodeOf(err error) Code {
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if ce, ok := e.(*codedError); ok {
			return ce.code
		}
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok || oopsErr.Code() == nil {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func IsCircuitOpen(err error) bool {
	return HasCode(err, CodeCircuitOpen)
}

func IsAdmissionDenied(err error) bool {
	return HasCode(err, CodeOrchestratorAdmissionDenied)
}

func IsUpstreamFailure(err error) bool {
	code := CodeOf(err)
	return strings.Contains(string(code), "upstream") && reason(code) == "failure"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsAdmissionDenied(err):
		return http.StatusServiceUnavailable
	case HasCode(err, CodeProviderRateLimited):
		return http.StatusTooManyRequests
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUpstreamFailure(err), HasCode(err, CodeOrchestratorAllFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Join combines non-nil errors into one error carrying the given code.
func Join(code Code, errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return coded(code, oops.Code(code).Wrap(joined))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
