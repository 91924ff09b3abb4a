// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package platform

import (
	stderrors "errors"
	"fmt"
	"time"

	"go.chromium.org/luci/common/retry/transient"
)

// Code classifies a failure surfaced by the Platform client.
type Code string

// The full set of codes the client emits. Callers switch on these rather
// than on HTTP statuses, which never escape this package.
const (
	CodeRateLimited               Code = "RATE_LIMITED"
	CodeSecondaryRateLimited      Code = "SECONDARY_RATE_LIMITED"
	CodeCircuitBreakerOpen        Code = "CIRCUIT_BREAKER_OPEN"
	CodeQueueFull                 Code = "QUEUE_FULL"
	CodeArtifactExpired           Code = "ARTIFACT_EXPIRED"
	CodePermissionDenied          Code = "PERMISSION_DENIED"
	CodeNotFound                  Code = "NOT_FOUND"
	CodeUnprocessable             Code = "UNPROCESSABLE"
	CodeServiceUnavailable        Code = "SERVICE_UNAVAILABLE"
	CodeTimeout                   Code = "TIMEOUT"
	CodeWebhookVerificationFailed Code = "WEBHOOK_VERIFICATION_FAILED"
	CodeUnknown                   Code = "UNKNOWN"
)

// retryableByDefault is the retryability each code carries unless the
// construction site overrides it.
var retryableByDefault = map[Code]bool{
	CodeRateLimited:               true,
	CodeSecondaryRateLimited:      true,
	CodeCircuitBreakerOpen:        true,
	CodeQueueFull:                 false,
	CodeArtifactExpired:           false,
	CodePermissionDenied:          false,
	CodeNotFound:                  false,
	CodeUnprocessable:             false,
	CodeServiceUnavailable:        true,
	CodeTimeout:                   true,
	CodeWebhookVerificationFailed: false,
	CodeUnknown:                   false,
}

// Error is the uniform failure type emitted by the Platform client.
// Context names the operation that failed; Cause, when present, is the
// underlying transport or decoding error.
type Error struct {
	Code      Code
	Retryable bool
	Context   string
	Cause     error
	// RetryAfter is the server-requested wait before the next attempt,
	// zero when the response carried none.
	RetryAfter time.Duration
}

// NewError builds an Error with the code's default retryability.
func NewError(code Code, context string, cause error) *Error {
	return &Error{
		Code:      code,
		Retryable: retryableByDefault[code],
		Context:   context,
		Cause:     cause,
	}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Context)
}

func (e *Error) Unwrap() error { return e.Cause }

// CodeOf extracts the client code from err, or CodeUnknown when err did
// not originate here.
func CodeOf(err error) Code {
	var pe *Error
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return CodeUnknown
}

// Retryable reports whether err may succeed if the whole operation is
// attempted again later. Client errors carry the bit explicitly; anything
// else falls back to the transient tag.
func Retryable(err error) bool {
	var pe *Error
	if stderrors.As(err, &pe) {
		return pe.Retryable
	}
	return transient.Tag.In(err)
}

// classifyStatus maps an HTTP response status to a client code. The bool
// reports whether the status is an error at all.
func classifyStatus(status int) (Code, bool) {
	switch {
	case status < 400:
		return "", false
	case status == 401 || status == 403:
		return CodePermissionDenied, true
	case status == 404 || status == 410:
		return CodeNotFound, true
	case status == 408:
		return CodeTimeout, true
	case status == 422:
		return CodeUnprocessable, true
	case status == 429:
		return CodeRateLimited, true
	case status >= 500:
		return CodeServiceUnavailable, true
	default:
		return CodeUnknown, true
	}
}

// statusRetryable reports whether the attempt loop should retry a request
// that got this HTTP status. Only 408, 429 and 5xx qualify.
func statusRetryable(status int) bool {
	switch {
	case status == 408 || status == 429:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}
