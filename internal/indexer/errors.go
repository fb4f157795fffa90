// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrorKind classifies indexer failures.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindRateLimited    ErrorKind = "rate_limited"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindAuthentication ErrorKind = "authentication"
	KindUpstream       ErrorKind = "upstream"
	KindMalformed      ErrorKind = "malformed"
)

// RateLimitedError is returned when a request would exceed the service's budget,
// either locally or because the remote answered 429.
type RateLimitedError struct {
	Service    string
	RetryAfter time.Duration
	Remote     bool
}

func (e *RateLimitedError) Error() string {
	origin := "local rate limit"
	if e.Remote {
		origin = "remote rate limit"
	}
	return fmt.Sprintf("%s: %s reached, retry after %s", e.Service, origin, e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitedError) Is(target error) bool {
	_, ok := target.(*RateLimitedError)
	return ok
}

// CircuitOpenError is returned without contacting the service when its breaker is open.
type CircuitOpenError struct {
	Service    string
	State      CircuitState
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter <= 0 {
		return fmt.Sprintf("%s: circuit %s", e.Service, e.State)
	}
	return fmt.Sprintf("%s: circuit %s, retry after %s", e.Service, e.State, e.RetryAfter.Round(time.Millisecond))
}

func (e *CircuitOpenError) Is(target error) bool {
	_, ok := target.(*CircuitOpenError)
	return ok
}

// AuthenticationError is fatal for the service and never retried.
type AuthenticationError struct {
	Service string
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Service, e.Message)
}

func (e *AuthenticationError) Is(target error) bool {
	_, ok := target.(*AuthenticationError)
	return ok
}

// UpstreamError reports a remote-side failure. StatusCode is zero for
// transport failures.
type UpstreamError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	b.WriteString(": upstream error")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamError) Is(target error) bool {
	_, ok := target.(*UpstreamError)
	return ok
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// MalformedError is returned when a response cannot be parsed or a request was
// rejected as invalid.
type MalformedError struct {
	Service string
	Message string
	Err     error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: malformed response: %s: %v", e.Service, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: malformed response: %s", e.Service, e.Message)
}

func (e *MalformedError) Is(target error) bool {
	_, ok := target.(*MalformedError)
	return ok
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// KindOf returns the taxonomy kind of err. Context errors and unclassified
// transport failures are reported as upstream failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, &RateLimitedError{}):
		return KindRateLimited
	case errors.Is(err, &CircuitOpenError{}):
		return KindCircuitOpen
	case errors.Is(err, &AuthenticationError{}):
		return KindAuthentication
	case errors.Is(err, &MalformedError{}):
		return KindMalformed
	default:
		return KindUpstream
	}
}

// RetryAfter extracts the suggested delay from rate-limit and circuit errors.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return co.RetryAfter
	}
	return 0
}

// IsTransient reports whether err is worth retrying: timeouts, connection
// resets and 5xx responses. Authentication, malformed, rate-limit and circuit
// errors are never transient, nor is cancellation of the caller's context.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindAuthentication, KindMalformed, KindRateLimited, KindCircuitOpen:
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.StatusCode > 0 {
		return upstream.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, token := range []string{"timeout", "connection reset", "connection refused", "broken pipe", "eof"} {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}
