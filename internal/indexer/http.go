// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes int64 = 16 << 20

// NewHTTPClient returns an instrumented client with the given timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(service string, resp *http.Response, now time.Time) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &AuthenticationError{Service: service, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Service: service, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now), Remote: true}
	case resp.StatusCode == http.StatusBadRequest:
		return &MalformedError{Service: service, Message: "request rejected: " + msg}
	default:
		return &UpstreamError{Service: service, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
}
