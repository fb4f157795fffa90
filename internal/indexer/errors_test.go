// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "rate limited", err: &RateLimitedError{Service: "a"}, want: KindRateLimited},
		{name: "wrapped rate limited", err: fmt.Errorf("search: %w", &RateLimitedError{Service: "a"}), want: KindRateLimited},
		{name: "circuit open", err: &CircuitOpenError{Service: "a", State: CircuitOpen}, want: KindCircuitOpen},
		{name: "auth", err: &AuthenticationError{Service: "a", Message: "bad key"}, want: KindAuthentication},
		{name: "malformed", err: &MalformedError{Service: "a", Message: "xml"}, want: KindMalformed},
		{name: "upstream", err: &UpstreamError{Service: "a", StatusCode: 503}, want: KindUpstream},
		{name: "unclassified", err: errors.New("something"), want: KindUpstream},
		{name: "deadline", err: context.DeadlineExceeded, want: KindUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "auth", err: &AuthenticationError{Service: "a"}, want: false},
		{name: "malformed", err: &MalformedError{Service: "a"}, want: false},
		{name: "rate limited", err: &RateLimitedError{Service: "a", Remote: true}, want: false},
		{name: "circuit open", err: &CircuitOpenError{Service: "a"}, want: false},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "5xx", err: &UpstreamError{Service: "a", StatusCode: 502}, want: true},
		{name: "4xx", err: &UpstreamError{Service: "a", StatusCode: 404}, want: false},
		{name: "transport eof", err: &UpstreamError{Service: "a", Err: io.ErrUnexpectedEOF}, want: true},
		{name: "connection reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		{name: "timeout message", err: errors.New("i/o timeout"), want: true},
		{name: "unknown", err: errors.New("bad thing"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, RetryAfter(&RateLimitedError{RetryAfter: 5 * time.Second}))
	assert.Equal(t, time.Minute, RetryAfter(fmt.Errorf("x: %w", &CircuitOpenError{RetryAfter: time.Minute})))
	assert.Zero(t, RetryAfter(errors.New("x")))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "hdb: upstream error (status 502): bad gateway",
		(&UpstreamError{Service: "hdb", StatusCode: 502, Message: "bad gateway"}).Error())
	assert.Equal(t, "hdb: circuit half_open", (&CircuitOpenError{Service: "hdb", State: CircuitHalfOpen}).Error())
	assert.Contains(t, (&RateLimitedError{Service: "hdb", RetryAfter: time.Second, Remote: true}).Error(), "remote rate limit")
}
