// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts uint) RetryConfig {
	return RetryConfig{
		Attempts:     attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxJitter:    time.Millisecond,
	}
}

func TestRetryConfig_Do(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls uint
		wantKind  ErrorKind
	}{
		{
			name:      "success first try",
			errs:      []error{nil},
			wantCalls: 1,
			wantKind:  KindNone,
		},
		{
			name:      "transient then success",
			errs:      []error{&UpstreamError{Service: "svc", StatusCode: 503}, nil},
			wantCalls: 2,
			wantKind:  KindNone,
		},
		{
			name: "gives up after attempts",
			errs: []error{
				&UpstreamError{Service: "svc", StatusCode: 502},
				&UpstreamError{Service: "svc", StatusCode: 502},
				&UpstreamError{Service: "svc", StatusCode: 502},
				nil,
			},
			wantCalls: 3,
			wantKind:  KindUpstream,
		},
		{
			name:      "auth is not retried",
			errs:      []error{&AuthenticationError{Service: "svc", Message: "nope"}, nil},
			wantCalls: 1,
			wantKind:  KindAuthentication,
		},
		{
			name:      "malformed is not retried",
			errs:      []error{&MalformedError{Service: "svc", Message: "xml"}, nil},
			wantCalls: 1,
			wantKind:  KindMalformed,
		},
		{
			name:      "remote rate limit is not retried",
			errs:      []error{&RateLimitedError{Service: "svc", Remote: true}, nil},
			wantCalls: 1,
			wantKind:  KindRateLimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls uint
			err := fastRetry(3).Do(context.Background(), "svc", func(ctx context.Context, attempt uint) error {
				calls++
				assert.Equal(t, calls, attempt)
				return tt.errs[calls-1]
			})
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantKind, KindOf(err))
		})
	}
}

func TestRetryConfig_DoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	err := fastRetry(5).Do(ctx, "svc", func(ctx context.Context, attempt uint) error {
		calls++
		cancel()
		return &UpstreamError{Service: "svc", StatusCode: 503}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryConfig_ZeroValueUsesDefaults(t *testing.T) {
	c := RetryConfig{}.normalize()
	assert.Equal(t, uint(3), c.Attempts)
	assert.Equal(t, 500*time.Millisecond, c.InitialDelay)
	assert.Positive(t, c.MaxJitter)

	var calls int
	err := RetryConfig{Attempts: 1}.Do(context.Background(), "svc", func(ctx context.Context, attempt uint) error {
		calls++
		return errors.New("connection reset by peer")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
