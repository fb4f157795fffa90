// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/pickarr/internal/domain"
)

type stubClient struct {
	id     string
	status HealthStatus
}

func (s *stubClient) ID() string   { return s.id }
func (s *stubClient) Name() string { return "Stub " + s.id }
func (s *stubClient) Type() Type   { return TypeTorznab }

func (s *stubClient) Search(ctx context.Context, q Query) (*SearchResult, error) {
	return &SearchResult{}, nil
}

func (s *stubClient) HealthCheck(ctx context.Context) HealthStatus {
	return s.status
}

func TestRegistry_RegisterAndSelect(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&stubClient{id: "b"}))
	require.NoError(t, r.Register(&stubClient{id: "a"}))
	assert.Error(t, r.Register(&stubClient{id: "a"}))

	var ids []string
	for _, c := range r.List() {
		ids = append(ids, c.ID())
	}
	assert.Equal(t, []string{"b", "a"}, ids)

	selected, err := r.Select([]string{"a"})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "a", selected[0].ID())

	_, err = r.Select([]string{"missing"})
	assert.ErrorIs(t, err, ErrUnknownIndexer)

	r.Replace([]Client{&stubClient{id: "c"}, &stubClient{id: "c"}})
	assert.Len(t, r.List(), 1)
}

func TestRegistry_Snapshot(t *testing.T) {
	clock := newFakeClock()
	guard := NewGuard(NewRateLimiter(WithClock(clock.Now)), NewBreakerSet(WithBreakerClock(clock.Now)))
	guard.Limiter().Configure("hdb", Limit{Requests: 150, Window: time.Hour})

	r := NewRegistry(guard)
	require.NoError(t, r.Register(&stubClient{id: "hdb", status: HealthDegraded}))

	for i := 0; i < 5; i++ {
		_ = guard.Do(context.Background(), "hdb", ModeNonBlocking, func(ctx context.Context) error {
			return &AuthenticationError{Service: "hdb", Message: "invalid passkey"}
		})
	}

	status, err := r.Check(context.Background(), "hdb")
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, status)

	snap, err := r.Snapshot("hdb")
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, snap.CircuitState)
	assert.Equal(t, 5, snap.RateLimitUsage.Used)
	assert.Equal(t, 150, snap.RateLimitUsage.Limit)
	assert.Contains(t, snap.LastError, "invalid passkey")
	assert.Equal(t, HealthDegraded, snap.LastStatus)
	require.NotNil(t, snap.LastCheckedAt)

	_, err = r.Snapshot("nope")
	assert.ErrorIs(t, err, ErrUnknownIndexer)
	assert.Len(t, r.Snapshots(), 1)
}

func TestNewClient_FromConfig(t *testing.T) {
	guard := NewGuard(nil, nil)
	disabled := false

	configs := []domain.IndexerConfig{
		{ID: "jackett", Kind: domain.IndexerKindTorznab, BaseURL: "http://localhost:9117", APIKey: "k"},
		{ID: "hdb", Kind: domain.IndexerKindHDBits, Username: "u", Passkey: "p"},
		{ID: "custom", Kind: domain.IndexerKindHDBits, Username: "u", Passkey: "p", RequestsPerWindow: 10, WindowSeconds: 60},
		{ID: "off", Kind: domain.IndexerKindTorznab, BaseURL: "http://localhost", Enabled: &disabled},
		{ID: "broken", Kind: "gazelle"},
	}

	clients := BuildClients(configs, guard)
	require.Len(t, clients, 3)
	assert.Equal(t, TypeTorznab, clients[0].Type())
	assert.Equal(t, TypeHDBits, clients[1].Type())

	assert.Equal(t, 60, guard.Limiter().Usage("jackett").Limit)
	assert.Equal(t, 150, guard.Limiter().Usage("hdb").Limit)
	assert.Equal(t, time.Hour, guard.Limiter().Usage("hdb").Window)
	assert.Equal(t, 10, guard.Limiter().Usage("custom").Limit)
	assert.Equal(t, time.Minute, guard.Limiter().Usage("custom").Window)
}

func TestConfigureGuard(t *testing.T) {
	cfg := &domain.Config{
		Breaker: domain.BreakerConfig{FailureThreshold: 2, RecoveryTimeoutSeconds: 60},
		Retry:   domain.RetryConfig{Attempts: 1},
	}

	var transitions []CircuitState
	guard := ConfigureGuard(cfg, func(service string, from, to CircuitState) {
		transitions = append(transitions, to)
	})

	for i := 0; i < 2; i++ {
		_ = guard.Do(context.Background(), "svc", ModeNonBlocking, func(ctx context.Context) error {
			return &UpstreamError{Service: "svc", StatusCode: 500}
		})
	}
	assert.Equal(t, CircuitOpen, guard.Breakers().State("svc"))
	assert.Equal(t, []CircuitState{CircuitOpen}, transitions)
}
