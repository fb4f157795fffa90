// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/pickarr/internal/indexer"
)

type probeClient struct {
	id      string
	guard   *indexer.Guard
	healthy atomic.Bool
}

func (p *probeClient) ID() string         { return p.id }
func (p *probeClient) Name() string       { return p.id }
func (p *probeClient) Type() indexer.Type { return indexer.TypeTorznab }

func (p *probeClient) Search(context.Context, indexer.Query) (*indexer.SearchResult, error) {
	return &indexer.SearchResult{}, nil
}

func (p *probeClient) HealthCheck(ctx context.Context) indexer.HealthStatus {
	return p.guard.Check(ctx, p.id, func(context.Context) error {
		if p.healthy.Load() {
			return nil
		}
		return &indexer.UpstreamError{Service: p.id, StatusCode: 502, Message: "bad gateway"}
	})
}

type fakeCache struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCache) CleanupExpired(context.Context) (int64, error) {
	f.calls.Add(1)
	return 3, f.err
}

func TestService_RecordsTransitions(t *testing.T) {
	guard := indexer.NewGuard(nil, nil, indexer.WithRetry(indexer.RetryConfig{Attempts: 1}))
	registry := indexer.NewRegistry(guard)
	client := &probeClient{id: "jackett", guard: guard}
	client.healthy.Store(true)
	require.NoError(t, registry.Register(client))

	svc := NewService(Config{HistorySize: 2}, registry, nil)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	svc.scan(ctx)
	svc.scan(ctx)
	events := svc.Activity("jackett", 0)
	require.Len(t, events, 1, "an unchanged status is not recorded twice")
	assert.Equal(t, indexer.HealthHealthy, events[0].To)
	assert.Empty(t, events[0].From)

	client.healthy.Store(false)
	svc.scan(ctx)
	events = svc.Activity("jackett", 0)
	require.Len(t, events, 2)
	assert.Equal(t, indexer.HealthHealthy, events[1].From)
	assert.Equal(t, indexer.HealthUnhealthy, events[1].To)
	assert.Contains(t, events[1].Reason, "bad gateway")

	client.healthy.Store(true)
	svc.scan(ctx)
	events = svc.Activity("jackett", 0)
	require.Len(t, events, 2, "history is capped")
	assert.Equal(t, indexer.HealthHealthy, events[1].To)

	assert.Len(t, svc.Activity("jackett", 1), 1)
	assert.Nil(t, svc.Activity("unknown", 0))

	snap, err := registry.Snapshot("jackett")
	require.NoError(t, err)
	assert.Equal(t, indexer.HealthHealthy, snap.LastStatus)
}

func TestService_CleanupInterval(t *testing.T) {
	registry := indexer.NewRegistry(nil)
	cache := &fakeCache{}
	svc := NewService(Config{CleanupInterval: time.Hour}, registry, cache)

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	svc.scan(ctx)
	svc.scan(ctx)
	assert.Equal(t, int32(1), cache.calls.Load())

	now = now.Add(time.Hour)
	cache.err = errors.New("database is locked")
	svc.scan(ctx)
	assert.Equal(t, int32(2), cache.calls.Load())
}

func TestService_StartStopsWithContext(t *testing.T) {
	guard := indexer.NewGuard(nil, nil)
	registry := indexer.NewRegistry(guard)
	client := &probeClient{id: "a", guard: guard}
	client.healthy.Store(true)
	require.NoError(t, registry.Register(client))

	ctx, cancel := context.WithCancel(context.Background())
	svc := NewService(Config{CheckInterval: 10 * time.Millisecond}, registry, nil)
	svc.Start(ctx)

	assert.Eventually(t, func() bool {
		return len(svc.Activity("a", 0)) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}
