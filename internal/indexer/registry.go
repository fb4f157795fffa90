// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/pickarr/internal/domain"
)

var ErrUnknownIndexer = errors.New("unknown indexer")

// HealthSnapshot is the observable state of one indexer.
type HealthSnapshot struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           Type            `json:"type"`
	CircuitState   CircuitState    `json:"circuitState"`
	Breaker        BreakerSnapshot `json:"breaker"`
	RateLimitUsage Usage           `json:"rateLimitUsage"`
	LastError      string          `json:"lastError,omitempty"`
	LastStatus     HealthStatus    `json:"lastStatus,omitempty"`
	LastCheckedAt  *time.Time      `json:"lastCheckedAt,omitempty"`
}

type healthRecord struct {
	status HealthStatus
	at     time.Time
}

// Registry owns the configured clients and the guard whose keyed limiter and
// breaker state they share.
type Registry struct {
	mu      sync.RWMutex
	guard   *Guard
	clients map[string]Client
	order   []string
	checks  map[string]healthRecord
}

func NewRegistry(guard *Guard) *Registry {
	if guard == nil {
		guard = NewGuard(nil, nil)
	}
	return &Registry{
		guard:   guard,
		clients: make(map[string]Client),
		checks:  make(map[string]healthRecord),
	}
}

func (r *Registry) Guard() *Guard {
	return r.guard
}

// Register adds a client. Ids must be unique.
func (r *Registry) Register(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.ID()]; ok {
		return fmt.Errorf("indexer %s already registered", c.ID())
	}
	r.clients[c.ID()] = c
	r.order = append(r.order, c.ID())
	return nil
}

// Replace swaps the client set, keeping limiter and breaker history for ids
// that survive.
func (r *Registry) Replace(clients []Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients = make(map[string]Client, len(clients))
	r.order = r.order[:0]
	for _, c := range clients {
		if _, ok := r.clients[c.ID()]; ok {
			continue
		}
		r.clients[c.ID()] = c
		r.order = append(r.order, c.ID())
	}
}

func (r *Registry) Get(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// List returns the clients in registration order.
func (r *Registry) List() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clients[id])
	}
	return out
}

// Select returns the clients matching ids, or all clients when ids is empty.
func (r *Registry) Select(ids []string) ([]Client, error) {
	if len(ids) == 0 {
		return r.List(), nil
	}
	out := make([]Client, 0, len(ids))
	for _, id := range ids {
		c, ok := r.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIndexer, id)
		}
		out = append(out, c)
	}
	return out, nil
}

// Check runs a health probe and remembers its outcome.
func (r *Registry) Check(ctx context.Context, id string) (HealthStatus, error) {
	c, ok := r.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownIndexer, id)
	}

	status := c.HealthCheck(ctx)

	r.mu.Lock()
	r.checks[id] = healthRecord{status: status, at: time.Now()}
	r.mu.Unlock()

	log.Debug().Str("indexer", id).Str("status", string(status)).Msg("health check finished")
	return status, nil
}

func (r *Registry) Snapshot(id string) (HealthSnapshot, error) {
	c, ok := r.Get(id)
	if !ok {
		return HealthSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownIndexer, id)
	}
	return r.snapshot(c), nil
}

func (r *Registry) Snapshots() []HealthSnapshot {
	clients := r.List()
	out := make([]HealthSnapshot, 0, len(clients))
	for _, c := range clients {
		out = append(out, r.snapshot(c))
	}
	return out
}

func (r *Registry) snapshot(c Client) HealthSnapshot {
	breaker := r.guard.Breakers().Snapshot(c.ID())
	snap := HealthSnapshot{
		ID:             c.ID(),
		Name:           c.Name(),
		Type:           c.Type(),
		CircuitState:   breaker.State,
		Breaker:        breaker,
		RateLimitUsage: r.guard.Limiter().Usage(c.ID()),
		LastError:      breaker.LastError,
	}

	r.mu.RLock()
	rec, ok := r.checks[c.ID()]
	r.mu.RUnlock()
	if ok {
		at := rec.at
		snap.LastStatus = rec.status
		snap.LastCheckedAt = &at
	}
	return snap
}

// ConfigureGuard applies the retry and breaker settings from config. listener
// may be nil.
func ConfigureGuard(cfg *domain.Config, listener StateListener, opts ...GuardOption) *Guard {
	breakerCfg := BreakerConfig{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		FailureWindow:     time.Duration(cfg.Breaker.FailureWindowSeconds) * time.Second,
		RecoveryTimeout:   time.Duration(cfg.Breaker.RecoveryTimeoutSeconds) * time.Second,
		HalfOpenProbes:    cfg.Breaker.HalfOpenProbes,
		SoftFailureWeight: cfg.Breaker.MalformedWeight,
	}
	if cfg.Breaker.MalformedWeight == 0 {
		breakerCfg.SoftFailureWeight = DefaultBreakerConfig().SoftFailureWeight
	}

	retryCfg := RetryConfig{
		Attempts:     uint(max(cfg.Retry.Attempts, 0)),
		InitialDelay: time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		MaxJitter:    time.Duration(cfg.Retry.MaxJitterMs) * time.Millisecond,
	}

	all := append([]GuardOption{WithRetry(retryCfg)}, opts...)
	return NewGuard(NewRateLimiter(), NewBreakerSet(WithBreakerDefaults(breakerCfg), WithStateListener(listener)), all...)
}

// NewClient builds a client from its config and sets its rate limit on the
// guard's limiter.
func NewClient(cfg domain.IndexerConfig, guard *Guard) (Client, error) {
	if guard == nil {
		guard = NewGuard(nil, nil)
	}

	var (
		client Client
		limit  Limit
		err    error
	)
	switch cfg.Kind {
	case domain.IndexerKindTorznab, "":
		limit = Limit{Requests: defaultWindowRequests, Window: defaultWindow}
		client, err = NewTorznabClient(TorznabConfig{
			ID:        cfg.ID,
			Name:      cfg.Name,
			Backend:   Backend(cfg.Backend),
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Upstreams: cfg.Upstreams,
			Timeout:   cfg.Timeout(),
		}, guard)
	case domain.IndexerKindHDBits:
		limit = DefaultDirectTrackerLimit
		client, err = NewHDBitsClient(HDBitsConfig{
			ID:       cfg.ID,
			Name:     cfg.Name,
			BaseURL:  cfg.BaseURL,
			Username: cfg.Username,
			Passkey:  cfg.Passkey,
			Timeout:  cfg.Timeout(),
		}, guard)
	default:
		return nil, fmt.Errorf("indexer %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerWindow > 0 {
		limit.Requests = cfg.RequestsPerWindow
	}
	if cfg.WindowSeconds > 0 {
		limit.Window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	guard.Limiter().Configure(cfg.ID, limit)
	return client, nil
}

// BuildClients creates every enabled indexer. Invalid entries are logged and skipped.
func BuildClients(configs []domain.IndexerConfig, guard *Guard) []Client {
	clients := make([]Client, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.IsEnabled() {
			continue
		}
		client, err := NewClient(cfg, guard)
		if err != nil {
			log.Error().Err(err).Str("indexer", cfg.ID).Msg("skipping invalid indexer")
			continue
		}
		clients = append(clients, client)
	}
	return clients
}
