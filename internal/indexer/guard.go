// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/autobrr/pickarr/internal/indexer")

// Observer receives one event per remote attempt and per local rejection.
type Observer interface {
	ObserveAttempt(service string, kind ErrorKind, elapsed time.Duration)
	ObserveRejection(service string, kind ErrorKind)
}

// Guard gates calls to remote services: rate limiter first, then the circuit
// breaker, then the retry policy. Limiter and breaker state is keyed by
// service and may be shared by many clients.
type Guard struct {
	limiter  *RateLimiter
	breakers *BreakerSet
	retry    RetryConfig
	observer Observer
}

type GuardOption func(*Guard)

func WithRetry(cfg RetryConfig) GuardOption {
	return func(g *Guard) {
		g.retry = cfg
	}
}

func WithObserver(o Observer) GuardOption {
	return func(g *Guard) {
		g.observer = o
	}
}

func NewGuard(limiter *RateLimiter, breakers *BreakerSet, opts ...GuardOption) *Guard {
	if limiter == nil {
		limiter = NewRateLimiter()
	}
	if breakers == nil {
		breakers = NewBreakerSet()
	}
	g := &Guard{
		limiter:  limiter,
		breakers: breakers,
		retry:    DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Limiter() *RateLimiter {
	return g.limiter
}

func (g *Guard) Breakers() *BreakerSet {
	return g.breakers
}

// Do runs fn for service under the rate limiter, breaker and retry policy.
// Every attempt takes a limiter slot and a breaker permit.
func (g *Guard) Do(ctx context.Context, service string, mode Mode, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "indexer.call", trace.WithAttributes(attribute.String("indexer", service)))
	defer span.End()

	err := g.retry.Do(ctx, service, func(ctx context.Context, attempt uint) error {
		span.SetAttributes(attribute.Int("attempts", int(attempt)))
		return g.attempt(ctx, service, mode, fn)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	return err
}

func (g *Guard) attempt(ctx context.Context, service string, mode Mode, fn func(ctx context.Context) error) error {
	if err := g.limiter.Acquire(ctx, service, mode); err != nil {
		g.reject(service, err)
		return err
	}

	permit, err := g.breakers.Allow(service)
	if err != nil {
		g.reject(service, err)
		return err
	}

	start := time.Now()
	err = fn(ctx)
	elapsed := time.Since(start)

	var remote *RateLimitedError
	switch {
	case err == nil:
		g.limiter.RecordSuccess(service)
	case errors.As(err, &remote):
		remote.Remote = true
		cooldown := g.limiter.RecordThrottle(service, remote.RetryAfter)
		if cooldown > remote.RetryAfter {
			remote.RetryAfter = cooldown
		}
		log.Warn().Str("indexer", service).Dur("cooldown", cooldown).Msg("remote rate limit hit, cooling down")
	}

	permit.Done(OutcomeFor(err), err)

	if g.observer != nil {
		g.observer.ObserveAttempt(service, KindOf(err), elapsed)
	}
	return err
}

func (g *Guard) reject(service string, err error) {
	if g.observer != nil {
		g.observer.ObserveRejection(service, KindOf(err))
	}
}

// Check runs a health probe. It goes through the breaker and takes a limiter
// slot without waiting; a full window reports degraded.
func (g *Guard) Check(ctx context.Context, service string, probe func(ctx context.Context) error) HealthStatus {
	ctx, span := tracer.Start(ctx, "indexer.health", trace.WithAttributes(attribute.String("indexer", service)))
	defer span.End()

	if err := g.limiter.Acquire(ctx, service, ModeNonBlocking); err != nil {
		g.reject(service, err)
		return HealthDegraded
	}

	permit, err := g.breakers.Allow(service)
	if err != nil {
		g.reject(service, err)
		return HealthUnhealthy
	}

	start := time.Now()
	err = probe(ctx)
	permit.Done(OutcomeFor(err), err)
	if g.observer != nil {
		g.observer.ObserveAttempt(service, KindOf(err), time.Since(start))
	}

	switch KindOf(err) {
	case KindNone:
		g.limiter.RecordSuccess(service)
		return HealthHealthy
	case KindRateLimited, KindMalformed:
		span.RecordError(err)
		return HealthDegraded
	default:
		span.RecordError(err)
		log.Debug().Err(err).Str("indexer", service).Msg("health probe failed")
		return HealthUnhealthy
	}
}
