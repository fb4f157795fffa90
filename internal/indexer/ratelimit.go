// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultWindowRequests = 60
	defaultWindow         = time.Minute
)

// escalationPeriods defines cooldowns for repeated remote throttling.
// The level increases with every 429 and resets on success.
var escalationPeriods = []time.Duration{
	0,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	1 * time.Hour,
}

// Mode selects what Acquire does when the window is full.
type Mode int

const (
	// ModeBlocking waits until a slot frees up or the context ends.
	ModeBlocking Mode = iota
	// ModeNonBlocking returns a *RateLimitedError carrying the wait.
	ModeNonBlocking
)

// Limit is a request budget over a rolling window. Requests <= 0 disables limiting.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Usage is a point-in-time view of one service's window.
type Usage struct {
	Used          int           `json:"used"`
	Limit         int           `json:"limit"`
	Window        time.Duration `json:"window"`
	NextSlotIn    time.Duration `json:"nextSlotIn"`
	CooldownUntil *time.Time    `json:"cooldownUntil,omitempty"`
}

type serviceWindow struct {
	limit           Limit
	stamps          []time.Time
	cooldownUntil   time.Time
	escalationLevel int
}

// RateLimiter tracks request timestamps per service over a rolling window.
// All state changes happen under one mutex, so the check and the record of a
// slot are a single step.
type RateLimiter struct {
	mu           sync.Mutex
	defaultLimit Limit
	services     map[string]*serviceWindow
	now          func() time.Time
}

type RateLimiterOption func(*RateLimiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(r *RateLimiter) {
		if now != nil {
			r.now = now
		}
	}
}

// WithDefaultLimit sets the limit for services that were never configured.
func WithDefaultLimit(limit Limit) RateLimiterOption {
	return func(r *RateLimiter) {
		r.defaultLimit = limit
	}
}

func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		defaultLimit: Limit{Requests: defaultWindowRequests, Window: defaultWindow},
		services:     make(map[string]*serviceWindow),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure sets the budget for a service. Timestamps already recorded are kept.
func (r *RateLimiter) Configure(service string, limit Limit) {
	if limit.Window <= 0 {
		limit.Window = defaultWindow
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getWindowLocked(service).limit = limit
}

// Acquire takes one slot for service. In blocking mode it waits for the oldest
// timestamp to leave the window; if the context deadline would pass first it
// returns a *RateLimitedError instead of sleeping.
func (r *RateLimiter) Acquire(ctx context.Context, service string, mode Mode) error {
	for {
		r.mu.Lock()
		wait := r.reserveLocked(service, r.now())
		r.mu.Unlock()

		if wait <= 0 {
			return nil
		}

		if mode == ModeNonBlocking {
			return &RateLimitedError{Service: service, RetryAfter: wait}
		}

		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return &RateLimitedError{Service: service, RetryAfter: wait}
		}

		log.Debug().Str("indexer", service).Dur("wait", wait).Msg("rate limit reached, waiting for a free slot")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// SetCooldown blocks the service until the given time. Earlier cooldowns never
// shorten a later one.
func (r *RateLimiter) SetCooldown(service string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.getWindowLocked(service)
	if until.After(w.cooldownUntil) {
		w.cooldownUntil = until
	}
}

// RecordThrottle escalates the cooldown after the remote answered with a rate
// limit. The cooldown is the longer of retryAfter and the escalation period.
func (r *RateLimiter) RecordThrottle(service string, retryAfter time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.getWindowLocked(service)
	if w.escalationLevel < len(escalationPeriods)-1 {
		w.escalationLevel++
	}

	cooldown := escalationPeriods[w.escalationLevel]
	if retryAfter > cooldown {
		cooldown = retryAfter
	}
	if cooldown > 0 {
		until := r.now().Add(cooldown)
		if until.After(w.cooldownUntil) {
			w.cooldownUntil = until
		}
	}
	return cooldown
}

// RecordSuccess resets the throttle escalation level.
func (r *RateLimiter) RecordSuccess(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.getWindowLocked(service).escalationLevel = 0
}

// Usage reports the current window occupancy for service.
func (r *RateLimiter) Usage(service string) Usage {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w := r.getWindowLocked(service)
	w.pruneLocked(now)

	u := Usage{
		Used:       len(w.stamps),
		Limit:      w.limit.Requests,
		Window:     w.limit.Window,
		NextSlotIn: w.waitLocked(now),
	}
	if w.cooldownUntil.After(now) {
		until := w.cooldownUntil
		u.CooldownUntil = &until
	}
	return u
}

func (r *RateLimiter) reserveLocked(service string, now time.Time) time.Duration {
	w := r.getWindowLocked(service)
	w.pruneLocked(now)

	if wait := w.waitLocked(now); wait > 0 {
		return wait
	}

	if w.limit.Requests > 0 {
		w.stamps = append(w.stamps, now)
	}
	return 0
}

func (r *RateLimiter) getWindowLocked(service string) *serviceWindow {
	w, ok := r.services[service]
	if !ok {
		w = &serviceWindow{limit: r.defaultLimit}
		r.services[service] = w
	}
	return w
}

func (w *serviceWindow) pruneLocked(now time.Time) {
	keep := 0
	for keep < len(w.stamps) && now.Sub(w.stamps[keep]) >= w.limit.Window {
		keep++
	}
	if keep > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[keep:]...)
	}
}

func (w *serviceWindow) waitLocked(now time.Time) time.Duration {
	var wait time.Duration
	if w.cooldownUntil.After(now) {
		wait = w.cooldownUntil.Sub(now)
	}
	if w.limit.Requests > 0 && len(w.stamps) >= w.limit.Requests {
		oldest := w.stamps[len(w.stamps)-w.limit.Requests]
		if d := oldest.Add(w.limit.Window).Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}
