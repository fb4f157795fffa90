// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CircuitState is the state of a per-service circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Outcome is what a guarded call reports back to its breaker.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeSoftFailure counts with BreakerConfig.SoftFailureWeight.
	OutcomeSoftFailure
	// OutcomeNeutral releases the permit without touching health.
	OutcomeNeutral
)

// OutcomeFor maps a call result onto a breaker outcome. Malformed responses are
// soft failures; local rate limits and open circuits say nothing about health.
func OutcomeFor(err error) Outcome {
	switch KindOf(err) {
	case KindNone:
		return OutcomeSuccess
	case KindMalformed:
		return OutcomeSoftFailure
	case KindRateLimited, KindCircuitOpen:
		return OutcomeNeutral
	default:
		return OutcomeFailure
	}
}

type BreakerConfig struct {
	// FailureThreshold is the weighted failure count that opens the circuit.
	FailureThreshold float64
	// FailureWindow is how far back failures are counted.
	FailureWindow time.Duration
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// HalfOpenProbes is the number of concurrent probes allowed while half-open.
	HalfOpenProbes int
	// SoftFailureWeight is the weight of an OutcomeSoftFailure.
	SoftFailureWeight float64
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		FailureWindow:     10 * time.Minute,
		RecoveryTimeout:   300 * time.Second,
		HalfOpenProbes:    3,
		SoftFailureWeight: 0.5,
	}
}

func (c BreakerConfig) normalize() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = def.FailureWindow
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = def.HalfOpenProbes
	}
	if c.SoftFailureWeight < 0 {
		c.SoftFailureWeight = 0
	}
	return c
}

type failureEvent struct {
	at     time.Time
	weight float64
}

type breaker struct {
	cfg        BreakerConfig
	state      CircuitState
	failures   []failureEvent
	openedAt   time.Time
	probes     int
	generation uint64

	consecutiveFailures int
	lastError           string
	lastErrorAt         time.Time
	lastSuccessAt       time.Time

	total      uint64
	successful uint64
	failed     uint64
	rejected   uint64
}

// BreakerSnapshot is a read-only view of one breaker.
type BreakerSnapshot struct {
	State               CircuitState  `json:"state"`
	WeightedFailures    float64       `json:"weightedFailures"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	OpenedAt            *time.Time    `json:"openedAt,omitempty"`
	RetryAfter          time.Duration `json:"retryAfter,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	LastErrorAt         *time.Time    `json:"lastErrorAt,omitempty"`
	LastSuccessAt       *time.Time    `json:"lastSuccessAt,omitempty"`
	TotalRequests       uint64        `json:"totalRequests"`
	Successful          uint64        `json:"successful"`
	Failed              uint64        `json:"failed"`
	Rejected            uint64        `json:"rejected"`
}

// StateListener is notified after a breaker changes state. It runs outside the
// set's lock.
type StateListener func(service string, from, to CircuitState)

// BreakerSet holds one circuit breaker per service.
type BreakerSet struct {
	mu        sync.Mutex
	defaults  BreakerConfig
	breakers  map[string]*breaker
	now       func() time.Time
	listeners []StateListener
}

type BreakerOption func(*BreakerSet)

func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(s *BreakerSet) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBreakerDefaults(cfg BreakerConfig) BreakerOption {
	return func(s *BreakerSet) {
		s.defaults = cfg.normalize()
	}
}

func WithStateListener(fn StateListener) BreakerOption {
	return func(s *BreakerSet) {
		if fn != nil {
			s.listeners = append(s.listeners, fn)
		}
	}
}

func NewBreakerSet(opts ...BreakerOption) *BreakerSet {
	s := &BreakerSet{
		defaults: DefaultBreakerConfig(),
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure overrides the breaker config for one service.
func (s *BreakerSet) Configure(service string, cfg BreakerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getLocked(service).cfg = cfg.normalize()
}

// Permit is a single admission through a breaker. Done must be called exactly
// once; later calls are ignored.
type Permit struct {
	set        *BreakerSet
	service    string
	probe      bool
	generation uint64
	done       bool
}

// Probe reports whether the permit was granted as a half-open probe.
func (p *Permit) Probe() bool {
	return p.probe
}

// Allow admits a call to service or returns a *CircuitOpenError without
// touching the service.
func (s *BreakerSet) Allow(service string) (*Permit, error) {
	s.mu.Lock()
	b := s.getLocked(service)
	now := s.now()

	var transition *[2]CircuitState
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = CircuitHalfOpen
		b.probes = 0
		b.generation++
		transition = &[2]CircuitState{CircuitOpen, CircuitHalfOpen}
	}

	var (
		permit *Permit
		err    error
	)
	switch b.state {
	case CircuitOpen:
		b.rejected++
		err = &CircuitOpenError{Service: service, State: CircuitOpen, RetryAfter: b.openedAt.Add(b.cfg.RecoveryTimeout).Sub(now)}
	case CircuitHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			b.rejected++
			err = &CircuitOpenError{Service: service, State: CircuitHalfOpen}
			break
		}
		b.probes++
		b.total++
		permit = &Permit{set: s, service: service, probe: true, generation: b.generation}
	default:
		b.total++
		permit = &Permit{set: s, service: service, generation: b.generation}
	}
	s.mu.Unlock()

	if transition != nil {
		s.notify(service, transition[0], transition[1])
	}
	return permit, err
}

// Done records the outcome of the call admitted by p.
func (p *Permit) Done(outcome Outcome, err error) {
	if p == nil || p.set == nil {
		return
	}
	p.set.record(p, outcome, err)
}

func (s *BreakerSet) record(p *Permit, outcome Outcome, callErr error) {
	s.mu.Lock()
	if p.done {
		s.mu.Unlock()
		return
	}
	p.done = true

	b := s.getLocked(p.service)
	now := s.now()
	from := b.state

	switch outcome {
	case OutcomeSuccess:
		b.successful++
		b.consecutiveFailures = 0
		b.lastSuccessAt = now
	case OutcomeFailure, OutcomeSoftFailure:
		b.failed++
		b.consecutiveFailures++
		b.lastErrorAt = now
		if callErr != nil {
			b.lastError = callErr.Error()
		}
	}

	current := p.generation == b.generation
	switch {
	case p.probe && current && b.state == CircuitHalfOpen:
		b.probes--
		switch outcome {
		case OutcomeSuccess:
			b.state = CircuitClosed
			b.failures = b.failures[:0]
			b.generation++
		case OutcomeFailure, OutcomeSoftFailure:
			b.state = CircuitOpen
			b.openedAt = now
			b.generation++
		}
	case b.state == CircuitClosed:
		switch outcome {
		case OutcomeSuccess:
			b.failures = b.failures[:0]
		case OutcomeFailure, OutcomeSoftFailure:
			weight := 1.0
			if outcome == OutcomeSoftFailure {
				weight = b.cfg.SoftFailureWeight
			}
			b.failures = append(b.failures, failureEvent{at: now, weight: weight})
			if b.weightedFailuresLocked(now) >= b.cfg.FailureThreshold {
				b.state = CircuitOpen
				b.openedAt = now
				b.generation++
			}
		}
	}
	to := b.state
	s.mu.Unlock()

	if from != to {
		s.notify(p.service, from, to)
	}
}

// State returns the effective state of the breaker for service. An open
// breaker whose recovery timeout elapsed reports half-open.
func (s *BreakerSet) State(service string) CircuitState {
	return s.Snapshot(service).State
}

func (s *BreakerSet) Snapshot(service string) BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.getLocked(service)
	now := s.now()

	snap := BreakerSnapshot{
		State:               b.state,
		WeightedFailures:    b.weightedFailuresLocked(now),
		ConsecutiveFailures: b.consecutiveFailures,
		LastError:           b.lastError,
		TotalRequests:       b.total,
		Successful:          b.successful,
		Failed:              b.failed,
		Rejected:            b.rejected,
	}
	if b.state == CircuitOpen {
		opened := b.openedAt
		snap.OpenedAt = &opened
		if wait := b.openedAt.Add(b.cfg.RecoveryTimeout).Sub(now); wait > 0 {
			snap.RetryAfter = wait
		} else {
			snap.State = CircuitHalfOpen
		}
	}
	if !b.lastErrorAt.IsZero() {
		at := b.lastErrorAt
		snap.LastErrorAt = &at
	}
	if !b.lastSuccessAt.IsZero() {
		at := b.lastSuccessAt
		snap.LastSuccessAt = &at
	}
	return snap
}

// Reset forces the breaker for service back to closed.
func (s *BreakerSet) Reset(service string) {
	s.mu.Lock()
	b := s.getLocked(service)
	from := b.state
	b.state = CircuitClosed
	b.failures = b.failures[:0]
	b.probes = 0
	b.consecutiveFailures = 0
	b.generation++
	s.mu.Unlock()

	if from != CircuitClosed {
		s.notify(service, from, CircuitClosed)
	}
}

func (s *BreakerSet) getLocked(service string) *breaker {
	b, ok := s.breakers[service]
	if !ok {
		b = &breaker{cfg: s.defaults, state: CircuitClosed}
		s.breakers[service] = b
	}
	return b
}

func (b *breaker) weightedFailuresLocked(now time.Time) float64 {
	keep := 0
	for keep < len(b.failures) && now.Sub(b.failures[keep].at) > b.cfg.FailureWindow {
		keep++
	}
	if keep > 0 {
		b.failures = append(b.failures[:0], b.failures[keep:]...)
	}

	var sum float64
	for _, f := range b.failures {
		sum += f.weight
	}
	return sum
}

func (s *BreakerSet) notify(service string, from, to CircuitState) {
	log.Info().Str("indexer", service).Str("from", string(from)).Str("to", string(to)).Msg("circuit state changed")
	for _, fn := range s.listeners {
		fn(service, from, to)
	}
}
