// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/pickarr/internal/indexer"
)

// Config controls the background probe cadence.
type Config struct {
	CheckInterval   time.Duration
	CleanupInterval time.Duration
	HistorySize     int
}

// CacheMaintainer removes expired search cache rows.
type CacheMaintainer interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// Service probes every registered indexer on a schedule so health snapshots
// stay fresh between searches, and keeps a short history of status changes.
type Service struct {
	cfg      Config
	registry *indexer.Registry
	cache    CacheMaintainer

	now func() time.Time

	mu          sync.RWMutex
	last        map[string]indexer.HealthStatus
	history     map[string][]ActivityEvent
	lastCleanup time.Time
}

// ActivityEvent records one health status transition of an indexer.
type ActivityEvent struct {
	IndexerID string               `json:"indexerId"`
	From      indexer.HealthStatus `json:"from,omitempty"`
	To        indexer.HealthStatus `json:"to"`
	Reason    string               `json:"reason,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

const defaultHistorySize = 50

func DefaultConfig() Config {
	return Config{
		CheckInterval:   5 * time.Minute,
		CleanupInterval: time.Hour,
		HistorySize:     defaultHistorySize,
	}
}

// NewService constructs a Service. cache may be nil.
func NewService(cfg Config, registry *indexer.Registry, cache CacheMaintainer) *Service {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	return &Service{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		now:      time.Now,
		last:     make(map[string]indexer.HealthStatus),
		history:  make(map[string][]ActivityEvent),
	}
}

// Start runs one scan immediately and then one per CheckInterval until ctx ends.
func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	go func() {
		s.scan(ctx)
		s.loop(ctx)
	}()
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Service) scan(ctx context.Context) {
	for _, c := range s.registry.List() {
		if ctx.Err() != nil {
			return
		}
		status, err := s.registry.Check(ctx, c.ID())
		if err != nil {
			log.Debug().Err(err).Str("indexer", c.ID()).Msg("monitor: indexer vanished during scan")
			continue
		}
		s.observe(c.ID(), status)
	}
	s.cleanup(ctx)
}

func (s *Service) observe(id string, status indexer.HealthStatus) {
	s.mu.Lock()
	prev, seen := s.last[id]
	s.last[id] = status
	s.mu.Unlock()

	if seen && prev == status {
		return
	}

	reason := ""
	if snap, err := s.registry.Snapshot(id); err == nil {
		reason = snap.LastError
	}
	s.recordActivity(id, prev, status, reason)

	if !seen {
		return
	}
	evt := log.Info()
	if status != indexer.HealthHealthy {
		evt = log.Warn()
	}
	evt.Str("indexer", id).Str("from", string(prev)).Str("to", string(status)).Msg("monitor: indexer health changed")
}

func (s *Service) cleanup(ctx context.Context) {
	if s.cache == nil {
		return
	}
	now := s.now()
	s.mu.Lock()
	due := s.lastCleanup.IsZero() || now.Sub(s.lastCleanup) >= s.cfg.CleanupInterval
	if due {
		s.lastCleanup = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	removed, err := s.cache.CleanupExpired(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("monitor: search cache cleanup failed")
		return
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("monitor: expired search cache entries removed")
	}
}

func (s *Service) recordActivity(id string, from, to indexer.HealthStatus, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event := ActivityEvent{
		IndexerID: id,
		From:      from,
		To:        to,
		Reason:    strings.TrimSpace(reason),
		Timestamp: s.now(),
	}
	s.history[id] = append(s.history[id], event)
	if len(s.history[id]) > s.cfg.HistorySize {
		s.history[id] = s.history[id][len(s.history[id])-s.cfg.HistorySize:]
	}
}

// Activity returns the most recent transitions for an indexer, newest last.
func (s *Service) Activity(id string, limit int) []ActivityEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.history[id]
	if len(events) == 0 {
		return nil
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]ActivityEvent, len(events))
	copy(out, events)
	return out
}
