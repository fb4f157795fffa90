// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/autobrr/pickarr/internal/indexer"
	"github.com/autobrr/pickarr/internal/release"
)

var tracer = otel.Tracer("github.com/autobrr/pickarr/internal/search")

var (
	// ErrNoUsableClients is returned when no client was given or none answered.
	ErrNoUsableClients = errors.New("no usable indexer clients")
	ErrInvalidQuery    = errors.New("invalid query")
)

const (
	DefaultDeadline       = 30 * time.Second
	DefaultClientTimeout  = 20 * time.Second
	DefaultMaxConcurrency = 10
)

type Config struct {
	Deadline        time.Duration
	ClientTimeout   time.Duration
	MaxConcurrency  int
	SizeTolerance   float64
	RelevanceFilter bool
	CacheTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Deadline:       DefaultDeadline,
		ClientTimeout:  DefaultClientTimeout,
		MaxConcurrency: DefaultMaxConcurrency,
		SizeTolerance:  DefaultSizeTolerance,
		CacheTTL:       5 * time.Minute,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Deadline <= 0 {
		c.Deadline = def.Deadline
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = def.ClientTimeout
	}
	if c.ClientTimeout > c.Deadline {
		c.ClientTimeout = c.Deadline
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.SizeTolerance <= 0 {
		c.SizeTolerance = def.SizeTolerance
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	return c
}

// ClientError describes one client, or one upstream behind a client, that did
// not contribute results.
type ClientError struct {
	ClientID   string            `json:"clientId"`
	ClientName string            `json:"clientName,omitempty"`
	Upstream   string            `json:"upstream,omitempty"`
	Kind       indexer.ErrorKind `json:"kind"`
	Message    string            `json:"message"`
	RetryAfter time.Duration     `json:"retryAfter,omitempty"`
}

// Result is the merged, deduplicated outcome of one fan-out.
type Result struct {
	SearchID  string              `json:"searchId"`
	Query     indexer.Query       `json:"query"`
	Releases  []release.Annotated `json:"releases"`
	Errors    []ClientError       `json:"errors"`
	Responded int                 `json:"responded"`
	Total     int                 `json:"total"`
	Duration  time.Duration       `json:"duration"`
	Cached    bool                `json:"cached,omitempty"`
}

// Recorder receives aggregation metrics.
type Recorder interface {
	ObserveSearch(elapsed time.Duration, responded, total int)
	ObserveCache(hit bool)
}

type Aggregator struct {
	cfg      Config
	parser   *release.Parser
	cache    Cache
	recorder Recorder

	mu    sync.Mutex
	gates map[string]*rate.Sometimes
}

type Option func(*Aggregator)

func WithParser(p *release.Parser) Option {
	return func(a *Aggregator) {
		if p != nil {
			a.parser = p
		}
	}
}

func WithCache(c Cache) Option {
	return func(a *Aggregator) {
		a.cache = c
	}
}

func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) {
		a.recorder = r
	}
}

func NewAggregator(cfg Config, opts ...Option) *Aggregator {
	a := &Aggregator{
		cfg:    cfg.normalize(),
		parser: release.NewParser(),
		gates:  make(map[string]*rate.Sometimes),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type clientOutcome struct {
	result *indexer.SearchResult
	err    error
	done   bool
}

// SearchAll queries every client concurrently and merges what came back before
// the deadline. Per-client failures are reported in Result.Errors; the call only
// fails when there were no clients or none of them answered.
func (a *Aggregator) SearchAll(ctx context.Context, q indexer.Query, clients []indexer.Client) (*Result, error) {
	start := time.Now()
	res := &Result{
		SearchID: uuid.NewString(),
		Query:    q,
		Releases: []release.Annotated{},
		Errors:   []ClientError{},
		Total:    len(clients),
	}

	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if len(clients) == 0 {
		return res, ErrNoUsableClients
	}

	ctx, span := tracer.Start(ctx, "search.all", trace.WithAttributes(
		attribute.String("search_id", res.SearchID),
		attribute.Int("clients", len(clients)),
	))
	defer span.End()

	ids := make([]string, len(clients))
	for i, c := range clients {
		ids[i] = c.ID()
	}
	key := CacheKey(q, ids)
	if cached := a.cached(ctx, key); cached != nil {
		cached.SearchID = res.SearchID
		cached.Cached = true
		cached.Duration = time.Since(start)
		span.SetAttributes(attribute.Bool("cached", true))
		return cached, nil
	}

	outcomes := a.fanOut(ctx, q, clients)

	var annotated []release.Annotated
	for i, c := range clients {
		o := outcomes[i]
		switch {
		case !o.done:
			res.Errors = append(res.Errors, ClientError{
				ClientID:   c.ID(),
				ClientName: c.Name(),
				Kind:       indexer.KindUpstream,
				Message:    "no response before the search deadline",
			})
			a.logFailure(c.ID(), res.SearchID, errors.New("no response before the search deadline"))
		case o.err != nil:
			res.Errors = append(res.Errors, newClientError(c, o.err))
			a.logFailure(c.ID(), res.SearchID, o.err)
		default:
			res.Responded++
			if o.result == nil {
				continue
			}
			for _, uf := range o.result.UpstreamErrors {
				res.Errors = append(res.Errors, ClientError{
					ClientID:   c.ID(),
					ClientName: c.Name(),
					Upstream:   uf.Upstream,
					Kind:       uf.Kind,
					Message:    uf.Message,
				})
			}
			annotated = a.annotate(annotated, q, c, o.result.Candidates)
		}
	}

	res.Releases = Dedup(annotated, a.cfg.SizeTolerance)
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("responded", res.Responded),
		attribute.Int("releases", len(res.Releases)),
	)
	if a.recorder != nil {
		a.recorder.ObserveSearch(res.Duration, res.Responded, res.Total)
	}

	log.Debug().
		Str("search_id", res.SearchID).
		Int("responded", res.Responded).
		Int("total", res.Total).
		Int("candidates", len(annotated)).
		Int("releases", len(res.Releases)).
		Dur("elapsed", res.Duration).
		Msg("search finished")

	if res.Responded == 0 {
		return res, ErrNoUsableClients
	}

	if a.cache != nil && len(res.Errors) == 0 {
		if err := a.cache.Set(ctx, key, res, a.cfg.CacheTTL); err != nil {
			log.Warn().Err(err).Str("search_id", res.SearchID).Msg("failed to store search result in cache")
		}
	}
	return res, nil
}

// fanOut runs every client under the overall deadline. Clients that have not
// finished when the deadline passes are left unfinished in the returned slice.
func (a *Aggregator) fanOut(ctx context.Context, q indexer.Query, clients []indexer.Client) []clientOutcome {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Deadline)
	defer cancel()

	var mu sync.Mutex
	outcomes := make([]clientOutcome, len(clients))

	done := make(chan struct{})
	go func() {
		defer close(done)

		var g errgroup.Group
		g.SetLimit(a.cfg.MaxConcurrency)
		for i, c := range clients {
			g.Go(func() error {
				if runCtx.Err() != nil {
					return nil
				}
				result, err := a.searchClient(runCtx, c, q)
				mu.Lock()
				outcomes[i] = clientOutcome{result: result, err: err, done: true}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-runCtx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	snapshot := make([]clientOutcome, len(outcomes))
	copy(snapshot, outcomes)
	return snapshot
}

func (a *Aggregator) searchClient(ctx context.Context, c indexer.Client, q indexer.Query) (result *indexer.SearchResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ClientTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("indexer", c.ID()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("indexer client panicked during search")
			result = nil
			err = &indexer.UpstreamError{Service: c.ID(), Message: fmt.Sprintf("client panicked: %v", r)}
		}
	}()

	return c.Search(ctx, q)
}

func (a *Aggregator) annotate(dst []release.Annotated, q indexer.Query, c indexer.Client, candidates []release.Candidate) []release.Annotated {
	for _, cand := range candidates {
		if cand.IndexerID == "" {
			cand.IndexerID = c.ID()
		}
		if cand.IndexerName == "" {
			cand.IndexerName = c.Name()
		}
		facts := a.parser.Parse(cand.Title)
		if a.cfg.RelevanceFilter && !relevant(q, cand.Title, facts) {
			continue
		}
		dst = append(dst, release.Annotate(cand, facts))
	}
	return dst
}

// relevant drops results whose title or year obviously do not belong to the
// query. Id-only searches are trusted.
func relevant(q indexer.Query, title string, facts release.Facts) bool {
	if q.Year > 0 && facts.Year > 0 {
		diff := q.Year - facts.Year
		if diff > 1 || diff < -1 {
			return false
		}
	}
	if q.Title == "" {
		return true
	}
	want := foldText(q.Title)
	if facts.Title != "" && fuzzy.MatchNormalizedFold(want, facts.Title) {
		return true
	}
	return fuzzy.MatchNormalizedFold(want, title)
}

func (a *Aggregator) cached(ctx context.Context, key string) *Result {
	if a.cache == nil {
		return nil
	}
	cached, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("search cache lookup failed")
	}
	if a.recorder != nil {
		a.recorder.ObserveCache(ok && err == nil)
	}
	if err != nil || !ok || cached == nil {
		return nil
	}
	return cached
}

// logFailure logs the first failure of a client and then at most once a minute.
func (a *Aggregator) logFailure(clientID, searchID string, err error) {
	a.mu.Lock()
	gate, ok := a.gates[clientID]
	if !ok {
		gate = &rate.Sometimes{First: 1, Interval: time.Minute}
		a.gates[clientID] = gate
	}
	a.mu.Unlock()

	gate.Do(func() {
		log.Warn().
			Err(err).
			Str("indexer", clientID).
			Str("search_id", searchID).
			Str("kind", string(indexer.KindOf(err))).
			Msg("indexer search failed")
	})
}

func newClientError(c indexer.Client, err error) ClientError {
	return ClientError{
		ClientID:   c.ID(),
		ClientName: c.Name(),
		Kind:       indexer.KindOf(err),
		Message:    err.Error(),
		RetryAfter: indexer.RetryAfter(err),
	}
}
