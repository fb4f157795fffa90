// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/pickarr/internal/buildinfo"
	"github.com/autobrr/pickarr/internal/release"
)

// Backend is the proxy software behind a Torznab client.
type Backend string

const (
	BackendJackett  Backend = "jackett"
	BackendProwlarr Backend = "prowlarr"
)

const (
	jackettAllIndexers     = "all"
	defaultUpstreamWorkers = 5
)

type TorznabConfig struct {
	ID      string
	Name    string
	Backend Backend
	BaseURL string
	APIKey  string
	// Upstreams are the indexer ids behind the proxy. Empty means Jackett's
	// "all" aggregate.
	Upstreams      []string
	Timeout        time.Duration
	MaxConcurrency int
	HTTPClient     *http.Client
}

// TorznabClient searches a Jackett or Prowlarr instance, fanning out to every
// configured upstream indexer behind it.
type TorznabClient struct {
	cfg        TorznabConfig
	baseURL    *url.URL
	guard      *Guard
	httpClient *http.Client
	log        zerolog.Logger
	now        func() time.Time
}

func NewTorznabClient(cfg TorznabConfig, guard *Guard) (*TorznabClient, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("torznab indexer id is required")
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendJackett
	}
	if cfg.Backend != BackendJackett && cfg.Backend != BackendProwlarr {
		return nil, fmt.Errorf("indexer %s: unsupported torznab backend %q", cfg.ID, cfg.Backend)
	}
	if cfg.Backend == BackendProwlarr && len(cfg.Upstreams) == 0 {
		return nil, fmt.Errorf("indexer %s: prowlarr needs at least one upstream indexer id", cfg.ID)
	}

	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("indexer %s: invalid base url %q", cfg.ID, cfg.BaseURL)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultUpstreamWorkers
	}
	if guard == nil {
		guard = NewGuard(nil, nil)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.Timeout)
	}

	return &TorznabClient{
		cfg:        cfg,
		baseURL:    base,
		guard:      guard,
		httpClient: httpClient,
		log:        log.With().Str("module", "torznab").Str("indexer", cfg.ID).Logger(),
		now:        time.Now,
	}, nil
}

func (c *TorznabClient) ID() string   { return c.cfg.ID }
func (c *TorznabClient) Name() string { return c.cfg.Name }
func (c *TorznabClient) Type() Type   { return TypeTorznab }

func (c *TorznabClient) upstreams() []string {
	if len(c.cfg.Upstreams) == 0 {
		return []string{jackettAllIndexers}
	}
	return c.cfg.Upstreams
}

// Search runs one logical search. The call fails only when every upstream
// failed; otherwise the failed upstreams are listed in UpstreamErrors.
func (c *TorznabClient) Search(ctx context.Context, q Query) (*SearchResult, error) {
	if err := q.Validate(); err != nil {
		return nil, &MalformedError{Service: c.cfg.ID, Message: "invalid query", Err: err}
	}

	var result *SearchResult
	err := c.guard.Do(ctx, c.cfg.ID, ModeBlocking, func(ctx context.Context) error {
		res, err := c.searchUpstreams(ctx, q)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *TorznabClient) searchUpstreams(ctx context.Context, q Query) (*SearchResult, error) {
	upstreams := c.upstreams()
	found := make([][]release.Candidate, len(upstreams))
	failures := make([]error, len(upstreams))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, upstream := range upstreams {
		g.Go(func() error {
			candidates, err := c.searchUpstream(gctx, upstream, q)
			if err != nil {
				failures[i] = err
				return nil
			}
			found[i] = candidates
			return nil
		})
	}
	_ = g.Wait()

	result := &SearchResult{}
	var errs []error
	for i, upstream := range upstreams {
		if failures[i] != nil {
			errs = append(errs, failures[i])
			result.UpstreamErrors = append(result.UpstreamErrors, UpstreamFailure{
				Upstream: upstream,
				Kind:     KindOf(failures[i]),
				Message:  failures[i].Error(),
				Err:      failures[i],
			})
			continue
		}
		result.Candidates = append(result.Candidates, found[i]...)
	}

	if len(errs) == len(upstreams) {
		return nil, dominantError(errs)
	}
	if len(errs) > 0 {
		c.log.Debug().Int("failed", len(errs)).Int("upstreams", len(upstreams)).Msg("partial torznab search")
	}
	return result, nil
}

// dominantError picks the error reported when every upstream failed:
// authentication, then rate limiting, then malformed, then anything else.
func dominantError(errs []error) error {
	for _, kind := range []ErrorKind{KindAuthentication, KindRateLimited, KindMalformed} {
		for _, err := range errs {
			if KindOf(err) == kind {
				return err
			}
		}
	}
	for _, err := range errs {
		if IsTransient(err) {
			return err
		}
	}
	return errs[0]
}

func (c *TorznabClient) endpoint(upstream string) string {
	u := *c.baseURL
	switch c.cfg.Backend {
	case BackendProwlarr:
		u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(upstream) + "/api"
	default:
		u.Path = strings.TrimRight(u.Path, "/") + "/api/v2.0/indexers/" + url.PathEscape(upstream) + "/results/torznab/api"
	}
	return u.String()
}

func (c *TorznabClient) searchParams(q Query) url.Values {
	params := url.Values{}
	params.Set("t", "movie")
	if c.cfg.APIKey != "" {
		params.Set("apikey", c.cfg.APIKey)
	}

	cats := q.Categories
	if len(cats) == 0 {
		cats = []int{CategoryMovies}
	}
	catStrs := make([]string, 0, len(cats))
	for _, cat := range cats {
		catStrs = append(catStrs, strconv.Itoa(cat))
	}
	params.Set("cat", strings.Join(catStrs, ","))

	hasID := false
	if imdb := q.IMDbNumeric(); imdb != "" {
		params.Set("imdbid", imdb)
		hasID = true
	}
	if q.TMDbID > 0 {
		params.Set("tmdbid", strconv.Itoa(q.TMDbID))
		hasID = true
	}
	if !hasID {
		params.Set("q", q.SearchTerm())
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	return params
}

func (c *TorznabClient) searchUpstream(ctx context.Context, upstream string, q Query) ([]release.Candidate, error) {
	feed, err := c.fetch(ctx, upstream, c.searchParams(q))
	if err != nil {
		return nil, err
	}

	candidates := make([]release.Candidate, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		candidate, ok := c.toCandidate(upstream, item)
		if !ok {
			c.log.Trace().Str("upstream", upstream).Str("title", item.Title).Msg("skipping torznab item without title or link")
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func (c *TorznabClient) fetch(ctx context.Context, upstream string, params url.Values) (*torznabFeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(upstream), nil)
	if err != nil {
		return nil, &MalformedError{Service: c.cfg.ID, Message: "build request", Err: err}
	}
	req.URL.RawQuery = params.Encode()
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Service: c.cfg.ID, Message: "upstream " + upstream, Err: errors.Wrap(err, "torznab request")}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, statusError(c.cfg.ID, resp, c.now())
	}

	return decodeTorznab(c.cfg.ID, io.LimitReader(resp.Body, maxResponseBytes))
}

// HealthCheck fetches the caps document of the first upstream.
func (c *TorznabClient) HealthCheck(ctx context.Context) HealthStatus {
	return c.guard.Check(ctx, c.cfg.ID, func(ctx context.Context) error {
		params := url.Values{}
		params.Set("t", "caps")
		if c.cfg.APIKey != "" {
			params.Set("apikey", c.cfg.APIKey)
		}
		_, err := c.fetch(ctx, c.upstreams()[0], params)
		return err
	})
}

func (c *TorznabClient) toCandidate(upstream string, item torznabItem) (release.Candidate, bool) {
	candidate := release.Candidate{
		Title:       strings.TrimSpace(item.Title),
		GUID:        item.GUID,
		DownloadURL: item.Enclosure.URL,
		InfoURL:     item.Comments,
		IndexerID:   c.cfg.ID,
		IndexerName: c.cfg.Name,
		Upstream:    upstream,
		Protocol:    release.ProtocolTorrent,
		Attributes:  make(map[string]string, len(item.Attrs)),
	}
	if candidate.DownloadURL == "" {
		candidate.DownloadURL = item.Link
	}
	if item.Indexer.Name != "" {
		candidate.Upstream = item.Indexer.Name
	}
	if candidate.Title == "" || candidate.DownloadURL == "" {
		return release.Candidate{}, false
	}

	if size, err := strconv.ParseInt(strings.TrimSpace(item.Size), 10, 64); err == nil {
		candidate.Size = size
	} else if size, err := strconv.ParseInt(strings.TrimSpace(item.Enclosure.Length), 10, 64); err == nil {
		candidate.Size = size
	}
	candidate.PublishDate = parsePubDate(item.PubDate)

	for _, cat := range item.Categories {
		if v, err := strconv.Atoi(strings.TrimSpace(cat)); err == nil {
			candidate.Categories = appendUnique(candidate.Categories, v)
		}
	}

	var peers *int
	downloadFactor := 1.0
	for _, attr := range item.Attrs {
		name := strings.ToLower(strings.TrimSpace(attr.Name))
		if name == "" {
			continue
		}
		candidate.Attributes[name] = attr.Value
		switch name {
		case "seeders":
			if v, err := strconv.Atoi(attr.Value); err == nil {
				candidate.Seeders = release.IntPtr(v)
			}
		case "peers":
			if v, err := strconv.Atoi(attr.Value); err == nil {
				peers = release.IntPtr(v)
			}
		case "size":
			if candidate.Size == 0 {
				if v, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
					candidate.Size = v
				}
			}
		case "category":
			if v, err := strconv.Atoi(attr.Value); err == nil {
				candidate.Categories = appendUnique(candidate.Categories, v)
			}
		case "infohash":
			candidate.InfoHash = strings.ToLower(strings.TrimSpace(attr.Value))
		case "magneturl":
			if candidate.InfoHash == "" {
				candidate.InfoHash = magnetInfoHash(attr.Value)
			}
		case "downloadvolumefactor":
			if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
				downloadFactor = v
			}
		case "imdb", "imdbid":
			candidate.IMDbID = normalizeIMDb(attr.Value)
		}
	}
	if candidate.InfoHash == "" && strings.HasPrefix(strings.ToLower(candidate.DownloadURL), "magnet:") {
		candidate.InfoHash = magnetInfoHash(candidate.DownloadURL)
	}
	if peers != nil && candidate.Seeders != nil {
		candidate.Leechers = release.IntPtr(max(*peers-*candidate.Seeders, 0))
	}
	candidate.Freeleech = downloadFactor == 0

	return candidate, true
}

func parsePubDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func magnetInfoHash(uri string) string {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return ""
	}
	return m.InfoHash.HexString()
}

func normalizeIMDb(value string) string {
	value = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "tt")
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return ""
	}
	return fmt.Sprintf("tt%07d", n)
}

func appendUnique(values []int, v int) []int {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}

type torznabFeed struct {
	Channel struct {
		Title string        `xml:"title"`
		Items []torznabItem `xml:"item"`
	} `xml:"channel"`
}

type torznabItem struct {
	Title      string   `xml:"title"`
	GUID       string   `xml:"guid"`
	Link       string   `xml:"link"`
	Comments   string   `xml:"comments"`
	PubDate    string   `xml:"pubDate"`
	Size       string   `xml:"size"`
	Categories []string `xml:"category"`
	Enclosure  struct {
		URL    string `xml:"url,attr"`
		Length string `xml:"length,attr"`
	} `xml:"enclosure"`
	Indexer struct {
		ID   string `xml:"id,attr"`
		Name string `xml:",chardata"`
	} `xml:"jackettindexer"`
	Attrs []torznabAttr `xml:"attr"`
}

type torznabAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type torznabError struct {
	Code        int    `xml:"code,attr"`
	Description string `xml:"description,attr"`
}

// decodeTorznab reads an RSS feed, a caps document or an <error> body.
func decodeTorznab(service string, r io.Reader) (*torznabFeed, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, &MalformedError{Service: service, Message: "no xml document", Err: err}
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch strings.ToLower(start.Name.Local) {
		case "error":
			var tErr torznabError
			if err := dec.DecodeElement(&tErr, &start); err != nil {
				return nil, &MalformedError{Service: service, Message: "decode error element", Err: err}
			}
			return nil, torznabCodeError(service, tErr)
		case "rss":
			var feed torznabFeed
			if err := dec.DecodeElement(&feed, &start); err != nil {
				return nil, &MalformedError{Service: service, Message: "decode rss", Err: err}
			}
			return &feed, nil
		case "caps":
			return &torznabFeed{}, nil
		default:
			return nil, &MalformedError{Service: service, Message: fmt.Sprintf("unexpected root element <%s>", start.Name.Local)}
		}
	}
}

// torznabCodeError maps Newznab/Torznab error codes: 1xx account problems,
// 2xx bad requests, 500/501 request or download limits.
func torznabCodeError(service string, e torznabError) error {
	msg := fmt.Sprintf("torznab error %d: %s", e.Code, e.Description)
	switch {
	case e.Code >= 100 && e.Code < 200:
		return &AuthenticationError{Service: service, Message: msg}
	case e.Code >= 200 && e.Code < 300:
		return &MalformedError{Service: service, Message: msg}
	case e.Code == 500 || e.Code == 501:
		return &RateLimitedError{Service: service, Remote: true}
	default:
		return &UpstreamError{Service: service, Message: msg}
	}
}
