// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/pickarr/internal/buildinfo"
	"github.com/autobrr/pickarr/internal/release"
)

const (
	hdbitsMovieCategory = 1
	hdbitsDefaultLimit  = 100
	hdbitsDefaultURL    = "https://hdbits.org"
)

// DefaultDirectTrackerLimit is the request budget for private trackers.
var DefaultDirectTrackerLimit = Limit{Requests: 150, Window: time.Hour}

type HDBitsConfig struct {
	ID       string
	Name     string
	BaseURL  string
	Username string
	Passkey  string
	Timeout  time.Duration
	// AllowInsecure permits a plain http base url, for tests only.
	AllowInsecure bool
	HTTPClient    *http.Client
}

// HDBitsClient talks to a private tracker exposing the HDBits JSON API.
type HDBitsClient struct {
	cfg        HDBitsConfig
	baseURL    *url.URL
	guard      *Guard
	httpClient *http.Client
	log        zerolog.Logger
}

func NewHDBitsClient(cfg HDBitsConfig, guard *Guard) (*HDBitsClient, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("hdbits indexer id is required")
	}
	if cfg.Username == "" || cfg.Passkey == "" {
		return nil, fmt.Errorf("indexer %s: username and passkey are required", cfg.ID)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = hdbitsDefaultURL
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("indexer %s: invalid base url %q", cfg.ID, cfg.BaseURL)
	}
	if base.Scheme != "https" && !(cfg.AllowInsecure && base.Scheme == "http") {
		return nil, fmt.Errorf("indexer %s: base url must use https", cfg.ID)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if guard == nil {
		guard = NewGuard(nil, nil)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.Timeout)
	}

	return &HDBitsClient{
		cfg:        cfg,
		baseURL:    base,
		guard:      guard,
		httpClient: httpClient,
		log:        log.With().Str("module", "hdbits").Str("indexer", cfg.ID).Logger(),
	}, nil
}

func (c *HDBitsClient) ID() string   { return c.cfg.ID }
func (c *HDBitsClient) Name() string { return c.cfg.Name }
func (c *HDBitsClient) Type() Type   { return TypeHDBits }

type hdbitsImdb struct {
	ID int `json:"id"`
}

type hdbitsRequest struct {
	Username string      `json:"username"`
	Passkey  string      `json:"passkey"`
	Search   string      `json:"search,omitempty"`
	Imdb     *hdbitsImdb `json:"imdb,omitempty"`
	Category []int       `json:"category,omitempty"`
	Limit    int         `json:"limit,omitempty"`
}

type hdbitsResponse struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type hdbitsTorrent struct {
	ID            int64       `json:"id"`
	Hash          string      `json:"hash"`
	Name          string      `json:"name"`
	TimesComplete int         `json:"times_completed"`
	Seeders       int         `json:"seeders"`
	Leechers      int         `json:"leechers"`
	Size          int64       `json:"size"`
	Added         string      `json:"added"`
	UTAdded       int64       `json:"utadded"`
	TypeCategory  int         `json:"type_category"`
	TypeCodec     int         `json:"type_codec"`
	TypeMedium    int         `json:"type_medium"`
	TypeOrigin    int         `json:"type_origin"`
	Freeleech     string      `json:"freeleech"`
	Imdb          *hdbitsImdb `json:"imdb"`
}

// hdbitsOriginInternal marks releases by the tracker's internal groups.
const hdbitsOriginInternal = 1

func (c *HDBitsClient) Search(ctx context.Context, q Query) (*SearchResult, error) {
	if err := q.Validate(); err != nil {
		return nil, &MalformedError{Service: c.cfg.ID, Message: "invalid query", Err: err}
	}

	body := hdbitsRequest{
		Username: c.cfg.Username,
		Passkey:  c.cfg.Passkey,
		Category: []int{hdbitsMovieCategory},
		Limit:    hdbitsDefaultLimit,
	}
	if q.Limit > 0 && q.Limit < hdbitsDefaultLimit {
		body.Limit = q.Limit
	}
	if imdb, err := strconv.Atoi(q.IMDbNumeric()); err == nil && imdb > 0 {
		body.Imdb = &hdbitsImdb{ID: imdb}
	} else {
		body.Search = q.SearchTerm()
	}

	var torrents []hdbitsTorrent
	err := c.guard.Do(ctx, c.cfg.ID, ModeBlocking, func(ctx context.Context) error {
		resp, err := c.post(ctx, "/api/torrents", body)
		if err != nil {
			return err
		}
		torrents = torrents[:0]
		if len(resp.Data) == 0 || string(resp.Data) == "null" {
			return nil
		}
		if err := json.Unmarshal(resp.Data, &torrents); err != nil {
			return &MalformedError{Service: c.cfg.ID, Message: "decode torrents", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &SearchResult{Candidates: make([]release.Candidate, 0, len(torrents))}
	for _, t := range torrents {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		result.Candidates = append(result.Candidates, c.toCandidate(t))
	}
	c.log.Debug().Int("results", len(result.Candidates)).Msg("hdbits search finished")
	return result, nil
}

// HealthCheck calls the API test endpoint, which only validates credentials.
func (c *HDBitsClient) HealthCheck(ctx context.Context) HealthStatus {
	return c.guard.Check(ctx, c.cfg.ID, func(ctx context.Context) error {
		_, err := c.post(ctx, "/api/test", hdbitsRequest{Username: c.cfg.Username, Passkey: c.cfg.Passkey})
		return err
	})
}

func (c *HDBitsClient) post(ctx context.Context, path string, payload hdbitsRequest) (*hdbitsResponse, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, &MalformedError{Service: c.cfg.ID, Message: "encode request", Err: err}
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, &MalformedError{Service: c.cfg.ID, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Service: c.cfg.ID, Err: errors.Wrap(err, "hdbits request")}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, statusError(c.cfg.ID, resp, time.Now())
	}

	var decoded hdbitsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&decoded); err != nil {
		return nil, &MalformedError{Service: c.cfg.ID, Message: "decode response", Err: err}
	}
	if err := c.statusErr(decoded); err != nil {
		return nil, err
	}
	return &decoded, nil
}

// statusErr maps the API status field. 0 is success; 4 and 5 are credential
// failures.
func (c *HDBitsClient) statusErr(resp hdbitsResponse) error {
	if resp.Status == 0 {
		return nil
	}
	msg := resp.Message
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.Status)
	}

	lower := strings.ToLower(msg)
	switch {
	case resp.Status == 4 || resp.Status == 5,
		strings.Contains(lower, "auth"),
		strings.Contains(lower, "passkey"),
		strings.Contains(lower, "credential"):
		return &AuthenticationError{Service: c.cfg.ID, Message: msg}
	case resp.Status == 3 || strings.Contains(lower, "json"):
		return &MalformedError{Service: c.cfg.ID, Message: msg}
	default:
		return &UpstreamError{Service: c.cfg.ID, Message: msg}
	}
}

func (c *HDBitsClient) toCandidate(t hdbitsTorrent) release.Candidate {
	base := c.baseURL.String()
	candidate := release.Candidate{
		Title:       strings.TrimSpace(t.Name),
		Size:        t.Size,
		Seeders:     release.IntPtr(t.Seeders),
		Leechers:    release.IntPtr(t.Leechers),
		PublishDate: parseHDBitsDate(t.Added, t.UTAdded),
		DownloadURL: fmt.Sprintf("%s/download.php/%s/%d", base, url.PathEscape(c.cfg.Passkey), t.ID),
		InfoURL:     fmt.Sprintf("%s/details.php?id=%d", base, t.ID),
		GUID:        fmt.Sprintf("%s-%d", c.cfg.ID, t.ID),
		InfoHash:    strings.ToLower(t.Hash),
		IndexerID:   c.cfg.ID,
		IndexerName: c.cfg.Name,
		Protocol:    release.ProtocolTorrent,
		Categories:  []int{CategoryMovies},
		Freeleech:   strings.EqualFold(t.Freeleech, "yes"),
		Attributes: map[string]string{
			"type_codec":      strconv.Itoa(t.TypeCodec),
			"type_medium":     strconv.Itoa(t.TypeMedium),
			"type_origin":     strconv.Itoa(t.TypeOrigin),
			"times_completed": strconv.Itoa(t.TimesComplete),
		},
	}
	if t.TypeOrigin == hdbitsOriginInternal {
		candidate.Attributes["internal"] = "true"
	}
	if t.Imdb != nil && t.Imdb.ID > 0 {
		candidate.IMDbID = fmt.Sprintf("tt%07d", t.Imdb.ID)
	}
	return candidate
}

func parseHDBitsDate(added string, unix int64) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05-0700", time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, strings.TrimSpace(added)); err == nil {
			return t.UTC()
		}
	}
	if unix > 0 {
		return time.Unix(unix, 0).UTC()
	}
	return time.Time{}
}
