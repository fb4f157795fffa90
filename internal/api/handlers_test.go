// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/pickarr/internal/config"
	"github.com/autobrr/pickarr/internal/database"
	"github.com/autobrr/pickarr/internal/decision"
	"github.com/autobrr/pickarr/internal/domain"
	"github.com/autobrr/pickarr/internal/indexer"
	"github.com/autobrr/pickarr/internal/models"
	"github.com/autobrr/pickarr/internal/release"
	"github.com/autobrr/pickarr/internal/search"
	"github.com/autobrr/pickarr/internal/services/finder"
)

type fakeClient struct {
	id     string
	guard  *indexer.Guard
	titles []string
	err    error
}

func (f *fakeClient) ID() string         { return f.id }
func (f *fakeClient) Name() string       { return f.id }
func (f *fakeClient) Type() indexer.Type { return indexer.TypeTorznab }

func (f *fakeClient) Search(ctx context.Context, _ indexer.Query) (*indexer.SearchResult, error) {
	var out *indexer.SearchResult
	err := f.guard.Do(ctx, f.id, indexer.ModeBlocking, func(context.Context) error {
		if f.err != nil {
			return f.err
		}
		out = &indexer.SearchResult{}
		for i, title := range f.titles {
			out.Candidates = append(out.Candidates, release.Candidate{
				Title:    title,
				Size:     int64(8+i) << 30,
				Seeders:  release.IntPtr(20),
				GUID:     f.id + "-" + title,
				Protocol: release.ProtocolTorrent,
			})
		}
		return nil
	})
	return out, err
}

func (f *fakeClient) HealthCheck(ctx context.Context) indexer.HealthStatus {
	return f.guard.Check(ctx, f.id, func(context.Context) error { return f.err })
}

type countingInvalidator struct{ calls int }

func (c *countingInvalidator) Invalidate() { c.calls++ }

type testServer struct {
	handler  http.Handler
	reloader *stubReloader
	cache    *countingInvalidator
}

func newTestServer(t *testing.T, clients ...*fakeClient) *testServer {
	t.Helper()

	guard := indexer.NewGuard(nil, nil, indexer.WithRetry(indexer.RetryConfig{Attempts: 1}))
	registry := indexer.NewRegistry(guard)
	for _, c := range clients {
		c.guard = guard
		require.NoError(t, registry.Register(c))
	}

	uhd := &decision.QualityProfile{ID: "uhd", Tiers: []decision.TierName{decision.TierWEBDL2160p, decision.TierRemux2160p}}
	profiles, err := decision.NewMemoryProfileStore(uhd)
	require.NoError(t, err)

	cfg := search.DefaultConfig()
	cfg.Deadline = 5 * time.Second
	svc := finder.NewService(registry, search.NewAggregator(cfg), decision.NewEngine(), profiles)

	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ts := &testServer{reloader: &stubReloader{}, cache: &countingInvalidator{}}
	server := NewServer(&Dependencies{
		Config:          &config.AppConfig{Config: &domain.Config{BaseURL: "/"}},
		Version:         "test",
		Finder:          svc,
		ProfileReloader: ts.reloader,
		ReputationStore: models.NewReputationStore(db),
		ReputationCache: ts.cache,
	})
	router, err := server.Handler()
	require.NoError(t, err)
	ts.handler = router
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type searchBody struct {
	Profile  string `json:"profile"`
	Releases []struct {
		Title string `json:"title"`
		Tier  string `json:"tier"`
	} `json:"releases"`
	Best *struct {
		Title   string   `json:"title"`
		Sources []string `json:"sources"`
	} `json:"best"`
	Errors []struct {
		ClientID string `json:"clientId"`
		Kind     string `json:"kind"`
	} `json:"errors"`
	Responded int `json:"responded"`
	Total     int `json:"total"`
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/health", "/healthz/readiness", "/healthz/liveness"} {
		rec := ts.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	body := decodeBody[map[string]string](t, ts.do(t, http.MethodGet, "/health", ""))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t,
		&fakeClient{id: "a", titles: []string{"Movie.2021.1080p.BluRay.x264-GRP", "Movie.2021.CAM-BAD"}},
		&fakeClient{id: "b", titles: []string{"Movie.2021.1080p.BluRay.x264-GRP"}},
		&fakeClient{id: "down", err: &indexer.UpstreamError{Service: "down", StatusCode: 500}},
	)

	rec := ts.do(t, http.MethodPost, "/api/search", `{"query":{"title":"Movie","year":2021}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody[searchBody](t, rec)
	assert.Equal(t, decision.DefaultProfileID, body.Profile)
	assert.Equal(t, 2, body.Responded)
	assert.Equal(t, 3, body.Total)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "down", body.Errors[0].ClientID)
	require.Len(t, body.Releases, 1)
	require.NotNil(t, body.Best)
	assert.ElementsMatch(t, []string{"a", "b"}, body.Best.Sources)
}

func TestSearchEndpoint_Errors(t *testing.T) {
	ts := newTestServer(t, &fakeClient{id: "a", titles: []string{"Movie.2021.1080p.BluRay.x264-GRP"}})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "malformed_body", body: `{"query":`, status: http.StatusBadRequest},
		{name: "empty_query", body: `{"query":{}}`, status: http.StatusBadRequest},
		{name: "unknown_profile", body: `{"query":{"title":"Movie"},"profile":"nope"}`, status: http.StatusNotFound},
		{name: "unknown_indexer", body: `{"query":{"title":"Movie"},"indexers":["ghost"]}`, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/search", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[map[string]string](t, rec)["error"])
		})
	}
}

func TestSearchEndpoint_NoUsableIndexers(t *testing.T) {
	ts := newTestServer(t, &fakeClient{id: "locked", err: &indexer.AuthenticationError{Service: "locked"}})

	rec := ts.do(t, http.MethodPost, "/api/search", `{"query":{"title":"Movie"}}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeBody[searchBody](t, rec)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, string(indexer.KindAuthentication), body.Errors[0].Kind)
	assert.Empty(t, body.Releases)
}

func TestPickAndRankEndpoints(t *testing.T) {
	ts := newTestServer(t)

	releases := `[
		{"title":"Movie.2021.720p.WEB-DL.x264-A","seeders":50},
		{"title":"Movie.2021.2160p.UHD.BluRay.REMUX.HEVC-B","seeders":5}
	]`

	rec := ts.do(t, http.MethodPost, "/api/pick", `{"profile":"uhd","releases":`+releases+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	best := decodeBody[struct {
		Title string `json:"title"`
		Tier  string `json:"tier"`
	}](t, rec)
	assert.Equal(t, "Movie.2021.2160p.UHD.BluRay.REMUX.HEVC-B", best.Title)
	assert.Equal(t, string(decision.TierRemux2160p), best.Tier)

	rec = ts.do(t, http.MethodPost, "/api/pick", `{"profile":"uhd","releases":[{"title":"Movie.2021.720p.WEB-DL.x264-A"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/pick", `{"releases":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/pick", `{"releases":[{"title":"  "}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/rank", `{"profile":"uhd","releases":`+releases+`}`)
	require.Equal(t, http.StatusOK, rec.Code)
	ranked := decodeBody[struct {
		Profile  string            `json:"profile"`
		Releases []json.RawMessage `json:"releases"`
		Rejected int               `json:"rejected"`
	}](t, rec)
	assert.Equal(t, "uhd", ranked.Profile)
	assert.Len(t, ranked.Releases, 1)
	assert.Equal(t, 1, ranked.Rejected)

	rec = ts.do(t, http.MethodPost, "/api/rank", `{"releases":`+releases+`}`)
	require.Equal(t, http.StatusOK, rec.Code)
	ranked = decodeBody[struct {
		Profile  string            `json:"profile"`
		Releases []json.RawMessage `json:"releases"`
		Rejected int               `json:"rejected"`
	}](t, rec)
	assert.Equal(t, decision.DefaultProfileID, ranked.Profile, "the resolved default profile is reported")
	assert.Len(t, ranked.Releases, 2)
	assert.Zero(t, ranked.Rejected)
}

func TestIndexerEndpoints(t *testing.T) {
	ts := newTestServer(t,
		&fakeClient{id: "ok"},
		&fakeClient{id: "broken", err: &indexer.UpstreamError{Service: "broken", StatusCode: 503}},
	)

	rec := ts.do(t, http.MethodGet, "/api/indexers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]indexer.HealthSnapshot](t, rec), 2)

	rec = ts.do(t, http.MethodPost, "/api/indexers/ok/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeBody[indexer.HealthSnapshot](t, rec)
	assert.Equal(t, "ok", snap.ID)
	assert.Equal(t, indexer.HealthHealthy, snap.LastStatus)

	rec = ts.do(t, http.MethodPost, "/api/indexers/broken/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, indexer.HealthUnhealthy, decodeBody[indexer.HealthSnapshot](t, rec).LastStatus)

	rec = ts.do(t, http.MethodGet, "/api/indexers/ok/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/indexers/ok/activity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	for _, path := range []string{"/api/indexers/ghost/health", "/api/indexers/ghost/activity"} {
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, path, "").Code, path)
	}
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/indexers/ghost/check", "").Code)
}

func TestProfileEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/profiles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	profiles := decodeBody[[]decision.QualityProfile](t, rec)
	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{decision.DefaultProfileID, "uhd"}, ids)

	rec = ts.do(t, http.MethodPost, "/api/profiles/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.reloader.err = errors.New("profiles.yaml: duplicate profile id")
	rec = ts.do(t, http.MethodPost, "/api/profiles/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 2, ts.reloader.calls)
}

func TestReputationEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/reputation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = ts.do(t, http.MethodPut, "/api/reputation/FraMeSToR", `{"value":9.2,"low":8.8,"high":9.5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, ts.cache.calls)

	rec = ts.do(t, http.MethodGet, "/api/reputation/framestor", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[models.GroupReputation](t, rec)
	assert.Equal(t, "FraMeSToR", got.Group)
	assert.InDelta(t, 9.2, got.Value, 1e-9)

	rec = ts.do(t, http.MethodPut, "/api/reputation/yts", `{"value":5,"low":6,"high":7}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/reputation/FraMeSToR", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 2, ts.cache.calls)

	rec = ts.do(t, http.MethodGet, "/api/reputation/FraMeSToR", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenAPIEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/openapi.yaml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/search:")
}
