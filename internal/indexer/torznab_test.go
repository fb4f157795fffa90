// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const torznabFeedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:torznab="http://torznab.com/schemas/2015/feed">
  <channel>
    <title>%s</title>
    <item>
      <title>Movie.2021.1080p.BluRay.x264-A</title>
      <guid>%s-1</guid>
      <jackettindexer id="%s">%s</jackettindexer>
      <comments>https://tracker.example/details/1</comments>
      <pubDate>Tue, 02 Mar 2021 10:00:00 +0000</pubDate>
      <size>8589934592</size>
      <link>https://proxy.example/dl/1</link>
      <category>2040</category>
      <enclosure url="https://proxy.example/dl/1" length="8589934592" type="application/x-bittorrent" />
      <torznab:attr name="category" value="2000" />
      <torznab:attr name="seeders" value="50" />
      <torznab:attr name="peers" value="60" />
      <torznab:attr name="infohash" value="ABCDEF0123456789ABCDEF0123456789ABCDEF01" />
      <torznab:attr name="imdb" value="1234567" />
      <torznab:attr name="downloadvolumefactor" value="0" />
    </item>
    <item>
      <title></title>
      <link>https://proxy.example/dl/empty</link>
    </item>
    <item>
      <title>Movie.2021.720p.WEB-DL-B</title>
      <guid>%s-2</guid>
      <pubDate>Wed, 03 Mar 2021 10:00:00 GMT</pubDate>
      <link>magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&amp;dn=movie</link>
      <torznab:attr name="seeders" value="3" />
    </item>
  </channel>
</rss>`

func feedFor(upstream string) string {
	return fmt.Sprintf(torznabFeedXML, upstream, upstream, upstream, upstream, upstream)
}

type torznabStub struct {
	mu       sync.Mutex
	requests []*http.Request
	handlers map[string]http.HandlerFunc
}

func (s *torznabStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Clone(context.Background()))
	s.mu.Unlock()

	for prefix, h := range s.handlers {
		if strings.Contains(r.URL.Path, "/"+prefix+"/") {
			h(w, r)
			return
		}
	}
	http.NotFound(w, r)
}

func (s *torznabStub) recorded() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...)
}

func xmlHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func newTorznabTestClient(t *testing.T, backend Backend, upstreams []string, stub *torznabStub) *TorznabClient {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	client, err := NewTorznabClient(TorznabConfig{
		ID:        "proxy",
		Name:      "Proxy",
		Backend:   backend,
		BaseURL:   srv.URL,
		APIKey:    "secret",
		Upstreams: upstreams,
		Timeout:   5 * time.Second,
	}, NewGuard(nil, nil, WithRetry(fastRetry(2))))
	require.NoError(t, err)
	return client
}

func TestTorznabClient_SearchParsesFeed(t *testing.T) {
	stub := &torznabStub{handlers: map[string]http.HandlerFunc{
		"all": xmlHandler(http.StatusOK, feedFor("all")),
	}}
	client := newTorznabTestClient(t, BackendJackett, nil, stub)

	res, err := client.Search(context.Background(), Query{Title: "Movie", Year: 2021, IMDbID: "tt1234567"})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	assert.Empty(t, res.UpstreamErrors)

	first := res.Candidates[0]
	assert.Equal(t, "Movie.2021.1080p.BluRay.x264-A", first.Title)
	assert.Equal(t, int64(8589934592), first.Size)
	require.NotNil(t, first.Seeders)
	assert.Equal(t, 50, *first.Seeders)
	require.NotNil(t, first.Leechers)
	assert.Equal(t, 10, *first.Leechers)
	assert.Equal(t, "abcdef0123456789abcdef0123456789abcdef01", first.InfoHash)
	assert.Equal(t, "tt1234567", first.IMDbID)
	assert.True(t, first.Freeleech)
	assert.Equal(t, []int{2040, 2000}, first.Categories)
	assert.Equal(t, "proxy", first.IndexerID)
	assert.Equal(t, "all", first.Upstream)
	assert.Equal(t, time.Date(2021, 3, 2, 10, 0, 0, 0, time.UTC), first.PublishDate)

	second := res.Candidates[1]
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", second.InfoHash)
	assert.Nil(t, second.Leechers)
	assert.False(t, second.Freeleech)

	require.Len(t, stub.recorded(), 1)
	req := stub.recorded()[0]
	assert.Equal(t, "/api/v2.0/indexers/all/results/torznab/api", req.URL.Path)
	assert.Equal(t, "movie", req.URL.Query().Get("t"))
	assert.Equal(t, "1234567", req.URL.Query().Get("imdbid"))
	assert.Equal(t, "2000", req.URL.Query().Get("cat"))
	assert.Equal(t, "secret", req.URL.Query().Get("apikey"))
	assert.Empty(t, req.URL.Query().Get("q"))
}

func TestTorznabClient_ProwlarrPathsAndTitleQuery(t *testing.T) {
	stub := &torznabStub{handlers: map[string]http.HandlerFunc{
		"12": xmlHandler(http.StatusOK, feedFor("12")),
	}}
	client := newTorznabTestClient(t, BackendProwlarr, []string{"12"}, stub)

	_, err := client.Search(context.Background(), Query{Title: "Movie", Year: 2021, Categories: []int{2040, 2045}})
	require.NoError(t, err)

	require.Len(t, stub.recorded(), 1)
	req := stub.recorded()[0]
	assert.Equal(t, "/12/api", req.URL.Path)
	assert.Equal(t, "Movie 2021", req.URL.Query().Get("q"))
	assert.Equal(t, "2040,2045", req.URL.Query().Get("cat"))
}

func TestTorznabClient_PartialUpstreamFailure(t *testing.T) {
	stub := &torznabStub{handlers: map[string]http.HandlerFunc{
		"good": xmlHandler(http.StatusOK, feedFor("good")),
		"auth": xmlHandler(http.StatusOK, `<error code="100" description="Incorrect user credentials"/>`),
		"bad":  xmlHandler(http.StatusOK, `this is not xml`),
	}}
	client := newTorznabTestClient(t, BackendJackett, []string{"good", "auth", "bad"}, stub)

	res, err := client.Search(context.Background(), Query{Title: "Movie"})
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 2)
	require.Len(t, res.UpstreamErrors, 2)
	assert.Equal(t, "auth", res.UpstreamErrors[0].Upstream)
	assert.Equal(t, KindAuthentication, res.UpstreamErrors[0].Kind)
	assert.Equal(t, "bad", res.UpstreamErrors[1].Upstream)
	assert.Equal(t, KindMalformed, res.UpstreamErrors[1].Kind)
}

func TestTorznabClient_AllUpstreamsFail(t *testing.T) {
	tests := []struct {
		name     string
		handlers map[string]http.HandlerFunc
		want     ErrorKind
	}{
		{
			name: "auth wins",
			handlers: map[string]http.HandlerFunc{
				"a": xmlHandler(http.StatusUnauthorized, ""),
				"b": xmlHandler(http.StatusTooManyRequests, ""),
			},
			want: KindAuthentication,
		},
		{
			name: "rate limit over malformed",
			handlers: map[string]http.HandlerFunc{
				"a": xmlHandler(http.StatusOK, `<error code="500" description="Request limit reached"/>`),
				"b": xmlHandler(http.StatusOK, `<html></html>`),
			},
			want: KindRateLimited,
		},
		{
			name: "malformed over upstream",
			handlers: map[string]http.HandlerFunc{
				"a": xmlHandler(http.StatusOK, `<error code="201" description="Incorrect parameter"/>`),
				"b": xmlHandler(http.StatusNotFound, ""),
			},
			want: KindMalformed,
		},
		{
			name: "upstream",
			handlers: map[string]http.HandlerFunc{
				"a": xmlHandler(http.StatusBadGateway, ""),
				"b": xmlHandler(http.StatusOK, `<error code="900" description="Unknown error"/>`),
			},
			want: KindUpstream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &torznabStub{handlers: tt.handlers}
			client := newTorznabTestClient(t, BackendJackett, []string{"a", "b"}, stub)

			res, err := client.Search(context.Background(), Query{Title: "Movie"})
			assert.Nil(t, res)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestTorznabClient_RetryAfterHeader(t *testing.T) {
	stub := &torznabStub{handlers: map[string]http.HandlerFunc{
		"all": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "7200")
			w.WriteHeader(http.StatusTooManyRequests)
		},
	}}
	client := newTorznabTestClient(t, BackendJackett, nil, stub)

	_, err := client.Search(context.Background(), Query{Title: "Movie"})
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, 2*time.Hour, RetryAfter(err))
	assert.Len(t, stub.recorded(), 1)
}

func TestTorznabClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	stub := &torznabStub{handlers: map[string]http.HandlerFunc{
		"all": func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			xmlHandler(http.StatusOK, feedFor("all"))(w, r)
		},
	}}
	client := newTorznabTestClient(t, BackendJackett, nil, stub)

	res, err := client.Search(context.Background(), Query{Title: "Movie"})
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTorznabClient_HealthCheck(t *testing.T) {
	stub := &torznabStub{handlers: map[string]http.HandlerFunc{
		"ok":     xmlHandler(http.StatusOK, `<caps><server title="Jackett"/></caps>`),
		"denied": xmlHandler(http.StatusForbidden, ""),
	}}

	ok := newTorznabTestClient(t, BackendJackett, []string{"ok"}, stub)
	assert.Equal(t, HealthHealthy, ok.HealthCheck(context.Background()))

	denied := newTorznabTestClient(t, BackendJackett, []string{"denied"}, stub)
	assert.Equal(t, HealthUnhealthy, denied.HealthCheck(context.Background()))
}

func TestNewTorznabClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  TorznabConfig
	}{
		{name: "missing id", cfg: TorznabConfig{BaseURL: "http://localhost"}},
		{name: "bad url", cfg: TorznabConfig{ID: "x", BaseURL: "not a url"}},
		{name: "unknown backend", cfg: TorznabConfig{ID: "x", BaseURL: "http://localhost", Backend: "nzbhydra"}},
		{name: "prowlarr without upstreams", cfg: TorznabConfig{ID: "x", BaseURL: "http://localhost", Backend: BackendProwlarr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTorznabClient(tt.cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestTorznabClient_InvalidQuery(t *testing.T) {
	stub := &torznabStub{}
	client := newTorznabTestClient(t, BackendJackett, nil, stub)

	_, err := client.Search(context.Background(), Query{})
	assert.Equal(t, KindMalformed, KindOf(err))
	assert.Empty(t, stub.recorded())
}
