// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/pickarr/internal/decision"
	"github.com/autobrr/pickarr/internal/indexer"
	"github.com/autobrr/pickarr/internal/release"
	"github.com/autobrr/pickarr/internal/search"
	"github.com/autobrr/pickarr/internal/services/finder"
)

// PickRequest carries releases collected elsewhere. Facts are parsed from
// each title.
type PickRequest struct {
	Profile  string              `json:"profile,omitempty"`
	Releases []release.Candidate `json:"releases"`
}

// RankResponse lists every acceptable release, best first.
type RankResponse struct {
	Profile  string                   `json:"profile"`
	Releases []decision.ScoredRelease `json:"releases"`
	Rejected int                      `json:"rejected"`
}

type SearchHandler struct {
	finder *finder.Service
}

func NewSearchHandler(f *finder.Service) *SearchHandler {
	return &SearchHandler{finder: f}
}

func (h *SearchHandler) Routes(r chi.Router) {
	r.Post("/search", h.Search)
	r.Post("/pick", h.Pick)
	r.Post("/rank", h.Rank)
}

// Search runs a fan-out search and ranks the merged results. When no indexer
// answered the reply is a 502 that still carries the per-indexer errors.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req finder.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.finder.SearchAll(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if resp != nil && errors.Is(err, search.ErrNoUsableClients) {
			RespondJSON(w, status, resp)
			return
		}
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("title", req.Query.Title).Msg("Search failed")
		}
		RespondError(w, status, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}

// Pick returns the single best release among the submitted ones.
func (h *SearchHandler) Pick(w http.ResponseWriter, r *http.Request) {
	releases, profile, ok := h.decodePick(w, r)
	if !ok {
		return
	}

	best, err := h.finder.PickBest(r.Context(), releases, profile)
	if err != nil {
		RespondError(w, statusFor(err), err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, best)
}

// Rank scores the submitted releases against a profile.
func (h *SearchHandler) Rank(w http.ResponseWriter, r *http.Request) {
	releases, profile, ok := h.decodePick(w, r)
	if !ok {
		return
	}

	ranking, err := h.finder.Rank(r.Context(), releases, profile)
	if err != nil {
		RespondError(w, statusFor(err), err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, RankResponse{
		Profile:  ranking.Profile,
		Releases: ranking.Releases,
		Rejected: ranking.Rejected,
	})
}

func (h *SearchHandler) decodePick(w http.ResponseWriter, r *http.Request) ([]release.Annotated, string, bool) {
	var req PickRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return nil, "", false
	}
	if len(req.Releases) == 0 {
		RespondError(w, http.StatusBadRequest, "releases are required")
		return nil, "", false
	}

	out := make([]release.Annotated, 0, len(req.Releases))
	for _, c := range req.Releases {
		if strings.TrimSpace(c.Title) == "" {
			RespondError(w, http.StatusBadRequest, "every release needs a title")
			return nil, "", false
		}
		if c.IndexerID == "" {
			c.IndexerID = "external"
		}
		if c.GUID == "" && c.DownloadURL == "" {
			c.GUID = c.IndexerID + ":" + c.Title
		}
		out = append(out, release.Annotate(c, release.Parse(c.Title)))
	}
	return out, req.Profile, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, search.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, decision.ErrProfileNotFound), errors.Is(err, indexer.ErrUnknownIndexer):
		return http.StatusNotFound
	case errors.Is(err, decision.ErrNoAcceptableRelease):
		return http.StatusUnprocessableEntity
	case errors.Is(err, search.ErrNoUsableClients):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
