// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autobrr/pickarr/internal/services/finder"
	"github.com/autobrr/pickarr/internal/services/monitor"
)

const defaultActivityLimit = 20

// IndexersHandler exposes indexer health and probe history.
type IndexersHandler struct {
	finder  *finder.Service
	monitor *monitor.Service
}

// NewIndexersHandler creates the handler. m may be nil when background
// probing is disabled.
func NewIndexersHandler(f *finder.Service, m *monitor.Service) *IndexersHandler {
	return &IndexersHandler{finder: f, monitor: m}
}

func (h *IndexersHandler) Routes(r chi.Router) {
	r.Route("/indexers", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{indexerID}/health", h.Health)
		r.Post("/{indexerID}/check", h.Check)
		r.Get("/{indexerID}/activity", h.Activity)
	})
}

// List returns the health snapshot of every registered indexer.
func (h *IndexersHandler) List(w http.ResponseWriter, _ *http.Request) {
	RespondJSON(w, http.StatusOK, h.finder.HealthSnapshots())
}

func (h *IndexersHandler) Health(w http.ResponseWriter, r *http.Request) {
	snap, err := h.finder.HealthSnapshot(chi.URLParam(r, "indexerID"))
	if err != nil {
		RespondError(w, statusFor(err), err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, snap)
}

// Check probes the indexer now and returns the refreshed snapshot.
func (h *IndexersHandler) Check(w http.ResponseWriter, r *http.Request) {
	snap, err := h.finder.CheckHealth(r.Context(), chi.URLParam(r, "indexerID"))
	if err != nil {
		RespondError(w, statusFor(err), err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, snap)
}

func (h *IndexersHandler) Activity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "indexerID")
	if _, err := h.finder.HealthSnapshot(id); err != nil {
		RespondError(w, statusFor(err), err.Error())
		return
	}
	if h.monitor == nil {
		RespondJSON(w, http.StatusOK, []monitor.ActivityEvent{})
		return
	}
	events := h.monitor.Activity(id, queryInt(r, "limit", defaultActivityLimit))
	if events == nil {
		events = []monitor.ActivityEvent{}
	}
	RespondJSON(w, http.StatusOK, events)
}
