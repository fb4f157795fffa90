// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/pickarr/internal/services/finder"
)

// ProfileReloader re-reads profiles from their backing file.
type ProfileReloader interface {
	Reload() error
}

type ProfilesHandler struct {
	finder   *finder.Service
	reloader ProfileReloader
}

// NewProfilesHandler creates the handler. reloader may be nil.
func NewProfilesHandler(f *finder.Service, reloader ProfileReloader) *ProfilesHandler {
	return &ProfilesHandler{finder: f, reloader: reloader}
}

func (h *ProfilesHandler) Routes(r chi.Router) {
	r.Get("/profiles", h.List)
	if h.reloader != nil {
		r.Post("/profiles/reload", h.Reload)
	}
}

func (h *ProfilesHandler) List(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.finder.Profiles(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list profiles")
		RespondError(w, http.StatusInternalServerError, "Failed to list profiles")
		return
	}
	RespondJSON(w, http.StatusOK, profiles)
}

// Reload re-reads the profiles file. The previous set stays active on error.
func (h *ProfilesHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.reloader.Reload(); err != nil {
		RespondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.List(w, r)
}
