// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/pickarr/internal/models"
)

// ReputationInvalidator drops cached reputation lookups.
type ReputationInvalidator interface {
	Invalidate()
}

// ReputationHandler lets an external analysis job maintain group reputations.
type ReputationHandler struct {
	store *models.ReputationStore
	cache ReputationInvalidator
}

func NewReputationHandler(store *models.ReputationStore, cache ReputationInvalidator) *ReputationHandler {
	return &ReputationHandler{store: store, cache: cache}
}

func (h *ReputationHandler) Routes(r chi.Router) {
	r.Route("/reputation", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{group}", h.Get)
		r.Put("/{group}", h.Upsert)
		r.Delete("/{group}", h.Delete)
	})
}

func (h *ReputationHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list reputations")
		RespondError(w, http.StatusInternalServerError, "Failed to list reputations")
		return
	}
	if rows == nil {
		rows = []*models.GroupReputation{}
	}
	RespondJSON(w, http.StatusOK, rows)
}

func (h *ReputationHandler) Get(w http.ResponseWriter, r *http.Request) {
	row, err := h.store.Get(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to load reputation")
		RespondError(w, http.StatusInternalServerError, "Failed to load reputation")
		return
	}
	if row == nil {
		RespondError(w, http.StatusNotFound, "Group not found")
		return
	}
	RespondJSON(w, http.StatusOK, row)
}

func (h *ReputationHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var body models.GroupReputation
	if err := decodeJSON(r, &body); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	body.Group = strings.TrimSpace(chi.URLParam(r, "group"))
	if body.Low == 0 && body.High == 0 {
		body.Low, body.High = body.Value, body.Value
	}
	if body.Low > body.Value || body.Value > body.High {
		RespondError(w, http.StatusBadRequest, "value must lie between low and high")
		return
	}

	if err := h.store.Upsert(r.Context(), &body); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.invalidate()
	RespondJSON(w, http.StatusOK, body)
}

func (h *ReputationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "group")); err != nil {
		log.Error().Err(err).Msg("Failed to delete reputation")
		RespondError(w, http.StatusInternalServerError, "Failed to delete reputation")
		return
	}
	h.invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ReputationHandler) invalidate() {
	if h.cache != nil {
		h.cache.Invalidate()
	}
}
