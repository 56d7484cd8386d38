// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// handleListThreats returns threats, active only by default.
// GET /api/threats?all=true&limit=100
func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"
	limit := queryInt(r, "limit", 100)

	threats, err := s.pl.Store.ListThreats(activeOnly, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"threats": threats,
		"count":   len(threats),
	})
}

// handleSearchThreats matches description, kind and device name.
// GET /api/threats/search?q=scan
func (s *Server) handleSearchThreats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		WriteError(w, http.StatusBadRequest, "q is required")
		return
	}

	threats, err := s.pl.Store.SearchThreats(q, queryInt(r, "limit", 100))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"threats": threats,
		"count":   len(threats),
	})
}

// handleDismissThreat marks a threat inactive. Idempotent; dismissing
// twice is not an error.
// POST /api/threats/{id}/dismiss
func (s *Server) handleDismissThreat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.pl.Store.DismissThreat(id); err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"dismissed": id})
}
