// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
)

// GET /api/analytics/summary
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.pl.Analytics.Summary(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}

// GET /api/analytics/protocols?hours=24
func (s *Server) handleProtocols(w http.ResponseWriter, r *http.Request) {
	protos, err := s.pl.Analytics.Protocols(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"protocols": protos})
}

// GET /api/analytics/geographic?hours=24
func (s *Server) handleGeographic(w http.ResponseWriter, r *http.Request) {
	countries, err := s.pl.Analytics.Geographic(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"countries": countries})
}

// GET /api/analytics/domains?hours=24&limit=20
func (s *Server) handleTopDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.pl.Analytics.TopDomains(r.Context(), queryInt(r, "hours", 24), queryInt(r, "limit", 20))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"domains": domains})
}

// GET /api/analytics/applications?hours=24
func (s *Server) handleApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.pl.Analytics.Applications(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"applications": apps})
}

// GET /api/analytics/applications/trends?hours=24
func (s *Server) handleApplicationTrends(w http.ResponseWriter, r *http.Request) {
	trends, err := s.pl.Analytics.ApplicationTrends(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"trends": trends})
}

// GET /api/analytics/devices?hours=24&limit=10
func (s *Server) handleTopDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.pl.Analytics.TopDevices(r.Context(), queryInt(r, "hours", 24), queryInt(r, "limit", 10))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// GET /api/analytics/bandwidth?hours=24
func (s *Server) handleBandwidth(w http.ResponseWriter, r *http.Request) {
	points, err := s.pl.Analytics.Bandwidth(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"bandwidth": points})
}

// GET /api/analytics/quality/rtt?hours=24
func (s *Server) handleRTTTrends(w http.ResponseWriter, r *http.Request) {
	points, err := s.pl.Analytics.RTTTrends(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"trends": points})
}

// GET /api/analytics/quality/jitter?hours=24
func (s *Server) handleJitterTrends(w http.ResponseWriter, r *http.Request) {
	points, err := s.pl.Analytics.Jitter(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"trends": points})
}

// GET /api/analytics/quality/retransmissions?hours=24
func (s *Server) handleRetransTrends(w http.ResponseWriter, r *http.Request) {
	points, err := s.pl.Analytics.Retransmissions(r.Context(), queryInt(r, "hours", 24))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"trends": points})
}

// GET /api/analytics/quality/connections
func (s *Server) handleConnectionQuality(w http.ResponseWriter, r *http.Request) {
	breakdown, err := s.pl.Analytics.ConnectionQuality(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, breakdown)
}
