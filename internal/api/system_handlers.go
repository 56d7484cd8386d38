// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"grimm.is/netinsight/internal/errors"
)

// handleHealth reports the composite service health.
// GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.pl.Health()

	status := "ok"
	if h.CaptureError != "" {
		status = "degraded"
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"uptime_s":  int64(time.Since(s.startTime).Seconds()),
		"services":  h,
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleStats reports the pipeline counters.
// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"capture":     s.pl.Capture.Stats(),
		"flows":       s.pl.Aggregator.Stats(),
		"devices":     s.pl.Devices.Count(),
		"subscribers": s.pl.Hub.SubscriberCount(),
		"published":   s.pl.Hub.Published(),
	})
}

// handleStartCapture starts live capture.
// POST /api/capture/start
func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.pl.StartCapture(); err != nil {
		if errors.GetKind(err) == errors.KindCaptureUnavailable {
			WriteError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.pl.Capture.Stats())
}

// handleStopCapture halts live capture; query surfaces stay up.
// POST /api/capture/stop
func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	s.pl.StopCapture()
	WriteJSON(w, http.StatusOK, s.pl.Capture.Stats())
}

// handleCaptureStatus reports capture state and counters.
// GET /api/capture/status
func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.pl.Capture.Stats())
}

// handleCleanup deletes data past the retention window on demand.
// POST /api/maintenance/cleanup  {"days": 30}
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	stats := s.pl.RunCleanup(req.Days)
	WriteJSON(w, http.StatusOK, stats)
}

// handleMaintenanceStats reports the last cleanup outcome.
// GET /api/maintenance/stats
func (s *Server) handleMaintenanceStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.pl.Maintenance())
}
