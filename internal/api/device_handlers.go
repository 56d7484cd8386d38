// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"grimm.is/netinsight/internal/model"
)

// handleListDevices returns every known device, live registry first.
// GET /api/devices
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.pl.Devices.List()
	WriteJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one device by ID.
// GET /api/devices/{id}
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	d, err := s.pl.Devices.Get(id)
	if err != nil {
		// Fall back to the store for devices aged out of memory.
		d, err = s.pl.Store.GetDevice(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
	}
	WriteJSON(w, http.StatusOK, d)
}

// handleUpdateDevice applies an operator patch to a device. Patched
// fields win over inference from then on.
// PATCH /api/devices/{id}
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var patch model.DevicePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if patch.Name == nil && patch.Type == nil && patch.Notes == nil {
		WriteError(w, http.StatusBadRequest, "Patch must set at least one field")
		return
	}

	d, err := s.pl.Devices.Update(id, patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if err := s.pl.Store.UpsertDevice(d); err != nil {
		s.logger.WithError(err).Warn("Device patch not persisted", "device", id)
	}
	s.pl.Hub.PublishDevice(d)

	WriteJSON(w, http.StatusOK, d)
}

// handleDeviceAnalytics returns traffic totals and breakdowns for one
// device over the requested window.
// GET /api/devices/{id}/analytics?hours=24
func (s *Server) handleDeviceAnalytics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	hours := queryInt(r, "hours", 24)

	da, err := s.pl.Analytics.DeviceAnalytics(r.Context(), id, hours)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, da)
}

// handleDeviceApplications returns the application profile of a device.
// GET /api/devices/{id}/applications
func (s *Server) handleDeviceApplications(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	profile, err := s.pl.Analytics.DeviceApplicationProfile(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"applications": profile})
}
