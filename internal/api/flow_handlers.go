// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"grimm.is/netinsight/internal/model"
)

func flowFilterFromQuery(r *http.Request) model.FlowFilter {
	q := r.URL.Query()
	return model.FlowFilter{
		Limit:       queryInt(r, "limit", 100),
		Offset:      queryInt(r, "offset", 0),
		DeviceID:    q.Get("device_id"),
		Status:      q.Get("status"),
		Protocol:    q.Get("protocol"),
		StartTime:   queryInt64(r, "start_time", 0),
		EndTime:     queryInt64(r, "end_time", 0),
		SourceIP:    q.Get("source_ip"),
		DestIP:      q.Get("dest_ip"),
		ThreatLevel: q.Get("threat_level"),
		MinBytes:    queryInt64(r, "min_bytes", 0),
	}
}

// handleListFlows queries persisted flows.
// GET /api/flows?device_id=&status=&protocol=&limit=&offset=...
func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.pl.Store.QueryFlows(flowFilterFromQuery(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"flows": flows,
		"count": len(flows),
	})
}

// handleActiveFlows returns the aggregator's in-flight flows.
// GET /api/flows/active?limit=100
func (s *Server) handleActiveFlows(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	flows := s.pl.Aggregator.ActiveFlows(limit)
	WriteJSON(w, http.StatusOK, map[string]any{
		"flows": flows,
		"count": len(flows),
	})
}

// handleGetFlow returns one persisted flow by ID.
// GET /api/flows/{id}
func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.pl.Store.GetFlow(mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, f)
}

// handleExportFlows streams the filtered flow set as CSV or JSON.
// GET /api/flows/export?format=csv
func (s *Server) handleExportFlows(w http.ResponseWriter, r *http.Request) {
	filter := flowFilterFromQuery(r)
	if filter.Limit == 100 {
		filter.Limit = 1000
	}

	flows, err := s.pl.Store.QueryFlows(filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		w.Header().Set("Content-Disposition", `attachment; filename="flows.json"`)
		WriteJSON(w, http.StatusOK, flows)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="flows.csv"`)
		writeFlowsCSV(w, flows)
	default:
		WriteError(w, http.StatusBadRequest, "format must be csv or json")
	}
}

func writeFlowsCSV(w http.ResponseWriter, flows []model.Flow) {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	cw.Write([]string{
		"id", "device_id", "source_ip", "source_port", "dest_ip", "dest_port",
		"protocol", "bytes_in", "bytes_out", "packets_in", "packets_out",
		"first_seen", "last_seen", "duration_ms", "status", "domain", "sni",
		"application", "country", "connection_state", "rtt_ms", "jitter_ms",
		"retransmissions", "threat_level",
	})
	for _, f := range flows {
		cw.Write([]string{
			f.ID, f.DeviceID, f.SourceIP, strconv.Itoa(int(f.SourcePort)),
			f.DestIP, strconv.Itoa(int(f.DestPort)), f.Protocol,
			strconv.FormatInt(f.BytesIn, 10), strconv.FormatInt(f.BytesOut, 10),
			strconv.FormatInt(f.PacketsIn, 10), strconv.FormatInt(f.PacketsOut, 10),
			strconv.FormatInt(f.FirstSeen, 10), strconv.FormatInt(f.LastSeen, 10),
			strconv.FormatInt(f.DurationMs, 10), f.Status, f.Domain, f.SNI,
			f.Application, f.Country, f.ConnectionState,
			fmt.Sprintf("%.2f", f.RTTMs), fmt.Sprintf("%.2f", f.JitterMs),
			strconv.FormatInt(f.Retransmissions, 10), f.ThreatLevel,
		})
	}
}
