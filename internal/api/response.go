// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"grimm.is/netinsight/internal/errors"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes a structured error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps a service error onto the HTTP surface.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetKind(err) {
	case errors.KindInvalidArgument:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindConflict:
		status = http.StatusConflict
	case errors.KindTimeout:
		status = http.StatusGatewayTimeout
	case errors.KindTransientStorage:
		status = http.StatusServiceUnavailable
	case errors.KindCaptureUnavailable:
		status = http.StatusServiceUnavailable
	}
	WriteError(w, status, err.Error())
}

// queryInt reads an integer query parameter with a fallback.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryInt64 reads a 64-bit integer query parameter with a fallback.
func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
