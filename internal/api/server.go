// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the sensor over HTTP: a REST query surface, the
// /api/ws live stream and the Prometheus scrape endpoint. The adapter
// is thin; all state lives in the pipeline services it fronts.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/netinsight/internal/config"
	"grimm.is/netinsight/internal/logging"
	"grimm.is/netinsight/internal/pipeline"
)

// Server handles API requests.
type Server struct {
	cfg    *config.Config
	pl     *pipeline.Orchestrator
	logger *logging.Logger

	router     *mux.Router
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates the API server over a running pipeline.
func NewServer(cfg *config.Config, pl *pipeline.Orchestrator, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	s := &Server{
		cfg:       cfg,
		pl:        pl,
		logger:    logger,
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Devices
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/devices/{id}", s.handleUpdateDevice).Methods("PATCH")
	api.HandleFunc("/devices/{id}/analytics", s.handleDeviceAnalytics).Methods("GET")
	api.HandleFunc("/devices/{id}/applications", s.handleDeviceApplications).Methods("GET")

	// Flows
	api.HandleFunc("/flows", s.handleListFlows).Methods("GET")
	api.HandleFunc("/flows/active", s.handleActiveFlows).Methods("GET")
	api.HandleFunc("/flows/export", s.handleExportFlows).Methods("GET")
	api.HandleFunc("/flows/{id}", s.handleGetFlow).Methods("GET")

	// Threats
	api.HandleFunc("/threats", s.handleListThreats).Methods("GET")
	api.HandleFunc("/threats/search", s.handleSearchThreats).Methods("GET")
	api.HandleFunc("/threats/{id}/dismiss", s.handleDismissThreat).Methods("POST")

	// Analytics
	api.HandleFunc("/analytics/summary", s.handleSummary).Methods("GET")
	api.HandleFunc("/analytics/protocols", s.handleProtocols).Methods("GET")
	api.HandleFunc("/analytics/geographic", s.handleGeographic).Methods("GET")
	api.HandleFunc("/analytics/domains", s.handleTopDomains).Methods("GET")
	api.HandleFunc("/analytics/applications", s.handleApplications).Methods("GET")
	api.HandleFunc("/analytics/applications/trends", s.handleApplicationTrends).Methods("GET")
	api.HandleFunc("/analytics/devices", s.handleTopDevices).Methods("GET")
	api.HandleFunc("/analytics/bandwidth", s.handleBandwidth).Methods("GET")
	api.HandleFunc("/analytics/quality/rtt", s.handleRTTTrends).Methods("GET")
	api.HandleFunc("/analytics/quality/jitter", s.handleJitterTrends).Methods("GET")
	api.HandleFunc("/analytics/quality/retransmissions", s.handleRetransTrends).Methods("GET")
	api.HandleFunc("/analytics/quality/connections", s.handleConnectionQuality).Methods("GET")

	// Capture control
	api.HandleFunc("/capture/start", s.handleStartCapture).Methods("POST")
	api.HandleFunc("/capture/stop", s.handleStopCapture).Methods("POST")
	api.HandleFunc("/capture/status", s.handleCaptureStatus).Methods("GET")

	// Maintenance
	api.HandleFunc("/maintenance/cleanup", s.handleCleanup).Methods("POST")
	api.HandleFunc("/maintenance/stats", s.handleMaintenanceStats).Methods("GET")

	// Health and stats
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Live stream
	api.HandleFunc("/ws", s.handleWebsocket)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.pl.Metrics.Registry, promhttp.HandlerOpts{}))
	s.router.Use(s.corsMiddleware)
}

// Handler returns the routing tree, exported for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}

	go func() {
		s.logger.Info("API server listening", "addr", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.WithError(err).Error("API server failed")
		}
	}()
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
