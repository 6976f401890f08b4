// Package httpapi exposes the read-only telemetry surface: the latest merged
// snapshot, recent and persisted traces, collector health, and Prometheus
// metrics. It also provides the request-instrumentation middleware. All
// endpoints are fire-and-forget consumers of the core; their failures never
// affect collection.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/collect"
	"github.com/pulseboard/pulse/internal/tracing"
)

// TraceReader is the paginated read surface of the external persistence
// layer. It is optional: without one, /api/traces serves only the in-memory
// bounded log.
type TraceReader interface {
	ListTraces(ctx context.Context, limit, offset int) ([]*tracing.TraceRecord, int, error)
}

// Server serves the JSON telemetry endpoints.
type Server struct {
	orch     *collect.Orchestrator
	recorder *tracing.Recorder
	traces   TraceReader
	logger   *zap.Logger
}

// New creates the API server. traces may be nil.
func New(orch *collect.Orchestrator, recorder *tracing.Recorder, traces TraceReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{orch: orch, recorder: recorder, traces: traces, logger: logger}
}

// RegisterRoutes attaches the API routes to an existing ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/collectors", s.handleCollectors)
	mux.HandleFunc("GET /api/traces", s.handleTraces)
	mux.HandleFunc("GET /api/traces/recent", s.handleRecentTraces)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// ListenAndServe starts a standalone HTTP server for the API, shutting down
// gracefully when ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleStats returns the most recent merged snapshot. Best currently
// available data: a failed collector just means missing keys.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orch.LatestStats())
}

// handleHealth returns per-collector health entries.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orch.CollectorHealth())
}

// handleCollectors returns the diagnostics view: configs of every collector
// that exposes one.
func (s *Server) handleCollectors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orch.CollectorConfigs())
}

// tracePage is the JSON shape for /api/traces.
type tracePage struct {
	Traces []*tracing.TraceRecord `json:"traces"`
	Total  int                    `json:"total"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

// handleTraces serves a page of persisted traces, falling back to the
// in-memory log when no persistence layer is wired.
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	if s.traces == nil {
		all := s.recorder.Log().Items()
		// Newest first, to match the persisted read order.
		page := pageOf(all, limit, offset)
		writeJSON(w, tracePage{Traces: page, Total: len(all), Limit: limit, Offset: offset})
		return
	}

	records, total, err := s.traces.ListTraces(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("trace page read failed", zap.Error(err))
		http.Error(w, "trace storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if records == nil {
		records = []*tracing.TraceRecord{}
	}
	writeJSON(w, tracePage{Traces: records, Total: total, Limit: limit, Offset: offset})
}

// handleRecentTraces serves the newest n traces straight from the bounded
// log, newest first.
func (s *Server) handleRecentTraces(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "limit", 20)
	items := s.recorder.Log().Latest(n)

	// Latest returns oldest-to-newest; the UI wants newest first.
	out := make([]*tracing.TraceRecord, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
	}
	writeJSON(w, out)
}

// pageOf slices records newest-first with limit/offset semantics.
func pageOf(all []*tracing.TraceRecord, limit, offset int) []*tracing.TraceRecord {
	out := []*tracing.TraceRecord{}
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out
}

func queryInt(r *http.Request, name string, def int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
