// Package httpapi serves the run control and polling API: starting runs,
// live status, log export, health, and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"saturn/internal/domain"
	"saturn/internal/engine"
	"saturn/internal/store"
	"saturn/internal/tracker"
)

// RunStarter starts analytics runs. Implemented by the engine orchestrator.
type RunStarter interface {
	StartRun(ctx context.Context, req engine.Request) (domain.Run, error)
}

// Pinger reports whether the durable store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the analytics run API.
type Server struct {
	orch      RunStarter
	tracker   *tracker.Tracker
	pinger    Pinger
	positions store.PositionStore
	snapshots store.SnapshotStore
	history   store.HistoryStore
	log       *slog.Logger
}

// NewServer creates the API server.
func NewServer(orch RunStarter, tr *tracker.Tracker, pinger Pinger, positions store.PositionStore, snapshots store.SnapshotStore, history store.HistoryStore) *Server {
	return &Server{
		orch:      orch,
		tracker:   tr,
		pinger:    pinger,
		positions: positions,
		snapshots: snapshots,
		history:   history,
		log:       slog.Default().With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs/current", s.handleCurrentRun)
	mux.HandleFunc("GET /api/runs/{run_id}/log", s.handleRunLog)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/portfolios/{portfolio_id}/snapshots", s.handleSnapshots)
	mux.HandleFunc("GET /api/portfolios/{portfolio_id}/positions", s.handleListPositions)
	mux.HandleFunc("POST /api/portfolios/{portfolio_id}/positions", s.handleAddPosition)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body startRunRequest
	// an empty body means a default global run
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	trigger := domain.Trigger(body.Trigger)
	switch trigger {
	case "":
		trigger = domain.TriggerUser
	case domain.TriggerScheduled, domain.TriggerAdmin, domain.TriggerOnboarding, domain.TriggerUser:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown trigger %q", body.Trigger))
		return
	}

	run, err := s.orch.StartRun(r.Context(), engine.Request{
		Scope:      body.Scope,
		Trigger:    trigger,
		Force:      body.Force,
		ScopedOnly: body.ScopedOnly,
	})
	if err != nil {
		if errors.Is(err, tracker.ErrRunActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error("starting run", "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, startRunResponse{
		RunID:   run.ID,
		Scope:   run.Scope,
		PollURL: "/api/runs/current?scope=" + run.Scope,
	})
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	view := s.tracker.Status(scope)
	if view.State == tracker.StateNotFound {
		writeJSON(w, http.StatusNotFound, statusResponse{State: string(tracker.StateNotFound)})
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(view))
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	view, full, ok := s.tracker.RunLog(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found or outside retention")
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "txt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+runID+".log"))
		var b strings.Builder
		fmt.Fprintf(&b, "run %s scope=%s status=%s\n", view.Run.ID, view.Run.Scope, view.Run.Status)
		for _, sp := range view.Stages {
			fmt.Fprintf(&b, "stage %-20s %-9s %d/%d %s\n", sp.ID, sp.Status, sp.Current, sp.Total, sp.Unit)
		}
		b.WriteString("\n")
		for _, e := range full {
			fmt.Fprintf(&b, "%s [%s] %s\n", e.Time.UTC().Format("2006-01-02T15:04:05Z"), strings.ToUpper(string(e.Level)), e.Message)
		}
		w.Write([]byte(b.String()))
	case "json":
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+runID+".json"))
		writeJSON(w, http.StatusOK, logExport{
			Run:    toRunJSON(view.Run),
			Stages: toStageJSON(view.Stages),
			Log:    toLogJSON(full),
		})
	default:
		writeError(w, http.StatusBadRequest, "format must be txt or json")
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 30
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}
	recs, err := s.history.ListRunDays(r.Context(), limit)
	if err != nil {
		s.log.Error("listing run history", "error", err)
		writeError(w, http.StatusInternalServerError, "reading run history")
		return
	}
	writeJSON(w, http.StatusOK, toRunDayJSON(recs))
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	portfolioID := r.PathValue("portfolio_id")
	snaps, err := s.snapshots.ListSnapshots(r.Context(), portfolioID)
	if err != nil {
		s.log.Error("listing snapshots", "portfolio", portfolioID, "error", err)
		writeError(w, http.StatusInternalServerError, "reading snapshots")
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotJSON(snaps))
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	portfolioID := r.PathValue("portfolio_id")
	positions, err := s.positions.ListPositions(r.Context(), portfolioID)
	if err != nil {
		s.log.Error("listing positions", "portfolio", portfolioID, "error", err)
		writeError(w, http.StatusInternalServerError, "reading positions")
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(positions))
}

func (s *Server) handleAddPosition(w http.ResponseWriter, r *http.Request) {
	portfolioID := r.PathValue("portfolio_id")

	var body addPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pos, err := body.toPosition(portfolioID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.positions.SavePosition(r.Context(), pos); err != nil {
		s.log.Error("saving position", "portfolio", portfolioID, "error", err)
		writeError(w, http.StatusInternalServerError, "saving position")
		return
	}
	writeJSON(w, http.StatusCreated, toPositionJSON([]domain.Position{pos})[0])
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pinger.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
