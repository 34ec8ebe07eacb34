// pkg/api/api.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ironveil/hostwatch/pkg/control"
	"github.com/ironveil/hostwatch/pkg/event"
	"github.com/ironveil/hostwatch/pkg/storage"
)

// Server is the operator-facing HTTP surface: runtime control, diagnostics,
// alert triage, and Prometheus metrics. It never participates in the event
// path itself.
type Server struct {
	control *control.ControlPlane
	store   storage.Store
	logger  zerolog.Logger
	srv     *http.Server
}

// NewServer creates the operator API server listening on the given port.
func NewServer(port string, cp *control.ControlPlane, store storage.Store, logger zerolog.Logger) *Server {
	s := &Server{
		control: cp,
		store:   store,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.srv = &http.Server{
		Addr:         ":" + port,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("PUT /api/v1/monitoring", s.handleMonitoring)
	mux.HandleFunc("PUT /api/v1/thresholds", s.handleThresholds)
	mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
	mux.HandleFunc("POST /api/v1/alerts/{id}/ack", s.handleAlertState(event.AlertAcknowledged))
	mux.HandleFunc("POST /api/v1/alerts/{id}/clear", s.handleAlertState(event.AlertCleared))
	return mux
}

// Start runs the listener until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("Operator API listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Diagnostics())
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}
	s.control.SetMonitoring(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"monitoring_enabled": *req.Enabled})
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind        string `json:"kind"`
		MinSeverity string `json:"min_severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	kind, err := event.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sev, err := event.ParseSeverity(req.MinSeverity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.control.SetThreshold(kind, sev)
	writeJSON(w, http.StatusOK, map[string]string{"kind": string(kind), "min_severity": sev.String()})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alerts, err := s.store.QueryAlerts(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Alert query failed")
		writeError(w, http.StatusInternalServerError, "alert query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleAlertState(state event.AlertState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		err := s.store.UpdateAlertState(r.Context(), id, state)
		switch {
		case errors.Is(err, storage.ErrAlertNotFound):
			writeError(w, http.StatusNotFound, "alert not found")
		case err != nil:
			s.logger.Error().Err(err).Str("alert_id", id).Msg("Alert state update failed")
			writeError(w, http.StatusInternalServerError, "alert state update failed")
		default:
			writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(state)})
		}
	}
}

func filterFromQuery(r *http.Request) (storage.Filter, error) {
	var filter storage.Filter
	q := r.URL.Query()

	if v := q.Get("state"); v != "" {
		state, err := event.ParseAlertState(v)
		if err != nil {
			return filter, err
		}
		filter.State = state
	}
	if v := q.Get("kind"); v != "" {
		kind, err := event.ParseKind(v)
		if err != nil {
			return filter, err
		}
		filter.Kind = kind
	}
	if v := q.Get("min_severity"); v != "" {
		sev, err := event.ParseSeverity(v)
		if err != nil {
			return filter, err
		}
		filter.MinSeverity = sev
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
