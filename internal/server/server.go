// Package server exposes the engine over HTTP: JSON control endpoints, the
// WebSocket subscriber channel and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zoobzio/pulsez"
	"github.com/zoobzio/pulsez/sink/wshub"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Server routes HTTP requests to an engine.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type Server struct {
	engine   *pulsez.Engine
	hub      *wshub.Hub
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   *mux.Router
	http     *http.Server
}

// New builds the router and the HTTP server listening on addr. gatherer
// serves /metrics; hub may be nil to disable the WebSocket endpoint.
func New(addr string, engine *pulsez.Engine, hub *wshub.Hub, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		engine:   engine,
		hub:      hub,
		gatherer: gatherer,
		logger:   logger,
		router:   mux.NewRouter(),
	}
	s.router.Use(s.logging)
	s.routes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions/{tenant}", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{tenant}", s.handleStopSession).Methods(http.MethodDelete)
	api.HandleFunc("/events/{tenant}", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/analysis/{tenant}", s.handleQuickQuery).Methods(http.MethodGet)
	api.HandleFunc("/thresholds/{tenant}", s.handleConfigureThreshold).Methods(http.MethodPut)
	api.HandleFunc("/thresholds/{tenant}", s.handleThresholds).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{tenant}", s.handleSubscribe).Methods(http.MethodPut)
	api.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if s.hub != nil {
		s.router.HandleFunc("/ws/realtime/{tenant}", s.handleWebSocket).Methods(http.MethodGet)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until Shutdown. It returns nil at once when Shutdown
// has already been called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type sessionResponse struct {
	TenantID string `json:"tenant_id"`
	Created  bool   `json:"created,omitempty"`
	Removed  bool   `json:"removed,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	created := s.engine.StartSession(r.Context(), tenantID)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sessionResponse{TenantID: tenantID, Created: created})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	writeJSON(w, http.StatusOK, sessionResponse{TenantID: tenantID, Removed: s.engine.StopSession(tenantID)})
}

type ingestRequest struct {
	Events []pulsez.RawEvent `json:"events"`
}

type ingestResponse struct {
	pulsez.IngestResult
	Errors []string `json:"errors,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	var req ingestRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := s.engine.Ingest(r.Context(), tenantID, req.Events)
	resp := ingestResponse{IngestResult: result}
	for _, verr := range result.ValidationErrors {
		resp.Errors = append(resp.Errors, verr.Error())
	}

	switch {
	case errors.Is(err, pulsez.ErrCapacity):
		w.Header().Set("Retry-After", retryAfter(s.engine.Config().DispatchWait))
		writeJSON(w, http.StatusTooManyRequests, resp)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (s *Server) handleQuickQuery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.QuickQuery(r.Context(), mux.Vars(r)["tenant"]))
}

type thresholdRequest struct {
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	TTLSeconds int     `json:"ttl_seconds"`
}

func (s *Server) handleConfigureThreshold(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	var req thresholdRequest
	if !decode(w, r, &req) {
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.engine.ConfigureThreshold(r.Context(), tenantID, req.Metric, req.Value, ttl); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pulsez.ErrValidation) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Thresholds(tenantID))
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Thresholds(mux.Vars(r)["tenant"]))
}

type subscribeRequest struct {
	AlertTypes []string `json:"alert_types"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	var req subscribeRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.engine.Subscribe(tenantID, req.AlertTypes) {
		writeError(w, http.StatusNotFound, pulsez.ErrRegistryMiss)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Alerts().Rules())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.engine.Health()
	status := http.StatusOK
	if !health.Running {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, s.engine, mux.Vars(r)["tenant"])
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	//nolint:errcheck // the client has gone if this fails
	json.NewEncoder(w).Encode(v)
}

// retryAfter formats d as whole seconds for a Retry-After header, never
// less than one.
func retryAfter(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
