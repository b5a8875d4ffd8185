// Package api serves read-only diagnostics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/BenPomme/alpaca-trading-system/internal/monitoring"
	"github.com/BenPomme/alpaca-trading-system/internal/rebalance"
	"github.com/BenPomme/alpaca-trading-system/internal/safety"
)

// StatusSource exposes gate diagnostics
type StatusSource interface {
	Status(symbol string) safety.SymbolStatus
	StatusAll() []safety.SymbolStatus
}

// RebalanceSource exposes the latest rebalance run
type RebalanceSource interface {
	LastRun() *rebalance.RunReport
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig binds to localhost only
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the read-only diagnostics server
type Server struct {
	router     *mux.Router
	server     *http.Server
	config     ServerConfig
	gate       StatusSource
	rebalancer RebalanceSource
	stop       *safety.EmergencyStop
	logger     zerolog.Logger
	started    time.Time
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// NewServer creates a new diagnostics server
func NewServer(config ServerConfig, gate StatusSource, rebalancer RebalanceSource, stop *safety.EmergencyStop, logger zerolog.Logger) *Server {
	def := DefaultServerConfig()
	if config.Host == "" {
		config.Host = def.Host
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if stop == nil {
		stop = safety.NewEmergencyStop()
	}

	s := &Server{
		router:     mux.NewRouter(),
		config:     config,
		gate:       gate,
		rebalancer: rebalancer,
		stop:       stop,
		logger:     logger.With().Str("component", "api").Logger(),
		started:    time.Now(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.Handle("/metrics", monitoring.Handler()).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatusAll).Methods("GET")
	api.HandleFunc("/status/{symbol:.+}", s.handleStatus).Methods("GET")
	api.HandleFunc("/rebalance/last", s.handleLastRebalance).Methods("GET")
	api.HandleFunc("/emergency", s.handleEmergency).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("no route for %s", r.URL.Path))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "diagnostics are read-only")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engaged, reason := s.stop.Engaged()
	status := "ok"
	if engaged {
		status = "halted"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"emergency_stop": engaged,
		"stop_reason":    reason,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().UTC(),
	})
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	statuses := s.gate.StatusAll()
	if statuses == nil {
		statuses = []safety.SymbolStatus{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": statuses,
		"count":   len(statuses),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	status := s.gate.Status(symbol)
	if status.NextDecision.Reason == safety.ReasonInvalidInput {
		s.writeError(w, r, http.StatusBadRequest, "invalid_symbol", status.NextDecision.Detail)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLastRebalance(w http.ResponseWriter, r *http.Request) {
	report := s.rebalancer.LastRun()
	if report == nil {
		s.writeError(w, r, http.StatusNotFound, "no_rebalance", "no rebalance has run yet")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stop.GetStats())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	requestID, _ := r.Context().Value(requestIDKey).(string)
	s.writeJSON(w, status, errorResponse{Error: code, Message: message, RequestID: requestID})
}

// requestIDMiddleware adds unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting diagnostics server (read-only)")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down diagnostics server")
	return s.server.Shutdown(ctx)
}
