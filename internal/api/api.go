// Package api exposes the HTTP surface of the assistant core: /process for
// free-text turns, /callback for button presses and /health for monitoring.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/initio/assistant/internal/dispatch"
	"github.com/initio/assistant/internal/models"
	"github.com/initio/assistant/internal/store"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8001"

// DefaultRequestTimeout bounds one inbound request end to end.
const DefaultRequestTimeout = 30 * time.Second

// Pre-marshaled fallback response to avoid runtime JSON encoding failures.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Failure("Внутренняя ошибка сервиса.", "internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// Server serves the inbound chat contract.
type Server struct {
	orch    *dispatch.Orchestrator
	store   store.Store
	addr    string
	timeout time.Duration
	httpSrv *http.Server
}

// Opts holds configuration for server construction.
type Opts struct {
	Addr           string
	RequestTimeout time.Duration
}

// Option configures server construction.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRequestTimeout bounds inbound request handling.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// NewServer creates the API server over the orchestrator and store.
func NewServer(orch *dispatch.Orchestrator, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, RequestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{orch: orch, store: st, addr: cfg.Addr, timeout: cfg.RequestTimeout}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/process", s.processHandler)
	mux.HandleFunc("/callback", s.callbackHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Run() error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Server.Run: listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) processHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.processHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Failure("Некорректный запрос.", "invalid JSON"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	resp := s.orch.Process(ctx, req)
	slog.Debug("Server.processHandler: turn complete", "userID", req.UserID,
		"responseType", resp.ResponseType, "success", resp.Success)
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) callbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req models.CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.callbackHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Failure("Некорректный запрос.", "invalid JSON"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	resp := s.orch.Callback(ctx, req)
	slog.Debug("Server.callbackHandler: callback complete", "userID", req.UserID,
		"responseType", resp.ResponseType, "success", resp.Success)
	writeJSONResponse(w, http.StatusOK, resp)
}

// healthHandler reports liveness, probing the store as the single dependency
// that matters for readiness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	healthData := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.store.Ping(); err != nil {
		slog.Warn("Server.healthHandler: store unreachable", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "store unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, healthData)
}

// writeJSONResponse marshals first so an encoding error never corrupts an
// already-started response.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}
