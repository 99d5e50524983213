package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/callsync/callsync/pkg/engine"
)

// maxBodySize is the maximum accepted request body.
const maxBodySize = 64 << 10

// Engine is the part of engine.Coordinator the API exposes.
type Engine interface {
	Status(ctx context.Context) (*engine.Status, error)
	Wake(reason string)
	SetBackground(background bool)
	Accept(ctx context.Context, cmd engine.Command) (*engine.AcceptResult, error)
	Call(ctx context.Context, requestID string) (*engine.PendingCall, error)
	DeadLetters(ctx context.Context) ([]*engine.SyncTask, error)
	Requeue(ctx context.Context, requestID string) error
	Purge(ctx context.Context, requestID string) error
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address, normally loopback only.
	Addr string

	// Engine serves every endpoint except /metrics.
	Engine Engine

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	Logger zerolog.Logger
}

// Server exposes the engine as a localhost HTTP API for the CLI and the
// host application.
type Server struct {
	addr    string
	engine  Engine
	metrics http.Handler
	logger  zerolog.Logger
}

// NewServer creates a server.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("local API requires an engine")
	}
	return &Server{
		addr:    opts.Addr,
		engine:  opts.Engine,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "localapi").Logger(),
	}, nil
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /wake", s.handleWake)
	mux.HandleFunc("POST /mode", s.handleMode)
	mux.HandleFunc("POST /dial", s.handleDial)
	mux.HandleFunc("GET /calls/{id}", s.handleCall)
	mux.HandleFunc("GET /dead", s.handleDeadList)
	mux.HandleFunc("POST /dead/{id}/requeue", s.handleRequeue)
	mux.HandleFunc("DELETE /dead/{id}", s.handlePurge)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.logRequests(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Local API listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// WakeRequest is the body of POST /wake.
type WakeRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ModeRequest is the body of POST /mode.
type ModeRequest struct {
	Background bool `json:"background"`
}

// DialRequest is the body of POST /dial.
type DialRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	RequestID   string `json:"requestId,omitempty"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	var req WakeRequest
	if !readJSON(w, r, &req, true) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = engine.WakeManual
	}
	s.engine.Wake(reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "woken", "reason": reason})
}

// handleMode switches the polling cadence. Entering the foreground also
// wakes the engine.
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	s.engine.SetBackground(req.Background)
	mode := "background"
	if !req.Background {
		mode = "foreground"
		s.engine.Wake(engine.WakeForeground)
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": mode})
}

// handleDial accepts a locally initiated call. Without a request ID the
// call is dialed but not tracked.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req DialRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		writeError(w, http.StatusBadRequest, "phoneNumber is required", engine.ErrCodeValidation)
		return
	}

	result, err := s.engine.Accept(r.Context(), engine.Command{
		PhoneNumber: req.PhoneNumber,
		RequestID:   req.RequestID,
		Source:      engine.SourceLocalHistory,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.engine.Call(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (s *Server) handleDeadList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.DeadLetters(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*engine.SyncTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Requeue(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued", "request_id": id})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Purge(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged", "request_id": id})
}

// writeEngineError maps engine and store errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var code string
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		code = ee.Code
	}

	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), engine.ErrCodeNotFound)
	case errors.Is(err, engine.ErrStateMismatch):
		writeError(w, http.StatusConflict, err.Error(), "STATE_MISMATCH")
	case engine.HasCode(err, engine.ErrCodeValidation):
		writeError(w, http.StatusBadRequest, err.Error(), code)
	case engine.HasCode(err, engine.ErrCodeDialFailed):
		writeError(w, http.StatusBadGateway, err.Error(), code)
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, err.Error(), code)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// readJSON decodes the request body into v. An empty body is accepted
// when optional is set.
func readJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", engine.ErrCodeValidation)
		return false
	}
	if len(body) > maxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", engine.ErrCodeValidation)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if optional {
			return true
		}
		writeError(w, http.StatusBadRequest, "request body is required", engine.ErrCodeValidation)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), engine.ErrCodeValidation)
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}
