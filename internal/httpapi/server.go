// Package httpapi exposes the host loop control surface: start/pause/
// resume/stop/restart plus a status snapshot, matching the teacher's
// internal/transport REST shape (ServeMux method-patterns, JSON
// responses) generalized from task-queue endpoints to loop-lifecycle
// endpoints (SPEC_FULL.md §6).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rookdaemon/substrate/internal/loop"
)

// Controller is the subset of *loop.Orchestrator this server drives.
type Controller interface {
	Start() error
	Pause() error
	Resume() error
	Stop(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Status() loop.Status
	InjectMessage(text string) bool
}

type Server struct {
	ctrl     Controller
	apiToken string
	mux      *http.ServeMux
}

// NewServer wires the control API. apiToken, when non-empty, gates every
// endpoint with a bearer-token check (spec.md §6 "apiToken").
func NewServer(ctrl Controller, apiToken string) *Server {
	s := &Server{ctrl: ctrl, apiToken: apiToken, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/loop/start", s.handleStart)
	s.mux.HandleFunc("POST /api/loop/pause", s.handlePause)
	s.mux.HandleFunc("POST /api/loop/resume", s.handleResume)
	s.mux.HandleFunc("POST /api/loop/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/loop/restart", s.handleRestart)
	s.mux.HandleFunc("GET /api/loop/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/loop/inject", s.handleInject)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiToken != "" && !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ") == s.apiToken
}

// Server builds an *http.Server bound to addr, ready for
// ListenAndServe, mirroring the teacher's transport.Server wiring.
func (s *Server) Server(addr string) *http.Server {
	return &http.Server{Addr: addr, Handler: s}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Pause(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resume(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.ctrl.Stop(ctx); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleRestart stops then starts the loop in place; the process-level
// restart (exit code 75) is the watchdog's job, not this endpoint's.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.ctrl.Stop(ctx); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err := s.ctrl.Start(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

type injectRequest struct {
	Text string `json:"text"`
}

type injectResponse struct {
	Delivered bool `json:"delivered"` // false means queued for the next session
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	delivered := s.ctrl.InjectMessage(req.Text)
	writeJSON(w, http.StatusOK, injectResponse{Delivered: delivered})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
