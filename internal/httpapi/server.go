// Package httpapi is the daemon's local HTTP API: health, status, metrics,
// message submission and approval decisions.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jasonkneen/claudesky-sub000/internal/permission"
	"github.com/jasonkneen/claudesky-sub000/internal/queue"
	"github.com/jasonkneen/claudesky-sub000/internal/session"
)

// Controller is the part of the session controller the API drives.
type Controller interface {
	Send(ctx context.Context, window, text string, attachments []string) (*queue.Receipt, error)
	Interrupt(ctx context.Context, window string) (bool, error)
	Reset(ctx context.Context, resumeID string) error
}

type Approvals interface {
	Pending() []permission.Escalation
	Deliver(id string, d permission.Decision) bool
}

type Deps struct {
	Controller Controller
	Approvals  Approvals
	// Status returns the body of GET /v1/status.
	Status  func() any
	Metrics http.Handler
	Logger  zerolog.Logger
}

type Server struct {
	listen string
	deps   Deps
	logger zerolog.Logger
	router *chi.Mux
	server *http.Server
}

func New(listen string, deps Deps) *Server {
	s := &Server{
		listen: listen,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "httpapi").Logger(),
		router: chi.NewRouter(),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/messages", s.sendMessage)
		r.Post("/interrupt", s.interrupt)
		r.Post("/reset", s.reset)
		r.Get("/approvals", s.listApprovals)
		r.Post("/approvals/{id}", s.decideApproval)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves in the background. The listener is bound before
// Start returns so configuration errors surface to the caller.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("http api listening")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http api server error")
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status())
}

type sendRequest struct {
	Window      string   `json:"window"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
	// Wait blocks until the message reaches the session or is dropped.
	Wait bool `json:"wait"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "text or attachments required")
		return
	}

	receipt, err := s.deps.Controller.Send(r.Context(), req.Window, req.Text, req.Attachments)
	if err != nil {
		s.writeSendError(w, err)
		return
	}
	resp := sendResponse{ID: receipt.ID, Outcome: receipt.Outcome().String()}
	if req.Wait {
		outcome, err := receipt.Wait(r.Context())
		if err != nil {
			writeError(w, http.StatusRequestTimeout, "cancelled", err.Error())
			return
		}
		resp.Outcome = outcome.String()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) writeSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "closed", err.Error())
	case session.KindOf(err) != "":
		writeError(w, http.StatusServiceUnavailable, string(session.KindOf(err)), err.Error())
	default:
		s.logger.Error().Err(err).Msg("send failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) interrupt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Window string `json:"window"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	ok, err := s.deps.Controller.Interrupt(r.Context(), req.Window)
	if err != nil {
		writeError(w, http.StatusBadGateway, "interrupt_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": ok})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResumeID string `json:"resume_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	if err := s.deps.Controller.Reset(r.Context(), req.ResumeID); err != nil {
		writeError(w, http.StatusInternalServerError, "reset_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"resume_id": req.ResumeID})
}

func (s *Server) listApprovals(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Approvals == nil {
		writeJSON(w, http.StatusOK, []permission.Escalation{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Approvals.Pending())
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var d permission.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if d.Behavior != permission.BehaviorAllow && d.Behavior != permission.BehaviorDeny {
		writeError(w, http.StatusBadRequest, "invalid_request", `behavior must be "allow" or "deny"`)
		return
	}
	if s.deps.Approvals == nil || !s.deps.Approvals.Deliver(id, d) {
		writeError(w, http.StatusNotFound, "not_found", permission.ErrUnknownRequest.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "behavior": string(d.Behavior)})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
