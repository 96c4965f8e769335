package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/session"
	"github.com/ent0n29/companion/internal/turn"
)

const maxRequestBody = 4 << 20

// TurnRunner executes one turn, pushing increments through emit.
type TurnRunner interface {
	Run(ctx context.Context, req protocol.TurnRequest, emit turn.Emitter) turn.Result
}

// ControlHandler executes side-channel commands.
type ControlHandler interface {
	Handle(ctx context.Context, req protocol.ControlRequest) protocol.ControlAck
	STTEnabled(sessionID string) bool
}

// SessionDirectory exposes tracked sessions.
type SessionDirectory interface {
	Status(sessionID string) (session.StatusResponse, error)
	ActiveCount() int
}

type Deps struct {
	Turns    TurnRunner
	Control  ControlHandler
	Sessions SessionDirectory
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	// Reported by /healthz.
	LLMProvider string
	MemoryStore string
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser connections must come from the same origin unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.deps.Metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.handleTurn)
		r.Get("/turns/ws", s.handleTurnWS)
		r.Post("/control", s.handleControl)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/perf/latency", s.handlePerfLatency)
		r.Post("/perf/latency/reset", s.handlePerfReset)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.activeSessions(),
		"llm_provider":    s.deps.LLMProvider,
		"memory_store":    s.deps.MemoryStore,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Turns == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "turn pipeline not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleTurn streams one turn as server-sent events. Undecodable bodies are
// still answered with an error increment so callers only parse one format.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, string(turn.KindMalformedRequest), err.Error())
		return
	}

	protocol.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	enc := protocol.NewEncoder(w)
	defer func() { _ = enc.Close() }()

	req, err := protocol.ParseTurnRequest(raw)
	if err != nil {
		_ = enc.Encode(malformedIncrement(err))
		return
	}
	if s.deps.Turns == nil {
		_ = enc.Encode(errorIncrement(req.SessionID, turn.KindGenerationFailed, "turn pipeline not configured"))
		return
	}

	res := s.deps.Turns.Run(r.Context(), req, enc.Encode)
	s.afterTurn(r.Context(), res)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, controlError(err.Error()))
		return
	}
	req, err := protocol.ParseControlRequest(raw)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, controlError(err.Error()))
		return
	}
	if s.deps.Control == nil {
		respondJSON(w, http.StatusServiceUnavailable, controlError("control commands not configured"))
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Control.Handle(r.Context(), req))
}

type sessionStatus struct {
	session.StatusResponse
	STTEnabled bool `json:"stt_enabled"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" || s.deps.Sessions == nil {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	st, err := s.deps.Sessions.Status(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	out := sessionStatus{StatusResponse: st}
	if s.deps.Control != nil {
		out.STTEnabled = s.deps.Control.STTEnabled(id)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) afterTurn(ctx context.Context, res turn.Result) {
	s.deps.Metrics.SetActiveSessions(s.activeSessions())
	if res.Err != nil {
		s.logger.DebugContext(ctx, "turn ended without reply",
			"turn_id", res.TurnID, "kind", res.Kind(), "request_id", middleware.GetReqID(ctx))
	}
}

func (s *Server) activeSessions() int {
	if s.deps.Sessions == nil {
		return 0
	}
	return s.deps.Sessions.ActiveCount()
}

func malformedIncrement(err error) protocol.Increment {
	return errorIncrement("", turn.KindMalformedRequest, err.Error())
}

func errorIncrement(sessionID string, kind turn.Kind, message string) protocol.Increment {
	return protocol.Increment{
		Phase:     protocol.PhaseError,
		SessionID: sessionID,
		Error:     &protocol.ErrorInfo{Kind: string(kind), Message: message},
	}
}

func controlError(message string) protocol.ControlAck {
	return protocol.ControlAck{Status: protocol.ControlError, Message: message, Timestamp: time.Now().UTC()}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
