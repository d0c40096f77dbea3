package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/efebarandurmaz/groundchat/internal/chat"
	"github.com/efebarandurmaz/groundchat/internal/llm"
	"github.com/efebarandurmaz/groundchat/internal/memory"
)

const maxBodyBytes = 1 << 20

// ChatService is the chat API backend.
type ChatService interface {
	Chat(ctx context.Context, req chat.Request) (*chat.Reply, error)
	Reset(ctx context.Context, owner, sessionID string) error
	History(ctx context.Context, owner, sessionID string) ([]memory.Turn, error)
}

// Config configures the HTTP API.
type Config struct {
	Addr         string
	OwnerHeader  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// API routes chat, session, health and metrics requests.
type API struct {
	chat        ChatService
	health      *HealthServer
	metrics     http.Handler
	ownerHeader string
}

// NewAPI creates the HTTP API. health and metrics may be nil.
func NewAPI(svc ChatService, health *HealthServer, metrics http.Handler, ownerHeader string) *API {
	if ownerHeader == "" {
		ownerHeader = "X-User-ID"
	}
	return &API{chat: svc, health: health, metrics: metrics, ownerHeader: ownerHeader}
}

// Handler returns the full route table wrapped in request logging.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", a.handleChat)
	mux.HandleFunc("POST /reset_session", a.handleReset)
	mux.HandleFunc("GET /session/{session_id}", a.handleSession)
	if a.health != nil {
		a.health.Register(mux)
	}
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}
	return logRequests(mux)
}

// NewHTTPServer builds an http.Server for the API.
func NewHTTPServer(cfg Config, handler http.Handler) *http.Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UseRAG    bool   `json:"use_rag"`
	K         *int   `json:"k"`
}

type resetRequest struct {
	SessionID string `json:"session_id"`
}

type sessionResponse struct {
	Owner     string        `json:"owner"`
	SessionID string        `json:"session_id"`
	History   []memory.Turn `json:"history"`
}

type errorResponse struct {
	Error     string `json:"error"`
	SessionID string `json:"session_id,omitempty"`
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}

	reply, err := a.chat.Chat(r.Context(), chat.Request{
		Owner:     owner,
		SessionID: req.SessionID,
		Message:   req.Message,
		UseRAG:    req.UseRAG,
		K:         req.K,
	})
	if err != nil {
		writeError(w, err, req.SessionID)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id is required"})
		return
	}
	if err := a.chat.Reset(r.Context(), owner, req.SessionID); err != nil {
		writeError(w, err, req.SessionID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("session_id")
	history, err := a.chat.History(r.Context(), owner, sessionID)
	if err != nil {
		writeError(w, err, sessionID)
		return
	}
	if len(history) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found", SessionID: sessionID})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Owner: owner, SessionID: sessionID, History: history})
}

// owner reads the caller identity set by the upstream gateway.
func (a *API) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(a.ownerHeader)
	if owner == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + a.ownerHeader + " header"})
		return "", false
	}
	return owner, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

// writeError maps service errors to status codes. Provider and store
// details stay in the logs.
func writeError(w http.ResponseWriter, err error, sessionID string) {
	var se *chat.StageError
	if errors.As(err, &se) && se.SessionID != "" {
		sessionID = se.SessionID
	}

	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, chat.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
		if se != nil {
			msg = se.Err.Error()
		}
	case errors.Is(err, llm.ErrProviderUnavailable):
		status, msg = http.StatusServiceUnavailable, "chat provider unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusGatewayTimeout, "request canceled"
	case se != nil && se.Stage == chat.StageMemory:
		status, msg = http.StatusServiceUnavailable, "memory store unavailable"
	case se != nil && se.Stage == chat.StageCompletion:
		status, msg = http.StatusBadGateway, "chat provider error"
	}
	if status >= 500 {
		slog.Error("request failed", "session_id", sessionID, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg, SessionID: sessionID})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
