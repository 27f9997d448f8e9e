package localapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"taskmaster/internal/agentloop"
	"taskmaster/internal/convo"
	"taskmaster/internal/insights"
	"taskmaster/internal/llm"
	"taskmaster/internal/taskstore"
)

// DefaultUserID is used when a request does not identify its user.
// The server binds to localhost; the header exists so multiple local
// profiles can share one daemon.
const DefaultUserID = "local"

type Deps struct {
	Store         *taskstore.Store
	Runner        *agentloop.TurnRunner
	Conversations *convo.Manager
	Advisor       *insights.Advisor
	Client        llm.Client
	Model         string
	Logger        *slog.Logger
}

type Server struct {
	deps   Deps
	mux    *http.ServeMux
	hub    *WSHub
	logger *slog.Logger
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		mux:    http.NewServeMux(),
		hub:    NewWSHub(),
		logger: logger.With("module", "localapi"),
	}
	s.registerTaskRoutes()
	s.registerChatRoutes()
	s.registerContextRoutes()
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/ws", s.hub.HandleWS)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok"})
}

func requestUserID(r *http.Request) string {
	if userID := strings.TrimSpace(r.Header.Get("X-User-ID")); userID != "" {
		return userID
	}
	return DefaultUserID
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondStoreError maps the store's typed failures onto HTTP codes.
func respondStoreError(w http.ResponseWriter, err error) {
	var ve *taskstore.ValidationError
	if errors.As(err, &ve) {
		respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", ve.Error())
		return
	}
	var ce *taskstore.ConflictError
	if errors.As(err, &ce) {
		respondError(w, http.StatusConflict, "CONFLICT", ce.Error())
		return
	}
	if errors.Is(err, taskstore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "TASK_NOT_FOUND", "task not found")
		return
	}
	respondError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
}

func (s *Server) publishEvent(topic, userID, taskID string, payload map[string]any) {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.Publish(topic, userID, taskID, payload)
}

func (s *Server) publishStateChanges(userID string, changes []agentloop.StateChange) {
	for _, change := range changes {
		s.publishEvent(change.Kind, userID, change.TaskID, map[string]any{"detail": change.Detail})
	}
}
